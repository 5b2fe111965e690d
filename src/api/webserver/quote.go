package webserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/infra402/src/api/config"
	"github.com/stake-plus/infra402/src/api/pricing"
)

// Quote prices a lease from query parameters with the same function the
// gate enforces. Omitted or zero resources take the defaults, and the
// echoed request shows what would be provisioned.
func Quote(cfg config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := pricing.NewRequest(0)
		fields := []struct {
			name string
			dst  *int64
		}{
			{"runtimeMinutes", &req.RuntimeMinutes},
			{"cores", &req.Cores},
			{"memoryMB", &req.MemoryMB},
			{"diskGB", &req.DiskGB},
		}
		for _, f := range fields {
			v := c.Query(f.name)
			if v == "" {
				continue
			}
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				abort(c, http.StatusBadRequest, f.name+" must be an integer")
				return
			}
			*f.dst = n
		}
		fee, err := pricing.Price(req)
		if err != nil {
			abort(c, http.StatusBadRequest, err.Error())
			return
		}
		req = req.Normalize()
		c.JSON(http.StatusOK, gin.H{
			"price":   pricing.Format(fee),
			"amount":  pricing.AtomicUnits(fee, 6),
			"network": cfg.Network,
			"asset":   cfg.Asset,
			"payTo":   cfg.PayTo,
			"request": req,
		})
	}
}
