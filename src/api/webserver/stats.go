package webserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/infra402/src/api/leases"
	"github.com/stake-plus/infra402/src/api/types"
)

type Stats struct {
	reg  *leases.Registry
	hv   Hypervisor
	node string
}

func NewStats(d Deps) Stats {
	return Stats{reg: d.Leases, hv: d.PVE, node: d.PVE.Config().Node}
}

func (s Stats) Node(c *gin.Context) {
	st, err := s.hv.NodeStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.NodeStatsResponse{
		Node:   s.node,
		CPU:    cpuStats(st["cpu"], st["maxcpu"]),
		Memory: usageStats(st["mem"], st["maxmem"]),
		Disk:   usageStats(st["disk"], st["maxdisk"]),
	})
}

// LXC reports live usage for each container the session wallet leases.
func (s Stats) LXC(c *gin.Context) {
	owner := c.GetString("addr")
	ls, err := s.reg.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]types.LXCStats, 0, len(ls))
	for _, l := range ls {
		row := types.LXCStats{LeaseID: l.LeaseID, CTID: l.CTID, SKU: l.SKU}
		st, err := s.hv.Status(c.Request.Context(), l.CTID)
		if err != nil {
			row.Error = err.Error()
			out = append(out, row)
			continue
		}
		row.Status, _ = st["status"].(string)
		cpu := cpuStats(st["cpu"], st["cpus"])
		mem := usageStats(st["mem"], st["maxmem"])
		disk := usageStats(st["disk"], st["maxdisk"])
		row.CPU, row.Memory, row.Disk = &cpu, &mem, &disk
		out = append(out, row)
	}
	c.JSON(http.StatusOK, out)
}

func cpuStats(usage, cores any) types.CPUStats {
	out := types.CPUStats{Cores: intPtr(cores)}
	if u, ok := number(usage); ok {
		pct := u * 100
		out.Usage, out.Pct = &u, &pct
	}
	return out
}

func usageStats(used, total any) types.UsageStats {
	out := types.UsageStats{Used: intPtr(used), Total: intPtr(total)}
	if out.Used != nil && out.Total != nil && *out.Total > 0 {
		free := max(*out.Total-*out.Used, 0)
		pct := float64(*out.Used) / float64(*out.Total) * 100
		out.Free, out.Pct = &free, &pct
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func intPtr(v any) *int64 {
	f, ok := number(v)
	if !ok {
		return nil
	}
	n := int64(f)
	return &n
}
