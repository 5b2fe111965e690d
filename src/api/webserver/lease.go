package webserver

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/stake-plus/infra402/src/api/leases"
	"github.com/stake-plus/infra402/src/api/metrics"
	"github.com/stake-plus/infra402/src/api/pricing"
	"github.com/stake-plus/infra402/src/api/pve"
	"github.com/stake-plus/infra402/src/api/types"
)

type Leases struct {
	reg     *leases.Registry
	hv      Hypervisor
	network string
	now     func() time.Time
	log     *log.Logger
}

func NewLeases(d Deps) Leases {
	return Leases{reg: d.Leases, hv: d.PVE, network: d.Config.Network, now: d.Clock, log: d.Logger}
}

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// Container provisions a container for the payer and records the lease.
func (h Leases) Container(c *gin.Context) {
	var req types.LeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	owner, ok := payer(c, http.StatusInternalServerError)
	if !ok {
		return
	}

	// provision exactly what the gate priced
	res := pricing.Request{Cores: req.Cores, MemoryMB: req.MemoryMB, DiskGB: req.DiskGB}.Normalize()
	spec := pve.CreateSpec{
		Hostname: req.Hostname,
		Cores:    res.Cores,
		MemoryMB: res.MemoryMB,
		DiskGB:   res.DiskGB,
		Password: req.Password,
		Start:    true,
	}
	if spec.Hostname == "" {
		spec.Hostname = req.SKU + "-" + shortID(6)
	}

	ctx := c.Request.Context()
	vmid, err := h.hv.NextID(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	spec.VMID = vmid
	if _, err := h.hv.CreateContainer(ctx, spec); err != nil {
		h.log.Printf("create CT %s for %s: %v", vmid, owner, err)
		respondError(c, err)
		return
	}

	now := h.now().UTC()
	expires := now.Add(time.Duration(req.RuntimeMinutes) * time.Minute)
	lease := types.Lease{
		LeaseID:     req.SKU + "-" + shortID(8),
		CTID:        vmid,
		OwnerWallet: owner,
		Network:     h.network,
		SKU:         req.SKU,
		Status:      types.StatusActive,
		ExpiresAt:   &expires,
		CreatedAt:   now,
	}
	if err := h.reg.Create(ctx, lease); err != nil {
		h.log.Printf("record lease %s on CT %s: %v", lease.LeaseID, vmid, err)
		respondError(c, err)
		return
	}
	metrics.Leases.WithLabelValues("created").Inc()

	c.JSON(http.StatusOK, types.LeaseResponse{
		LeaseID:     lease.LeaseID,
		Status:      lease.Status,
		CTID:        vmid,
		ExpiresAt:   types.FormatTime(lease.ExpiresAt),
		Message:     fmt.Sprintf("Lease for %s granted for %d minutes.", req.SKU, req.RuntimeMinutes),
		OwnerWallet: strings.ToLower(owner),
	})
}

// Renew extends the payer's lease, starting the container again if the
// worker already stopped it.
func (h Leases) Renew(c *gin.Context) {
	ctid := c.Param("ctid")
	var req types.RenewLeaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	owner, ok := payer(c, http.StatusUnauthorized)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if _, err := h.reg.RequireOwner(ctx, ctid, owner); err != nil {
		respondError(c, err)
		return
	}
	st, err := h.hv.Status(ctx, ctid)
	if err != nil {
		respondError(c, err)
		return
	}
	if st["status"] != "running" {
		if _, err := h.hv.Start(ctx, ctid); err != nil {
			h.log.Printf("start CT %s on renew: %v", ctid, err)
			respondError(c, err)
			return
		}
	}

	lease, err := h.reg.Renew(ctx, ctid, owner, time.Duration(req.RuntimeMinutes)*time.Minute, h.now())
	if err != nil {
		respondError(c, err)
		return
	}
	metrics.Leases.WithLabelValues("renewed").Inc()

	c.JSON(http.StatusOK, types.LeaseResponse{
		LeaseID:     lease.LeaseID,
		Status:      lease.Status,
		CTID:        ctid,
		ExpiresAt:   types.FormatTime(lease.ExpiresAt),
		Message:     fmt.Sprintf("Lease renewed for %d minutes.", req.RuntimeMinutes),
		OwnerWallet: lease.OwnerWallet,
	})
}
