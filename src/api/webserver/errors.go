package webserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/infra402/src/api/gate"
	"github.com/stake-plus/infra402/src/api/leases"
	"github.com/stake-plus/infra402/src/api/pve"
)

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"err": msg, "detail": msg})
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, leases.ErrNotFound):
		abort(c, http.StatusNotFound, "No lease found for this container")
	case errors.Is(err, leases.ErrUnauthorized):
		abort(c, http.StatusForbidden, "Not authorized for this container")
	case errors.Is(err, leases.ErrExpired):
		abort(c, http.StatusForbidden, "Lease has expired")
	case errors.Is(err, pve.ErrInvalidInput):
		abort(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, pve.ErrUpstream):
		abort(c, http.StatusBadGateway, "PVE error: "+err.Error())
	default:
		abort(c, http.StatusInternalServerError, err.Error())
	}
}

// payer returns the gate-verified payer or answers with status.
func payer(c *gin.Context, status int) (string, bool) {
	p, ok := gate.PayerFrom(c)
	if !ok {
		abort(c, status, "Missing payment verification")
		return "", false
	}
	return p, true
}
