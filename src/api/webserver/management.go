package webserver

import (
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/infra402/src/api/leases"
	"github.com/stake-plus/infra402/src/api/types"
)

const authCookie = "PVEAuthCookie"

type Management struct {
	reg *leases.Registry
	hv  Hypervisor
	now func() time.Time
	log *log.Logger
}

func NewManagement(d Deps) Management {
	return Management{reg: d.Leases, hv: d.PVE, now: d.Clock, log: d.Logger}
}

// Exec runs a command inside a container the payer actively leases.
func (m Management) Exec(c *gin.Context) {
	ctid := c.Param("ctid")
	var req types.ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	owner, ok := payer(c, http.StatusUnauthorized)
	if !ok {
		return
	}
	if _, err := m.reg.RequireActiveLease(c.Request.Context(), ctid, owner, m.now()); err != nil {
		respondError(c, err)
		return
	}

	res, err := m.hv.RunCommand(c.Request.Context(), ctid, req.Command, req.ExtraArgs)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.ExecResponse{CTID: ctid, UPID: res.UPID, Output: res.Output})
}

// Console hands out VNC console parameters and, when available, the node
// auth cookie the browser needs for the noVNC page.
func (m Management) Console(c *gin.Context) {
	ctid := c.Param("ctid")
	var req types.ConsoleRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abort(c, http.StatusBadRequest, err.Error())
		return
	}
	owner, ok := payer(c, http.StatusUnauthorized)
	if !ok {
		return
	}
	if _, err := m.reg.RequireActiveLease(c.Request.Context(), ctid, owner, m.now()); err != nil {
		respondError(c, err)
		return
	}
	if req.ConsoleType != nil && *req.ConsoleType != "vnc" && *req.ConsoleType != "spice" {
		abort(c, http.StatusBadRequest, "Unsupported console type")
		return
	}

	con, err := m.hv.OpenConsole(c.Request.Context(), ctid)
	if err != nil {
		respondError(c, err)
		return
	}
	if con.AuthCookie != "" {
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(authCookie, con.AuthCookie, 0, "/", m.hv.CookieDomain(), true, true)
	}

	relay := url.Values{"port": {strconv.Itoa(con.Port)}, "vncticket": {con.Ticket}}
	c.JSON(http.StatusOK, types.ConsoleResponse{
		CTID:       ctid,
		Host:       con.Host,
		Port:       con.Port,
		Ticket:     con.Ticket,
		User:       con.User,
		Cert:       con.Cert,
		ConsoleURL: con.ConsoleURL,
		RelayURL:   "/relay/" + url.PathEscape(ctid) + "/ws?" + relay.Encode(),
		AuthCookie: con.AuthCookie,
	})
}

// List returns the payer's leases with each container's live status. A
// status lookup failure leaves vmStatus empty for that entry.
func (m Management) List(c *gin.Context) {
	owner, ok := payer(c, http.StatusUnauthorized)
	if !ok {
		return
	}
	ls, err := m.reg.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]types.ManagedContainer, 0, len(ls))
	for _, l := range ls {
		st, err := m.hv.Status(c.Request.Context(), l.CTID)
		if err != nil {
			m.log.Printf("status CT %s: %v", l.CTID, err)
			st = nil
		}
		out = append(out, types.ManagedContainer{
			LeaseID:   l.LeaseID,
			CTID:      l.CTID,
			Status:    l.Status,
			ExpiresAt: types.FormatTime(l.ExpiresAt),
			Network:   l.Network,
			CreatedAt: l.CreatedAt.UTC().Format(time.RFC3339),
			VMStatus:  st,
		})
	}
	c.JSON(http.StatusOK, out)
}
