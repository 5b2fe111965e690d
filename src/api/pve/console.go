package pve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Console is what a caller needs to attach to a container's VNC console.
type Console struct {
	Host       string
	Port       int
	Ticket     string
	User       string
	Cert       *string
	ConsoleURL string
	// AuthCookie is a PVEAuthCookie value; empty when no console user is configured.
	AuthCookie string
}

// AccessTicket is the result of a password login.
type AccessTicket struct {
	Ticket   string `json:"ticket"`
	CSRF     string `json:"CSRFPreventionToken"`
	Username string `json:"username"`
}

// VNCProxy opens a websocket-capable VNC proxy for the container.
func (c *Client) VNCProxy(ctx context.Context, vmid string) (map[string]any, error) {
	data, err := c.do(ctx, call{
		op:     "vncproxy",
		method: http.MethodPost,
		path:   c.lxcPath(vmid, "/vncproxy"),
		form:   url.Values{"websocket": {"1"}},
	})
	if err != nil {
		return nil, err
	}
	return object("vncproxy", data)
}

// AccessTicket logs in with the configured console user.
func (c *Client) AccessTicket(ctx context.Context) (AccessTicket, error) {
	if c.cfg.User == "" {
		return AccessTicket{}, &Error{Op: "access_ticket", Err: errors.New("no console user configured")}
	}
	data, err := c.do(ctx, call{
		op:     "access_ticket",
		method: http.MethodPost,
		path:   "/access/ticket",
		form:   url.Values{"username": {c.cfg.User}, "password": {c.cfg.Password}},
		noAuth: true,
	})
	if err != nil {
		return AccessTicket{}, err
	}
	var t AccessTicket
	if err := json.Unmarshal(data, &t); err != nil {
		return AccessTicket{}, &Error{Op: "access_ticket", Err: ErrNotJSON}
	}
	return t, nil
}

// OpenConsole creates a VNC proxy and, when a console user is configured,
// an access ticket whose value authorizes the browser's websocket.
func (c *Client) OpenConsole(ctx context.Context, vmid string) (Console, error) {
	var cookie string
	if c.cfg.User != "" {
		t, err := c.AccessTicket(ctx)
		if err != nil {
			return Console{}, err
		}
		cookie = t.Ticket
	}
	data, err := c.VNCProxy(ctx, vmid)
	if err != nil {
		return Console{}, err
	}
	ticket := str(data["ticket"])
	if ticket == "" {
		return Console{}, &Error{Op: "vncproxy", Err: errors.New("VNC proxy did not return a ticket")}
	}
	port, _ := strconv.Atoi(str(data["port"]))
	out := Console{
		Host:       c.cfg.Host,
		Port:       port,
		Ticket:     ticket,
		User:       str(data["user"]),
		ConsoleURL: c.ConsoleURL(vmid, ticket),
		AuthCookie: cookie,
	}
	if cert := str(data["cert"]); cert != "" {
		out.Cert = &cert
	}
	return out, nil
}

// ConsoleURL is the noVNC page for the container on the node's web UI.
func (c *Client) ConsoleURL(vmid, vncTicket string) string {
	q := url.Values{
		"console":   {"lxc"},
		"novnc":     {"1"},
		"vmid":      {vmid},
		"node":      {c.cfg.Node},
		"resize":    {"off"},
		"cmd":       {""},
		"vncticket": {vncTicket},
	}
	return c.cfg.Host + "/?" + q.Encode()
}

// WebsocketURL is the node's vncwebsocket endpoint for a proxy port/ticket.
func (c *Client) WebsocketURL(vmid string, port int, vncTicket string) string {
	base := c.cfg.Host
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	q := url.Values{"port": {strconv.Itoa(port)}, "vncticket": {vncTicket}}
	return base + "/api2/json" + c.lxcPath(vmid, "/vncwebsocket") + "?" + q.Encode()
}

// AuthHeader is the API token header value, for callers that dial the node
// directly (the console relay).
func (c *Client) AuthHeader() http.Header {
	return http.Header{"Authorization": {"PVEAPIToken=" + c.cfg.TokenID + "=" + c.cfg.TokenSecret}}
}

// CookieDomain is the bare host name of the node, for PVEAuthCookie.
func (c *Client) CookieDomain() string {
	u, err := url.Parse(c.cfg.Host)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
