package webserver

import (
	"crypto/tls"
	"log"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/stake-plus/infra402/src/api/leases"
)

// Relay bridges a browser websocket to the node's vncwebsocket endpoint so
// the browser never needs node credentials. The bridge closes when the
// lease expires.
type Relay struct {
	reg      *leases.Registry
	hv       Hypervisor
	now      func() time.Time
	log      *log.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

func NewRelay(d Deps) *Relay {
	origins := d.Config.CORSOrigins
	return &Relay{
		reg: d.Leases,
		hv:  d.PVE,
		now: d.Clock,
		log: d.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			Subprotocols:    []string{"binary"},
			CheckOrigin: func(r *http.Request) bool {
				o := r.Header.Get("Origin")
				return o == "" || slices.Contains(origins, o)
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{"binary"},
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: !d.PVE.Config().VerifySSL},
		},
	}
}

func (r *Relay) Serve(c *gin.Context) {
	ctid := c.Param("ctid")
	owner := c.GetString("addr")
	lease, err := r.reg.RequireActiveLease(c.Request.Context(), ctid, owner, r.now())
	if err != nil {
		respondError(c, err)
		return
	}
	port, err := strconv.Atoi(c.Query("port"))
	ticket := c.Query("vncticket")
	if err != nil || port <= 0 || ticket == "" {
		abort(c, http.StatusBadRequest, "port and vncticket are required")
		return
	}

	upstream, resp, err := r.dialer.DialContext(c.Request.Context(), r.hv.WebsocketURL(ctid, port, ticket), r.hv.AuthHeader())
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		r.log.Printf("relay CT %s: dial node (status %d): %v", ctid, status, err)
		abort(c, http.StatusBadGateway, "PVE error: console websocket unavailable")
		return
	}
	defer upstream.Close()

	client, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.log.Printf("relay CT %s: upgrade: %v", ctid, err)
		return
	}
	defer client.Close()

	var once sync.Once
	done := make(chan struct{})
	finish := func() { once.Do(func() { close(done) }) }

	if lease.ExpiresAt != nil {
		t := time.AfterFunc(lease.ExpiresAt.Sub(r.now()), finish)
		defer t.Stop()
	}
	go pump(client, upstream, finish)
	go pump(upstream, client, finish)
	<-done

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
	_ = client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	r.log.Printf("relay CT %s for %s closed", ctid, owner)
}

// pump copies frames from src to dst until either side fails.
func pump(dst, src *websocket.Conn, done func()) {
	defer done()
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(kind, data); err != nil {
			return
		}
	}
}
