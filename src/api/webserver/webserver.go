package webserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/infra402/src/api/config"
	"github.com/stake-plus/infra402/src/api/gate"
	"github.com/stake-plus/infra402/src/api/leases"
	"github.com/stake-plus/infra402/src/api/pve"
	"github.com/stake-plus/infra402/src/logging"
)

// Hypervisor is the part of the Proxmox client the handlers use.
type Hypervisor interface {
	NextID(ctx context.Context) (string, error)
	CreateContainer(ctx context.Context, spec pve.CreateSpec) (pve.TaskResult, error)
	Start(ctx context.Context, vmid string) (pve.TaskResult, error)
	Status(ctx context.Context, vmid string) (map[string]any, error)
	NodeStatus(ctx context.Context) (map[string]any, error)
	RunCommand(ctx context.Context, vmid, command string, extraArgs []string) (pve.ExecResult, error)
	OpenConsole(ctx context.Context, vmid string) (pve.Console, error)
	WebsocketURL(vmid string, port int, vncTicket string) string
	AuthHeader() http.Header
	CookieDomain() string
	Config() pve.Config
}

type Deps struct {
	Config config.Config
	Leases *leases.Registry
	PVE    Hypervisor
	Gate   *gate.Gate
	Clock  func() time.Time
	Logger *log.Logger
}

func New(d Deps) *gin.Engine {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Logger == nil {
		d.Logger = logging.New("http")
	}
	g := gin.New()
	g.Use(gin.Logger(), gin.Recovery())
	attachRoutes(g, d)
	return g
}
