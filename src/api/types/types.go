package types

import "time"

const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Lease is a time-bounded grant of one container to one payer.
type Lease struct {
	LeaseID     string     `gorm:"primaryKey;size:64"`
	CTID        string     `gorm:"column:ctid;size:32;index;not null"`
	OwnerWallet string     `gorm:"size:128;index;not null"`
	Network     string     `gorm:"size:32;not null"`
	SKU         string     `gorm:"size:64"`
	Status      string     `gorm:"size:16;index;not null"`
	ExpiresAt   *time.Time // nil never expires
	CreatedAt   time.Time  `gorm:"not null"`

	// Deprovision bookkeeping for the expiry worker.
	StopPending   bool   `gorm:"default:false"`
	StopAttempts  int    `gorm:"default:0"`
	LastStopError string `gorm:"size:512"`
	StoppedAt     *time.Time
}

func (Lease) TableName() string { return "container_leases" }

// Lease creation
type LeaseRequest struct {
	SKU            string `json:"sku" binding:"required,max=32"`
	RuntimeMinutes int64  `json:"runtimeMinutes" binding:"required,gt=0,lte=525600"` // at most a year
	Hostname       string `json:"hostname" binding:"omitempty,hostname_rfc1123,max=63"`
	Cores          int64  `json:"cores" binding:"omitempty,gte=1,lte=64"`
	MemoryMB       int64  `json:"memoryMB" binding:"omitempty,gte=128"`
	DiskGB         int64  `json:"diskGB" binding:"omitempty,gte=1"`
	Password       string `json:"password" binding:"required,min=6"`
}

// Lease renewal
type RenewLeaseRequest struct {
	RuntimeMinutes int64 `json:"runtimeMinutes" binding:"required,gt=0,lte=525600"`
}

type LeaseResponse struct {
	LeaseID     string  `json:"leaseId"`
	Status      string  `json:"status"`
	CTID        string  `json:"ctid,omitempty"`
	ExpiresAt   *string `json:"expiresAt,omitempty"`
	Message     string  `json:"message,omitempty"`
	OwnerWallet string  `json:"ownerWallet,omitempty"`
}

// Management
type ExecRequest struct {
	Command   string   `json:"command" binding:"required"`
	ExtraArgs []string `json:"extraArgs"`
}

type ExecResponse struct {
	CTID   string `json:"ctid"`
	UPID   string `json:"upid"`
	Output string `json:"output"`
}

type ConsoleRequest struct {
	ConsoleType *string `json:"consoleType"`
}

type ConsoleResponse struct {
	CTID       string  `json:"ctid"`
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Ticket     string  `json:"ticket"`
	User       string  `json:"user"`
	Cert       *string `json:"cert,omitempty"`
	ConsoleURL string  `json:"consoleUrl,omitempty"`
	RelayURL   string  `json:"relayUrl,omitempty"`
	AuthCookie string  `json:"authCookie,omitempty"`
}

type ManagedContainer struct {
	LeaseID   string         `json:"leaseId"`
	CTID      string         `json:"ctid"`
	Status    string         `json:"status"`
	ExpiresAt *string        `json:"expiresAt,omitempty"`
	Network   string         `json:"network"`
	CreatedAt string         `json:"createdAt"`
	VMStatus  map[string]any `json:"vmStatus,omitempty"`
}

// Stats
type UsageStats struct {
	Used  *int64   `json:"used"`
	Total *int64   `json:"total"`
	Free  *int64   `json:"free"`
	Pct   *float64 `json:"pct"`
}

type CPUStats struct {
	Usage *float64 `json:"usage"`
	Cores *int64   `json:"cores"`
	Pct   *float64 `json:"pct"`
}

type NodeStatsResponse struct {
	Node   string     `json:"node"`
	CPU    CPUStats   `json:"cpu"`
	Memory UsageStats `json:"memory"`
	Disk   UsageStats `json:"disk"`
}

type LXCStats struct {
	LeaseID string      `json:"leaseId"`
	CTID    string      `json:"ctid"`
	SKU     string      `json:"sku,omitempty"`
	Status  string      `json:"status,omitempty"`
	CPU     *CPUStats   `json:"cpu,omitempty"`
	Memory  *UsageStats `json:"memory,omitempty"`
	Disk    *UsageStats `json:"disk,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// FormatTime renders t as UTC ISO-8601, or nil.
func FormatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
