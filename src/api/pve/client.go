// Package pve is a small client for the Proxmox VE HTTP API covering what a
// lease needs: allocate an id, create/start/stop an LXC container, run a
// command, open a console and read status.
//
// Mutating calls return a task UPID; WaitForTask polls the task on a fixed
// interval until it stops or the configured timeout passes. Nothing here is
// retried: every failure surfaces as an error matching ErrUpstream.
package pve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stake-plus/infra402/src/api/metrics"
	"github.com/stake-plus/infra402/src/logging"
	"github.com/stake-plus/infra402/src/webclient"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTaskTimeout  = 180 * time.Second
)

// Config is the immutable connection setup for one node.
type Config struct {
	Host         string // https://pve.example:8006
	TokenID      string
	TokenSecret  string
	Node         string
	Storage      string
	OSTemplate   string
	RootPassword string // used when a create request carries no password
	VerifySSL    bool

	// Console access tickets need a real user; API tokens cannot mint them.
	User     string
	Password string

	PollInterval time.Duration
	TaskTimeout  time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the default TLS-aware client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithClock replaces time.Now for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func New(cfg Config, opts ...Option) *Client {
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	c := &Client{
		cfg:  cfg,
		http: webclient.NewTLS(30*time.Second, cfg.VerifySSL),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Config() Config { return c.cfg }

type call struct {
	op     string
	method string
	path   string
	query  url.Values
	form   url.Values
	noAuth bool
}

// do performs one API call and returns the "data" member of the envelope.
func (c *Client) do(ctx context.Context, in call) (data json.RawMessage, err error) {
	start := time.Now()
	defer func() { metrics.ObserveHypervisor(in.op, start, err) }()

	u := c.cfg.Host + "/api2/json" + in.path
	if len(in.query) > 0 {
		u += "?" + in.query.Encode()
	}
	var body io.Reader
	if in.form != nil {
		body = strings.NewReader(in.form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, in.method, u, body)
	if err != nil {
		return nil, &Error{Op: in.op, Err: err}
	}
	if in.form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if !in.noAuth {
		req.Header.Set("Authorization", "PVEAPIToken="+c.cfg.TokenID+"="+c.cfg.TokenSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: in.op, Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: in.op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Op: in.op, StatusCode: resp.StatusCode, Body: logging.Truncate(raw, 500)}
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, &Error{Op: in.op, StatusCode: resp.StatusCode, Body: logging.Truncate(raw, 200), Err: ErrNotJSON}
	}
	return envelope.Data, nil
}

func (c *Client) nodePath(format string, args ...any) string {
	return "/nodes/" + url.PathEscape(c.cfg.Node) + fmt.Sprintf(format, args...)
}

func (c *Client) lxcPath(vmid, suffix string) string {
	return c.nodePath("/lxc/%s%s", url.PathEscape(vmid), suffix)
}

// NextID asks the cluster for a free VMID.
func (c *Client) NextID(ctx context.Context) (string, error) {
	data, err := c.do(ctx, call{op: "nextid", method: http.MethodGet, path: "/cluster/nextid"})
	if err != nil {
		return "", err
	}
	id := scalar(data)
	if id == "" {
		return "", &Error{Op: "nextid", Body: string(data), Err: ErrNotJSON}
	}
	return id, nil
}

// CreateSpec describes a new container.
type CreateSpec struct {
	VMID     string
	Hostname string
	Cores    int64
	MemoryMB int64
	DiskGB   int64
	Password string
	Start    bool
}

// TaskResult is a finished task: its UPID and final status record.
type TaskResult struct {
	UPID   string
	Status map[string]any
}

// CreateContainer submits an LXC create and waits for the task.
func (c *Client) CreateContainer(ctx context.Context, spec CreateSpec) (TaskResult, error) {
	password := spec.Password
	if password == "" {
		password = c.cfg.RootPassword
	}
	if password == "" {
		return TaskResult{}, fmt.Errorf("%w: a root password is required to create containers", ErrInvalidInput)
	}
	form := url.Values{
		"vmid":         {spec.VMID},
		"hostname":     {spec.Hostname},
		"cores":        {strconv.FormatInt(spec.Cores, 10)},
		"memory":       {strconv.FormatInt(spec.MemoryMB, 10)},
		"ostemplate":   {c.cfg.OSTemplate},
		"rootfs":       {fmt.Sprintf("%s:%d", c.cfg.Storage, spec.DiskGB)},
		"storage":      {c.cfg.Storage},
		"password":     {password},
		"start":        {boolFlag(spec.Start)},
		"unprivileged": {"1"},
	}
	return c.submit(ctx, call{op: "create", method: http.MethodPost, path: c.nodePath("/lxc"), form: form})
}

// Start boots a container and waits for the task.
func (c *Client) Start(ctx context.Context, vmid string) (TaskResult, error) {
	return c.submit(ctx, call{op: "start", method: http.MethodPost, path: c.lxcPath(vmid, "/status/start"), form: url.Values{}})
}

// Stop asks the node to stop a container and returns the task UPID
// without waiting for it.
func (c *Client) Stop(ctx context.Context, vmid string) (string, error) {
	data, err := c.do(ctx, call{op: "stop", method: http.MethodPost, path: c.lxcPath(vmid, "/status/stop"), form: url.Values{}})
	if err != nil {
		return "", err
	}
	return scalar(data), nil
}

// Status returns the container's status/current record.
func (c *Client) Status(ctx context.Context, vmid string) (map[string]any, error) {
	data, err := c.do(ctx, call{op: "status", method: http.MethodGet, path: c.lxcPath(vmid, "/status/current")})
	if err != nil {
		return nil, err
	}
	return object("status", data)
}

// NodeStatus returns the node's resource summary.
func (c *Client) NodeStatus(ctx context.Context) (map[string]any, error) {
	data, err := c.do(ctx, call{op: "node_status", method: http.MethodGet, path: c.nodePath("/status")})
	if err != nil {
		return nil, err
	}
	return object("node_status", data)
}

// ExecResult is the outcome of RunCommand.
type ExecResult struct {
	UPID   string
	Status map[string]any
	Output string
}

// RunCommand runs a command in the container, waits for it, and collects
// the task log as its output.
func (c *Client) RunCommand(ctx context.Context, vmid, command string, extraArgs []string) (ExecResult, error) {
	form := url.Values{"command": {command}, "tty": {"0"}}
	for _, a := range extraArgs {
		form.Add("extra-args", a)
	}
	res, err := c.submit(ctx, call{op: "exec", method: http.MethodPost, path: c.lxcPath(vmid, "/exec"), form: form})
	if err != nil {
		return ExecResult{}, err
	}
	lines, err := c.TaskLog(ctx, res.UPID)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{
		UPID:   res.UPID,
		Status: res.Status,
		Output: strings.TrimSpace(strings.Join(lines, "\n")),
	}, nil
}

// TaskLog returns the text lines of a task's log.
func (c *Client) TaskLog(ctx context.Context, upid string) ([]string, error) {
	data, err := c.do(ctx, call{
		op:     "task_log",
		method: http.MethodGet,
		path:   c.nodePath("/tasks/%s/log", url.PathEscape(upid)),
		query:  url.Values{"start": {"0"}},
	})
	if err != nil {
		return nil, err
	}
	var entries []struct {
		T string `json:"t"`
	}
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, &Error{Op: "task_log", Body: logging.Truncate(data, 200), Err: ErrNotJSON}
		}
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.T)
	}
	return lines, nil
}

// submit performs a task-returning call and waits for the task.
func (c *Client) submit(ctx context.Context, in call) (TaskResult, error) {
	data, err := c.do(ctx, in)
	if err != nil {
		return TaskResult{}, err
	}
	upid := scalar(data)
	if upid == "" {
		return TaskResult{}, &Error{Op: in.op, Body: string(data), Err: errors.New("no task id in response")}
	}
	status, err := c.WaitForTask(ctx, upid)
	if err != nil {
		return TaskResult{UPID: upid}, err
	}
	return TaskResult{UPID: upid, Status: status}, nil
}

// WaitForTask polls a task until it stops. A stopped task with exit status
// "OK" returns its status record; any other exit status is a *TaskError;
// running past the timeout is ErrTaskTimeout. Transport errors end the wait
// immediately.
func (c *Client) WaitForTask(ctx context.Context, upid string) (map[string]any, error) {
	deadline := c.now().Add(c.cfg.TaskTimeout)
	started := time.Now()
	defer func() { metrics.TaskWait.Observe(time.Since(started).Seconds()) }()

	path := c.nodePath("/tasks/%s/status", url.PathEscape(upid))
	for {
		data, err := c.do(ctx, call{op: "task_status", method: http.MethodGet, path: path})
		if err != nil {
			return nil, err
		}
		status, err := object("task_status", data)
		if err != nil {
			return nil, err
		}
		if str(status["status"]) == "stopped" {
			if exit := str(status["exitstatus"]); exit != "OK" {
				return nil, &TaskError{UPID: upid, ExitStatus: exit}
			}
			return status, nil
		}
		if c.now().After(deadline) {
			return nil, &Error{Op: "task_status", Err: fmt.Errorf("%w: %s after %s", ErrTaskTimeout, upid, c.cfg.TaskTimeout)}
		}

		t := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, &Error{Op: "task_status", Err: ctx.Err()}
		case <-t.C:
		}
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// scalar reads a JSON string or number as a string.
func scalar(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		return n.String()
	}
	return ""
}

func object(op string, data json.RawMessage) (map[string]any, error) {
	out := map[string]any{}
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{Op: op, Body: logging.Truncate(data, 200), Err: ErrNotJSON}
	}
	return out, nil
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
