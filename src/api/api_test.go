package api

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/infra402/src/api/config"
	"github.com/stake-plus/infra402/src/api/leases"
	"github.com/stake-plus/infra402/src/api/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	env := map[string]string{
		"ADDRESS":          "0xpay",
		"JWT_SECRET":       "secret",
		"PVE_HOST":         "https://pve.example:8006/",
		"PVE_TOKEN_ID":     "root@pam!infra",
		"PVE_TOKEN_SECRET": "tok",
		"PVE_NODE":         "pve",
		"PVE_STORAGE":      "local-lvm",
		"PVE_OS_TEMPLATE":  "local:vztmpl/debian-12.tar.zst",
		"LEASE_DB_PATH":    filepath.Join(t.TempDir(), "db", "leases.db"),
		"TASK_TIMEOUT":     "30",
		"PORT":             "0",
	}
	cfg, err := config.FromLookup(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.NoError(t, err)
	return cfg
}

func TestPVEConfig(t *testing.T) {
	pc := PVEConfig(testConfig(t))
	assert.Equal(t, "https://pve.example:8006", pc.Host)
	assert.Equal(t, "pve", pc.Node)
	assert.Equal(t, 30*time.Second, pc.TaskTimeout)
	assert.Equal(t, 2*time.Second, pc.PollInterval)
	assert.True(t, pc.VerifySSL)
}

func TestTerms(t *testing.T) {
	terms := Terms(testConfig(t))
	assert.Equal(t, "base-sepolia", terms.Network)
	assert.Equal(t, "0x036CbD53842c5426634e7929541eC2318f3dCF7e", terms.Asset)
	assert.Equal(t, "USDC", terms.AssetName)
}

func TestOpenStore_CreatesSqliteFile(t *testing.T) {
	cfg := testConfig(t)
	db, err := OpenStore(cfg)
	require.NoError(t, err)
	reg := leases.New(db)
	require.NoError(t, reg.Create(context.Background(), types.Lease{
		LeaseID: "small-1", CTID: "100", OwnerWallet: "0xabc", Network: "base-sepolia", Status: types.StatusActive,
	}))
	assert.FileExists(t, cfg.DBPath)
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	s, err := New(testConfig(t))
	require.NoError(t, err)
	assert.Nil(t, s.rdb)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
