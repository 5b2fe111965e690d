package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is built once at startup and handed to constructors by value.
// Nothing below this package reads the environment.
type Config struct {
	Port        string
	Network     string
	PayTo       string
	Asset       string
	Facilitator string
	CORSOrigins []string
	RateLimit   int
	SSLCert     string
	SSLKey      string

	DBDriver  string
	DBPath    string
	MySQLDSN  string
	RedisURL  string
	JWTSecret string

	PVEHost         string
	PVETokenID      string
	PVETokenSecret  string
	PVENode         string
	PVEStorage      string
	PVEOSTemplate   string
	PVERootPassword string
	PVEVerifySSL    bool
	PVEUser         string
	PVEPassword     string

	PollInterval     time.Duration
	TaskPollInterval time.Duration
	TaskTimeout      time.Duration
	MaxStopAttempts  int
}

// USDC contract per x402 network.
var defaultAssets = map[string]string{
	"base":         "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	"base-sepolia": "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
}

type source struct {
	lookup  func(string) (string, bool)
	file    map[string]string
	missing []string
}

func (s *source) get(key, def string) string {
	if v, ok := s.lookup(key); ok && v != "" {
		return v
	}
	if v := s.file[key]; v != "" {
		return v
	}
	return def
}

func (s *source) require(key string) string {
	v := s.get(key, "")
	if v == "" {
		s.missing = append(s.missing, key)
	}
	return v
}

func (s *source) seconds(key, def string) time.Duration {
	n, err := strconv.Atoi(s.get(key, def))
	if err != nil || n <= 0 {
		n, _ = strconv.Atoi(def)
	}
	return time.Duration(n) * time.Second
}

func (s *source) int(key, def string) int {
	n, err := strconv.Atoi(s.get(key, def))
	if err != nil {
		n, _ = strconv.Atoi(def)
	}
	return n
}

// Load reads the process environment, overlaid on the YAML file named by
// INFRA402_CONFIG when set, and exits on missing required keys.
func Load() Config {
	cfg, err := FromLookup(os.LookupEnv)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// FromLookup builds a Config from an environment lookup function.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	s := &source{lookup: lookup}
	if path, ok := lookup("INFRA402_CONFIG"); ok && path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		s.file = file
	}

	network := s.get("NETWORK", "base-sepolia")
	cfg := Config{
		Port:        s.get("PORT", "4021"),
		Network:     network,
		PayTo:       s.require("ADDRESS"),
		Asset:       s.get("PAYMENT_ASSET", defaultAssets[network]),
		Facilitator: strings.TrimRight(s.get("FACILITATOR_URL", "https://x402.org/facilitator"), "/"),
		CORSOrigins: splitList(s.get("CORS_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000")),
		RateLimit:   s.int("RATE_LIMIT", "120"),
		SSLCert:     s.get("SSL_CERT", ""),
		SSLKey:      s.get("SSL_KEY", ""),

		DBDriver:  s.get("DB_DRIVER", "sqlite"),
		DBPath:    s.get("LEASE_DB_PATH", "data/leases.db"),
		MySQLDSN:  s.get("MYSQL_DSN", ""),
		RedisURL:  s.get("REDIS_URL", ""),
		JWTSecret: s.require("JWT_SECRET"),

		PVEHost:         strings.TrimRight(s.require("PVE_HOST"), "/"),
		PVETokenID:      s.require("PVE_TOKEN_ID"),
		PVETokenSecret:  s.require("PVE_TOKEN_SECRET"),
		PVENode:         s.require("PVE_NODE"),
		PVEStorage:      s.require("PVE_STORAGE"),
		PVEOSTemplate:   s.require("PVE_OS_TEMPLATE"),
		PVERootPassword: s.get("PVE_ROOT_PASSWORD", ""),
		PVEVerifySSL:    !strings.EqualFold(s.get("PVE_VERIFY_SSL", "true"), "false"),
		PVEUser:         s.get("PVE_USER", ""),
		PVEPassword:     s.get("PVE_PASSWORD", ""),

		PollInterval:     s.seconds("POLL_INTERVAL", "60"),
		TaskPollInterval: s.seconds("TASK_POLL_INTERVAL", "2"),
		TaskTimeout:      s.seconds("TASK_TIMEOUT", "180"),
		MaxStopAttempts:  s.int("MAX_STOP_ATTEMPTS", "10"),
	}
	if cfg.DBDriver == "mysql" && cfg.MySQLDSN == "" {
		s.missing = append(s.missing, "MYSQL_DSN")
	}
	if len(s.missing) > 0 {
		return Config{}, fmt.Errorf("missing required env vars: %s", strings.Join(s.missing, ", "))
	}
	return cfg, nil
}

// TLS reports whether both halves of a certificate pair are configured.
func (c Config) TLS() bool {
	return c.SSLCert != "" && c.SSLKey != ""
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := map[string]string{}
	if err := yaml.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return out, nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
