// Minimal end-to-end smoke test for a running infra402 API. It exercises
// only the unpaid surface: no payment proof is ever sent.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	baseURL  = getenv("API_URL", "http://localhost:4021")
	redisURL = getenv("REDIS_URL", "")
)

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	health()
	price := quote()
	challenge(price)
	unauthenticatedStats()
	if redisURL != "" {
		proofs()
	}
	fmt.Println("✓ all endpoints passed")
}

// ----------------------------- free routes

func health() {
	var resp struct{ Status string }
	doReq("GET", "/healthz", nil, nil, &resp, http.StatusOK)
	if resp.Status != "ok" {
		log.Fatalf("healthz: status %q", resp.Status)
	}
}

func quote() string {
	var resp struct {
		Price  string
		Amount string
	}
	doReq("GET", "/quote?runtimeMinutes=30&cores=2&memoryMB=2048&diskGB=8", nil, nil, &resp, http.StatusOK)
	if resp.Price != "$0.0101" || resp.Amount != "10100" {
		log.Fatalf("quote: got %s (%s)", resp.Price, resp.Amount)
	}
	return resp.Price
}

// ----------------------------- payment gate

func challenge(want string) {
	var resp struct {
		X402Version int
		Price       string
		Accepts     []struct {
			Scheme            string
			MaxAmountRequired string
			Resource          string
		}
	}
	doReq("POST", "/lease/container", nil, map[string]any{
		"sku":            "smoke",
		"runtimeMinutes": 30,
		"cores":          2,
		"memoryMB":       2048,
		"diskGB":         8,
		"hostname":       "smoke-" + uuid.NewString()[:8],
		"password":       uuid.NewString(),
	}, &resp, http.StatusPaymentRequired)
	if resp.X402Version != 1 || len(resp.Accepts) != 1 {
		log.Fatalf("402: unexpected challenge %+v", resp)
	}
	if resp.Price != want || resp.Accepts[0].MaxAmountRequired != "10100" {
		log.Fatalf("402: priced %s / %s, quote said %s", resp.Price, resp.Accepts[0].MaxAmountRequired, want)
	}
	if !strings.HasSuffix(resp.Accepts[0].Resource, "/lease/container") {
		log.Fatalf("402: resource %q", resp.Accepts[0].Resource)
	}

	doReq("POST", "/management/exec/100", map[string]string{"X-PAYMENT": "not-base64!"},
		map[string]any{"command": "true"}, nil, http.StatusPaymentRequired)
}

func unauthenticatedStats() {
	doReq("GET", "/stats/node", nil, nil, nil, http.StatusUnauthorized)
}

func proofs() {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("redis url: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	keys, err := rdb.Keys(context.Background(), "x402:proof:*").Result()
	if err != nil {
		log.Fatalf("redis keys: %v", err)
	}
	fmt.Printf("  %d payment proofs on record\n", len(keys))
}

// ----------------------------- helpers

func doReq(method, path string, headers map[string]string, body, out any, want int) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("%s %s encode: %v", method, path, err)
		}
	}
	req, _ := http.NewRequest(method, baseURL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != want {
		log.Fatalf("%s %s: want %d got %d", method, path, want, res.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			log.Fatalf("%s %s decode: %v", method, path, err)
		}
	}
}
