package gate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/infra402/src/api/x402"
)

const wallet = "0xAbC0000000000000000000000000000000000001"

var secret = []byte("test-secret")

type fakeVerifier struct {
	mu        sync.Mutex
	err       error
	settleErr error
	verified  []x402.PaymentRequirements
	settled   int
}

func (f *fakeVerifier) Verify(_ context.Context, p x402.PaymentPayload, req x402.PaymentRequirements) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, req)
	if f.err != nil {
		return "", f.err
	}
	return p.From(), nil
}

func (f *fakeVerifier) Settle(context.Context, x402.PaymentPayload, x402.PaymentRequirements) (x402.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled++
	return x402.Settlement{Success: f.settleErr == nil, Transaction: "0x1"}, f.settleErr
}

func proof(t *testing.T, nonce string) string {
	t.Helper()
	h, err := x402.Encode(x402.PaymentPayload{
		X402Version: 1,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload:     json.RawMessage(`{"authorization":{"from":"` + wallet + `","nonce":"` + nonce + `"}}`),
	})
	require.NoError(t, err)
	return h
}

type harness struct {
	engine   *gin.Engine
	verifier *fakeVerifier
	bodies   []string
	payers   []string
	status   int
}

func newHarness(t *testing.T, guard x402.Guard) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := &harness{verifier: &fakeVerifier{}, status: http.StatusOK}
	g := New(Options{
		Terms:     x402.Terms{Network: "base-sepolia", PayTo: "0xpay", Asset: "0xusdc"},
		Verifier:  h.verifier,
		Guard:     guard,
		JWTSecret: secret,
	})
	r := gin.New()
	r.Use(g.Middleware())
	handler := func(c *gin.Context) {
		b, _ := io.ReadAll(c.Request.Body)
		h.bodies = append(h.bodies, string(b))
		p, _ := PayerFrom(c)
		h.payers = append(h.payers, p)
		c.JSON(h.status, gin.H{"ok": true})
	}
	r.POST("/lease/container", handler)
	r.POST("/lease/:ctid/renew", handler)
	r.POST("/management/exec/:ctid", handler)
	r.GET("/quote", handler)
	h.engine = r
	return h
}

func (h *harness) do(method, path, body, payment string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if payment != "" {
		req.Header.Set(x402.HeaderPayment, payment)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func decode402(t *testing.T, w *httptest.ResponseRecorder) x402.PaymentRequired {
	t.Helper()
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var out x402.PaymentRequired
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestClassify(t *testing.T) {
	cases := []struct {
		method, path string
		want         Route
	}{
		{"POST", "/lease/container", RouteProvision},
		{"POST", "/lease/container/", RouteProvision},
		{"GET", "/lease/container", RouteFree},
		{"POST", "/lease/105/renew", RouteRenew},
		{"POST", "/lease//renew", RouteFree},
		{"POST", "/management/exec/105", RouteManagement},
		{"GET", "/management/list", RouteManagement},
		{"POST", "/foo/console", RouteManagement},
		{"POST", "/x/command/run", RouteManagement},
		{"GET", "/stats/node", RouteFree},
		{"GET", "/relay/105/ws", RouteFree},
		{"GET", "/healthz", RouteFree},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.method, tc.path), "%s %s", tc.method, tc.path)
	}
}

func TestMiddleware_MissingProofQuotesFee(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do("POST", "/lease/container", `{"sku":"s","runtimeMinutes":30,"cores":2,"memoryMB":2048,"diskGB":8}`, "")

	body := decode402(t, w)
	assert.Equal(t, "$0.0101", body.Price)
	assert.Equal(t, "0xpay", body.PayTo)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "10100", body.Accepts[0].MaxAmountRequired)
	assert.Equal(t, "http://example.com/lease/container", body.Accepts[0].Resource)
	assert.Contains(t, body.Error, "X-PAYMENT")
	assert.Empty(t, h.bodies, "handler must not run")
}

func TestMiddleware_UnparseableBodyPricesDefaults(t *testing.T) {
	h := newHarness(t, nil)
	body := decode402(t, h.do("POST", "/lease/container", `not json`, ""))
	assert.Equal(t, "$0.0074", body.Price)
}

func TestMiddleware_OversizedBodyIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	big := strings.Repeat("x", maxPricedBody+1)
	w := h.do("POST", "/lease/container", big, proof(t, "n-big"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, h.bodies, "handler must not run")
	assert.Empty(t, h.verifier.verified, "nothing is verified")

	limit := strings.Repeat(" ", maxPricedBody-2) + "{}"
	w = h.do("POST", "/lease/container", limit, proof(t, "n-limit"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, h.bodies, 1)
	assert.Len(t, h.bodies[0], maxPricedBody, "the handler sees the whole body")
}

func TestMiddleware_ManagementFlatFee(t *testing.T) {
	h := newHarness(t, nil)
	body := decode402(t, h.do("POST", "/management/exec/105", `{"command":"ls"}`, ""))
	assert.Equal(t, "$0.0010", body.Price)
	assert.Equal(t, "1000", body.Accepts[0].MaxAmountRequired)
}

func TestMiddleware_FreeRoutePassesThrough(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do("GET", "/quote", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, h.payers, 1)
	assert.Empty(t, h.payers[0])
	assert.Empty(t, h.verifier.verified)
}

func TestMiddleware_ValidProofRunsHandlerWithBodyAndPayer(t *testing.T) {
	h := newHarness(t, nil)
	payload := `{"sku":"s","runtimeMinutes":60}`
	w := h.do("POST", "/lease/container", payload, proof(t, "1"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{payload}, h.bodies, "body restored for the handler")
	assert.Equal(t, []string{wallet}, h.payers)
	require.Len(t, h.verifier.verified, 1)
	assert.Equal(t, "10400", h.verifier.verified[0].MaxAmountRequired)
	assert.Equal(t, 1, h.verifier.settled)

	who, err := ParseSession(w.Header().Get(HeaderSession), secret)
	require.NoError(t, err)
	assert.Equal(t, wallet, who)
}

func TestMiddleware_RejectedProof(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.err = &x402.InvalidError{Reason: "invalid_exact_evm_payload_signature"}
	body := decode402(t, h.do("POST", "/lease/105/renew", `{"runtimeMinutes":10}`, proof(t, "1")))
	assert.Contains(t, body.Error, "invalid_exact_evm_payload_signature")
	assert.Empty(t, h.bodies)
}

func TestMiddleware_FacilitatorDown(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.err = errors.New("dial tcp: connection refused")
	body := decode402(t, h.do("POST", "/management/exec/105", `{}`, proof(t, "1")))
	assert.Equal(t, "payment verification unavailable", body.Error)
	assert.Empty(t, h.bodies)
}

func TestMiddleware_HandlerFailureSkipsSettlement(t *testing.T) {
	h := newHarness(t, nil)
	h.status = http.StatusBadGateway
	w := h.do("POST", "/lease/container", `{"runtimeMinutes":5}`, proof(t, "1"))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Zero(t, h.verifier.settled)
}

func TestMiddleware_SettlementFailureKeepsResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.verifier.settleErr = errors.New("nonce used")
	w := h.do("POST", "/lease/container", `{"runtimeMinutes":5}`, proof(t, "1"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.verifier.settled)
}

func TestMiddleware_ReplayedProof(t *testing.T) {
	mr := miniredis.RunT(t)
	guard := x402.NewRedisGuard(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	h := newHarness(t, guard)
	p := proof(t, "1")

	require.Equal(t, http.StatusOK, h.do("POST", "/management/exec/105", `{}`, p).Code)
	body := decode402(t, h.do("POST", "/management/exec/105", `{}`, p))
	assert.Equal(t, x402.ErrReplayed.Error(), body.Error)
	assert.Len(t, h.bodies, 1)

	require.Equal(t, http.StatusOK, h.do("POST", "/management/exec/105", `{}`, proof(t, "2")).Code)
}

func TestMiddleware_UnchargedProofCanBeRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	guard := x402.NewRedisGuard(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	h := newHarness(t, guard)
	p := proof(t, "1")

	h.status = http.StatusForbidden
	require.Equal(t, http.StatusForbidden, h.do("POST", "/management/exec/105", `{}`, p).Code)
	h.status = http.StatusOK
	require.Equal(t, http.StatusOK, h.do("POST", "/management/exec/105", `{}`, p).Code)
}

func TestSetPayerOnlyOnce(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)

	_, ok := PayerFrom(c)
	assert.False(t, ok)

	require.NoError(t, SetPayer(c, wallet))
	assert.ErrorIs(t, SetPayer(c, "0xother"), ErrPayerSet)

	p, ok := PayerFrom(c)
	assert.True(t, ok)
	assert.Equal(t, wallet, p)
	p, ok = PayerFromContext(c.Request.Context())
	assert.True(t, ok)
	assert.Equal(t, wallet, p)

	// reading does not consume it
	p, _ = PayerFrom(c)
	assert.Equal(t, wallet, p)
}

func TestParseSession(t *testing.T) {
	now := time.Now()
	tok, err := IssueSession(wallet, secret, time.Hour, now)
	require.NoError(t, err)

	_, err = ParseSession(tok, []byte("other"))
	assert.Error(t, err)

	old, err := IssueSession(wallet, secret, time.Hour, now.Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = ParseSession(old, secret)
	assert.Error(t, err)

	_, err = ParseSession("garbage", secret)
	assert.Error(t, err)
}
