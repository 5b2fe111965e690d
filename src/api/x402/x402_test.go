package x402

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const payer = "0x1111111111111111111111111111111111111111"

func samplePayload() PaymentPayload {
	return PaymentPayload{
		X402Version: Version,
		Scheme:      "exact",
		Network:     "base-sepolia",
		Payload:     json.RawMessage(`{"signature":"0xabc","authorization":{"from":"` + payer + `","value":"10100"}}`),
	}
}

func TestDecode(t *testing.T) {
	header, err := Encode(samplePayload())
	require.NoError(t, err)

	p, err := Decode(header)
	require.NoError(t, err)
	assert.Equal(t, "exact", p.Scheme)
	assert.Equal(t, payer, p.From())

	_, err = Decode("")
	assert.ErrorIs(t, err, ErrMissing)
	_, err = Decode("%%%not-base64")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Decode("bm90IGpzb24=") // "not json"
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = Decode("e30=") // "{}"
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFingerprintIgnoresSurroundingSpace(t *testing.T) {
	assert.Equal(t, Fingerprint("abc"), Fingerprint("  abc\n"))
	assert.NotEqual(t, Fingerprint("abc"), Fingerprint("abd"))
	assert.Len(t, Fingerprint("abc"), 64)
}

func TestTermsRequirements(t *testing.T) {
	terms := Terms{Network: "base", PayTo: "0xpay", Asset: "0xusdc", AssetName: "USD Coin", AssetVersion: "2"}
	req := terms.Requirements(decimal.RequireFromString("0.0101"), "http://h/lease/container", "lease")

	assert.Equal(t, "exact", req.Scheme)
	assert.Equal(t, "10100", req.MaxAmountRequired)
	assert.Equal(t, "0xpay", req.PayTo)
	assert.Equal(t, 60, req.MaxTimeoutSeconds)
	assert.Equal(t, "USD Coin", req.Extra["name"])

	req = Terms{Decimals: 2}.Requirements(decimal.RequireFromString("1.5"), "", "")
	assert.Equal(t, "150", req.MaxAmountRequired)
	assert.Nil(t, req.Extra)
}

func facilitator(t *testing.T, verify, settle http.HandlerFunc) *Facilitator {
	t.Helper()
	mux := http.NewServeMux()
	if verify != nil {
		mux.HandleFunc("/verify", verify)
	}
	if settle != nil {
		mux.HandleFunc("/settle", settle)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	f := NewFacilitator(srv.URL+"/", srv.Client())
	f.retry.InitialDelay = time.Millisecond
	return f
}

func TestFacilitatorVerify(t *testing.T) {
	var got facilitatorRequest
	f := facilitator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"isValid":true,"payer":"` + payer + `"}`))
	}, nil)

	req := Terms{Network: "base-sepolia"}.Requirements(decimal.RequireFromString("0.001"), "r", "d")
	who, err := f.Verify(context.Background(), samplePayload(), req)
	require.NoError(t, err)
	assert.Equal(t, payer, who)
	assert.Equal(t, "1000", got.PaymentRequirements.MaxAmountRequired)
	assert.Equal(t, Version, got.X402Version)
}

func TestFacilitatorVerify_Rejected(t *testing.T) {
	f := facilitator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"isValid":false,"invalidReason":"insufficient_funds"}`))
	}, nil)

	_, err := f.Verify(context.Background(), samplePayload(), PaymentRequirements{})
	var inv *InvalidError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "insufficient_funds", inv.Reason)
}

func TestFacilitatorVerify_FallsBackToAuthorizationFrom(t *testing.T) {
	f := facilitator(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"isValid":true}`))
	}, nil)

	who, err := f.Verify(context.Background(), samplePayload(), PaymentRequirements{})
	require.NoError(t, err)
	assert.Equal(t, payer, who)
}

func TestFacilitatorVerify_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	f := facilitator(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"isValid":true,"payer":"` + payer + `"}`))
	}, nil)

	_, err := f.Verify(context.Background(), samplePayload(), PaymentRequirements{})
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFacilitatorVerify_Unavailable(t *testing.T) {
	f := facilitator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, nil)

	_, err := f.Verify(context.Background(), samplePayload(), PaymentRequirements{})
	require.Error(t, err)
	var inv *InvalidError
	assert.False(t, errors.As(err, &inv))
}

func TestFacilitatorSettle(t *testing.T) {
	f := facilitator(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"transaction":"0xfeed","network":"base-sepolia","payer":"` + payer + `"}`))
	})
	s, err := f.Settle(context.Background(), samplePayload(), PaymentRequirements{})
	require.NoError(t, err)
	assert.Equal(t, "0xfeed", s.Transaction)

	f = facilitator(t, nil, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"errorReason":"nonce_used"}`))
	})
	_, err = f.Settle(context.Background(), samplePayload(), PaymentRequirements{})
	assert.ErrorContains(t, err, "nonce_used")
}

func TestRedisGuard(t *testing.T) {
	mr := miniredis.RunT(t)
	g := NewRedisGuard(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	ctx := context.Background()
	fp := Fingerprint("proof")

	ok, err := g.Claim(ctx, fp, payer)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Claim(ctx, fp, payer)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, fp))
	ok, err = g.Claim(ctx, fp, payer)
	require.NoError(t, err)
	assert.True(t, ok)
}
