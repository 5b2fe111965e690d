package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stake-plus/infra402/src/logging"
	"github.com/stake-plus/infra402/src/webclient"
)

// Verifier checks a payment proof against requirements and settles it.
type Verifier interface {
	Verify(ctx context.Context, p PaymentPayload, req PaymentRequirements) (payer string, err error)
	Settle(ctx context.Context, p PaymentPayload, req PaymentRequirements) (Settlement, error)
}

// Settlement is the facilitator's answer to /settle.
type Settlement struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// Facilitator talks to a remote x402 facilitator over HTTP.
type Facilitator struct {
	baseURL string
	http    *http.Client
	retry   webclient.Policy
}

func NewFacilitator(baseURL string, h *http.Client) *Facilitator {
	if h == nil {
		h = webclient.NewDefault(15 * time.Second)
	}
	return &Facilitator{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    h,
		retry:   webclient.Policy{Attempts: 3, InitialDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
}

type facilitatorRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

func (f *Facilitator) post(ctx context.Context, path string, p PaymentPayload, req PaymentRequirements, out any) error {
	payload, err := json.Marshal(facilitatorRequest{X402Version: Version, PaymentPayload: p, PaymentRequirements: req})
	if err != nil {
		return err
	}
	status, body, err := webclient.DoWithRetry(ctx, f.retry, func() (int, []byte, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return 0, nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		resp, err := f.http.Do(r)
		if err != nil {
			return 0, nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		return resp.StatusCode, b, err
	})
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	if status >= 400 && status != http.StatusBadRequest {
		return fmt.Errorf("facilitator %s: status %d: %s", path, status, logging.Truncate(body, 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("facilitator %s: decode: %w", path, err)
	}
	return nil
}

// Verify asks the facilitator whether p satisfies req and returns the payer.
func (f *Facilitator) Verify(ctx context.Context, p PaymentPayload, req PaymentRequirements) (string, error) {
	var out struct {
		IsValid       bool   `json:"isValid"`
		InvalidReason string `json:"invalidReason"`
		Payer         string `json:"payer"`
	}
	if err := f.post(ctx, "/verify", p, req, &out); err != nil {
		return "", err
	}
	if !out.IsValid {
		return "", &InvalidError{Reason: out.InvalidReason}
	}
	payer := out.Payer
	if payer == "" {
		payer = p.From()
	}
	if payer == "" {
		return "", &InvalidError{Reason: "no payer in verification response"}
	}
	return payer, nil
}

// Settle submits a verified payment on chain.
func (f *Facilitator) Settle(ctx context.Context, p PaymentPayload, req PaymentRequirements) (Settlement, error) {
	var out Settlement
	if err := f.post(ctx, "/settle", p, req, &out); err != nil {
		return Settlement{}, err
	}
	if !out.Success {
		return out, fmt.Errorf("settlement failed: %s", out.ErrorReason)
	}
	return out, nil
}
