// Package x402 holds the HTTP 402 payment wire types, a client for an x402
// facilitator's verify/settle endpoints, and a replay guard for proofs.
package x402

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zeebo/blake3"

	"github.com/stake-plus/infra402/src/api/pricing"
)

const (
	Version = 1

	HeaderPayment = "X-PAYMENT"
)

var (
	ErrMissing   = errors.New("X-PAYMENT header is required")
	ErrMalformed = errors.New("malformed X-PAYMENT header")
	ErrReplayed  = errors.New("payment proof already used")
)

// InvalidError is a proof the facilitator rejected.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	if e.Reason == "" {
		return "payment proof rejected"
	}
	return "payment proof rejected: " + e.Reason
}

// PaymentRequirements tells a client what to pay for a resource.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int            `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Price       string                `json:"price"`
	PayTo       string                `json:"payTo"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     json.RawMessage `json:"payload"`
}

// From returns the authorizing wallet named inside an "exact" scheme payload.
func (p PaymentPayload) From() string {
	var inner struct {
		Authorization struct {
			From string `json:"from"`
		} `json:"authorization"`
	}
	if json.Unmarshal(p.Payload, &inner) != nil {
		return ""
	}
	return inner.Authorization.From
}

// Decode parses a base64 JSON X-PAYMENT header value.
func Decode(header string) (PaymentPayload, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return PaymentPayload{}, ErrMissing
	}
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		if raw, err = base64.RawURLEncoding.DecodeString(header); err != nil {
			return PaymentPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PaymentPayload{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(p.Payload) == 0 {
		return PaymentPayload{}, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	return p, nil
}

// Encode is the inverse of Decode.
func Encode(p PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Fingerprint identifies a proof for replay detection.
func Fingerprint(header string) string {
	sum := blake3.Sum256([]byte(strings.TrimSpace(header)))
	return hex.EncodeToString(sum[:])
}

// Terms are the fixed parts of every requirement this server issues.
type Terms struct {
	Network  string
	PayTo    string
	Asset    string
	Decimals int32
	// EIP-712 domain of the asset, needed by "exact" scheme clients.
	AssetName    string
	AssetVersion string
	Timeout      int
}

// Requirements prices a resource in the asset's base units.
func (t Terms) Requirements(fee decimal.Decimal, resource, description string) PaymentRequirements {
	decimals := t.Decimals
	if decimals == 0 {
		decimals = 6
	}
	timeout := t.Timeout
	if timeout == 0 {
		timeout = 60
	}
	req := PaymentRequirements{
		Scheme:            "exact",
		Network:           t.Network,
		MaxAmountRequired: pricing.AtomicUnits(fee, decimals),
		Resource:          resource,
		Description:       description,
		MimeType:          "application/json",
		PayTo:             t.PayTo,
		MaxTimeoutSeconds: timeout,
		Asset:             t.Asset,
	}
	if t.AssetName != "" {
		req.Extra = map[string]any{"name": t.AssetName, "version": t.AssetVersion}
	}
	return req
}
