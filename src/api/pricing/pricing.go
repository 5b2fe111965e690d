// Package pricing turns a container resource request into a lease fee.
//
// The same Quote function backs the public quote endpoint, the CLI and the
// admission gate, and all arithmetic is exact decimal, so a caller who pays
// the quoted amount always satisfies the enforced amount.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	DefaultCores    = 1
	DefaultMemoryMB = 512
	DefaultDiskGB   = 8

	// Fractional digits kept in a fee.
	Scale = 4
)

var (
	baseFee       = decimal.RequireFromString("0.005")
	perMinute     = decimal.RequireFromString("0.00005")
	perCore       = decimal.RequireFromString("0.0005")
	perGBMemory   = decimal.RequireFromString("0.0005")
	perGBDisk     = decimal.RequireFromString("0.0002")
	mbPerGB       = decimal.NewFromInt(1024)
	managementFee = decimal.RequireFromString("0.001")
)

// ErrInvalidInput is returned for negative resource values.
var ErrInvalidInput = errors.New("invalid pricing input")

// Request is the resource shape a fee is computed from.
type Request struct {
	RuntimeMinutes int64 `json:"runtimeMinutes"`
	Cores          int64 `json:"cores"`
	MemoryMB       int64 `json:"memoryMB"`
	DiskGB         int64 `json:"diskGB"`
}

// NewRequest returns a request for runtimeMinutes with default resources.
func NewRequest(runtimeMinutes int64) Request {
	return Request{
		RuntimeMinutes: runtimeMinutes,
		Cores:          DefaultCores,
		MemoryMB:       DefaultMemoryMB,
		DiskGB:         DefaultDiskGB,
	}
}

func (r Request) validate() error {
	switch {
	case r.RuntimeMinutes < 0:
		return fmt.Errorf("%w: runtimeMinutes must not be negative", ErrInvalidInput)
	case r.Cores < 0:
		return fmt.Errorf("%w: cores must not be negative", ErrInvalidInput)
	case r.MemoryMB < 0:
		return fmt.Errorf("%w: memoryMB must not be negative", ErrInvalidInput)
	case r.DiskGB < 0:
		return fmt.Errorf("%w: diskGB must not be negative", ErrInvalidInput)
	}
	return nil
}

// Normalize replaces unset (zero or negative) resources with the defaults a
// container is provisioned with. Runtime is left as given.
func (r Request) Normalize() Request {
	r.Cores = orDefault(r.Cores, DefaultCores)
	r.MemoryMB = orDefault(r.MemoryMB, DefaultMemoryMB)
	r.DiskGB = orDefault(r.DiskGB, DefaultDiskGB)
	return r
}

func orDefault(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

// Price computes
//
//	0.005 + 0.00005*runtime + 0.0005*cores + 0.0005*(memoryMB/1024) + 0.0002*diskGB
//
// over the normalized request, rounded half-to-even to four fractional
// digits. Zero resources are priced as the defaults they provision.
func Price(r Request) (decimal.Decimal, error) {
	if err := r.validate(); err != nil {
		return decimal.Zero, err
	}
	r = r.Normalize()
	total := baseFee.
		Add(perMinute.Mul(decimal.NewFromInt(r.RuntimeMinutes))).
		Add(perCore.Mul(decimal.NewFromInt(r.Cores))).
		Add(perGBMemory.Mul(decimal.NewFromInt(r.MemoryMB).Div(mbPerGB))).
		Add(perGBDisk.Mul(decimal.NewFromInt(r.DiskGB)))
	return total.RoundBank(Scale), nil
}

// Format renders a fee with a dollar prefix and exactly four fractional digits.
func Format(fee decimal.Decimal) string {
	return "$" + fee.StringFixed(Scale)
}

// Quote is Format(Price(r)).
func Quote(r Request) (string, error) {
	fee, err := Price(r)
	if err != nil {
		return "", err
	}
	return Format(fee), nil
}

// ManagementFee is the flat fee charged for exec, console and list calls.
func ManagementFee() decimal.Decimal {
	return managementFee
}

// FromBody parses a JSON request body leniently. Anything that cannot be
// used (bad JSON, missing, zero or negative fields) falls back to the
// defaults, so the result always prices without error.
func FromBody(body []byte) Request {
	var raw struct {
		RuntimeMinutes json.Number `json:"runtimeMinutes"`
		Cores          json.Number `json:"cores"`
		MemoryMB       json.Number `json:"memoryMB"`
		DiskGB         json.Number `json:"diskGB"`
	}
	req := NewRequest(0)
	if len(body) == 0 || json.Unmarshal(body, &raw) != nil {
		return req
	}
	req.RuntimeMinutes = orDefault(integer(raw.RuntimeMinutes), 0)
	req.Cores = integer(raw.Cores)
	req.MemoryMB = integer(raw.MemoryMB)
	req.DiskGB = integer(raw.DiskGB)
	return req.Normalize()
}

// integer reads n, truncating fractions; unusable values read as zero.
func integer(n json.Number) int64 {
	if n == "" {
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		d, derr := decimal.NewFromString(n.String())
		if derr != nil {
			return 0
		}
		v = d.IntPart()
	}
	return v
}

// AtomicUnits converts a fee into the integer base units of a token with the
// given number of decimals (USDC uses 6), e.g. 0.0086 -> "8600".
func AtomicUnits(fee decimal.Decimal, decimals int32) string {
	return fee.Shift(decimals).Truncate(0).String()
}
