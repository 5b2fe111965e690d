package pricing_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stake-plus/infra402/src/api/pricing"
)

func TestPrice_Formula(t *testing.T) {
	cases := []struct {
		name string
		req  pricing.Request
		want string
	}{
		{"defaults with no runtime", pricing.NewRequest(0), "$0.0074"},
		{"one hour defaults", pricing.NewRequest(60), "$0.0104"},
		{"two cores two gigs", pricing.Request{RuntimeMinutes: 30, Cores: 2, MemoryMB: 2048, DiskGB: 8}, "$0.0101"},
		{"fractional memory", pricing.Request{RuntimeMinutes: 1, Cores: 1, MemoryMB: 1000, DiskGB: 1}, "$0.0062"},
		{"large box", pricing.Request{RuntimeMinutes: 1440, Cores: 8, MemoryMB: 16384, DiskGB: 100}, "$0.1090"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := pricing.Quote(tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPrice_RoundsHalfToEven(t *testing.T) {
	// 0.005 + 0.00005 + 0.0005 + 0.0005*(1/1024) + 0.0002 = 0.00575048828125
	fee, err := pricing.Price(pricing.Request{RuntimeMinutes: 1, Cores: 1, MemoryMB: 1, DiskGB: 1})
	require.NoError(t, err)
	assert.True(t, fee.Equal(decimal.RequireFromString("0.0058")), fee.String())

	// 0.005 + 0.00025 + 0.0005 + 0.0005 + 0.0002 = 0.00645 exactly -> banker's rounding keeps 0.0064
	fee, err = pricing.Price(pricing.Request{RuntimeMinutes: 5, Cores: 1, MemoryMB: 1024, DiskGB: 1})
	require.NoError(t, err)
	assert.Equal(t, "$0.0064", pricing.Format(fee))
}

func TestPrice_ZeroResourcesPriceAsDefaults(t *testing.T) {
	want, err := pricing.Quote(pricing.NewRequest(30))
	require.NoError(t, err)
	for _, req := range []pricing.Request{
		{RuntimeMinutes: 30},
		{RuntimeMinutes: 30, Cores: 1, MemoryMB: 512},
		{RuntimeMinutes: 30, DiskGB: 8},
	} {
		got, err := pricing.Quote(req)
		require.NoError(t, err)
		assert.Equal(t, want, got, "%+v", req)
	}
	assert.Equal(t, pricing.NewRequest(30), pricing.Request{RuntimeMinutes: 30}.Normalize())
}

func TestPrice_QuoteAndEnforcementAgree(t *testing.T) {
	for minutes := int64(0); minutes < 500; minutes += 7 {
		for mem := int64(0); mem <= 8192; mem += 333 {
			disk := (mem / 333) % 3 * 8
			req := pricing.Request{RuntimeMinutes: minutes, Cores: 2, MemoryMB: mem, DiskGB: disk}
			quoted, err := pricing.Quote(req)
			require.NoError(t, err)

			body := []byte(`{"runtimeMinutes":` + decimal.NewFromInt(minutes).String() +
				`,"cores":2,"memoryMB":` + decimal.NewFromInt(mem).String() +
				`,"diskGB":` + decimal.NewFromInt(disk).String() + `}`)
			enforced, err := pricing.Quote(pricing.FromBody(body))
			require.NoError(t, err)
			assert.Equal(t, quoted, enforced)
		}
	}
}

func TestPrice_RejectsNegativeInput(t *testing.T) {
	for _, req := range []pricing.Request{
		{RuntimeMinutes: -1, Cores: 1, MemoryMB: 512, DiskGB: 8},
		{RuntimeMinutes: 1, Cores: -1, MemoryMB: 512, DiskGB: 8},
		{RuntimeMinutes: 1, Cores: 1, MemoryMB: -512, DiskGB: 8},
		{RuntimeMinutes: 1, Cores: 1, MemoryMB: 512, DiskGB: -8},
	} {
		_, err := pricing.Price(req)
		assert.True(t, errors.Is(err, pricing.ErrInvalidInput), "%+v", req)
	}
}

func TestFromBody_FallsBackToDefaults(t *testing.T) {
	def := pricing.NewRequest(0)

	assert.Equal(t, def, pricing.FromBody(nil))
	assert.Equal(t, def, pricing.FromBody([]byte("not json")))
	assert.Equal(t, def, pricing.FromBody([]byte(`{"runtimeMinutes":"soon"}`)))
	assert.Equal(t, def, pricing.FromBody([]byte(`{"cores":0,"memoryMB":-4}`)))

	got := pricing.FromBody([]byte(`{"runtimeMinutes":15,"diskGB":20,"sku":"small"}`))
	assert.Equal(t, pricing.Request{RuntimeMinutes: 15, Cores: 1, MemoryMB: 512, DiskGB: 20}, got)

	got = pricing.FromBody([]byte(`{"runtimeMinutes":2.9}`))
	assert.Equal(t, int64(2), got.RuntimeMinutes)
}

func TestAtomicUnits(t *testing.T) {
	assert.Equal(t, "10100", pricing.AtomicUnits(decimal.RequireFromString("0.0101"), 6))
	assert.Equal(t, "1000", pricing.AtomicUnits(pricing.ManagementFee(), 6))
	assert.Equal(t, "0", pricing.AtomicUnits(decimal.Zero, 6))
}
