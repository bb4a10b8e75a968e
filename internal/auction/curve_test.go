package auction

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dutchauction/internal/domain"
)

func TestLinearCurve(t *testing.T) {
	c, err := NewLinearCurve(num(500), num(25), num(400), 0)
	require.NoError(t, err)

	tests := []struct {
		bids uint64
		want string
	}{
		{0, "500"},
		{1, "475"},
		{3, "425"},
		{4, "400"},
		{1000, "400"},
	}
	for _, tt := range tests {
		got := c.PriceAt(Progress{BidsAccepted: tt.bids})
		assert.True(t, got.Equal(dec(tt.want)), "bids=%d got %s want %s", tt.bids, got, tt.want)
	}
}

func TestLinearCurve_NeverBelowOneTick(t *testing.T) {
	c, err := NewLinearCurve(num(500), num(25), decimal.Zero, 0)
	require.NoError(t, err)
	assert.True(t, c.PriceAt(Progress{BidsAccepted: 20}).Equal(num(1)))
	assert.True(t, c.PriceAt(Progress{BidsAccepted: 1 << 40}).Equal(num(1)))
}

func TestLinearCurve_RoundsDownToPrecision(t *testing.T) {
	c, err := NewLinearCurve(num(1), dec("0.333"), decimal.Zero, 2)
	require.NoError(t, err)
	assert.Equal(t, "0.66", c.PriceAt(Progress{BidsAccepted: 1}).String())
	assert.Equal(t, "0.01", c.PriceAt(Progress{BidsAccepted: 4}).String())
}

func TestExponentialCurve_DailyDecay(t *testing.T) {
	c, err := NewExponentialCurve(num(20), dec("1.3"), day, decimal.Zero, 0)
	require.NoError(t, err)

	want := []int64{20, 15, 11, 9}
	for d, w := range want {
		got := c.PriceAt(Progress{Elapsed: time.Duration(d) * day})
		assert.True(t, got.Equal(num(w)), "day %d: got %s want %d", d, got, w)
	}
	// Partial periods do not count.
	assert.True(t, c.PriceAt(Progress{Elapsed: day - time.Second}).Equal(num(20)))
	// Bids do not move a time-based curve.
	assert.True(t, c.PriceAt(Progress{BidsAccepted: 99}).Equal(num(20)))
}

func TestExponentialCurve_Floor(t *testing.T) {
	c, err := NewExponentialCurve(num(20), dec("1.3"), day, num(10), 0)
	require.NoError(t, err)
	assert.True(t, c.PriceAt(Progress{Elapsed: 3 * day}).Equal(num(10)))
	assert.True(t, c.PriceAt(Progress{Elapsed: 400 * day}).Equal(num(10)))
}

func TestConvexCurve(t *testing.T) {
	c, err := NewConvexCurve(num(1000), num(524880000), 3, time.Minute, decimal.Zero, 0)
	require.NoError(t, err)

	assert.True(t, c.PriceAt(Progress{}).Equal(num(1000)))
	// 810^3 / 524880000 = 1.0125, so the price is 1000 / 2.0125.
	assert.True(t, c.PriceAt(Progress{Elapsed: 810 * time.Minute}).Equal(num(496)))
	assert.True(t, c.PriceAt(Progress{Elapsed: 810*time.Minute + 30*time.Second}).Equal(num(496)))
}

func TestNewCurve(t *testing.T) {
	tests := []struct {
		name    string
		cfg     domain.CurveConfig
		wantErr bool
	}{
		{"default kind is linear", domain.CurveConfig{StartPrice: num(10), PriceStep: num(1)}, false},
		{"exponential", domain.CurveConfig{Kind: domain.CurveExponential, StartPrice: num(10), Divisor: dec("1.1"), Period: time.Hour}, false},
		{"convex", domain.CurveConfig{Kind: domain.CurveConvex, StartPrice: num(10), Constant: num(100), Exponent: 3, Tick: time.Second}, false},
		{"unknown kind", domain.CurveConfig{Kind: "sigmoid", StartPrice: num(10)}, true},
		{"zero start", domain.CurveConfig{StartPrice: decimal.Zero}, true},
		{"floor above start", domain.CurveConfig{StartPrice: num(10), PriceFloor: num(11)}, true},
		{"negative step", domain.CurveConfig{StartPrice: num(10), PriceStep: num(-1)}, true},
		{"divisor one", domain.CurveConfig{Kind: domain.CurveExponential, StartPrice: num(10), Divisor: num(1), Period: time.Hour}, true},
		{"convex exponent zero", domain.CurveConfig{Kind: domain.CurveConvex, StartPrice: num(10), Constant: num(1), Tick: time.Second}, true},
		{"precision too large", domain.CurveConfig{StartPrice: num(10), Precision: 19}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCurve(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.True(t, c.PriceAt(Progress{}).Equal(num(10)))
		})
	}
}
