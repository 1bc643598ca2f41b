package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasshq/kass/internal/config"
	"github.com/kasshq/kass/internal/models"
	"github.com/kasshq/kass/internal/utils"
)

func oiConfig() config.OIDivergenceConfig {
	return config.OIDivergenceConfig{
		ZScoreThreshold:    2.0,
		EWMAHalflifeSec:    5, // short half-life keeps the test compact
		MinObservations:    30,
		MinPrice:           5,
		MaxPrice:           95,
		DollarConfirmBoost: 0.15,
	}
}

func oiUpdate(t *testing.T, proc *OIDivergenceProcessor, ticker string, ts time.Time, price, oiDelta int) []*models.Signal {
	t.Helper()
	sigs, err := proc.ProcessMessage(context.Background(), tickerMsg(t, ticker, ts, intPtr(price), intPtr(oiDelta)))
	if err != nil {
		// The window filling up is suppression, not failure.
		require.ErrorIs(t, err, utils.ErrStateUnderflow)
	}
	return sigs
}

// An open-interest surge while price rises is new longs: buy_yes.
func TestOIDivergenceNewLongs(t *testing.T) {
	proc := NewOIDivergenceProcessor(oiConfig(), testLogger())
	start := baseTime()
	const market = "KXGDP-25Q4-T2"

	// Quiet warmup: small alternating OI deltas, flat price.
	var collected []*models.Signal
	for i := 0; i < 40; i++ {
		delta := 2
		if i%2 == 1 {
			delta = -2
		}
		collected = append(collected, oiUpdate(t, proc, market, start.Add(time.Duration(i)*time.Second), 50, delta)...)
	}
	assert.Empty(t, collected, "flat price admits no divergence")

	// OI floods in while price climbs.
	var surge []*models.Signal
	for i := 0; i < 5; i++ {
		ts := start.Add(time.Duration(40+i) * time.Second)
		surge = append(surge, oiUpdate(t, proc, market, ts, 51+i, 100)...)
	}

	require.NotEmpty(t, surge, "expected an oi_divergence signal")
	sig := surge[len(surge)-1]
	require.NoError(t, sig.Validate())
	assert.Equal(t, models.SignalTypeOIDivergence, sig.SignalType)
	assert.Equal(t, models.DirectionBuyYes, sig.Direction)
	assert.Equal(t, "new_longs", sig.Metadata["subtype"])
	assert.GreaterOrEqual(t, sig.Metadata["oi_velocity_zscore"].(float64), 2.0)
	assert.Equal(t, 600, sig.TTLSeconds)
}

// The same surge against a falling price is new shorts: buy_no.
func TestOIDivergenceNewShorts(t *testing.T) {
	proc := NewOIDivergenceProcessor(oiConfig(), testLogger())
	start := baseTime()
	const market = "KXGDP-25Q4-T2"

	for i := 0; i < 40; i++ {
		delta := 2
		if i%2 == 1 {
			delta = -2
		}
		oiUpdate(t, proc, market, start.Add(time.Duration(i)*time.Second), 50, delta)
	}

	var surge []*models.Signal
	for i := 0; i < 5; i++ {
		ts := start.Add(time.Duration(40+i) * time.Second)
		surge = append(surge, oiUpdate(t, proc, market, ts, 49-i, 100)...)
	}

	require.NotEmpty(t, surge)
	sig := surge[len(surge)-1]
	assert.Equal(t, models.DirectionBuyNo, sig.Direction)
	assert.Equal(t, "new_shorts", sig.Metadata["subtype"])
}

// Markets at extreme prices are skipped: no edge at 97 cents.
func TestOIDivergenceExtremePriceSkipped(t *testing.T) {
	proc := NewOIDivergenceProcessor(oiConfig(), testLogger())
	start := baseTime()

	var collected []*models.Signal
	for i := 0; i < 50; i++ {
		collected = append(collected, oiUpdate(t, proc, "KXGDP-25Q4-T2", start.Add(time.Duration(i)*time.Second), 97, 100)...)
	}
	assert.Empty(t, collected)
}

// Emission waits until the observation window is filled: every update under
// min_observations reports state underflow and yields no signals.
func TestOIDivergenceUnderflowSuppressed(t *testing.T) {
	proc := NewOIDivergenceProcessor(oiConfig(), testLogger())
	start := baseTime()

	for i := 0; i < 20; i++ {
		sigs, err := proc.ProcessMessage(context.Background(),
			tickerMsg(t, "KXGDP-25Q4-T2", start.Add(time.Duration(i)*time.Second), intPtr(50+i%3), intPtr(100)))
		assert.ErrorIs(t, err, utils.ErrStateUnderflow)
		assert.Empty(t, sigs, "fewer than min_observations must stay silent")
	}
}
