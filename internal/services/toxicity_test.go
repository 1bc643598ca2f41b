package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasshq/kass/internal/config"
	"github.com/kasshq/kass/internal/models"
)

func toxicityConfig() config.ToxicityConfig {
	return config.ToxicityConfig{
		BucketMinVol:       50,
		Window:             50,
		Threshold:          0.60,
		High:               0.80,
		SustainedThreshold: 0.70,
		BurstVolMultiple:   3.0,
		BurstMaxSec:        10,
		LargeTradeMultiple: 3.0,
	}
}

// One-sided flow drives VPIN through the threshold and fires a directional
// toxicity signal.
func TestToxicityOneSidedFlow(t *testing.T) {
	proc := NewToxicityProcessor(toxicityConfig(), testLogger())
	ctx := context.Background()
	start := baseTime()

	var collected []*models.Signal
	for i := 0; i < 60; i++ {
		side := models.TakerSideYes
		if i%12 == 11 { // 55 yes, 5 no
			side = models.TakerSideNo
		}
		sigs, err := proc.ProcessMessage(ctx, tradeMsg(t, "KXFED-25DEC-T400", start.Add(time.Duration(i)*time.Second), 100, side, 55))
		require.NoError(t, err)
		collected = append(collected, sigs...)
	}

	var toxic []*models.Signal
	for _, s := range collected {
		if s.SignalType == models.SignalTypeFlowToxicity {
			toxic = append(toxic, s)
		}
	}
	require.NotEmpty(t, toxic, "expected at least one flow_toxicity signal")

	first := toxic[0]
	assert.Equal(t, models.DirectionBuyYes, first.Direction)
	assert.GreaterOrEqual(t, first.Strength, 0.5)
	assert.GreaterOrEqual(t, first.Metadata["vpin"].(float64), 0.60)
	assert.Equal(t, 300, first.TTLSeconds)
	for _, s := range toxic {
		require.NoError(t, s.Validate())
	}
}

// Balanced flow keeps VPIN low and emits nothing.
func TestToxicityBalancedFlowSilent(t *testing.T) {
	proc := NewToxicityProcessor(toxicityConfig(), testLogger())
	ctx := context.Background()
	start := baseTime()

	for i := 0; i < 80; i++ {
		side := models.TakerSideYes
		if i%2 == 1 {
			side = models.TakerSideNo
		}
		sigs, err := proc.ProcessMessage(ctx, tradeMsg(t, "KXFED-25DEC-T400", start.Add(time.Duration(i)*time.Second), 30, side, 50))
		require.NoError(t, err)
		for _, s := range sigs {
			assert.NotEqual(t, models.SignalTypeFlowToxicity, s.SignalType,
				"balanced flow must not look toxic")
		}
	}
}

// A single outsized trade triggers the large-trade anomaly signal.
func TestToxicityLargeTradeAnomaly(t *testing.T) {
	proc := NewToxicityProcessor(toxicityConfig(), testLogger())
	ctx := context.Background()
	start := baseTime()

	for i := 0; i < 25; i++ {
		side := models.TakerSideYes
		if i%2 == 1 {
			side = models.TakerSideNo
		}
		_, err := proc.ProcessMessage(ctx, tradeMsg(t, "KXFED-25DEC-T400", start.Add(time.Duration(i)*time.Second), 10, side, 50))
		require.NoError(t, err)
	}

	sigs, err := proc.ProcessMessage(ctx, tradeMsg(t, "KXFED-25DEC-T400", start.Add(30*time.Second), 120, models.TakerSideNo, 50))
	require.NoError(t, err)

	var large *models.Signal
	for _, s := range sigs {
		if s.SignalType == models.SignalTypeFlowLargeTrade {
			large = s
		}
	}
	require.NotNil(t, large, "expected a flow_large_trade signal")
	assert.Equal(t, models.DirectionBuyNo, large.Direction)
	assert.Equal(t, 120, large.Metadata["trade_size"])
	require.NoError(t, large.Validate())
}

// Malformed trades are rejected as malformed, not processed.
func TestToxicityRejectsBadTrade(t *testing.T) {
	proc := NewToxicityProcessor(toxicityConfig(), testLogger())

	bad := tradeMsg(t, "KXFED-25DEC-T400", baseTime(), 10, models.TakerSideYes, 55)
	bad.Data = []byte(`{"market_ticker": "KXFED-25DEC-T400", "yes_price": 55, "no_price": 40}`)
	_, err := proc.ProcessMessage(context.Background(), bad)
	require.Error(t, err)
}
