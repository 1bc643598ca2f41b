package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasshq/kass/internal/config"
	"github.com/kasshq/kass/internal/models"
	"github.com/kasshq/kass/internal/stream"
)

func lifecycleConfig() config.LifecycleConfig {
	return config.LifecycleConfig{
		CascadeTTLSec:      60,
		NewMarketWindowSec: 300,
		ResidualDivergence: 10,
	}
}

func lifecycleMsg(t *testing.T, ticker string, ts time.Time, status models.MarketStatus, result string) stream.Message {
	return msgFor(t, stream.StreamLifecycle, &models.LifecycleEvent{
		MarketTicker: ticker,
		Status:       status,
		Result:       result,
		TS:           ts.Unix(),
	})
}

// A yes settlement eliminates every open sibling: immediate buy_no on each.
func TestLifecycleSettlementCascade(t *testing.T) {
	registry := newFakeRegistry()
	registry.openSiblings["KXELECT-25-M1"] = []string{"KXELECT-25-M2", "KXELECT-25-M3"}

	proc := NewLifecycleProcessor(lifecycleConfig(), registry, testLogger())
	sigs, err := proc.ProcessMessage(context.Background(),
		lifecycleMsg(t, "KXELECT-25-M1", baseTime(), models.MarketStatusSettled, "yes"))
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	targets := map[string]bool{}
	for _, sig := range sigs {
		require.NoError(t, sig.Validate())
		targets[sig.MarketTicker] = true
		assert.Equal(t, models.SignalTypeCascade, sig.SignalType)
		assert.Equal(t, models.DirectionBuyNo, sig.Direction)
		assert.Equal(t, models.UrgencyCritical, sig.Urgency)
		assert.Equal(t, 60, sig.TTLSeconds)
		assert.Equal(t, "KXELECT-25-M1", sig.Metadata["settled_market"])
	}
	assert.True(t, targets["KXELECT-25-M2"])
	assert.True(t, targets["KXELECT-25-M3"])

	// The settled market was evicted from the registry cache.
	assert.Equal(t, models.MarketStatusSettled, registry.terminal["KXELECT-25-M1"])
}

// A no settlement with exactly one survivor makes that survivor the winner
// by elimination.
func TestLifecycleSurvivorByElimination(t *testing.T) {
	registry := newFakeRegistry()
	registry.openSiblings["KXELECT-25-M2"] = []string{"KXELECT-25-M3"}

	proc := NewLifecycleProcessor(lifecycleConfig(), registry, testLogger())
	sigs, err := proc.ProcessMessage(context.Background(),
		lifecycleMsg(t, "KXELECT-25-M2", baseTime(), models.MarketStatusSettled, "no"))
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "KXELECT-25-M3", sigs[0].MarketTicker)
	assert.Equal(t, models.DirectionBuyYes, sigs[0].Direction)
	assert.Equal(t, models.UrgencyCritical, sigs[0].Urgency)
}

// A plain close is not a settlement; no cascade fires.
func TestLifecycleCloseIsQuiet(t *testing.T) {
	registry := newFakeRegistry()
	registry.openSiblings["KXELECT-25-M1"] = []string{"KXELECT-25-M2"}

	proc := NewLifecycleProcessor(lifecycleConfig(), registry, testLogger())
	sigs, err := proc.ProcessMessage(context.Background(),
		lifecycleMsg(t, "KXELECT-25-M1", baseTime(), models.MarketStatusClosed, ""))
	require.NoError(t, err)
	assert.Empty(t, sigs)
	assert.Equal(t, models.MarketStatusClosed, registry.terminal["KXELECT-25-M1"])
}

// A newly opened market priced far from the residual its siblings imply
// draws a corrective signal.
func TestLifecycleNewMarketResidual(t *testing.T) {
	registry := newFakeRegistry()
	registry.siblings["KXELECT-25-M4"] = []string{"KXELECT-25-M1", "KXELECT-25-M2"}

	proc := NewLifecycleProcessor(lifecycleConfig(), registry, testLogger())
	ctx := context.Background()
	start := baseTime()

	// Established sibling prices: 40 + 35 -> implied residual 25.
	_, err := proc.ProcessMessage(ctx, tickerMsg(t, "KXELECT-25-M1", start, intPtr(40), nil))
	require.NoError(t, err)
	_, err = proc.ProcessMessage(ctx, tickerMsg(t, "KXELECT-25-M2", start, intPtr(35), nil))
	require.NoError(t, err)

	_, err = proc.ProcessMessage(ctx, lifecycleMsg(t, "KXELECT-25-M4", start.Add(5*time.Second), models.MarketStatusOpen, ""))
	require.NoError(t, err)

	sigs, err := proc.ProcessMessage(ctx, tickerMsg(t, "KXELECT-25-M4", start.Add(10*time.Second), intPtr(60), nil))
	require.NoError(t, err)

	var corrective *models.Signal
	for _, sig := range sigs {
		if sig.SignalType == models.SignalTypeNewMarket {
			corrective = sig
		}
	}
	require.NotNil(t, corrective)
	assert.Equal(t, models.DirectionBuyNo, corrective.Direction, "priced above residual: fade it")
	assert.Equal(t, 25, corrective.Metadata["implied_residual"])
	require.NoError(t, corrective.Validate())
}

// An extreme opening print draws the contrarian extreme-price signal.
func TestLifecycleNewMarketExtremePrice(t *testing.T) {
	proc := NewLifecycleProcessor(lifecycleConfig(), newFakeRegistry(), testLogger())
	ctx := context.Background()
	start := baseTime()

	_, err := proc.ProcessMessage(ctx, lifecycleMsg(t, "KXELECT-25-M5", start, models.MarketStatusOpen, ""))
	require.NoError(t, err)

	sigs, err := proc.ProcessMessage(ctx, tickerMsg(t, "KXELECT-25-M5", start.Add(3*time.Second), intPtr(85), nil))
	require.NoError(t, err)

	var extreme *models.Signal
	for _, sig := range sigs {
		if sig.SignalType == models.SignalTypeNewMarketExtreme {
			extreme = sig
		}
	}
	require.NotNil(t, extreme)
	assert.Equal(t, models.DirectionBuyNo, extreme.Direction)
}

// Ticker updates outside the new-market window emit nothing.
func TestLifecycleNewMarketWindowExpires(t *testing.T) {
	proc := NewLifecycleProcessor(lifecycleConfig(), newFakeRegistry(), testLogger())
	ctx := context.Background()
	start := baseTime()

	_, err := proc.ProcessMessage(ctx, lifecycleMsg(t, "KXELECT-25-M5", start, models.MarketStatusOpen, ""))
	require.NoError(t, err)

	sigs, err := proc.ProcessMessage(ctx, tickerMsg(t, "KXELECT-25-M5", start.Add(301*time.Second), intPtr(85), nil))
	require.NoError(t, err)
	assert.Empty(t, sigs)
}
