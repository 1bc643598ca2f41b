package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasshq/kass/internal/config"
	"github.com/kasshq/kass/internal/models"
	"github.com/kasshq/kass/internal/stream"
)

func aggConfig() config.AggregatorConfig {
	return config.AggregatorConfig{
		EmitDelta:       0.10,
		NeutralBand:     0.05,
		HeartbeatSec:    60,
		CountChangeMin:  0.15,
		HeartbeatMin:    0.20,
		DedupeWindowSec: 300,
		Weights: map[string]float64{
			"flow_toxicity":            0.25,
			"flow_burst":               0.15,
			"oi_divergence":            0.25,
			"cross_market_propagation": 0.20,
			"settlement_cascade":       0.30,
		},
		RegimeMultipliers: map[string]float64{
			"dead": 0.2, "quiet": 0.6, "active": 1.0,
			"informed": 1.3, "pre_settle": 1.5, "unknown": 1.0,
		},
	}
}

type aggHarness struct {
	agg    *Aggregator
	client *redis.Client
	wall   time.Time
}

func newAggHarness(t *testing.T, registry Registry, withRedis bool) (*aggHarness, func()) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})

	var rdb *redis.Client
	if withRedis {
		rdb = client
	}
	h := &aggHarness{
		agg:    NewAggregator(aggConfig(), stream.NewPublisher(client, testLogger()), registry, rdb, testLogger()),
		client: client,
		wall:   baseTime(),
	}
	h.agg.now = func() time.Time { return h.wall }

	return h, func() {
		client.Close()
		s.Close()
	}
}

func (h *aggHarness) feed(t *testing.T, sig *models.Signal) {
	t.Helper()
	data, err := json.Marshal(sig)
	require.NoError(t, err)
	_, err = h.agg.ProcessMessage(context.Background(), stream.Message{ID: "1-1", Stream: stream.StreamAllSignals, Data: data})
	require.NoError(t, err)
}

func (h *aggHarness) composites(t *testing.T) []models.CompositeSignal {
	t.Helper()
	entries, err := h.client.XRange(context.Background(), stream.StreamComposite, "-", "+").Result()
	require.NoError(t, err)
	out := make([]models.CompositeSignal, 0, len(entries))
	for _, e := range entries {
		var comp models.CompositeSignal
		require.NoError(t, json.Unmarshal([]byte(e.Values["data"].(string)), &comp))
		out = append(out, comp)
	}
	return out
}

func mkSignal(signalType, market string, dir models.SignalDirection, strength, confidence float64, ts time.Time, ttl int) *models.Signal {
	return &models.Signal{
		SignalID:     models.NewSignalID(signalType),
		SignalType:   signalType,
		MarketTicker: market,
		Direction:    dir,
		Strength:     strength,
		Confidence:   confidence,
		Urgency:      models.UrgencyNormal,
		TS:           ts,
		TTLSeconds:   ttl,
	}
}

func regimeSignal(market string, regime models.MarketRegime, ts time.Time) *models.Signal {
	sig := mkSignal(models.SignalTypeRegimeChange, market, models.DirectionNeutral, 0.9, 0.8, ts, 600)
	sig.Metadata = map[string]interface{}{"new_regime": string(regime), "old_regime": "active"}
	return sig
}

const aggMarket = "KXFED-25DEC-T400"

// Two buy_yes signals under an informed regime fuse to the weighted,
// regime-boosted composite: (0.6*0.9*0.25 + 0.5*0.8*0.25) * 1.3 = 0.3055.
func TestAggregatorFusion(t *testing.T) {
	h, cleanup := newAggHarness(t, nil, false)
	defer cleanup()
	t0 := baseTime()

	h.feed(t, regimeSignal(aggMarket, models.RegimeInformed, t0))
	vpin := mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyYes, 0.6, 0.9, t0.Add(time.Second), 300)
	h.feed(t, vpin)
	oi := mkSignal(models.SignalTypeOIDivergence, aggMarket, models.DirectionBuyYes, 0.5, 0.8, t0.Add(2*time.Second), 600)
	h.feed(t, oi)

	comps := h.composites(t)
	require.NotEmpty(t, comps)
	last := comps[len(comps)-1]

	assert.InDelta(t, 0.3055, last.CompositeScore, 1e-9)
	assert.Equal(t, models.DirectionBuyYes, last.Direction)
	assert.Equal(t, models.RegimeInformed, last.Regime)
	assert.Equal(t, 2, last.ActiveSignalCount)
	assert.Len(t, last.ActiveSignalIDs, 2)
	assert.Contains(t, last.ActiveSignalIDs, vpin.SignalID)
	assert.Contains(t, last.ActiveSignalIDs, oi.SignalID)
}

// A replacement signal that nudges the score by less than the emit delta is
// suppressed until the heartbeat elapses.
func TestAggregatorEmitSuppression(t *testing.T) {
	h, cleanup := newAggHarness(t, nil, false)
	defer cleanup()
	t0 := baseTime()

	h.feed(t, regimeSignal(aggMarket, models.RegimeInformed, t0))
	h.feed(t, mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyYes, 0.6, 0.9, t0.Add(time.Second), 300))
	h.feed(t, mkSignal(models.SignalTypeOIDivergence, aggMarket, models.DirectionBuyYes, 0.5, 0.8, t0.Add(2*time.Second), 600))
	emitted := len(h.composites(t))

	// Replace the toxicity slot: raw sum moves 0.235 -> 0.285, composite
	// 0.3055 -> 0.3705, delta 0.065 below the 0.10 threshold.
	h.feed(t, mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyYes, 0.822222222, 0.9, t0.Add(3*time.Second), 300))
	assert.Len(t, h.composites(t), emitted, "sub-threshold change must not emit")

	// Once the heartbeat elapses the pending score goes out.
	h.wall = h.wall.Add(61 * time.Second)
	h.feed(t, mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyYes, 0.823, 0.9, t0.Add(4*time.Second), 300))
	comps := h.composites(t)
	require.Greater(t, len(comps), emitted, "heartbeat emission expected")
	assert.InDelta(t, 0.3705, comps[len(comps)-1].CompositeScore, 0.01)
}

// Duplicate signal ids are dropped: at-least-once delivery must not double
// count.
func TestAggregatorDedupe(t *testing.T) {
	h, cleanup := newAggHarness(t, nil, false)
	defer cleanup()
	t0 := baseTime()

	sig := mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyYes, 0.9, 0.9, t0, 300)
	h.feed(t, sig)
	emitted := len(h.composites(t))

	h.feed(t, sig)
	assert.Len(t, h.composites(t), emitted, "duplicate id must be a no-op")
}

// A signal older than the active one in its slot is stale and discarded.
func TestAggregatorStaleDiscard(t *testing.T) {
	h, cleanup := newAggHarness(t, nil, false)
	defer cleanup()
	t0 := baseTime()

	h.feed(t, mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyYes, 0.9, 0.9, t0.Add(10*time.Second), 300))
	emitted := len(h.composites(t))
	score := h.composites(t)[emitted-1].CompositeScore

	stale := mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyYes, 0.1, 0.1, t0, 300)
	h.feed(t, stale)

	comps := h.composites(t)
	assert.Len(t, comps, emitted)
	assert.InDelta(t, score, comps[len(comps)-1].CompositeScore, 1e-9)
}

// Expired signals drop out of the composite. No composite at time t may
// include a signal with ts+ttl <= t.
func TestAggregatorTTLExpiry(t *testing.T) {
	h, cleanup := newAggHarness(t, nil, false)
	defer cleanup()
	t0 := baseTime()

	vpin := mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyYes, 0.6, 0.9, t0, 300)
	h.feed(t, vpin)
	oi := mkSignal(models.SignalTypeOIDivergence, aggMarket, models.DirectionBuyYes, 0.5, 0.8, t0.Add(time.Second), 600)
	h.feed(t, oi)

	// 400 seconds later the toxicity signal is past TTL; a cascade arrives.
	cascade := mkSignal(models.SignalTypeCascade, aggMarket, models.DirectionBuyNo, 0.9, 0.85, t0.Add(400*time.Second), 60)
	h.feed(t, cascade)

	comps := h.composites(t)
	require.NotEmpty(t, comps)
	last := comps[len(comps)-1]
	assert.NotContains(t, last.ActiveSignalIDs, vpin.SignalID, "expired signal must not contribute")
	assert.Contains(t, last.ActiveSignalIDs, oi.SignalID)
	assert.Contains(t, last.ActiveSignalIDs, cascade.SignalID)
	assert.Equal(t, len(last.ActiveSignalIDs), last.ActiveSignalCount)
}

// A newer opposite-direction signal of the same type evicts the prior one.
func TestAggregatorOppositeEviction(t *testing.T) {
	h, cleanup := newAggHarness(t, nil, false)
	defer cleanup()
	t0 := baseTime()

	h.feed(t, mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyYes, 0.9, 0.9, t0, 300))
	h.feed(t, mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyNo, 0.9, 0.9, t0.Add(5*time.Second), 300))

	comps := h.composites(t)
	require.NotEmpty(t, comps)
	last := comps[len(comps)-1]
	assert.Negative(t, last.CompositeScore)
	assert.Equal(t, models.DirectionBuyNo, last.Direction)
	assert.Equal(t, 1, last.ActiveSignalCount, "opposite view replaces, never coexists")
}

// The aggregator bootstraps a market's regime from the regime cache before
// any regime signal arrives.
func TestAggregatorRegimeBootstrap(t *testing.T) {
	h, cleanup := newAggHarness(t, nil, true)
	defer cleanup()

	payload, _ := json.Marshal(map[string]interface{}{"regime": "informed"})
	require.NoError(t, h.client.Set(context.Background(), RegimeCacheKeyPrefix+aggMarket, payload, 0).Err())

	h.feed(t, mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyYes, 0.6, 0.9, baseTime(), 300))

	comps := h.composites(t)
	require.NotEmpty(t, comps)
	assert.Equal(t, models.RegimeInformed, comps[len(comps)-1].Regime)
	assert.InDelta(t, 0.6*0.9*0.25*1.3, comps[len(comps)-1].CompositeScore, 1e-4)
}

// A market in terminal status contributes nothing: its state is dropped.
func TestAggregatorTerminalMarketDropped(t *testing.T) {
	registry := newFakeRegistry()
	registry.markets[aggMarket] = &models.Market{
		Ticker: aggMarket,
		Status: models.MarketStatusSettled,
	}
	h, cleanup := newAggHarness(t, registry, false)
	defer cleanup()

	h.feed(t, mkSignal(models.SignalTypeFlowToxicity, aggMarket, models.DirectionBuyYes, 0.9, 0.9, baseTime(), 300))
	assert.Empty(t, h.composites(t))
}
