package services

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kasshq/kass/internal/config"
	"github.com/kasshq/kass/internal/models"
	"github.com/kasshq/kass/internal/stream"
	"github.com/kasshq/kass/internal/utils"
)

// aggKey identifies one slot in a market's active-signal table: at most one
// signal per (type, direction).
type aggKey struct {
	signalType string
	direction  models.SignalDirection
}

// marketAgg is the aggregator's per-market state.
type marketAgg struct {
	active       map[aggKey]*models.Signal
	regime       models.MarketRegime
	regimeTS     time.Time
	eventTicker  string
	seriesTicker string

	lastScore    float64
	lastCount    int
	lastEmitWall time.Time
	hasEmitted   bool

	// High-water event time for this market, drives TTL expiry.
	eventTime time.Time
}

// Aggregator fuses every processor's signals into one composite score per
// market, modulated by the market's regime, and throttles emissions so the
// composite stream only carries material changes.
type Aggregator struct {
	cfg       config.AggregatorConfig
	publisher *stream.Publisher
	registry  Registry
	redis     *redis.Client
	logger    *logrus.Entry

	mu      sync.Mutex
	markets map[string]*marketAgg
	seen    map[string]time.Time // signal id -> wall time first seen

	// now is the wall clock, injectable in tests.
	now func() time.Time

	compositesEmitted atomic.Uint64
}

// NewAggregator creates the signal aggregator. registry and rdb may be nil.
func NewAggregator(cfg config.AggregatorConfig, publisher *stream.Publisher, registry Registry, rdb *redis.Client, logger *logrus.Logger) *Aggregator {
	return &Aggregator{
		cfg:       cfg,
		publisher: publisher,
		registry:  registry,
		redis:     rdb,
		logger:    logger.WithField("component", "aggregator"),
		markets:   make(map[string]*marketAgg),
		seen:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// Name implements Processor.
func (a *Aggregator) Name() string { return "aggregator" }

// InputStreams implements Processor.
func (a *Aggregator) InputStreams() []string { return []string{stream.StreamAllSignals} }

// OutputStream implements Processor.
func (a *Aggregator) OutputStream() string { return stream.StreamComposite }

// CompositesEmitted returns the number of composites published.
func (a *Aggregator) CompositesEmitted() uint64 {
	return a.compositesEmitted.Load()
}

// ProcessMessage implements Processor. Composites are published directly to
// the composite stream, so no signals are returned.
func (a *Aggregator) ProcessMessage(ctx context.Context, msg stream.Message) ([]*models.Signal, error) {
	var sig models.Signal
	if err := json.Unmarshal(msg.Data, &sig); err != nil {
		return nil, utils.NewMalformedErrorf("signal %s: %v", msg.ID, err)
	}
	if sig.SignalID == "" || sig.MarketTicker == "" {
		return nil, utils.NewMalformedErrorf("signal %s: missing signal_id or market_ticker", msg.ID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// At-least-once delivery and retried fan-in publishes both produce
	// duplicates; the id is the dedupe key.
	if _, dup := a.seen[sig.SignalID]; dup {
		return nil, nil
	}
	a.seen[sig.SignalID] = a.now()

	m := a.getMarket(ctx, sig.MarketTicker)
	if sig.TS.After(m.eventTime) {
		m.eventTime = sig.TS
	}
	if sig.EventTicker != "" {
		m.eventTicker = sig.EventTicker
	}
	if sig.SeriesTicker != "" {
		m.seriesTicker = sig.SeriesTicker
	}

	if a.isTerminal(ctx, sig.MarketTicker) {
		delete(a.markets, sig.MarketTicker)
		return nil, nil
	}

	if sig.SignalType == models.SignalTypeRegimeChange {
		a.applyRegime(m, &sig)
		a.expire(m)
		a.maybeEmit(ctx, sig.MarketTicker, m)
		return nil, nil
	}

	// Neutral signals carry no directional contribution; they never enter
	// the active table.
	if sig.Direction == models.DirectionNeutral {
		return nil, nil
	}

	key := aggKey{signalType: sig.SignalType, direction: sig.Direction}

	// Conservative reordering: bus order is not event-time order. An
	// incoming signal older than what it would replace is stale.
	if existing, ok := m.active[key]; ok && sig.TS.Before(existing.TS) {
		return nil, nil
	}
	opposite := aggKey{signalType: sig.SignalType, direction: oppositeDirection(sig.Direction)}
	if existing, ok := m.active[opposite]; ok {
		if sig.TS.Before(existing.TS) {
			return nil, nil
		}
		// A fresh opposite view evicts the prior one.
		delete(m.active, opposite)
	}

	m.active[key] = &sig
	a.expire(m)
	a.maybeEmit(ctx, sig.MarketTicker, m)
	return nil, nil
}

// RunHousekeeping sweeps expiry, heartbeats, and the dedupe window every
// second until ctx is cancelled. Blocking call.
func (a *Aggregator) RunHousekeeping(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweep(ctx)
		}
	}
}

func (a *Aggregator) sweep(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	wall := a.now()
	dedupe := time.Duration(a.cfg.DedupeWindowSec) * time.Second
	for id, seenAt := range a.seen {
		if wall.Sub(seenAt) > dedupe {
			delete(a.seen, id)
		}
	}

	for ticker, m := range a.markets {
		a.expire(m)
		if len(m.active) == 0 {
			// Idle markets age out once nothing references them.
			if !m.hasEmitted || wall.Sub(m.lastEmitWall) > dedupe {
				delete(a.markets, ticker)
				continue
			}
		}
		a.maybeEmit(ctx, ticker, m)
	}
}

func (a *Aggregator) getMarket(ctx context.Context, ticker string) *marketAgg {
	m, ok := a.markets[ticker]
	if !ok {
		m = &marketAgg{
			active: make(map[aggKey]*models.Signal),
			regime: a.bootstrapRegime(ctx, ticker),
		}
		a.markets[ticker] = m
	}
	return m
}

// bootstrapRegime reads the regime processor's cache so a freshly seen
// market is not scored as unknown until its first regime signal.
func (a *Aggregator) bootstrapRegime(ctx context.Context, ticker string) models.MarketRegime {
	if a.redis == nil {
		return models.RegimeUnknown
	}
	raw, err := a.redis.Get(ctx, RegimeCacheKeyPrefix+ticker).Result()
	if err != nil {
		return models.RegimeUnknown
	}
	var cached struct {
		Regime string `json:"regime"`
	}
	if err := json.Unmarshal([]byte(raw), &cached); err != nil || cached.Regime == "" {
		return models.RegimeUnknown
	}
	return models.MarketRegime(cached.Regime)
}

func (a *Aggregator) isTerminal(ctx context.Context, ticker string) bool {
	if a.registry == nil {
		return false
	}
	m, err := a.registry.GetMarket(ctx, ticker)
	return err == nil && m != nil && m.Status.Terminal()
}

// applyRegime updates the market's regime from a regime signal, keeping the
// regime timeline monotonic.
func (a *Aggregator) applyRegime(m *marketAgg, sig *models.Signal) {
	if sig.TS.Before(m.regimeTS) {
		return
	}
	raw, ok := sig.Metadata["new_regime"].(string)
	if !ok || raw == "" {
		return
	}
	m.regime = models.MarketRegime(raw)
	m.regimeTS = sig.TS
}

// expire drops active signals whose TTL has elapsed in event time.
func (a *Aggregator) expire(m *marketAgg) {
	for key, sig := range m.active {
		if !sig.ExpiresAt().After(m.eventTime) {
			delete(m.active, key)
		}
	}
}

// score computes the regime-modulated composite score.
func (a *Aggregator) score(m *marketAgg) float64 {
	sum := 0.0
	for _, sig := range m.active {
		weight, ok := a.cfg.Weights[sig.SignalType]
		if !ok {
			weight = 0.1
		}
		sum += sig.Direction.Sign() * sig.Strength * sig.Confidence * weight
	}

	multiplier, ok := a.cfg.RegimeMultipliers[string(m.regime)]
	if !ok {
		multiplier = 1.0
	}
	return models.ClampScore(sum * multiplier)
}

// maybeEmit recomputes the composite and publishes it when the change is
// material: a large delta, a sign flip, a composition change with real
// magnitude, or the heartbeat.
func (a *Aggregator) maybeEmit(ctx context.Context, ticker string, m *marketAgg) {
	score := a.score(m)
	count := len(m.active)
	wall := a.now()

	emit := false
	switch {
	case math.Abs(score-m.lastScore) >= a.cfg.EmitDelta:
		emit = true
	case m.hasEmitted && signOf(score) != 0 && signOf(m.lastScore) != 0 && signOf(score) != signOf(m.lastScore):
		emit = true
	case count != m.lastCount && math.Abs(score) >= a.cfg.CountChangeMin:
		emit = true
	case m.hasEmitted && wall.Sub(m.lastEmitWall) >= time.Duration(a.cfg.HeartbeatSec)*time.Second && math.Abs(score) >= a.cfg.HeartbeatMin:
		emit = true
	}
	if !emit {
		return
	}

	direction := models.DirectionNeutral
	if score >= a.cfg.NeutralBand {
		direction = models.DirectionBuyYes
	} else if score <= -a.cfg.NeutralBand {
		direction = models.DirectionBuyNo
	}

	ids := make([]string, 0, count)
	for _, sig := range m.active {
		ids = append(ids, sig.SignalID)
	}
	sort.Strings(ids)

	ts := m.eventTime
	if ts.IsZero() {
		ts = wall
	}
	comp := &models.CompositeSignal{
		MarketTicker:      ticker,
		EventTicker:       m.eventTicker,
		SeriesTicker:      m.seriesTicker,
		Direction:         direction,
		CompositeScore:    math.Round(score*10000) / 10000,
		Regime:            m.regime,
		ActiveSignalIDs:   ids,
		ActiveSignalCount: len(ids),
		TS:                ts,
	}

	if err := a.publisher.PublishComposite(ctx, comp); err != nil {
		a.logger.WithError(err).WithField("market", ticker).Error("Composite publish failed")
		return
	}

	m.lastScore = score
	m.lastCount = count
	m.lastEmitWall = wall
	m.hasEmitted = true
	a.compositesEmitted.Add(1)

	a.logger.WithFields(logrus.Fields{
		"market":       ticker,
		"score":        comp.CompositeScore,
		"direction":    direction,
		"regime":       m.regime,
		"signal_count": len(ids),
	}).Info("Composite published")
}

func oppositeDirection(d models.SignalDirection) models.SignalDirection {
	switch d {
	case models.DirectionBuyYes:
		return models.DirectionBuyNo
	case models.DirectionBuyNo:
		return models.DirectionBuyYes
	default:
		return models.DirectionNeutral
	}
}

func signOf(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
