package services

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kasshq/kass/internal/config"
	"github.com/kasshq/kass/internal/models"
	"github.com/kasshq/kass/internal/stream"
	"github.com/kasshq/kass/internal/utils"
)

// RegimeCacheKeyPrefix is where the current regime per market is mirrored
// so the aggregator can bootstrap before the first regime signal arrives.
const RegimeCacheKeyPrefix = "state:regime:"

const regimeCacheTTL = 120 * time.Second

// regimeState is the per-market state for regime classification.
type regimeState struct {
	tradeTimes []time.Time
	msgTimes   []time.Time

	yesDepth int
	noDepth  int

	regime       models.MarketRegime
	enteredAt    time.Time
	pending      models.MarketRegime
	pendingSince time.Time

	lastEval    time.Time
	closeTime   *time.Time
	closeTimeAt time.Time // when closeTime was last refreshed
}

const regimeWindow = 30 * time.Second

func (s *regimeState) observe(ts time.Time, isTrade bool) {
	s.msgTimes = append(s.msgTimes, ts)
	if isTrade {
		s.tradeTimes = append(s.tradeTimes, ts)
	}
	s.prune(ts)
}

func (s *regimeState) prune(now time.Time) {
	cutoff := now.Add(-regimeWindow)
	s.tradeTimes = pruneTimes(s.tradeTimes, cutoff)
	s.msgTimes = pruneTimes(s.msgTimes, cutoff)
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

// tradeRate is trades per minute over the rolling window.
func (s *regimeState) tradeRate() float64 {
	return float64(len(s.tradeTimes)) * float64(time.Minute) / float64(regimeWindow)
}

// messageRate is messages per minute over the rolling window.
func (s *regimeState) messageRate() float64 {
	return float64(len(s.msgTimes)) * float64(time.Minute) / float64(regimeWindow)
}

// depthImbalance is -1 (all no) to +1 (all yes), 0 when balanced or empty.
func (s *regimeState) depthImbalance() float64 {
	total := s.yesDepth + s.noDepth
	if total == 0 {
		return 0
	}
	return float64(s.yesDepth-s.noDepth) / float64(total)
}

// RegimeProcessor classifies each market into a microstructure regime and
// emits a signal on every transition. Hysteresis keeps the classification
// from flickering on the boundary.
type RegimeProcessor struct {
	cfg      config.RegimeConfig
	registry Registry
	redis    *redis.Client
	logger   *logrus.Entry
	state    map[string]*regimeState
}

// NewRegimeProcessor creates the regime processor. registry and rdb may be
// nil; close-time awareness and the regime cache degrade gracefully.
func NewRegimeProcessor(cfg config.RegimeConfig, registry Registry, rdb *redis.Client, logger *logrus.Logger) *RegimeProcessor {
	return &RegimeProcessor{
		cfg:      cfg,
		registry: registry,
		redis:    rdb,
		logger:   logger.WithField("component", "regime"),
		state:    make(map[string]*regimeState),
	}
}

// Name implements Processor.
func (p *RegimeProcessor) Name() string { return "regime" }

// InputStreams implements Processor.
func (p *RegimeProcessor) InputStreams() []string {
	return []string{
		stream.StreamTrades,
		stream.StreamTickerUpdates,
		stream.StreamOrderbookDeltas,
		stream.StreamOrderbookSnapshots,
	}
}

// OutputStream implements Processor.
func (p *RegimeProcessor) OutputStream() string { return stream.StreamRegime }

func (p *RegimeProcessor) getState(ticker string) *regimeState {
	s, ok := p.state[ticker]
	if !ok {
		s = &regimeState{regime: models.RegimeUnknown, pending: models.RegimeUnknown}
		p.state[ticker] = s
	}
	return s
}

// ProcessMessage implements Processor.
func (p *RegimeProcessor) ProcessMessage(ctx context.Context, msg stream.Message) ([]*models.Signal, error) {
	ticker, ts, isTrade, err := p.updateFromMessage(msg)
	if err != nil {
		return nil, err
	}
	if ticker == "" {
		return nil, nil
	}

	s := p.getState(ticker)
	s.observe(ts, isTrade)

	if !s.lastEval.IsZero() && ts.Sub(s.lastEval) < time.Duration(p.cfg.EvalPeriodSec)*time.Second {
		return nil, nil
	}
	s.lastEval = ts

	return p.evaluate(ctx, ticker, s, ts), nil
}

// updateFromMessage applies one raw event to the per-market observables.
func (p *RegimeProcessor) updateFromMessage(msg stream.Message) (ticker string, ts time.Time, isTrade bool, err error) {
	switch msg.Stream {
	case stream.StreamTrades:
		var trade models.Trade
		if err := json.Unmarshal(msg.Data, &trade); err != nil {
			return "", time.Time{}, false, utils.NewMalformedErrorf("trade %s: %v", msg.ID, err)
		}
		if err := trade.Validate(); err != nil {
			return "", time.Time{}, false, err
		}
		return trade.MarketTicker, trade.Timestamp(), true, nil

	case stream.StreamTickerUpdates:
		var update models.TickerUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			return "", time.Time{}, false, utils.NewMalformedErrorf("ticker update %s: %v", msg.ID, err)
		}
		if err := update.Validate(); err != nil {
			return "", time.Time{}, false, err
		}
		return update.MarketTicker, update.Timestamp(), false, nil

	case stream.StreamOrderbookDeltas:
		var delta models.OrderbookDelta
		if err := json.Unmarshal(msg.Data, &delta); err != nil {
			return "", time.Time{}, false, utils.NewMalformedErrorf("orderbook delta %s: %v", msg.ID, err)
		}
		if err := delta.Validate(); err != nil {
			return "", time.Time{}, false, err
		}
		s := p.getState(delta.MarketTicker)
		if delta.Side == models.OrderbookSideYes {
			s.yesDepth = maxInt(0, s.yesDepth+delta.Delta)
		} else {
			s.noDepth = maxInt(0, s.noDepth+delta.Delta)
		}
		return delta.MarketTicker, delta.Timestamp(), false, nil

	case stream.StreamOrderbookSnapshots:
		var snap orderbookSnapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			return "", time.Time{}, false, utils.NewMalformedErrorf("orderbook snapshot %s: %v", msg.ID, err)
		}
		if snap.MarketTicker == "" {
			return "", time.Time{}, false, utils.NewMalformedError("orderbook snapshot missing market_ticker")
		}
		s := p.getState(snap.MarketTicker)
		s.yesDepth = snap.depth(snap.Yes)
		s.noDepth = snap.depth(snap.No)
		return snap.MarketTicker, time.Unix(snap.TS, 0).UTC(), false, nil
	}
	return "", time.Time{}, false, nil
}

// orderbookSnapshot is the subset of the snapshot payload the regime
// classifier needs: top-of-book depth per side.
type orderbookSnapshot struct {
	MarketTicker string  `json:"market_ticker"`
	Yes          [][]int `json:"yes"`
	No           [][]int `json:"no"`
	TS           int64   `json:"ts"`
}

// depth sums the quantities of the top five levels.
func (o *orderbookSnapshot) depth(levels [][]int) int {
	total := 0
	for i, level := range levels {
		if i >= 5 {
			break
		}
		if len(level) >= 2 {
			total += level[1]
		}
	}
	return total
}

// evaluate reclassifies the market and emits a signal when the regime
// transitions. Transitions to PRE_SETTLE and a market's first
// classification are immediate; everything else must hold for the
// hysteresis window.
func (p *RegimeProcessor) evaluate(ctx context.Context, ticker string, s *regimeState, now time.Time) []*models.Signal {
	desired := p.desiredRegime(ctx, ticker, s, now)

	committed := false
	switch {
	case desired == s.regime:
		s.pending = s.regime
	case desired == models.RegimePreSettle || s.regime == models.RegimeUnknown:
		committed = true
	case s.pending != desired:
		s.pending = desired
		s.pendingSince = now
	case now.Sub(s.pendingSince) >= time.Duration(p.cfg.HysteresisSec)*time.Second:
		committed = true
	}

	p.writeCache(ctx, ticker, s, now)

	if !committed {
		return nil
	}

	old := s.regime
	s.regime = desired
	s.enteredAt = now
	s.pending = desired

	p.logger.WithFields(logrus.Fields{
		"market":     ticker,
		"old_regime": old,
		"new_regime": desired,
	}).Info("Regime transition")

	return []*models.Signal{p.transitionSignal(ticker, old, desired, s, now)}
}

// desiredRegime is the classification the current observables call for.
func (p *RegimeProcessor) desiredRegime(ctx context.Context, ticker string, s *regimeState, now time.Time) models.MarketRegime {
	tradeRate := s.tradeRate()
	msgRate := s.messageRate()
	imbalance := math.Abs(s.depthImbalance())

	if ttc, ok := p.timeToClose(ctx, ticker, s, now); ok && ttc < time.Duration(p.cfg.PreSettleMin)*time.Minute {
		return models.RegimePreSettle
	}
	if tradeRate < p.cfg.DeadTradeRate && msgRate < p.cfg.DeadMessageRate {
		return models.RegimeDead
	}

	switch s.regime {
	case models.RegimeDead:
		if tradeRate >= p.cfg.QuietTradeRate {
			return models.RegimeQuiet
		}
	case models.RegimeQuiet:
		if tradeRate >= p.cfg.ActiveTradeRate || msgRate >= p.cfg.ActiveMessageRate {
			return models.RegimeActive
		}
	case models.RegimeActive:
		if imbalance >= p.cfg.InformedImbalance && tradeRate >= p.cfg.ActiveTradeRate {
			return models.RegimeInformed
		}
		if tradeRate < p.cfg.DemoteTradeRate {
			return models.RegimeQuiet
		}
	case models.RegimeInformed:
		if imbalance < p.cfg.DemoteImbalance {
			return models.RegimeActive
		}
	case models.RegimeUnknown:
		switch {
		case tradeRate >= p.cfg.ActiveTradeRate || msgRate >= p.cfg.ActiveMessageRate:
			return models.RegimeActive
		case tradeRate >= p.cfg.QuietTradeRate:
			return models.RegimeQuiet
		default:
			return models.RegimeDead
		}
	}
	return s.regime
}

// timeToClose resolves the market close time through the registry, cached
// for five minutes.
func (p *RegimeProcessor) timeToClose(ctx context.Context, ticker string, s *regimeState, now time.Time) (time.Duration, bool) {
	if p.registry == nil {
		return 0, false
	}
	if s.closeTimeAt.IsZero() || now.Sub(s.closeTimeAt) > 5*time.Minute {
		m, err := p.registry.GetMarket(ctx, ticker)
		if err == nil && m != nil {
			s.closeTime = m.CloseTime
		}
		s.closeTimeAt = now
	}
	if s.closeTime == nil {
		return 0, false
	}
	return s.closeTime.Sub(now), true
}

func (p *RegimeProcessor) transitionSignal(ticker string, old, next models.MarketRegime, s *regimeState, now time.Time) *models.Signal {
	strength := 0.4
	urgency := models.UrgencyLow
	switch next {
	case models.RegimeInformed, models.RegimePreSettle:
		strength = 0.9
		urgency = models.UrgencyHigh
	case models.RegimeActive:
		strength = 0.6
		urgency = models.UrgencyNormal
	case models.RegimeDead:
		strength = 0.3
	}

	return &models.Signal{
		SignalID:     models.NewSignalID(p.Name()),
		SignalType:   models.SignalTypeRegimeChange,
		MarketTicker: ticker,
		Direction:    models.DirectionNeutral,
		Strength:     strength,
		Confidence:   0.8,
		Urgency:      urgency,
		TS:           now,
		TTLSeconds:   600,
		Metadata: map[string]interface{}{
			"old_regime":      string(old),
			"new_regime":      string(next),
			"trade_rate":      round4(s.tradeRate()),
			"message_rate":    round4(s.messageRate()),
			"depth_imbalance": round4(s.depthImbalance()),
		},
	}
}

// writeCache mirrors the current classification into Redis for fast lookups.
func (p *RegimeProcessor) writeCache(ctx context.Context, ticker string, s *regimeState, now time.Time) {
	if p.redis == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"regime":          string(s.regime),
		"trade_rate":      round4(s.tradeRate()),
		"message_rate":    round4(s.messageRate()),
		"depth_imbalance": round4(s.depthImbalance()),
		"yes_depth":       s.yesDepth,
		"no_depth":        s.noDepth,
		"ts":              now.Unix(),
	})
	if err != nil {
		return
	}
	if err := p.redis.Set(ctx, RegimeCacheKeyPrefix+ticker, payload, regimeCacheTTL).Err(); err != nil {
		p.logger.WithError(err).WithField("market", ticker).Debug("Regime cache write failed")
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
