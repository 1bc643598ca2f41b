package services

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kasshq/kass/internal/config"
	"github.com/kasshq/kass/internal/models"
	"github.com/kasshq/kass/internal/stream"
	"github.com/kasshq/kass/internal/utils"
)

// CorrelationFn decides what a sibling should do given a leader's move.
// Returns the expected direction for the sibling and whether the pair is
// correlated at all. The default rule treats same-event siblings as
// mutually exclusive outcomes.
type CorrelationFn func(leaderTicker, siblingTicker string, leaderDirection models.SignalDirection) (models.SignalDirection, bool)

// MutuallyExclusiveSiblings is the default correlation rule: probability
// flowing into the leader flows out of its siblings.
func MutuallyExclusiveSiblings(_, _ string, leaderDirection models.SignalDirection) (models.SignalDirection, bool) {
	switch leaderDirection {
	case models.DirectionBuyYes:
		return models.DirectionBuyNo, true
	case models.DirectionBuyNo:
		return models.DirectionBuyYes, true
	default:
		return models.DirectionNeutral, false
	}
}

// crossMarketState is the per-market view the propagation engine keeps.
type crossMarketState struct {
	prices        []pricePoint
	lastPrice     int
	hasPrice      bool
	lastMoveTS    time.Time // last time the price moved materially
	moveCount     int       // material moves inside the lookback, noise proxy
	lastSignalDir models.SignalDirection
	lastSignalTS  time.Time
	lastLeaderTS  time.Time
}

// CrossMarketProcessor detects repricing opportunities when correlated
// sibling markets move asynchronously: a leader moves, a sibling lags.
type CrossMarketProcessor struct {
	cfg       config.CrossMarketConfig
	registry  Registry
	correlate CorrelationFn
	logger    *logrus.Entry
	state     map[string]*crossMarketState
}

// NewCrossMarketProcessor creates the propagation engine. correlate may be
// nil to use the mutually-exclusive sibling rule.
func NewCrossMarketProcessor(cfg config.CrossMarketConfig, registry Registry, correlate CorrelationFn, logger *logrus.Logger) *CrossMarketProcessor {
	if correlate == nil {
		correlate = MutuallyExclusiveSiblings
	}
	return &CrossMarketProcessor{
		cfg:       cfg,
		registry:  registry,
		correlate: correlate,
		logger:    logger.WithField("component", "cross_market"),
		state:     make(map[string]*crossMarketState),
	}
}

// Name implements Processor.
func (p *CrossMarketProcessor) Name() string { return "cross_market" }

// InputStreams implements Processor.
func (p *CrossMarketProcessor) InputStreams() []string {
	return []string{
		stream.StreamTickerUpdates,
		stream.StreamFlowToxicity,
		stream.StreamOIDivergence,
	}
}

// OutputStream implements Processor.
func (p *CrossMarketProcessor) OutputStream() string { return stream.StreamCrossMarket }

func (p *CrossMarketProcessor) getState(ticker string) *crossMarketState {
	s, ok := p.state[ticker]
	if !ok {
		s = &crossMarketState{}
		p.state[ticker] = s
	}
	return s
}

// ProcessMessage implements Processor.
func (p *CrossMarketProcessor) ProcessMessage(ctx context.Context, msg stream.Message) ([]*models.Signal, error) {
	switch msg.Stream {
	case stream.StreamTickerUpdates:
		return p.processTicker(ctx, msg)
	case stream.StreamFlowToxicity, stream.StreamOIDivergence:
		return p.processSourceSignal(ctx, msg)
	}
	return nil, nil
}

func (p *CrossMarketProcessor) processTicker(ctx context.Context, msg stream.Message) ([]*models.Signal, error) {
	var update models.TickerUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		return nil, utils.NewMalformedErrorf("ticker update %s: %v", msg.ID, err)
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}
	if update.Price == nil {
		return nil, nil
	}

	now := update.Timestamp()
	s := p.getState(update.MarketTicker)

	if s.hasPrice && absInt(*update.Price-s.lastPrice) >= p.cfg.FollowerMaxMove {
		s.lastMoveTS = now
		s.moveCount++
	}
	s.lastPrice = *update.Price
	s.hasPrice = true
	s.prices = append(s.prices, pricePoint{ts: now, price: *update.Price})
	p.pruneState(s, now)

	move := p.leaderMove(s, now)
	if absInt(move) < p.cfg.LeaderMinMove {
		return nil, nil
	}
	// One leader episode, one scan.
	if !s.lastLeaderTS.IsZero() && now.Sub(s.lastLeaderTS) < time.Duration(p.cfg.SuppressSec)*time.Second {
		return nil, nil
	}
	s.lastLeaderTS = now

	leaderDirection := models.DirectionBuyYes
	if move < 0 {
		leaderDirection = models.DirectionBuyNo
	}

	return p.scanSiblings(ctx, update.MarketTicker, leaderDirection, now, func(sibling string, direction models.SignalDirection, lag time.Duration, noise int) *models.Signal {
		return &models.Signal{
			SignalID:     models.NewSignalID(p.Name()),
			SignalType:   models.SignalTypeCrossMarket,
			MarketTicker: sibling,
			Direction:    direction,
			Strength:     models.Clamp01(math.Abs(float64(move)) / 10.0),
			Confidence:   models.Clamp01(0.65 / (1.0 + 0.15*float64(noise))),
			Urgency:      models.UrgencyHigh,
			TS:           now,
			TTLSeconds:   180,
			Metadata: map[string]interface{}{
				"leader_market": update.MarketTicker,
				"leader_move":   move,
				"lag_seconds":   round4(lag.Seconds()),
				"implied_edge":  round4(math.Abs(float64(move)) * p.cfg.Attenuation),
			},
		}
	})
}

// processSourceSignal propagates strong directional toxicity and OI signals
// to siblings that have not repriced.
func (p *CrossMarketProcessor) processSourceSignal(ctx context.Context, msg stream.Message) ([]*models.Signal, error) {
	var source models.Signal
	if err := json.Unmarshal(msg.Data, &source); err != nil {
		return nil, utils.NewMalformedErrorf("signal %s: %v", msg.ID, err)
	}
	if source.MarketTicker == "" {
		return nil, utils.NewMalformedError("signal missing market_ticker")
	}

	s := p.getState(source.MarketTicker)
	s.lastSignalDir = source.Direction
	s.lastSignalTS = source.TS

	if source.Direction == models.DirectionNeutral || source.Strength < p.cfg.MinSourceStrength {
		return nil, nil
	}

	return p.scanSiblings(ctx, source.MarketTicker, source.Direction, source.TS, func(sibling string, direction models.SignalDirection, lag time.Duration, noise int) *models.Signal {
		return &models.Signal{
			SignalID:     models.NewSignalID(p.Name()),
			SignalType:   models.SignalTypePropagation,
			MarketTicker: sibling,
			EventTicker:  source.EventTicker,
			Direction:    direction,
			Strength:     models.Clamp01(source.Strength * p.cfg.Attenuation),
			Confidence:   models.Clamp01(source.Confidence * p.cfg.ConfAttenuation),
			Urgency:      models.UrgencyNormal,
			TS:           source.TS,
			TTLSeconds:   180,
			Metadata: map[string]interface{}{
				"source_market":      source.MarketTicker,
				"source_signal_id":   source.SignalID,
				"source_signal_type": source.SignalType,
				"lag_seconds":        round4(lag.Seconds()),
			},
		}
	})
}

// scanSiblings emits one signal per lagging sibling via build.
func (p *CrossMarketProcessor) scanSiblings(ctx context.Context, leader string, leaderDirection models.SignalDirection, now time.Time, build func(sibling string, direction models.SignalDirection, lag time.Duration, noise int) *models.Signal) ([]*models.Signal, error) {
	if p.registry == nil {
		return nil, nil
	}
	siblings, err := p.registry.Siblings(ctx, leader)
	if err != nil {
		p.logger.WithError(err).WithField("market", leader).Warn("Sibling lookup failed")
		return nil, nil
	}
	if len(siblings) == 0 || len(siblings) > p.cfg.MaxSiblings {
		return nil, nil
	}

	window := time.Duration(p.cfg.WindowSec) * time.Second
	suppress := time.Duration(p.cfg.SuppressSec) * time.Second

	var signals []*models.Signal
	for _, sibling := range siblings {
		direction, correlated := p.correlate(leader, sibling, leaderDirection)
		if !correlated || direction == models.DirectionNeutral {
			continue
		}

		sib := p.getState(sibling)
		// The sibling already repriced inside the window: no lag to exploit.
		if !sib.lastMoveTS.IsZero() && now.Sub(sib.lastMoveTS) < window {
			continue
		}
		// The sibling already carries a same-direction signal.
		if sib.lastSignalDir == direction && !sib.lastSignalTS.IsZero() && now.Sub(sib.lastSignalTS) < suppress {
			continue
		}

		lag := window
		if !sib.lastMoveTS.IsZero() {
			lag = now.Sub(sib.lastMoveTS)
		}

		sig := build(sibling, direction, lag, sib.moveCount)
		sib.lastSignalDir = direction
		sib.lastSignalTS = now
		signals = append(signals, sig)
	}
	return signals, nil
}

// leaderMove is the net price change over the leader lookback window.
func (p *CrossMarketProcessor) leaderMove(s *crossMarketState, now time.Time) int {
	if len(s.prices) == 0 {
		return 0
	}
	return s.lastPrice - s.prices[0].price
}

func (p *CrossMarketProcessor) pruneState(s *crossMarketState, now time.Time) {
	cutoff := now.Add(-time.Duration(p.cfg.LeaderWindowSec) * time.Second)
	i := 0
	for i < len(s.prices) && s.prices[i].ts.Before(cutoff) {
		i++
	}
	s.prices = s.prices[i:]

	// Decay the noise counter along with the move window.
	if !s.lastMoveTS.IsZero() && now.Sub(s.lastMoveTS) > time.Duration(p.cfg.WindowSec)*time.Second {
		s.moveCount = 0
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
