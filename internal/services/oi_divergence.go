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

// OI divergence subtypes: how open-interest flow disagrees with price.
const (
	oiSubtypeNewLongs        = "new_longs"
	oiSubtypeShortCovering   = "short_covering"
	oiSubtypeNewShorts       = "new_shorts"
	oiSubtypeLongLiquidation = "long_liquidation"
)

// welford accumulates running mean and variance without storing samples.
type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) update(v float64) {
	w.count++
	delta := v - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (v - w.mean)
}

func (w *welford) sigma() float64 {
	if w.count < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.count-1))
}

func (w *welford) zscore(v float64) float64 {
	sigma := w.sigma()
	if sigma < 1e-9 {
		return 0
	}
	return (v - w.mean) / sigma
}

type pricePoint struct {
	ts    time.Time
	price int
}

// oiState is the per-market state for open-interest divergence analysis.
type oiState struct {
	velocity     float64 // EWMA of open_interest_delta
	lastUpdateTS time.Time
	stats        welford
	prices       []pricePoint
	lastPrice    int
	hasPrice     bool
	observations int

	// trailing dollar vs contract OI agreement
	recentOI       float64
	recentDollarOI float64
}

// priceDelta is the price change over the horizon ending at now.
func (s *oiState) priceDelta(now time.Time, horizon time.Duration) int {
	cutoff := now.Add(-horizon)
	i := 0
	for i < len(s.prices) && s.prices[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.prices = s.prices[i-1:]
	}
	if len(s.prices) == 0 || !s.hasPrice {
		return 0
	}
	return s.lastPrice - s.prices[0].price
}

// OIDivergenceProcessor detects disagreement between open-interest flow and
// price: positioning building beneath the surface.
type OIDivergenceProcessor struct {
	cfg      config.OIDivergenceConfig
	halflife time.Duration
	logger   *logrus.Entry
	state    map[string]*oiState
}

// NewOIDivergenceProcessor creates the OI divergence processor.
func NewOIDivergenceProcessor(cfg config.OIDivergenceConfig, logger *logrus.Logger) *OIDivergenceProcessor {
	return &OIDivergenceProcessor{
		cfg:      cfg,
		halflife: time.Duration(cfg.EWMAHalflifeSec) * time.Second,
		logger:   logger.WithField("component", "oi_divergence"),
		state:    make(map[string]*oiState),
	}
}

// Name implements Processor.
func (p *OIDivergenceProcessor) Name() string { return "oi_divergence" }

// InputStreams implements Processor.
func (p *OIDivergenceProcessor) InputStreams() []string {
	return []string{stream.StreamTickerUpdates}
}

// OutputStream implements Processor.
func (p *OIDivergenceProcessor) OutputStream() string { return stream.StreamOIDivergence }

// ProcessMessage implements Processor.
func (p *OIDivergenceProcessor) ProcessMessage(_ context.Context, msg stream.Message) ([]*models.Signal, error) {
	var update models.TickerUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		return nil, utils.NewMalformedErrorf("ticker update %s: %v", msg.ID, err)
	}
	if err := update.Validate(); err != nil {
		return nil, err
	}
	if update.OpenInterestDelta == nil && update.Price == nil {
		return nil, nil
	}

	s, ok := p.state[update.MarketTicker]
	if !ok {
		s = &oiState{}
		p.state[update.MarketTicker] = s
	}

	now := update.Timestamp()

	if update.Price != nil {
		s.lastPrice = *update.Price
		s.hasPrice = true
		s.prices = append(s.prices, pricePoint{ts: now, price: *update.Price})
	}

	if update.OpenInterestDelta != nil {
		delta := float64(*update.OpenInterestDelta)
		s.velocity = p.ewma(s, delta, now)
		s.lastUpdateTS = now
		s.stats.update(s.velocity)
		s.observations++

		decay := 0.8
		s.recentOI = s.recentOI*decay + delta
		if update.DollarOpenInterestDelta != nil {
			s.recentDollarOI = s.recentDollarOI*decay + float64(*update.DollarOpenInterestDelta)
		}
	}

	// Extreme prices carry no edge.
	if s.hasPrice && (s.lastPrice < p.cfg.MinPrice || s.lastPrice > p.cfg.MaxPrice) {
		return nil, nil
	}
	if s.observations < p.cfg.MinObservations {
		return nil, utils.ErrStateUnderflow
	}

	z := s.stats.zscore(s.velocity)
	if math.Abs(z) < p.cfg.ZScoreThreshold {
		return nil, nil
	}

	priceDelta := s.priceDelta(now, p.halflife)
	if priceDelta == 0 {
		return nil, nil
	}

	subtype, direction, weaker := classifyDivergence(z, priceDelta)

	strength := models.Clamp01(math.Abs(z) / 4.0)
	if weaker {
		strength *= 0.75
	}
	confidence := models.Clamp01(float64(s.observations) / float64(2*p.cfg.MinObservations))
	if s.dollarConfirms() {
		confidence = models.Clamp01(confidence + p.cfg.DollarConfirmBoost)
	}

	sig := &models.Signal{
		SignalID:     models.NewSignalID(p.Name()),
		SignalType:   models.SignalTypeOIDivergence,
		MarketTicker: update.MarketTicker,
		Direction:    direction,
		Strength:     strength,
		Confidence:   confidence,
		Urgency:      models.UrgencyNormal,
		TS:           now,
		TTLSeconds:   600,
		Metadata: map[string]interface{}{
			"subtype":            subtype,
			"oi_velocity":        round4(s.velocity),
			"oi_velocity_zscore": round4(z),
			"price_delta":        priceDelta,
			"dollar_oi_confirms": s.dollarConfirms(),
			"observations":       s.observations,
		},
	}
	return []*models.Signal{sig}, nil
}

// ewma advances the open-interest velocity with an event-time half-life.
func (p *OIDivergenceProcessor) ewma(s *oiState, delta float64, now time.Time) float64 {
	if s.lastUpdateTS.IsZero() {
		return delta
	}
	dt := now.Sub(s.lastUpdateTS)
	if dt < 0 {
		dt = 0
	}
	alpha := 1 - math.Exp(-math.Ln2*dt.Seconds()/p.halflife.Seconds())
	return s.velocity + alpha*(delta-s.velocity)
}

func (s *oiState) dollarConfirms() bool {
	if s.recentDollarOI == 0 {
		return false
	}
	return (s.recentOI > 0) == (s.recentDollarOI > 0)
}

// classifyDivergence maps a velocity z-score and price move to one of the
// four positioning subtypes. Covering and liquidation read as mean
// reversion and are weaker.
func classifyDivergence(z float64, priceDelta int) (subtype string, direction models.SignalDirection, weaker bool) {
	rising := priceDelta > 0
	switch {
	case z > 0 && rising:
		return oiSubtypeNewLongs, models.DirectionBuyYes, false
	case z < 0 && rising:
		return oiSubtypeShortCovering, models.DirectionBuyNo, true
	case z > 0 && !rising:
		return oiSubtypeNewShorts, models.DirectionBuyNo, false
	default:
		return oiSubtypeLongLiquidation, models.DirectionBuyYes, true
	}
}
