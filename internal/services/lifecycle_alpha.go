package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kasshq/kass/internal/config"
	"github.com/kasshq/kass/internal/models"
	"github.com/kasshq/kass/internal/stream"
	"github.com/kasshq/kass/internal/utils"
)

// LifecycleProcessor trades the edges of a market's life: settlement
// cascades across mutually exclusive siblings and mispriced openings.
type LifecycleProcessor struct {
	cfg      config.LifecycleConfig
	registry Registry
	logger   *logrus.Entry

	recentOpens map[string]time.Time // market -> open event time
	lastPrices  map[string]int       // market -> latest yes price
	evaluated   map[string]bool      // new markets already scanned
}

// NewLifecycleProcessor creates the lifecycle alpha processor.
func NewLifecycleProcessor(cfg config.LifecycleConfig, registry Registry, logger *logrus.Logger) *LifecycleProcessor {
	return &LifecycleProcessor{
		cfg:         cfg,
		registry:    registry,
		logger:      logger.WithField("component", "lifecycle_alpha"),
		recentOpens: make(map[string]time.Time),
		lastPrices:  make(map[string]int),
		evaluated:   make(map[string]bool),
	}
}

// Name implements Processor.
func (p *LifecycleProcessor) Name() string { return "lifecycle_alpha" }

// InputStreams implements Processor.
func (p *LifecycleProcessor) InputStreams() []string {
	return []string{stream.StreamLifecycle, stream.StreamTickerUpdates}
}

// OutputStream implements Processor.
func (p *LifecycleProcessor) OutputStream() string { return stream.StreamLifecycleSig }

// ProcessMessage implements Processor.
func (p *LifecycleProcessor) ProcessMessage(ctx context.Context, msg stream.Message) ([]*models.Signal, error) {
	switch msg.Stream {
	case stream.StreamLifecycle:
		return p.processLifecycle(ctx, msg)
	case stream.StreamTickerUpdates:
		return p.processTicker(ctx, msg)
	}
	return nil, nil
}

func (p *LifecycleProcessor) processLifecycle(ctx context.Context, msg stream.Message) ([]*models.Signal, error) {
	var event models.LifecycleEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return nil, utils.NewMalformedErrorf("lifecycle event %s: %v", msg.ID, err)
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	switch {
	case event.Status == models.MarketStatusOpen:
		p.recentOpens[event.MarketTicker] = event.Timestamp()
		return nil, nil

	case event.Status.Terminal():
		defer func() {
			if p.registry != nil {
				p.registry.MarkTerminal(ctx, event.MarketTicker, event.Status)
			}
		}()
		if event.Status == models.MarketStatusClosed {
			return nil, nil
		}
		return p.settlementCascade(ctx, &event)
	}
	return nil, nil
}

// settlementCascade resolves siblings by elimination when a market settles.
// A yes settlement kills every sibling; a no settlement leaves a unique
// survivor a near-certainty.
func (p *LifecycleProcessor) settlementCascade(ctx context.Context, event *models.LifecycleEvent) ([]*models.Signal, error) {
	if p.registry == nil {
		return nil, nil
	}
	open, err := p.registry.OpenSiblings(ctx, event.MarketTicker)
	if err != nil {
		p.logger.WithError(err).WithField("market", event.MarketTicker).Warn("Sibling lookup failed")
		return nil, nil
	}
	if len(open) == 0 {
		return nil, nil
	}

	now := event.Timestamp()
	var signals []*models.Signal

	if event.Result == "yes" {
		for _, sibling := range open {
			signals = append(signals, p.cascadeSignal(sibling, models.DirectionBuyNo, event, now, 0.9, 0.85))
		}
	} else if event.Result == "no" && len(open) == 1 {
		signals = append(signals, p.cascadeSignal(open[0], models.DirectionBuyYes, event, now, 0.9, 0.8))
	}

	if len(signals) > 0 {
		p.logger.WithFields(logrus.Fields{
			"settled_market": event.MarketTicker,
			"result":         event.Result,
			"cascade_count":  len(signals),
		}).Info("Settlement cascade detected")
	}
	return signals, nil
}

func (p *LifecycleProcessor) cascadeSignal(ticker string, direction models.SignalDirection, event *models.LifecycleEvent, now time.Time, strength, confidence float64) *models.Signal {
	return &models.Signal{
		SignalID:     models.NewSignalID(p.Name()),
		SignalType:   models.SignalTypeCascade,
		MarketTicker: ticker,
		Direction:    direction,
		Strength:     strength,
		Confidence:   confidence,
		Urgency:      models.UrgencyCritical,
		TS:           now,
		TTLSeconds:   p.cfg.CascadeTTLSec,
		Metadata: map[string]interface{}{
			"settled_market": event.MarketTicker,
			"settled_status": string(event.Status),
			"settled_result": event.Result,
			"pattern":        "settlement_cascade",
		},
	}
}

func (p *LifecycleProcessor) processTicker(ctx context.Context, msg stream.Message) ([]*models.Signal, error) {
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
	p.lastPrices[update.MarketTicker] = *update.Price

	openedAt, isNew := p.recentOpens[update.MarketTicker]
	if !isNew {
		return nil, nil
	}
	now := update.Timestamp()
	window := time.Duration(p.cfg.NewMarketWindowSec) * time.Second
	if now.Sub(openedAt) > window {
		delete(p.recentOpens, update.MarketTicker)
		delete(p.evaluated, update.MarketTicker)
		return nil, nil
	}
	if p.evaluated[update.MarketTicker] {
		return nil, nil
	}
	p.evaluated[update.MarketTicker] = true

	return p.evaluateNewMarket(ctx, &update, now), nil
}

// evaluateNewMarket compares a just-opened market's first price against the
// residual probability its established siblings imply.
func (p *LifecycleProcessor) evaluateNewMarket(ctx context.Context, update *models.TickerUpdate, now time.Time) []*models.Signal {
	price := *update.Price
	var signals []*models.Signal

	if residual, ok := p.impliedResidual(ctx, update.MarketTicker); ok {
		gap := price - residual
		if absInt(gap) >= p.cfg.ResidualDivergence {
			direction := models.DirectionBuyYes
			if gap > 0 {
				direction = models.DirectionBuyNo
			}
			signals = append(signals, &models.Signal{
				SignalID:     models.NewSignalID(p.Name()),
				SignalType:   models.SignalTypeNewMarket,
				MarketTicker: update.MarketTicker,
				Direction:    direction,
				Strength:     models.Clamp01(float64(absInt(gap)) / 50.0),
				Confidence:   0.5,
				Urgency:      models.UrgencyNormal,
				TS:           now,
				TTLSeconds:   p.cfg.NewMarketWindowSec,
				Metadata: map[string]interface{}{
					"initial_price":    price,
					"implied_residual": residual,
					"divergence":       gap,
					"pattern":          "new_market_residual",
				},
			})
		}
	}

	// An opening print at the extremes is usually an overreaction.
	if price <= 20 || price >= 80 {
		direction := models.DirectionBuyYes
		if price >= 80 {
			direction = models.DirectionBuyNo
		}
		signals = append(signals, &models.Signal{
			SignalID:     models.NewSignalID(p.Name()),
			SignalType:   models.SignalTypeNewMarketExtreme,
			MarketTicker: update.MarketTicker,
			Direction:    direction,
			Strength:     0.5,
			Confidence:   0.35,
			Urgency:      models.UrgencyNormal,
			TS:           now,
			TTLSeconds:   p.cfg.NewMarketWindowSec,
			Metadata: map[string]interface{}{
				"initial_price": price,
				"pattern":       "new_market_extreme_price",
			},
		})
	}
	return signals
}

// impliedResidual is 100 minus the sum of sibling prices, bounded to a
// valid cents price. Requires prices for every sibling.
func (p *LifecycleProcessor) impliedResidual(ctx context.Context, ticker string) (int, bool) {
	if p.registry == nil {
		return 0, false
	}
	siblings, err := p.registry.Siblings(ctx, ticker)
	if err != nil || len(siblings) == 0 {
		return 0, false
	}

	sum := 0
	for _, sibling := range siblings {
		price, ok := p.lastPrices[sibling]
		if !ok {
			return 0, false
		}
		sum += price
	}

	residual := 100 - sum
	if residual < 1 {
		residual = 1
	}
	if residual > 99 {
		residual = 99
	}
	return residual, true
}
