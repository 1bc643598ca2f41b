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

// flowState is the per-market state for VPIN flow analysis. Owned by a
// single worker loop.
type flowState struct {
	bucketTarget int

	// current bucket
	bucketVolume    int
	bucketBuyVolume int
	bucketStart     time.Time

	// rolling window of completed bucket imbalances
	imbalances []float64
	filled     int
	next       int
	prevVPIN   float64

	// completed bucket volumes, for burst z-scores
	bucketVolumes []float64
	bucketFilled  int
	bucketNext    int

	// trade arrival tracking (event time)
	recentVolume []volumePoint
	tradeSizes   []int
	sizeSum      int
	sizeNext     int
	sizeFilled   int
}

type volumePoint struct {
	ts    time.Time
	count int
}

func newFlowState(window int, minVol int) *flowState {
	return &flowState{
		bucketTarget:  minVol,
		imbalances:    make([]float64, window),
		bucketVolumes: make([]float64, window),
		tradeSizes:    make([]int, 200),
	}
}

func (s *flowState) addTrade(t *models.Trade) {
	if s.bucketVolume == 0 {
		s.bucketStart = t.Timestamp()
	}
	s.bucketVolume += t.Count
	if t.TakerSide == models.TakerSideYes {
		s.bucketBuyVolume += t.Count
	}

	s.recentVolume = append(s.recentVolume, volumePoint{ts: t.Timestamp(), count: t.Count})
	s.pruneVolume(t.Timestamp())

	s.sizeSum -= s.tradeSizes[s.sizeNext]
	s.tradeSizes[s.sizeNext] = t.Count
	s.sizeSum += t.Count
	s.sizeNext = (s.sizeNext + 1) % len(s.tradeSizes)
	if s.sizeFilled < len(s.tradeSizes) {
		s.sizeFilled++
	}
}

func (s *flowState) pruneVolume(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(s.recentVolume) && s.recentVolume[i].ts.Before(cutoff) {
		i++
	}
	s.recentVolume = s.recentVolume[i:]
}

// oneMinuteVolume is the contract volume over the trailing minute of event time.
func (s *flowState) oneMinuteVolume() int {
	total := 0
	for _, p := range s.recentVolume {
		total += p.count
	}
	return total
}

func (s *flowState) meanTradeSize() float64 {
	if s.sizeFilled == 0 {
		return 0
	}
	return float64(s.sizeSum) / float64(s.sizeFilled)
}

// signedImbalance of the current bucket: positive means net yes buying.
func (s *flowState) signedImbalance() float64 {
	if s.bucketVolume == 0 {
		return 0
	}
	sell := s.bucketVolume - s.bucketBuyVolume
	return float64(s.bucketBuyVolume-sell) / float64(s.bucketVolume)
}

// closeBucket finalizes the current bucket and returns its absolute
// imbalance, signed imbalance, volume, and fill duration.
func (s *flowState) closeBucket(minVol int) (imbalance, signed float64, volume int, fill time.Duration, closedAt time.Time) {
	signed = s.signedImbalance()
	imbalance = math.Abs(signed)
	volume = s.bucketVolume
	if len(s.recentVolume) > 0 {
		closedAt = s.recentVolume[len(s.recentVolume)-1].ts
	}
	fill = closedAt.Sub(s.bucketStart)

	s.imbalances[s.next] = imbalance
	s.next = (s.next + 1) % len(s.imbalances)
	if s.filled < len(s.imbalances) {
		s.filled++
	}

	s.bucketVolumes[s.bucketNext] = float64(volume)
	s.bucketNext = (s.bucketNext + 1) % len(s.bucketVolumes)
	if s.bucketFilled < len(s.bucketVolumes) {
		s.bucketFilled++
	}

	s.bucketVolume = 0
	s.bucketBuyVolume = 0

	// Bucket size tracks recent flow so bucket cadence stays roughly constant.
	if v := s.oneMinuteVolume(); v > minVol {
		s.bucketTarget = v
	} else {
		s.bucketTarget = minVol
	}
	return imbalance, signed, volume, fill, closedAt
}

// vpin is the mean imbalance over the filled window.
func (s *flowState) vpin() float64 {
	if s.filled == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < s.filled; i++ {
		sum += s.imbalances[i]
	}
	return sum / float64(s.filled)
}

// bucketVolumeStats returns mean and standard deviation of completed
// bucket volumes.
func (s *flowState) bucketVolumeStats() (mean, std float64) {
	if s.bucketFilled == 0 {
		return 0, 0
	}
	for i := 0; i < s.bucketFilled; i++ {
		mean += s.bucketVolumes[i]
	}
	mean /= float64(s.bucketFilled)
	for i := 0; i < s.bucketFilled; i++ {
		d := s.bucketVolumes[i] - mean
		std += d * d
	}
	std = math.Sqrt(std / float64(s.bucketFilled))
	return mean, std
}

// ToxicityProcessor computes volume-synchronized probability of informed
// trading per market and flags toxic flow, volume bursts, and outsized
// single trades.
type ToxicityProcessor struct {
	cfg    config.ToxicityConfig
	logger *logrus.Entry
	state  map[string]*flowState
}

// NewToxicityProcessor creates the flow-toxicity processor.
func NewToxicityProcessor(cfg config.ToxicityConfig, logger *logrus.Logger) *ToxicityProcessor {
	return &ToxicityProcessor{
		cfg:    cfg,
		logger: logger.WithField("component", "flow_toxicity"),
		state:  make(map[string]*flowState),
	}
}

// Name implements Processor.
func (p *ToxicityProcessor) Name() string { return "flow_toxicity" }

// InputStreams implements Processor.
func (p *ToxicityProcessor) InputStreams() []string { return []string{stream.StreamTrades} }

// OutputStream implements Processor.
func (p *ToxicityProcessor) OutputStream() string { return stream.StreamFlowToxicity }

func (p *ToxicityProcessor) getState(ticker string) *flowState {
	s, ok := p.state[ticker]
	if !ok {
		s = newFlowState(p.cfg.Window, p.cfg.BucketMinVol)
		p.state[ticker] = s
	}
	return s
}

// ProcessMessage implements Processor.
func (p *ToxicityProcessor) ProcessMessage(_ context.Context, msg stream.Message) ([]*models.Signal, error) {
	var trade models.Trade
	if err := json.Unmarshal(msg.Data, &trade); err != nil {
		return nil, utils.NewMalformedErrorf("trade %s: %v", msg.ID, err)
	}
	if err := trade.Validate(); err != nil {
		return nil, err
	}

	s := p.getState(trade.MarketTicker)
	s.addTrade(&trade)

	var signals []*models.Signal

	if mean := s.meanTradeSize(); mean > 0 && s.sizeFilled >= 20 && float64(trade.Count) >= p.cfg.LargeTradeMultiple*mean {
		signals = append(signals, p.largeTradeSignal(&trade, s))
	}

	if s.bucketVolume < s.bucketTarget {
		return signals, nil
	}

	mean, std := s.bucketVolumeStats()
	hadBuckets := s.bucketFilled
	imbalance, signed, volume, fill, closedAt := s.closeBucket(p.cfg.BucketMinVol)
	vpin := s.vpin()
	crossed := s.prevVPIN <= p.cfg.Threshold && vpin > p.cfg.Threshold
	s.prevVPIN = vpin

	if crossed && signed != 0 {
		signals = append(signals, p.toxicitySignal(trade.MarketTicker, closedAt, vpin, signed, imbalance, s))
	} else if vpin > p.cfg.SustainedThreshold && s.filled >= 5 {
		signals = append(signals, p.sustainedSignal(trade.MarketTicker, closedAt, vpin, signed, s))
	}

	if hadBuckets >= 5 && std > 0 && fill <= time.Duration(p.cfg.BurstMaxSec)*time.Second &&
		float64(volume) >= p.cfg.BurstVolMultiple*mean {
		z := (float64(volume) - mean) / std
		signals = append(signals, p.burstSignal(trade.MarketTicker, closedAt, volume, mean, z, fill, signed, s))
	}

	return signals, nil
}

func directionFromSigned(signed float64) models.SignalDirection {
	if signed > 0 {
		return models.DirectionBuyYes
	}
	if signed < 0 {
		return models.DirectionBuyNo
	}
	return models.DirectionNeutral
}

func (p *ToxicityProcessor) toxicitySignal(ticker string, ts time.Time, vpin, signed, imbalance float64, s *flowState) *models.Signal {
	urgency := models.UrgencyNormal
	if vpin > p.cfg.High {
		urgency = models.UrgencyHigh
	}
	return &models.Signal{
		SignalID:     models.NewSignalID(p.Name()),
		SignalType:   models.SignalTypeFlowToxicity,
		MarketTicker: ticker,
		Direction:    directionFromSigned(signed),
		Strength:     models.Clamp01((vpin - 0.5) / 0.5),
		Confidence:   models.Clamp01(float64(s.filled) / float64(len(s.imbalances))),
		Urgency:      urgency,
		TS:           ts,
		TTLSeconds:   300,
		Metadata: map[string]interface{}{
			"vpin":             round4(vpin),
			"bucket_count":     s.filled,
			"last_imbalance":   round4(imbalance),
			"signed_imbalance": round4(signed),
		},
	}
}

func (p *ToxicityProcessor) sustainedSignal(ticker string, ts time.Time, vpin, signed float64, s *flowState) *models.Signal {
	return &models.Signal{
		SignalID:     models.NewSignalID(p.Name()),
		SignalType:   models.SignalTypeFlowToxicity,
		MarketTicker: ticker,
		Direction:    directionFromSigned(signed),
		Strength:     models.Clamp01(vpin),
		Confidence:   0.7,
		Urgency:      models.UrgencyNormal,
		TS:           ts,
		TTLSeconds:   300,
		Metadata: map[string]interface{}{
			"vpin":         round4(vpin),
			"bucket_count": s.filled,
			"pattern":      "sustained_toxicity",
		},
	}
}

func (p *ToxicityProcessor) burstSignal(ticker string, ts time.Time, volume int, mean, z float64, fill time.Duration, signed float64, s *flowState) *models.Signal {
	return &models.Signal{
		SignalID:     models.NewSignalID(p.Name()),
		SignalType:   models.SignalTypeFlowBurst,
		MarketTicker: ticker,
		Direction:    directionFromSigned(signed),
		Strength:     models.Clamp01(z / 4.0),
		Confidence:   models.Clamp01(0.4 + float64(s.bucketFilled)/float64(2*len(s.bucketVolumes))),
		Urgency:      models.UrgencyHigh,
		TS:           ts,
		TTLSeconds:   120,
		Metadata: map[string]interface{}{
			"bucket_volume":      volume,
			"mean_bucket_volume": round4(mean),
			"volume_zscore":      round4(z),
			"fill_seconds":       fill.Seconds(),
		},
	}
}

func (p *ToxicityProcessor) largeTradeSignal(trade *models.Trade, s *flowState) *models.Signal {
	mean := s.meanTradeSize()
	ratio := float64(trade.Count) / mean
	direction := models.DirectionBuyYes
	if trade.TakerSide == models.TakerSideNo {
		direction = models.DirectionBuyNo
	}
	return &models.Signal{
		SignalID:     models.NewSignalID(p.Name()),
		SignalType:   models.SignalTypeFlowLargeTrade,
		MarketTicker: trade.MarketTicker,
		Direction:    direction,
		Strength:     models.Clamp01(float64(trade.Count) / (mean * p.cfg.LargeTradeMultiple * 2)),
		Confidence:   math.Min(0.85, 0.4+ratio/(p.cfg.LargeTradeMultiple*4)),
		Urgency:      models.UrgencyNormal,
		TS:           trade.Timestamp(),
		TTLSeconds:   300,
		Metadata: map[string]interface{}{
			"trade_size":      trade.Count,
			"mean_trade_size": round4(mean),
			"size_ratio":      round4(ratio),
			"taker_side":      string(trade.TakerSide),
		},
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
