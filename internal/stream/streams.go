package stream

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kasshq/kass/internal/models"
	"github.com/kasshq/kass/internal/utils"
)

// Raw input streams produced by the ingestion layer.
const (
	StreamTrades             = "kass:trades"
	StreamTickerUpdates      = "kass:ticker_updates"
	StreamOrderbookDeltas    = "kass:orderbook:deltas"
	StreamOrderbookSnapshots = "kass:orderbook:snapshots"
	StreamLifecycle          = "kass:lifecycle"
	StreamSystem             = "kass:system"
)

// Signal output streams published by the processors and the aggregator.
const (
	StreamFlowToxicity = "kass:signals:flow_toxicity"
	StreamOIDivergence = "kass:signals:oi_divergence"
	StreamRegime       = "kass:signals:regime"
	StreamCrossMarket  = "kass:signals:cross_market"
	StreamLifecycleSig = "kass:signals:lifecycle"
	StreamAllSignals   = "kass:signals:all"
	StreamComposite    = "kass:signals:composite"
)

// Approximate trim bounds applied on every XADD.
const (
	RawMaxLen    = 100_000
	SignalMaxLen = 10_000
)

// Publisher writes records to Redis streams with MAXLEN trimming.
type Publisher struct {
	redis  *redis.Client
	logger *logrus.Entry
}

// NewPublisher creates a stream publisher on an established connection.
func NewPublisher(rdb *redis.Client, logger *logrus.Logger) *Publisher {
	return &Publisher{
		redis:  rdb,
		logger: logger.WithField("component", "stream_publisher"),
	}
}

// PublishSignal validates the signal and writes it to its typed stream, then
// to the fan-in stream. The fan-in write happens last so a retried publish
// can only duplicate on "all", which the aggregator dedupes by signal_id.
func (p *Publisher) PublishSignal(ctx context.Context, typedStream string, sig *models.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return utils.NewInvariantErrorf("signal %s: marshal failed: %v", sig.SignalID, err)
	}
	if err := p.add(ctx, typedStream, SignalMaxLen, payload); err != nil {
		return utils.NewDownstreamError(typedStream, err)
	}
	if err := p.add(ctx, StreamAllSignals, SignalMaxLen, payload); err != nil {
		return utils.NewDownstreamError(StreamAllSignals, err)
	}
	return nil
}

// PublishComposite writes a composite signal to the composite stream.
func (p *Publisher) PublishComposite(ctx context.Context, comp *models.CompositeSignal) error {
	if err := comp.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(comp)
	if err != nil {
		return utils.NewInvariantErrorf("composite %s: marshal failed: %v", comp.MarketTicker, err)
	}
	if err := p.add(ctx, StreamComposite, SignalMaxLen, payload); err != nil {
		return utils.NewDownstreamError(StreamComposite, err)
	}
	return nil
}

// PublishRaw writes an arbitrary record to a raw input stream. Used by the
// ingestion collaborators and by test feeders.
func (p *Publisher) PublishRaw(ctx context.Context, stream string, record interface{}) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return utils.NewMalformedErrorf("raw record for %s: marshal failed: %v", stream, err)
	}
	if err := p.add(ctx, stream, RawMaxLen, payload); err != nil {
		return utils.NewDownstreamError(stream, err)
	}
	return nil
}

func (p *Publisher) add(ctx context.Context, stream string, maxLen int64, payload []byte) error {
	return p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(payload)},
	}).Err()
}
