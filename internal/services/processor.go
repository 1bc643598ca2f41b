package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kasshq/kass/internal/models"
	"github.com/kasshq/kass/internal/stream"
	"github.com/kasshq/kass/internal/utils"
)

// Processor is one stateful stream transducer: events in, signals out.
// Implementations own all per-market state and are only ever called from a
// single worker loop, so they need no internal locking.
type Processor interface {
	// Name is the processor's stable identifier, used for consumer names
	// and signal id prefixes.
	Name() string
	// InputStreams lists the raw or signal streams the processor consumes.
	InputStreams() []string
	// OutputStream is the processor's typed signal stream.
	OutputStream() string
	// ProcessMessage handles one event and returns zero or more signals.
	ProcessMessage(ctx context.Context, msg stream.Message) ([]*models.Signal, error)
}

// WorkerStats is a snapshot of a worker's counters for the health endpoint.
type WorkerStats struct {
	MessagesProcessed   uint64 `json:"messages_processed"`
	SignalsEmitted      uint64 `json:"signals_emitted"`
	SignalsSuppressed   uint64 `json:"signals_suppressed"`
	MalformedDropped    uint64 `json:"malformed_dropped"`
	PoisonDropped       uint64 `json:"poison_dropped"`
	PublishFailures     uint64 `json:"publish_failures"`
	UnderflowSuppressed uint64 `json:"underflow_suppressed"`
}

// Worker runs a Processor against the bus: durable consumer-group reads,
// emit gating, validated publishing behind a circuit breaker, and periodic
// stats logging.
type Worker struct {
	proc      Processor
	consumer  *stream.Consumer
	publisher *stream.Publisher
	breaker   *CircuitBreaker
	gate      *emitGate
	retry     *RetryPolicy
	group     string
	logger    *logrus.Entry

	messagesProcessed   atomic.Uint64
	signalsEmitted      atomic.Uint64
	signalsSuppressed   atomic.Uint64
	malformedDropped    atomic.Uint64
	poisonDropped       atomic.Uint64
	publishFailures     atomic.Uint64
	underflowSuppressed atomic.Uint64

	// procMu serializes processing across input-stream consumers so each
	// market's state keeps a single owner.
	procMu sync.Mutex

	fatalMu  sync.Mutex
	fatalErr error
}

// WorkerOptions tunes the scaffolding shared by all processors.
type WorkerOptions struct {
	// GroupPrefix is prepended to the consumer group name.
	GroupPrefix string
	// Cooldown is the per-market emission cooldown.
	Cooldown time.Duration
	// MinDelta is the minimum strength change between successive signals of
	// the same (type, direction) on one market.
	MinDelta float64
	// Retry paces restarts of a consumer loop after transient bus errors.
	// Defaults to DefaultRetryPolicy.
	Retry *RetryPolicy
	// Consumer tunes the stream read loop.
	Consumer stream.ConsumerOptions
}

// NewWorker wires a processor to the bus.
func NewWorker(proc Processor, publisher *stream.Publisher, opts WorkerOptions, logger *logrus.Logger, consumerFactory func(poison func(string)) *stream.Consumer) *Worker {
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	w := &Worker{
		proc:      proc,
		publisher: publisher,
		group:     fmt.Sprintf("%s:%s", opts.GroupPrefix, proc.Name()),
		gate:      newEmitGate(opts.Cooldown, opts.MinDelta),
		retry:     opts.Retry,
		logger:    logger.WithField("component", proc.Name()),
		breaker: NewCircuitBreaker(proc.Name()+"_publish", CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      10 * time.Second,
		}, logger),
	}
	w.consumer = consumerFactory(func(string) { w.poisonDropped.Add(1) })
	return w
}

// Run consumes all input streams until ctx is cancelled, or an invariant
// violation or an open publish circuit makes the instance unfit to
// continue. Blocking call.
func (w *Worker) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.logger.WithField("input_streams", w.proc.InputStreams()).Info("Processor starting")

	var wg sync.WaitGroup
	for _, s := range w.proc.InputStreams() {
		wg.Add(1)
		go func(streamName string) {
			defer wg.Done()
			w.consumeLoop(runCtx, streamName, cancel)
		}(s)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.statsLoop(runCtx)
	}()

	wg.Wait()

	w.fatalMu.Lock()
	defer w.fatalMu.Unlock()
	if w.fatalErr != nil {
		return w.fatalErr
	}
	return ctx.Err()
}

// consumeLoop runs one stream's consumer, restarting it with backoff when
// it dies on a transient bus error (group creation against a downed broker).
func (w *Worker) consumeLoop(ctx context.Context, streamName string, cancel context.CancelFunc) {
	consumerName := fmt.Sprintf("%s_%s", w.proc.Name(), sanitize(streamName))
	attempt := 0
	for ctx.Err() == nil {
		err := w.consumer.Consume(ctx, streamName, w.group, consumerName, func(ctx context.Context, msgs []stream.Message) error {
			return w.handleBatch(ctx, msgs, cancel)
		})
		if err == nil || ctx.Err() != nil {
			return
		}
		if !utils.IsTransient(err) {
			w.logger.WithError(err).WithField("stream", streamName).Error("Consumer loop exited")
			return
		}
		delay := w.retry.Delay(attempt)
		attempt++
		w.logger.WithError(err).WithFields(logrus.Fields{
			"stream":   streamName,
			"retry_in": delay.String(),
		}).Warn("Transient bus error, restarting consumer")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// handleBatch processes one delivered batch. Malformed events are dropped
// and counted; an invariant violation, or a publish rejected because the
// circuit breaker has opened, stops the worker; any other error leaves the
// batch unacknowledged for redelivery.
func (w *Worker) handleBatch(ctx context.Context, msgs []stream.Message, cancel context.CancelFunc) error {
	w.procMu.Lock()
	defer w.procMu.Unlock()

	for _, msg := range msgs {
		signals, err := w.proc.ProcessMessage(ctx, msg)
		if err != nil {
			// Underflow is not a failure: the window is filling, emission
			// is suppressed, the message is consumed.
			if errors.Is(err, utils.ErrStateUnderflow) {
				w.underflowSuppressed.Add(1)
				w.messagesProcessed.Add(1)
				continue
			}
			if utils.IsMalformed(err) {
				w.malformedDropped.Add(1)
				w.logger.WithError(err).WithFields(logrus.Fields{
					"stream": msg.Stream,
					"msg_id": msg.ID,
				}).Warn("Dropped malformed event")
				continue
			}
			return err
		}
		w.messagesProcessed.Add(1)

		for _, sig := range signals {
			if err := w.emit(ctx, sig); err != nil {
				if utils.IsInvariant(err) || errors.Is(err, ErrCircuitOpen) {
					w.setFatal(err)
					cancel()
					return err
				}
				return err
			}
		}
	}
	return nil
}

// emit applies gating and publishes through the circuit breaker.
func (w *Worker) emit(ctx context.Context, sig *models.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if !w.gate.allow(sig) {
		w.signalsSuppressed.Add(1)
		return nil
	}

	err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		return w.publisher.PublishSignal(ctx, w.proc.OutputStream(), sig)
	})
	if err != nil {
		w.publishFailures.Add(1)
		return utils.NewDownstreamError(w.proc.OutputStream(), err)
	}

	w.gate.record(sig)
	w.signalsEmitted.Add(1)
	w.logger.WithFields(logrus.Fields{
		"signal_type": sig.SignalType,
		"market":      sig.MarketTicker,
		"direction":   sig.Direction,
		"strength":    sig.Strength,
	}).Debug("Signal emitted")
	return nil
}

func (w *Worker) setFatal(err error) {
	w.fatalMu.Lock()
	defer w.fatalMu.Unlock()
	if w.fatalErr == nil {
		w.fatalErr = err
	}
	w.logger.WithError(err).Error("Fatal error, stopping instance")
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		MessagesProcessed:   w.messagesProcessed.Load(),
		SignalsEmitted:      w.signalsEmitted.Load(),
		SignalsSuppressed:   w.signalsSuppressed.Load(),
		MalformedDropped:    w.malformedDropped.Load(),
		PoisonDropped:       w.poisonDropped.Load(),
		PublishFailures:     w.publishFailures.Load(),
		UnderflowSuppressed: w.underflowSuppressed.Load(),
	}
}

// Name returns the wrapped processor's name.
func (w *Worker) Name() string {
	return w.proc.Name()
}

func (w *Worker) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	var lastProcessed, lastEmitted uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed := w.messagesProcessed.Load()
			emitted := w.signalsEmitted.Load()
			w.logger.WithFields(logrus.Fields{
				"messages_processed": processed - lastProcessed,
				"signals_emitted":    emitted - lastEmitted,
				"msg_per_sec":        float64(processed-lastProcessed) / 60.0,
			}).Info("Processor stats")
			lastProcessed = processed
			lastEmitted = emitted
		}
	}
}

func sanitize(stream string) string {
	out := make([]byte, len(stream))
	for i := 0; i < len(stream); i++ {
		if stream[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = stream[i]
		}
	}
	return string(out)
}

// emitGate suppresses chatter: one signal per market per cooldown, and
// repeats of the same (type, direction) must change strength by minDelta.
type emitGate struct {
	mu        sync.Mutex
	cooldown  time.Duration
	minDelta  float64
	lastEmit  map[string]time.Time // market -> event time of last emission
	lastByKey map[string]float64   // market|type|direction -> strength
}

func newEmitGate(cooldown time.Duration, minDelta float64) *emitGate {
	return &emitGate{
		cooldown:  cooldown,
		minDelta:  minDelta,
		lastEmit:  make(map[string]time.Time),
		lastByKey: make(map[string]float64),
	}
}

func (g *emitGate) key(sig *models.Signal) string {
	return sig.MarketTicker + "|" + sig.SignalType + "|" + string(sig.Direction)
}

// allow reports whether the signal passes the gate. Critical urgency always
// passes: settlement cascades cannot wait out a cooldown. Regime transitions
// pass too: the state machine's hysteresis is their chatter control, and the
// aggregator needs every link of the regime chain.
func (g *emitGate) allow(sig *models.Signal) bool {
	if sig.Urgency == models.UrgencyCritical || sig.SignalType == models.SignalTypeRegimeChange {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	last, seen := g.lastEmit[sig.MarketTicker]
	if seen && sig.TS.Sub(last) < g.cooldown {
		return false
	}
	if prev, ok := g.lastByKey[g.key(sig)]; ok {
		if diff := sig.Strength - prev; diff < g.minDelta && diff > -g.minDelta {
			return false
		}
	}
	return true
}

func (g *emitGate) record(sig *models.Signal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastEmit[sig.MarketTicker] = sig.TS
	g.lastByKey[g.key(sig)] = sig.Strength
}
