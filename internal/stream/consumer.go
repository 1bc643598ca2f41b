package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kasshq/kass/internal/utils"
)

// Message is one stream entry handed to a processor.
type Message struct {
	ID     string
	Stream string
	Data   []byte
}

// Handler processes a batch of messages. Returning an error leaves the batch
// unacknowledged so the broker redelivers it.
type Handler func(ctx context.Context, msgs []Message) error

// BackoffPolicy decides how long to wait before retry attempt (zero-based).
// services.RetryPolicy implements it.
type BackoffPolicy interface {
	Delay(attempt int) time.Duration
}

// expBackoff is the fallback policy when none is configured: plain factor-2
// doubling without jitter.
type expBackoff struct {
	initial time.Duration
	max     time.Duration
}

func (b expBackoff) Delay(attempt int) time.Duration {
	d := b.initial
	for i := 0; i < attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		return b.max
	}
	return d
}

// ConsumerOptions tunes the consumer-group read loop.
type ConsumerOptions struct {
	// BatchSize is the maximum number of entries per read.
	BatchSize int64
	// Block is how long a read blocks waiting for new entries.
	Block time.Duration
	// MaxDeliveries is the redelivery bound after which a message is treated
	// as poison: acknowledged, logged, and counted.
	MaxDeliveries int64
	// Backoff paces retries after transient bus errors. Defaults to plain
	// factor-2 doubling, 250ms up to 10s.
	Backoff BackoffPolicy
}

// DefaultConsumerOptions returns the production read-loop settings.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		BatchSize:     100,
		Block:         5 * time.Second,
		MaxDeliveries: 5,
	}
}

// Consumer reads a stream through a durable consumer group.
type Consumer struct {
	redis  *redis.Client
	opts   ConsumerOptions
	logger *logrus.Entry
	poison func(stream string)
}

// NewConsumer creates a consumer on an established connection. poison is an
// optional callback invoked once per dropped poison message.
func NewConsumer(rdb *redis.Client, opts ConsumerOptions, logger *logrus.Logger, poison func(stream string)) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.Backoff == nil {
		opts.Backoff = expBackoff{initial: 250 * time.Millisecond, max: 10 * time.Second}
	}
	return &Consumer{
		redis:  rdb,
		opts:   opts,
		logger: logger.WithField("component", "stream_consumer"),
		poison: poison,
	}
}

// EnsureGroup creates the consumer group if it does not exist yet.
func (c *Consumer) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.redis.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return utils.NewTransientBusError("xgroup_create "+stream, err)
	}
	return nil
}

// Consume reads stream through group as consumer until ctx is cancelled.
// Pending entries from a previous crash are claimed and processed first.
// Messages are acknowledged only after the handler returns nil; a message
// redelivered more than MaxDeliveries times is acknowledged and dropped.
// Transient bus errors are retried in place with backoff; input is never
// dropped, the durable stream preserves it.
func (c *Consumer) Consume(ctx context.Context, stream, group, consumer string, handler Handler) error {
	if err := c.EnsureGroup(ctx, stream, group); err != nil {
		return err
	}

	log := c.logger.WithFields(logrus.Fields{"stream": stream, "group": group, "consumer": consumer})

	if err := c.claimPending(ctx, stream, group, consumer, handler, log); err != nil && ctx.Err() == nil {
		log.WithError(err).Warn("Pending claim pass failed, continuing with new messages")
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    c.opts.BatchSize,
			Block:    c.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				attempt = 0
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			terr := utils.NewTransientBusError("xreadgroup "+stream, err)
			log.WithError(terr).Error("Stream read failed, backing off")
			if !sleepCtx(ctx, c.opts.Backoff.Delay(attempt)) {
				return ctx.Err()
			}
			attempt++
			continue
		}
		attempt = 0

		for _, streamRes := range res {
			msgs := toMessages(stream, streamRes.Messages)
			if len(msgs) == 0 {
				continue
			}
			if err := handler(ctx, msgs); err != nil {
				// Leave unacked: the batch is redelivered with the same ids.
				log.WithError(err).WithField("batch_size", len(msgs)).Error("Batch handler failed")
				continue
			}
			if err := c.ack(ctx, stream, group, msgs); err != nil {
				log.WithError(utils.NewTransientBusError("xack "+stream, err)).Error("Ack failed")
			}
		}
	}
}

// claimPending processes entries left unacknowledged by a previous instance.
func (c *Consumer) claimPending(ctx context.Context, stream, group, consumer string, handler Handler, log *logrus.Entry) error {
	start := "0-0"
	for {
		msgs, next, err := c.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  time.Minute,
			Start:    start,
			Count:    c.opts.BatchSize,
		}).Result()
		if err != nil {
			return utils.NewTransientBusError("xautoclaim "+stream, err)
		}
		if len(msgs) == 0 {
			return nil
		}

		keep, drop := c.splitPoison(ctx, stream, group, msgs)
		if len(drop) > 0 {
			if err := c.ack(ctx, stream, group, drop); err != nil {
				log.WithError(err).Error("Poison ack failed")
			}
			for _, m := range drop {
				log.WithField("msg_id", m.ID).Warn("Dropped poison message past delivery bound")
				if c.poison != nil {
					c.poison(stream)
				}
			}
		}
		if len(keep) > 0 {
			if err := handler(ctx, keep); err != nil {
				log.WithError(err).Error("Pending batch handler failed")
			} else if err := c.ack(ctx, stream, group, keep); err != nil {
				log.WithError(err).Error("Pending ack failed")
			}
		}

		if next == "0-0" {
			return nil
		}
		start = next
	}
}

// splitPoison partitions claimed messages by their delivery count.
func (c *Consumer) splitPoison(ctx context.Context, stream, group string, raw []redis.XMessage) (keep, drop []Message) {
	ids := make([]string, 0, len(raw))
	for _, m := range raw {
		ids = append(ids, m.ID)
	}
	counts := make(map[string]int64, len(ids))
	pending, err := c.redis.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  ids[0],
		End:    ids[len(ids)-1],
		Count:  int64(len(ids)),
	}).Result()
	if err == nil {
		for _, p := range pending {
			counts[p.ID] = p.RetryCount
		}
	}

	for _, m := range raw {
		msg := toMessage(stream, m)
		if counts[m.ID] > c.opts.MaxDeliveries {
			drop = append(drop, msg)
		} else {
			keep = append(keep, msg)
		}
	}
	return keep, drop
}

func (c *Consumer) ack(ctx context.Context, stream, group string, msgs []Message) error {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return c.redis.XAck(ctx, stream, group, ids...).Err()
}

func toMessages(stream string, raw []redis.XMessage) []Message {
	msgs := make([]Message, 0, len(raw))
	for _, m := range raw {
		msgs = append(msgs, toMessage(stream, m))
	}
	return msgs
}

func toMessage(stream string, m redis.XMessage) Message {
	data, _ := m.Values["data"].(string)
	return Message{ID: m.ID, Stream: stream, Data: []byte(data)}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
