package stream

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasshq/kass/internal/models"
)

// setupTestRedis creates a test Redis instance using miniredis.
func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	s, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})

	cleanup := func() {
		client.Close()
		s.Close()
	}
	return client, cleanup
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testSignal() *models.Signal {
	return &models.Signal{
		SignalID:     models.NewSignalID("test"),
		SignalType:   models.SignalTypeFlowToxicity,
		MarketTicker: "KXBTC-25DEC31-T60",
		Direction:    models.DirectionBuyYes,
		Strength:     0.8,
		Confidence:   0.9,
		Urgency:      models.UrgencyNormal,
		TS:           time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		TTLSeconds:   300,
	}
}

func TestPublishSignalFansIn(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	pub := NewPublisher(client, testLogger())
	ctx := context.Background()

	sig := testSignal()
	require.NoError(t, pub.PublishSignal(ctx, StreamFlowToxicity, sig))

	typed, err := client.XRange(ctx, StreamFlowToxicity, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, typed, 1)

	all, err := client.XRange(ctx, StreamAllSignals, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, all, 1)

	var decoded models.Signal
	require.NoError(t, json.Unmarshal([]byte(all[0].Values["data"].(string)), &decoded))
	assert.Equal(t, sig.SignalID, decoded.SignalID)
	assert.Equal(t, sig.MarketTicker, decoded.MarketTicker)
	assert.Equal(t, sig.Direction, decoded.Direction)
}

func TestPublishSignalRejectsInvalid(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	pub := NewPublisher(client, testLogger())

	sig := testSignal()
	sig.Strength = 1.4
	err := pub.PublishSignal(context.Background(), StreamFlowToxicity, sig)
	require.Error(t, err)

	// Nothing was written to either stream.
	typed, _ := client.XRange(context.Background(), StreamFlowToxicity, "-", "+").Result()
	assert.Empty(t, typed)
	all, _ := client.XRange(context.Background(), StreamAllSignals, "-", "+").Result()
	assert.Empty(t, all)
}

func TestPublishComposite(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	pub := NewPublisher(client, testLogger())
	comp := &models.CompositeSignal{
		MarketTicker:      "KXBTC-25DEC31-T60",
		Direction:         models.DirectionBuyYes,
		CompositeScore:    0.31,
		Regime:            models.RegimeInformed,
		ActiveSignalIDs:   []string{"a"},
		ActiveSignalCount: 1,
		TS:                time.Now(),
	}
	require.NoError(t, pub.PublishComposite(context.Background(), comp))

	entries, err := client.XRange(context.Background(), StreamComposite, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestConsumerDeliversAndAcks(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub := NewPublisher(client, testLogger())
	for i := 0; i < 3; i++ {
		require.NoError(t, pub.PublishRaw(ctx, StreamTrades, map[string]interface{}{"seq": i}))
	}

	opts := DefaultConsumerOptions()
	opts.Block = 50 * time.Millisecond
	consumer := NewConsumer(client, opts, testLogger(), nil)

	var mu sync.Mutex
	var got []Message
	done := make(chan struct{})

	go func() {
		_ = consumer.Consume(ctx, StreamTrades, "kass:test", "consumer-1", func(_ context.Context, msgs []Message) error {
			mu.Lock()
			got = append(got, msgs...)
			if len(got) >= 3 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for messages")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	assert.Equal(t, StreamTrades, got[0].Stream)

	// All delivered messages were acknowledged.
	pending, err := client.XPending(context.Background(), StreamTrades, "kass:test").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestConsumerRedeliversOnHandlerError(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub := NewPublisher(client, testLogger())
	require.NoError(t, pub.PublishRaw(ctx, StreamTrades, map[string]interface{}{"seq": 1}))

	opts := DefaultConsumerOptions()
	opts.Block = 50 * time.Millisecond
	consumer := NewConsumer(client, opts, testLogger(), nil)

	failed := make(chan struct{})
	var once sync.Once
	go func() {
		_ = consumer.Consume(ctx, StreamTrades, "kass:test", "consumer-1", func(_ context.Context, msgs []Message) error {
			once.Do(func() { close(failed) })
			return assert.AnError
		})
	}()

	select {
	case <-failed:
	case <-ctx.Done():
		t.Fatal("handler was never invoked")
	}

	// The failed batch stays pending for redelivery.
	require.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), StreamTrades, "kass:test").Result()
		return err == nil && pending.Count == 1
	}, 2*time.Second, 20*time.Millisecond)
	cancel()
}

func TestEnsureGroupIdempotent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	consumer := NewConsumer(client, DefaultConsumerOptions(), testLogger(), nil)
	ctx := context.Background()
	require.NoError(t, consumer.EnsureGroup(ctx, StreamTrades, "g1"))
	require.NoError(t, consumer.EnsureGroup(ctx, StreamTrades, "g1"))
}
