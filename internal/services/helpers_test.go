package services

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/kasshq/kass/internal/models"
	"github.com/kasshq/kass/internal/stream"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// msgFor wraps a payload as a delivered stream message.
func msgFor(t *testing.T, streamName string, payload interface{}) stream.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return stream.Message{ID: "1-1", Stream: streamName, Data: data}
}

// fakeRegistry is an in-memory Registry for processor tests.
type fakeRegistry struct {
	markets      map[string]*models.Market
	siblings     map[string][]string
	openSiblings map[string][]string
	terminal     map[string]models.MarketStatus
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		markets:      make(map[string]*models.Market),
		siblings:     make(map[string][]string),
		openSiblings: make(map[string][]string),
		terminal:     make(map[string]models.MarketStatus),
	}
}

func (f *fakeRegistry) GetMarket(_ context.Context, ticker string) (*models.Market, error) {
	return f.markets[ticker], nil
}

func (f *fakeRegistry) Siblings(_ context.Context, ticker string) ([]string, error) {
	return f.siblings[ticker], nil
}

func (f *fakeRegistry) OpenSiblings(_ context.Context, ticker string) ([]string, error) {
	return f.openSiblings[ticker], nil
}

func (f *fakeRegistry) MarkTerminal(_ context.Context, ticker string, status models.MarketStatus) {
	f.terminal[ticker] = status
}

func intPtr(v int) *int { return &v }

func baseTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func tradeMsg(t *testing.T, ticker string, ts time.Time, count int, side models.TakerSide, yesPrice int) stream.Message {
	return msgFor(t, stream.StreamTrades, &models.Trade{
		TradeID:      models.NewSignalID("trade"),
		MarketTicker: ticker,
		YesPrice:     yesPrice,
		NoPrice:      100 - yesPrice,
		Count:        count,
		TakerSide:    side,
		TS:           ts.Unix(),
	})
}

func tickerMsg(t *testing.T, ticker string, ts time.Time, price *int, oiDelta *int) stream.Message {
	return msgFor(t, stream.StreamTickerUpdates, &models.TickerUpdate{
		MarketTicker:      ticker,
		Price:             price,
		OpenInterestDelta: oiDelta,
		TS:                ts.Unix(),
	})
}
