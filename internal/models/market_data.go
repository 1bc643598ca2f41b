package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/kasshq/kass/internal/utils"
)

// TakerSide identifies which side of a binary contract the taker bought.
type TakerSide string

const (
	TakerSideYes TakerSide = "yes"
	TakerSideNo  TakerSide = "no"
)

// Trade represents a single executed trade pushed on the trades stream.
type Trade struct {
	TradeID         string          `json:"trade_id"`
	MarketTicker    string          `json:"market_ticker"`
	MarketID        string          `json:"market_id,omitempty"`
	YesPrice        int             `json:"yes_price"` // cents, 1-99
	YesPriceDollars decimal.Decimal `json:"yes_price_dollars"`
	NoPrice         int             `json:"no_price"`
	NoPriceDollars  decimal.Decimal `json:"no_price_dollars"`
	Count           int             `json:"count"`
	CountFP         decimal.Decimal `json:"count_fp"`
	TakerSide       TakerSide       `json:"taker_side"`
	TS              int64           `json:"ts"` // unix seconds
}

// Timestamp returns the event time of the trade.
func (t *Trade) Timestamp() time.Time {
	return time.Unix(t.TS, 0).UTC()
}

// Validate checks the structural invariants of a trade message.
// Yes and no prices of a binary contract must sum to 100 cents.
func (t *Trade) Validate() error {
	if t.TradeID == "" {
		return utils.NewMalformedError("trade missing trade_id")
	}
	if t.MarketTicker == "" {
		return utils.NewMalformedError("trade missing market_ticker")
	}
	if t.YesPrice+t.NoPrice != 100 {
		return utils.NewMalformedErrorf("trade %s: yes_price %d + no_price %d != 100", t.TradeID, t.YesPrice, t.NoPrice)
	}
	if t.Count < 1 {
		return utils.NewMalformedErrorf("trade %s: count %d < 1", t.TradeID, t.Count)
	}
	if t.TakerSide != TakerSideYes && t.TakerSide != TakerSideNo {
		return utils.NewMalformedErrorf("trade %s: unknown taker_side %q", t.TradeID, t.TakerSide)
	}
	return nil
}

// TickerUpdate is an incremental price/volume/open-interest delta.
// Fields are pointers because the exchange only sends changed values.
type TickerUpdate struct {
	MarketTicker            string           `json:"market_ticker"`
	MarketID                string           `json:"market_id,omitempty"`
	Price                   *int             `json:"price,omitempty"` // cents
	PriceDollars            *decimal.Decimal `json:"price_dollars,omitempty"`
	VolumeDelta             *int             `json:"volume_delta,omitempty"`
	VolumeDeltaFP           *decimal.Decimal `json:"volume_delta_fp,omitempty"`
	OpenInterestDelta       *int             `json:"open_interest_delta,omitempty"`
	OpenInterestDeltaFP     *decimal.Decimal `json:"open_interest_delta_fp,omitempty"`
	DollarVolumeDelta       *int             `json:"dollar_volume_delta,omitempty"`
	DollarOpenInterestDelta *int             `json:"dollar_open_interest_delta,omitempty"`
	TS                      int64            `json:"ts"`
}

// Timestamp returns the event time of the update.
func (u *TickerUpdate) Timestamp() time.Time {
	return time.Unix(u.TS, 0).UTC()
}

// Validate checks the structural invariants of a ticker update.
func (u *TickerUpdate) Validate() error {
	if u.MarketTicker == "" {
		return utils.NewMalformedError("ticker update missing market_ticker")
	}
	if u.Price != nil && (*u.Price < 0 || *u.Price > 99) {
		return utils.NewMalformedErrorf("ticker update %s: price %d out of range", u.MarketTicker, *u.Price)
	}
	return nil
}

// OrderbookSide identifies the yes or no book of a binary market.
type OrderbookSide string

const (
	OrderbookSideYes OrderbookSide = "yes"
	OrderbookSideNo  OrderbookSide = "no"
)

// OrderbookDelta is a single level change on one side of a book.
type OrderbookDelta struct {
	MarketTicker  string          `json:"market_ticker"`
	MarketID      string          `json:"market_id,omitempty"`
	Price         int             `json:"price"`
	Delta         int             `json:"delta"` // signed quantity change
	DeltaFP       decimal.Decimal `json:"delta_fp"`
	Side          OrderbookSide   `json:"side"`
	TS            string          `json:"ts"` // RFC 3339
	ClientOrderID string          `json:"client_order_id,omitempty"`
}

// Timestamp parses the event time. Returns the zero time on a bad payload.
func (d *OrderbookDelta) Timestamp() time.Time {
	ts, err := time.Parse(time.RFC3339, d.TS)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// IsOwnOrder reports whether the delta was caused by one of our own orders.
// Advisory only: events are never skipped on this basis.
func (d *OrderbookDelta) IsOwnOrder() bool {
	return d.ClientOrderID != ""
}

// Validate checks the structural invariants of an orderbook delta.
func (d *OrderbookDelta) Validate() error {
	if d.MarketTicker == "" {
		return utils.NewMalformedError("orderbook delta missing market_ticker")
	}
	if d.Side != OrderbookSideYes && d.Side != OrderbookSideNo {
		return utils.NewMalformedErrorf("orderbook delta %s: unknown side %q", d.MarketTicker, d.Side)
	}
	if d.Timestamp().IsZero() {
		return utils.NewMalformedErrorf("orderbook delta %s: bad ts %q", d.MarketTicker, d.TS)
	}
	return nil
}

// MarketStatus is the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen       MarketStatus = "open"
	MarketStatusClosed     MarketStatus = "closed"
	MarketStatusSettled    MarketStatus = "settled"
	MarketStatusDetermined MarketStatus = "determined"
)

// Terminal reports whether the status ends a market's trading life.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusClosed || s == MarketStatusSettled || s == MarketStatusDetermined
}

// LifecycleEvent is a market state transition from the lifecycle stream.
type LifecycleEvent struct {
	MarketTicker string       `json:"market_ticker"`
	MarketID     string       `json:"market_id,omitempty"`
	Status       MarketStatus `json:"status"`
	Result       string       `json:"result,omitempty"` // "yes"/"no" on settlement
	TS           int64        `json:"ts"`
}

// Timestamp returns the event time of the transition.
func (e *LifecycleEvent) Timestamp() time.Time {
	return time.Unix(e.TS, 0).UTC()
}

// Validate checks the structural invariants of a lifecycle event.
func (e *LifecycleEvent) Validate() error {
	if e.MarketTicker == "" {
		return utils.NewMalformedError("lifecycle event missing market_ticker")
	}
	if e.Status == "" {
		return utils.NewMalformedErrorf("lifecycle event %s: missing status", e.MarketTicker)
	}
	return nil
}

// Market is static-ish per-market metadata maintained by discovery.
type Market struct {
	Ticker       string       `json:"ticker"`
	EventTicker  string       `json:"event_ticker"`
	SeriesTicker string       `json:"series_ticker"`
	Title        string       `json:"title"`
	Subtitle     string       `json:"subtitle,omitempty"`
	Status       MarketStatus `json:"status"`
	YesBid       *int         `json:"yes_bid,omitempty"`
	YesAsk       *int         `json:"yes_ask,omitempty"`
	LastPrice    *int         `json:"last_price,omitempty"`
	Volume       *int         `json:"volume,omitempty"`
	OpenInterest *int         `json:"open_interest,omitempty"`
	CloseTime    *time.Time   `json:"close_time,omitempty"`
}
