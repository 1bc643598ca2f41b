package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kasshq/kass/internal/models"
)

// DBPool is the subset of pgxpool.Pool the registry uses. pgxmock satisfies
// it in tests.
type DBPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Registry resolves per-market metadata for the processors. Implemented by
// MarketRegistry; faked in tests.
type Registry interface {
	GetMarket(ctx context.Context, ticker string) (*models.Market, error)
	Siblings(ctx context.Context, ticker string) ([]string, error)
	OpenSiblings(ctx context.Context, ticker string) ([]string, error)
	MarkTerminal(ctx context.Context, ticker string, status models.MarketStatus)
}

const (
	registryKeyPrefix = "registry:market:"
	registryCacheTTL  = 5 * time.Minute
)

type cachedMarket struct {
	market    *models.Market
	expiresAt time.Time
}

// MarketRegistry resolves per-market metadata: the event grouping that
// cross-market and lifecycle processors need, close times for the regime
// classifier, and market status for terminal checks. Lookups go through a
// process-local cache, then Redis, then the markets table.
type MarketRegistry struct {
	db     DBPool
	redis  *redis.Client
	logger *logrus.Entry

	mu    sync.RWMutex
	local map[string]cachedMarket
}

// NewMarketRegistry creates a registry over the markets table. redis may be
// nil, in which case only the local cache fronts the database.
func NewMarketRegistry(db DBPool, rdb *redis.Client, logger *logrus.Logger) *MarketRegistry {
	return &MarketRegistry{
		db:     db,
		redis:  rdb,
		logger: logger.WithField("component", "market_registry"),
		local:  make(map[string]cachedMarket),
	}
}

// GetMarket returns metadata for one market, or nil if unknown.
func (r *MarketRegistry) GetMarket(ctx context.Context, ticker string) (*models.Market, error) {
	r.mu.RLock()
	if c, ok := r.local[ticker]; ok && time.Now().Before(c.expiresAt) {
		r.mu.RUnlock()
		return c.market, nil
	}
	r.mu.RUnlock()

	if m := r.fromRedis(ctx, ticker); m != nil {
		r.store(ticker, m)
		return m, nil
	}

	m, err := r.fromDB(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if m != nil {
		r.store(ticker, m)
		r.toRedis(ctx, ticker, m)
	}
	return m, nil
}

// Siblings returns the tickers of all markets sharing ticker's event,
// excluding ticker itself.
func (r *MarketRegistry) Siblings(ctx context.Context, ticker string) ([]string, error) {
	m, err := r.GetMarket(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if m == nil || m.EventTicker == "" {
		return nil, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT ticker FROM markets WHERE event_ticker = $1 AND ticker != $2`,
		m.EventTicker, ticker)
	if err != nil {
		return nil, fmt.Errorf("sibling query for %s: %w", ticker, err)
	}
	defer rows.Close()

	var siblings []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		siblings = append(siblings, t)
	}
	return siblings, rows.Err()
}

// OpenSiblings returns the non-terminal siblings of ticker.
func (r *MarketRegistry) OpenSiblings(ctx context.Context, ticker string) ([]string, error) {
	m, err := r.GetMarket(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if m == nil || m.EventTicker == "" {
		return nil, nil
	}

	rows, err := r.db.Query(ctx,
		`SELECT ticker FROM markets
		 WHERE event_ticker = $1 AND ticker != $2
		   AND status NOT IN ('closed', 'settled', 'determined')`,
		m.EventTicker, ticker)
	if err != nil {
		return nil, fmt.Errorf("open sibling query for %s: %w", ticker, err)
	}
	defer rows.Close()

	var siblings []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		siblings = append(siblings, t)
	}
	return siblings, rows.Err()
}

// MarkTerminal evicts a market whose lifecycle has ended. Subsequent
// lookups re-read the (now terminal) row from the database.
func (r *MarketRegistry) MarkTerminal(ctx context.Context, ticker string, status models.MarketStatus) {
	r.mu.Lock()
	if c, ok := r.local[ticker]; ok && c.market != nil {
		c.market.Status = status
	}
	delete(r.local, ticker)
	r.mu.Unlock()

	if r.redis != nil {
		if err := r.redis.Del(ctx, registryKeyPrefix+ticker).Err(); err != nil {
			r.logger.WithError(err).WithField("market", ticker).Debug("Registry cache eviction failed")
		}
	}
}

func (r *MarketRegistry) store(ticker string, m *models.Market) {
	r.mu.Lock()
	r.local[ticker] = cachedMarket{market: m, expiresAt: time.Now().Add(registryCacheTTL)}
	r.mu.Unlock()
}

func (r *MarketRegistry) fromRedis(ctx context.Context, ticker string) *models.Market {
	if r.redis == nil {
		return nil
	}
	raw, err := r.redis.Get(ctx, registryKeyPrefix+ticker).Result()
	if err != nil {
		return nil
	}
	var m models.Market
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return &m
}

func (r *MarketRegistry) toRedis(ctx context.Context, ticker string, m *models.Market) {
	if r.redis == nil {
		return
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, registryKeyPrefix+ticker, payload, registryCacheTTL).Err(); err != nil {
		r.logger.WithError(err).WithField("market", ticker).Debug("Registry cache write failed")
	}
}

func (r *MarketRegistry) fromDB(ctx context.Context, ticker string) (*models.Market, error) {
	var m models.Market
	err := r.db.QueryRow(ctx,
		`SELECT ticker, event_ticker, series_ticker, title, COALESCE(subtitle, ''), status, close_time
		 FROM markets WHERE ticker = $1`, ticker).
		Scan(&m.Ticker, &m.EventTicker, &m.SeriesTicker, &m.Title, &m.Subtitle, &m.Status, &m.CloseTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("market lookup for %s: %w", ticker, err)
	}
	return &m, nil
}
