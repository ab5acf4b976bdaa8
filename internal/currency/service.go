package currency

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/dvloznov/pocket-ledger/internal/blobstore"
)

const (
	// CacheKey is the blob store key the fetched rates are persisted under.
	CacheKey = "exchange-rates-cache"
	// DefaultTTL is how long a rate table is considered fresh.
	DefaultTTL = 5 * time.Minute
)

// Source describes where the current rate table came from.
type Source string

const (
	SourceNone     Source = "none"
	SourceProvider Source = "provider"
	SourceCache    Source = "cache"
	SourceStale    Source = "stale"
	SourceFallback Source = "fallback"
)

// Snapshot is the service state reported to callers.
type Snapshot struct {
	Rates     Rates     `json:"rates"`
	FetchedAt time.Time `json:"fetchedAt"`
	Source    Source    `json:"source"`
	Error     string    `json:"error,omitempty"`
}

type cachedRates struct {
	Rates     Rates `json:"rates"`
	Timestamp int64 `json:"timestamp"` // ms since epoch
}

// Service holds the current rate table. Fetches are collapsed so concurrent
// callers share a single provider request.
type Service struct {
	provider Provider
	blobs    blobstore.Store
	ttl      time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	group singleflight.Group

	mu        sync.RWMutex
	rates     Rates
	fetchedAt time.Time
	source    Source
	lastErr   error

	loadOnce sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithBlobStore persists fetched rates so they survive a restart.
func WithBlobStore(bs blobstore.Store) Option {
	return func(s *Service) { s.blobs = bs }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithClock overrides the wall clock.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service backed by provider.
func NewService(provider Provider, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		ttl:      DefaultTTL,
		now:      time.Now,
		logger:   zerolog.Nop(),
		source:   SourceNone,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Rates returns the current rate table, fetching it when the held one is
// older than the TTL. On a failed fetch the last known rates (or the
// fallback table) are returned together with a *RateFetchError; the result
// is always usable.
func (s *Service) Rates(ctx context.Context) (Rates, error) {
	s.loadOnce.Do(func() { s.loadCache(context.WithoutCancel(ctx)) })

	s.mu.RLock()
	if s.rates != nil && s.now().Sub(s.fetchedAt) < s.ttl {
		rates, err := maps.Clone(s.rates), s.lastErr
		s.mu.RUnlock()
		return rates, err
	}
	s.mu.RUnlock()

	return s.fetch(ctx)
}

// Refresh fetches rates regardless of their age.
func (s *Service) Refresh(ctx context.Context) (Rates, error) {
	return s.fetch(ctx)
}

// Err returns the error of the last fetch, or nil if it succeeded.
func (s *Service) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Snapshot returns the held state without fetching.
func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Rates:     maps.Clone(s.rates),
		FetchedAt: s.fetchedAt,
		Source:    s.source,
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
	}
	return snap
}

// Rate returns the rate for code. It never fails; see Rates.
func (s *Service) Rate(ctx context.Context, code string) decimal.Decimal {
	rates, _ := s.Rates(ctx)
	return rates.Rate(code)
}

// Convert turns a Base amount into code. It never fails: without usable
// rates the amount is returned unchanged.
func (s *Service) Convert(ctx context.Context, amount decimal.Decimal, code string) decimal.Decimal {
	if code == Base {
		return amount
	}
	rates, _ := s.Rates(ctx)
	return Convert(amount, code, rates)
}

type fetchResult struct {
	rates Rates
	err   error
}

// fetch ignores the caller's cancellation; the provider timeout bounds it.
func (s *Service) fetch(ctx context.Context) (Rates, error) {
	ctx = context.WithoutCancel(ctx)

	v, _, _ := s.group.Do("rates", func() (interface{}, error) {
		rates, err := s.provider.FetchRates(ctx)
		now := s.now()

		if err != nil {
			return s.recordFailure(err, now), nil
		}

		s.mu.Lock()
		s.rates = rates
		s.fetchedAt = now
		s.source = SourceProvider
		s.lastErr = nil
		s.mu.Unlock()

		s.logger.Debug().Int("count", len(rates)).Msg("exchange rates refreshed")
		s.saveCache(ctx, rates, now)
		return fetchResult{rates: maps.Clone(rates)}, nil
	})

	res := v.(fetchResult)
	return res.rates, res.err
}

// recordFailure keeps serving what the service has until the next attempt.
func (s *Service) recordFailure(err error, now time.Time) fetchResult {
	var fetchErr *RateFetchError
	if !errors.As(err, &fetchErr) {
		err = &RateFetchError{Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastErr = err
	if s.rates == nil || s.source == SourceFallback {
		s.rates = FallbackRates()
		s.source = SourceFallback
	} else {
		s.source = SourceStale
	}
	s.fetchedAt = now
	s.logger.Warn().Err(err).Str("source", string(s.source)).Msg("exchange rate fetch failed")
	return fetchResult{rates: maps.Clone(s.rates), err: err}
}

// loadCache seeds the service from the blob store.
func (s *Service) loadCache(ctx context.Context) {
	if s.blobs == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.blobs.Get(ctx, CacheKey)
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			s.logger.Warn().Err(err).Msg("failed to read cached exchange rates")
		}
		return
	}

	var cached cachedRates
	if err := json.Unmarshal(data, &cached); err != nil || len(cached.Rates) == 0 {
		s.logger.Warn().Err(err).Msg("ignoring malformed exchange rate cache")
		return
	}

	fetchedAt := time.UnixMilli(cached.Timestamp)
	if s.now().Sub(fetchedAt) >= s.ttl {
		return
	}
	s.rates = cached.Rates
	s.fetchedAt = fetchedAt
	s.source = SourceCache
}

// saveCache persists rates. It runs outside s.mu so a slow backend never
// blocks readers.
func (s *Service) saveCache(ctx context.Context, rates Rates, at time.Time) {
	if s.blobs == nil {
		return
	}
	data, err := json.Marshal(cachedRates{Rates: rates, Timestamp: at.UnixMilli()})
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode exchange rate cache")
		return
	}
	if err := s.blobs.Put(ctx, CacheKey, data); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist exchange rate cache")
	}
}
