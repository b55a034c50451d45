// Package fetch resolves a batch of combos to ranking results.
//
// A batch is partitioned into cache hits, served without a network call,
// and misses, dispatched through the connectivity chain:
//
//	Retry -> CircuitBreaker -> Limiter -> Detached -> Timeout -> search
//
// Retry sits outermost so every attempt spends a token and is seen by the
// breaker. Detached sits below the limiter: a call waiting for a token can
// still be cancelled, a call on the wire runs to completion and its result
// is cached. A per-combo failure never aborts the batch, and the output
// keeps the caller's order.
package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/kwrank/combos/internal/cache"
	"github.com/hazyhaar/kwrank/combos/internal/ratelimit"
	"github.com/hazyhaar/kwrank/combos/internal/search"
	"github.com/hazyhaar/kwrank/connectivity"
)

// Status is the outcome of one combo.
type Status string

const (
	StatusCached     Status = "cached"
	StatusFetched    Status = "fetched"
	StatusFailed     Status = "failed"
	StatusFailedFast Status = "failed_fast"
	StatusCancelled  Status = "cancelled"
)

// ErrorKind classifies a failed combo.
type ErrorKind string

const (
	KindUpstreamTransient ErrorKind = "upstream_transient"
	KindUpstreamPermanent ErrorKind = "upstream_permanent"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindCancelled         ErrorKind = "cancelled"
	KindDecode            ErrorKind = "decode"
)

// Service is the breaker name reported in circuit-open errors.
const Service = "search"

// Config tunes retries, timeouts and dispatch width.
type Config struct {
	MaxRetries  int           `yaml:"max_retries"` // negative disables retries
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	// Concurrency bounds dispatch goroutines per batch. The limiter's
	// MaxInFlight bounds the process.
	Concurrency int `yaml:"concurrency"`
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
}

// Item is one combo to resolve. Tier travels with it into history rows.
type Item struct {
	Combo string
	Tier  string
}

// Batch is a set of combos for one subject on one storefront.
type Batch struct {
	TenantID string
	Subject  cache.SubjectRef
	// MatchID is the upstream id looked for in result pages. Empty means
	// only competition is measured and every position is nil.
	MatchID  string
	Platform string
	Locale   string
	Items    []Item
}

// ItemResult is the outcome for one combo, at the same index as its Item.
type ItemResult struct {
	Combo        string      `json:"combo"`
	Tier         string      `json:"tier,omitempty"`
	Status       Status      `json:"status"`
	Position     *int        `json:"position"`
	TotalResults int         `json:"total_results"`
	Trend        cache.Trend `json:"trend,omitempty"`
	CheckedAt    time.Time   `json:"checked_at,omitzero"`
	ErrorKind    ErrorKind   `json:"error_kind,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// Ok reports whether the item carries a ranking result.
func (r *ItemResult) Ok() bool {
	return r.Status == StatusCached || r.Status == StatusFetched
}

// BatchResult is the ordered outcome of a batch.
type BatchResult struct {
	Items     []ItemResult `json:"items"`
	Degraded  bool         `json:"degraded"`
	CacheHits int          `json:"cache_hits"`
	Fetched   int          `json:"fetched"`
	Failed    int          `json:"failed"`
	Cancelled int          `json:"cancelled"`
}

// Fetcher resolves batches. It is safe for concurrent use; the limiter and
// breaker it is built with are shared by every batch.
type Fetcher struct {
	cache  *cache.Cache
	client *search.Client
	call   connectivity.Handler
	cfg    Config
	logger *slog.Logger
}

// New builds a Fetcher and its call chain. observe middlewares run once per
// upstream attempt, after the limiter admits it.
func New(c *cache.Cache, client *search.Client, lim *ratelimit.Limiter, cb *connectivity.CircuitBreaker, cfg Config, logger *slog.Logger, observe ...connectivity.HandlerMiddleware) *Fetcher {
	cfg.Defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return NewWithPolicy(c, client, lim, cb, cfg, connectivity.RetryPolicy{
		MaxRetries:  max(cfg.MaxRetries, 0),
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
		Retryable:   connectivity.IsTransient,
	}, logger, observe...)
}

// NewWithPolicy is New with an explicit retry policy (tests inject Sleep).
func NewWithPolicy(c *cache.Cache, client *search.Client, lim *ratelimit.Limiter, cb *connectivity.CircuitBreaker, cfg Config, policy connectivity.RetryPolicy, logger *slog.Logger, observe ...connectivity.HandlerMiddleware) *Fetcher {
	cfg.Defaults()
	if logger == nil {
		logger = slog.Default()
	}
	mws := []connectivity.HandlerMiddleware{
		connectivity.WithRetry(policy, logger),
		connectivity.WithCircuitBreaker(cb, Service, connectivity.IsTransient),
		lim.Middleware(),
		connectivity.Detached(),
		connectivity.Logging(logger, Service),
	}
	mws = append(mws, observe...)
	mws = append(mws,
		connectivity.Timeout(cfg.CallTimeout),
		connectivity.Recovery(logger),
	)
	chain := connectivity.Chain(mws...)
	return &Fetcher{
		cache:  c,
		client: client,
		call:   chain(client.Handler()),
		cfg:    cfg,
		logger: logger,
	}
}

// FetchBatch resolves every item of b. It never returns an error: failures
// are reported per item, and an open circuit marks the rest of the batch
// failed_fast and sets Degraded.
func (f *Fetcher) FetchBatch(ctx context.Context, b Batch) *BatchResult {
	res := &BatchResult{Items: make([]ItemResult, len(b.Items))}

	// Cache reads are local and still answer a cancelled caller.
	readCtx := context.WithoutCancel(ctx)
	var pending []int
	for i, it := range b.Items {
		res.Items[i] = ItemResult{Combo: it.Combo, Tier: it.Tier}
		hit, err := f.cache.Get(readCtx, f.key(b, it.Combo))
		if err != nil {
			f.logger.WarnContext(ctx, "fetch: cache read failed",
				"tenant_id", b.TenantID, "subject_id", b.Subject.ID, "combo", it.Combo, "error", err)
		}
		if hit != nil {
			r := &res.Items[i]
			r.Status = StatusCached
			r.Position = hit.Position
			r.TotalResults = hit.TotalResults
			r.Trend = hit.Trend
			r.CheckedAt = hit.CheckedAt
			continue
		}
		pending = append(pending, i)
	}

	var degraded atomic.Bool
	var g errgroup.Group
	g.SetLimit(f.cfg.Concurrency)
	for _, i := range pending {
		r := &res.Items[i]
		if err := ctx.Err(); err != nil {
			r.Status, r.ErrorKind, r.Error = StatusCancelled, KindCancelled, err.Error()
			continue
		}
		if degraded.Load() {
			r.Status, r.ErrorKind = StatusFailedFast, KindCircuitOpen
			r.Error = (&connectivity.ErrCircuitOpen{Service: Service}).Error()
			continue
		}
		g.Go(func() error {
			f.fetchOne(ctx, b, r, &degraded)
			return nil
		})
	}
	_ = g.Wait()

	res.Degraded = degraded.Load()
	for i := range res.Items {
		switch res.Items[i].Status {
		case StatusCached:
			res.CacheHits++
		case StatusFetched:
			res.Fetched++
		case StatusCancelled:
			res.Cancelled++
		default:
			res.Failed++
		}
	}
	if res.Degraded {
		f.logger.WarnContext(ctx, "fetch: batch degraded, circuit open",
			"tenant_id", b.TenantID, "subject_id", b.Subject.ID,
			"failed", res.Failed, "fetched", res.Fetched)
	}
	return res
}

func (f *Fetcher) fetchOne(ctx context.Context, b Batch, r *ItemResult, degraded *atomic.Bool) {
	q := search.Query{Term: r.Combo, Platform: b.Platform, Locale: b.Locale}
	body, err := f.call(ctx, q.Encode())
	if err == nil {
		var page *search.Page
		page, err = search.ParsePage(body, f.client.Config())
		if err == nil {
			// Detached from the caller: a result that reached us is cached even
			// when the batch was cancelled meanwhile.
			stored := f.cache.Put(context.WithoutCancel(ctx), f.key(b, r.Combo), r.Tier,
				page.Position(b.MatchID), page.ResultCount)
			r.Status = StatusFetched
			r.Position = stored.Position
			r.TotalResults = stored.TotalResults
			r.Trend = stored.Trend
			r.CheckedAt = stored.CheckedAt
			return
		}
	}

	r.Error = err.Error()
	r.Status, r.ErrorKind = classify(ctx, err)
	if r.ErrorKind == KindCircuitOpen {
		degraded.Store(true)
	}
	f.logger.DebugContext(ctx, "fetch: combo failed",
		"combo", r.Combo, "status", r.Status, "kind", r.ErrorKind, "error", err)
}

func classify(ctx context.Context, err error) (Status, ErrorKind) {
	var de *search.DecodeError
	switch {
	case connectivity.IsCircuitOpen(err):
		return StatusFailedFast, KindCircuitOpen
	case ctx.Err() != nil && errors.Is(err, ctx.Err()),
		errors.Is(err, connectivity.ErrNotAttempted):
		return StatusCancelled, KindCancelled
	case errors.As(err, &de):
		return StatusFailed, KindDecode
	case connectivity.IsTransient(err):
		return StatusFailed, KindUpstreamTransient
	}
	return StatusFailed, KindUpstreamPermanent
}

func (f *Fetcher) key(b Batch, combo string) cache.Key {
	return cache.Key{
		TenantID: b.TenantID,
		Subject:  b.Subject,
		Platform: b.Platform,
		Locale:   b.Locale,
		Combo:    combo,
	}
}
