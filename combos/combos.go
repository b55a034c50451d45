package combos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/kwrank/combos/internal/cache"
	"github.com/hazyhaar/kwrank/combos/internal/fetch"
	"github.com/hazyhaar/kwrank/combos/internal/generate"
	"github.com/hazyhaar/kwrank/combos/internal/ratelimit"
	"github.com/hazyhaar/kwrank/combos/internal/scheduler"
	"github.com/hazyhaar/kwrank/combos/internal/score"
	"github.com/hazyhaar/kwrank/combos/internal/search"
	"github.com/hazyhaar/kwrank/combos/internal/store"
	"github.com/hazyhaar/kwrank/combos/internal/strength"
	"github.com/hazyhaar/kwrank/combos/internal/tokenize"
	"github.com/hazyhaar/kwrank/connectivity"
	"github.com/hazyhaar/kwrank/horosafe"
	"github.com/hazyhaar/kwrank/idgen"
	"github.com/hazyhaar/kwrank/observability"
)

// Service is the combos orchestrator.
type Service struct {
	store        *store.Store
	backend      store.Backend
	cache        *cache.Cache
	fetcher      *fetch.Fetcher
	limiter      *ratelimit.Limiter
	breaker      *connectivity.CircuitBreaker
	scheduler    *scheduler.Scheduler
	metrics      *observability.MetricsManager
	table        *strength.Table
	config       *Config
	logger       *slog.Logger
	now          func() time.Time
	httpClient   *http.Client
	urlValidator func(string) error // default: horosafe.ValidateTemplateURL
}

var newBatchID = idgen.Prefixed("bat_", idgen.Default)

// Option configures a Service during creation.
type Option func(*Service)

// WithBackend replaces the sqlite cache table with another backend, such
// as a BuntStore. Tracked subjects and history stay in sqlite.
func WithBackend(b store.Backend) Option {
	return func(svc *Service) { svc.backend = b }
}

// OpenBuntBackend opens a BuntDB cache file for WithBackend. The caller
// closes it after the service stops.
func OpenBuntBackend(path string) (*store.BuntStore, error) {
	return store.OpenBunt(path)
}

// WithClock sets the time source for snapshot dates.
func WithClock(fn func() time.Time) Option {
	return func(svc *Service) { svc.now = fn }
}

// WithLimiter shares an existing upstream limiter.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(svc *Service) { svc.limiter = l }
}

// WithBreaker shares an existing circuit breaker.
func WithBreaker(cb *connectivity.CircuitBreaker) Option {
	return func(svc *Service) { svc.breaker = cb }
}

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(svc *Service) { svc.httpClient = c }
}

// WithURLValidator overrides the upstream template check (default:
// horosafe.ValidateTemplateURL). Use in tests with httptest servers that
// listen on loopback addresses.
func WithURLValidator(fn func(string) error) Option {
	return func(svc *Service) { svc.urlValidator = fn }
}

// WithMetrics records batch outcomes and upstream latency into mm, and
// prunes its rows with the cache retention. The caller closes mm.
func WithMetrics(mm *observability.MetricsManager) Option {
	return func(svc *Service) { svc.metrics = mm }
}

// WithTable replaces the tier hypothesis table.
func WithTable(t *strength.Table) Option {
	return func(svc *Service) { svc.table = t }
}

// New creates a combos Service on db, which must carry Schema.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("combos: config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{
		store:        store.NewStore(db),
		config:       cfg,
		logger:       logger,
		now:          time.Now,
		urlValidator: horosafe.ValidateTemplateURL,
	}
	for _, opt := range opts {
		opt(svc)
	}

	if svc.table == nil {
		svc.table = strength.DefaultTable()
		for src, role := range cfg.Roles {
			s, _ := parseSource(src)
			svc.table.Roles[s] = strength.Secondary
			if role == "primary" {
				svc.table.Roles[s] = strength.Primary
			}
		}
	}
	if err := svc.table.Validate(); err != nil {
		return nil, fmt.Errorf("combos: %w", err)
	}

	client := search.NewClient(cfg.Search, svc.httpClient)
	if err := client.Validate(svc.urlValidator); err != nil {
		return nil, fmt.Errorf("combos: %w", err)
	}
	if svc.limiter == nil {
		svc.limiter = ratelimit.New(cfg.RateLimit)
	}
	if svc.breaker == nil {
		svc.breaker = cfg.breaker(func(from, to connectivity.BreakerState) {
			logger.Warn("combos: upstream breaker state change", "from", from.String(), "to", to.String())
		})
	}
	if svc.backend == nil {
		svc.backend = svc.store
	}

	svc.cache = cache.New(svc.backend, svc.store, logger, cache.WithClock(svc.now))
	var observe []connectivity.HandlerMiddleware
	pruners := []scheduler.Option{scheduler.WithPruner(svc.backend)}
	if svc.metrics != nil {
		observe = append(observe, svc.metrics.Middleware(fetch.Service))
		pruners = append(pruners, scheduler.WithPruner(svc.metrics))
	}
	svc.fetcher = fetch.New(svc.cache, client, svc.limiter, svc.breaker, cfg.Fetch, logger, observe...)
	svc.scheduler = scheduler.New(svc.store, svc.refreshSubject, cfg.Scheduler, svc.now, logger, pruners...)
	return svc, nil
}

// ApplySchema creates the engine tables if they don't exist.
func ApplySchema(db *sql.DB) error {
	return store.ApplySchema(db)
}

// Start launches the background refresh scheduler. Non-blocking.
func (svc *Service) Start(ctx context.Context) {
	go svc.scheduler.Run(ctx)
	svc.logger.Info("combos: started")
}

// Health reports the upstream guard state.
type Health struct {
	Breaker       string `json:"breaker"`
	InFlight      int64  `json:"in_flight"`
	Dispatched    int64  `json:"dispatched"`
	WriteFailures int64  `json:"cache_write_failures"`
	SnapshotDate  string `json:"snapshot_date"`
}

// Health returns a point-in-time view of the upstream guards.
func (svc *Service) Health() Health {
	return Health{
		Breaker:       svc.breaker.State().String(),
		InFlight:      svc.limiter.InFlight(),
		Dispatched:    svc.limiter.Dispatched(),
		WriteFailures: svc.cache.WriteFailures(),
		SnapshotDate:  svc.cache.Today(),
	}
}

// --- Generation ---

// Generate tokenizes, generates and classifies combos without any
// upstream call.
func (svc *Service) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	if req == nil {
		return nil, invalid("request is required")
	}
	if err := svc.validateTokens(req.Tokens, req.BrandTerms); err != nil {
		return nil, err
	}
	if err := svc.validateLocale(req.Locale); err != nil {
		return nil, err
	}
	opts, err := svc.resolveOptions(req.GenerateOptions)
	if err != nil {
		return nil, err
	}
	res, err := svc.generate(req.Tokens, req.BrandTerms, req.Locale, opts)
	if err != nil {
		return nil, err
	}

	out := &GenerateResponse{
		Combos:           make([]GeneratedCombo, len(res.Combos)),
		Truncated:        res.Truncated,
		TruncatedSources: res.TruncatedSources,
	}
	for i, c := range res.Combos {
		out.Combos[i] = GeneratedCombo{
			Text:       c.Text,
			Tokens:     c.Tokens,
			Tier:       c.Tier,
			TierLabel:  svc.table.Label(c.Tier),
			Hint:       c.Hint,
			Sources:    c.Provenance.Sources,
			Contiguous: c.Provenance.Contiguous,
		}
	}
	if res.Truncated {
		svc.logger.InfoContext(ctx, "combos: generation truncated",
			"combos", len(res.Combos), "sources", res.TruncatedSources)
	}
	return out, nil
}

func (svc *Service) generate(t Tokens, brands []string, locale string, o GenerateOptions) (*generate.Result, error) {
	brand := tokenize.BrandSet(brands)
	lim := svc.config.Limits
	tok := func(text string, maxLen int) tokenize.Sequence {
		return tokenize.Tokenize(text, tokenize.Options{
			MaxLen:      maxLen,
			Locale:      locale,
			Brand:       brand,
			StripMarkup: true,
		})
	}
	sources := []generate.Source{
		{Name: strength.Title, Tokens: tok(t.Title, lim.TitleLen)},
		{Name: strength.Subtitle, Tokens: tok(t.Subtitle, lim.SubtitleLen)},
		{Name: strength.KeywordField, Tokens: tok(t.KeywordField, lim.KeywordFieldLen)},
	}
	res, err := generate.Generate(sources, generate.Options{
		MinLen:       o.MinLen,
		MaxLen:       o.MaxLen,
		PerSourceCap: svc.config.Generate.PerSourceCap,
		IncludeCross: o.IncludeCross != nil && *o.IncludeCross,
		MaxCombos:    o.MaxCombos,
		Locale:       locale,
		Brand:        brand,
		Table:        svc.table,
	})
	if errors.Is(err, generate.ErrInvalidOptions) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return res, err
}

// --- Analysis ---

// Analyze generates combos for req and measures each one against the
// upstream search, serving today's cached results first. Only invalid
// arguments fail the call; upstream problems are reported per combo and
// through BatchMeta.Degraded.
func (svc *Service) Analyze(ctx context.Context, tenantID string, req *Request) (*Response, error) {
	if req == nil {
		return nil, invalid("request is required")
	}
	if err := svc.validateTenant(tenantID); err != nil {
		return nil, err
	}
	if err := svc.validateSubjectID(req.SubjectID, false); err != nil {
		return nil, err
	}
	if err := svc.validateTokens(req.Tokens, req.BrandTerms); err != nil {
		return nil, err
	}
	if err := svc.validatePlatform(req.Platform); err != nil {
		return nil, err
	}
	if err := svc.validateLocale(req.Locale); err != nil {
		return nil, err
	}
	opts, err := svc.resolveOptions(req.GenerateOptions)
	if err != nil {
		return nil, err
	}
	gen, err := svc.generate(req.Tokens, req.BrandTerms, req.Locale, opts)
	if err != nil {
		return nil, err
	}

	// A request without a subject id gets a stable ephemeral identity from
	// its content, so repeating it on the same day hits the cache.
	fallback := idgen.Digest("eph_", req.Platform, req.Locale,
		req.Tokens.Title, req.Tokens.Subtitle, req.Tokens.KeywordField)
	ref := cache.Resolve(ctx, svc.store, tenantID, req.SubjectID, fallback, svc.logger)

	batch := fetch.Batch{
		TenantID: tenantID,
		Subject:  ref,
		MatchID:  req.SubjectID,
		Platform: req.Platform,
		Locale:   req.Locale,
		Items:    make([]fetch.Item, len(gen.Combos)),
	}
	for i, c := range gen.Combos {
		batch.Items[i] = fetch.Item{Combo: c.Text, Tier: c.Tier.String()}
	}
	fetched := svc.fetcher.FetchBatch(ctx, batch)

	resp := svc.assemble(gen, fetched, req.Opportunities)
	resp.BatchMeta.SubjectID = ref.ID
	resp.BatchMeta.Tracked = ref.Kind == cache.Tracked
	resp.BatchMeta.SnapshotDate = svc.cache.Today()

	svc.logger.InfoContext(ctx, "combos: analyze complete",
		"batch_id", resp.BatchMeta.BatchID,
		"tenant_id", tenantID,
		"subject_id", ref.ID,
		"tracked", resp.BatchMeta.Tracked,
		"combos", len(resp.Combos),
		"cache_hits", fetched.CacheHits,
		"fetched", fetched.Fetched,
		"failed", fetched.Failed,
		"degraded", fetched.Degraded)
	svc.recordBatch(req.Platform, req.Locale, resp)
	return resp, nil
}

// recordBatch writes one datapoint per batch outcome when metrics are on.
func (svc *Service) recordBatch(platform, locale string, resp *Response) {
	if svc.metrics == nil {
		return
	}
	at := svc.now()
	labels := map[string]string{"platform": platform, "locale": locale}
	degraded := 0.0
	if resp.BatchMeta.Degraded {
		degraded = 1
	}
	for _, m := range []struct {
		name  string
		value float64
		unit  string
	}{
		{observability.MetricBatchCacheHitRate, resp.BatchMeta.CacheHitRate, "ratio"},
		{observability.MetricBatchSuccessRate, resp.BatchMeta.SuccessRate, "ratio"},
		{observability.MetricBatchDegraded, degraded, "bool"},
		{observability.MetricBatchCombos, float64(len(resp.Combos)), "count"},
		{observability.MetricCacheWriteFailures, float64(svc.cache.WriteFailures()), "count"},
	} {
		svc.metrics.Record(&observability.Metric{
			Name: m.name, Timestamp: at, Value: m.value, Unit: m.unit, Labels: labels,
		})
	}
}

// Metrics returns recent datapoints for name, newest first. An empty name
// matches every metric. Without WithMetrics the result is empty.
func (svc *Service) Metrics(ctx context.Context, name string, limit int) ([]*observability.Metric, error) {
	if svc.metrics == nil {
		return nil, nil
	}
	if limit <= 0 || limit > maxMetricsLimit {
		limit = maxMetricsLimit
	}
	return svc.metrics.Query(ctx, name, time.Time{}, time.Time{}, limit)
}

const maxMetricsLimit = 1000

// assemble joins generation output with fetch results. Both are in the
// same order.
func (svc *Service) assemble(gen *generate.Result, fetched *fetch.BatchResult, filter *Filter) *Response {
	th := svc.config.Thresholds
	resp := &Response{
		Combos: make([]ComboResult, len(gen.Combos)),
		BatchMeta: BatchMeta{
			BatchID:          newBatchID(),
			Degraded:         fetched.Degraded,
			Truncated:        gen.Truncated,
			TruncatedSources: gen.TruncatedSources,
			CacheHits:        fetched.CacheHits,
			Fetched:          fetched.Fetched,
			Failed:           fetched.Failed,
			Cancelled:        fetched.Cancelled,
		},
	}
	items := make([]score.Item, len(gen.Combos))
	for i, c := range gen.Combos {
		r := &fetched.Items[i]
		cr := ComboResult{
			Text:      c.Text,
			Tier:      c.Tier,
			TierLabel: svc.table.Label(c.Tier),
			Hint:      c.Hint,
			Position:  r.Position,
			Trend:     string(r.Trend),
			Cached:    r.Status == fetch.StatusCached,
			Status:    r.Status,
			ErrorKind: string(r.ErrorKind),
		}
		if r.Ok() {
			cr.TotalResults = r.TotalResults
			cr.CompetitionLevel = th.Level(r.TotalResults)
			cr.Competition = th.Display(r.TotalResults)
			cr.OpportunityScore = th.OpportunityScore(svc.table.Weight(c.Tier), r.TotalResults)
		}
		resp.Combos[i] = cr
		items[i] = score.Item{
			Combo:        c.Text,
			Tier:         c.Tier,
			Ok:           r.Ok(),
			Cached:       cr.Cached,
			Position:     r.Position,
			TotalResults: r.TotalResults,
		}
	}

	resp.Summary = th.Summarize(items)
	resp.BatchMeta.CacheHitRate = resp.Summary.CacheHitRate
	resp.BatchMeta.SuccessRate = resp.Summary.SuccessRate

	if filter != nil {
		for _, o := range th.Opportunities(items, *filter, svc.table) {
			resp.Opportunities = append(resp.Opportunities, Opportunity{
				Text:             o.Combo,
				Tier:             o.Tier,
				CompetitionLevel: o.Level,
				Competition:      th.Display(o.TotalResults),
				Position:         o.Position,
				Score:            o.Score,
			})
		}
	}
	return resp
}

// --- Tracking ---

// TrackSubject starts (or updates) daily tracking of a subject. History is
// recorded from the next analysis on.
func (svc *Service) TrackSubject(ctx context.Context, tenantID string, sub *TrackedSubject) error {
	if sub == nil {
		return invalid("subject is required")
	}
	if err := svc.validateTenant(tenantID); err != nil {
		return err
	}
	if err := svc.validateSubject(sub); err != nil {
		return err
	}
	sub.TenantID = tenantID
	if err := svc.store.UpsertSubject(ctx, sub); err != nil {
		return err
	}
	svc.logger.InfoContext(ctx, "combos: subject tracked", "tenant_id", tenantID, "subject_id", sub.ID)
	return nil
}

// UntrackSubject stops tracking and drops the subject's history. Cached
// rows stay and keep serving the subject as ephemeral for today.
func (svc *Service) UntrackSubject(ctx context.Context, tenantID, subjectID string) error {
	if err := svc.validateTenant(tenantID); err != nil {
		return err
	}
	if err := svc.validateSubjectID(subjectID, true); err != nil {
		return err
	}
	ok, err := svc.store.DeleteSubject(ctx, tenantID, subjectID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	svc.logger.InfoContext(ctx, "combos: subject untracked", "tenant_id", tenantID, "subject_id", subjectID)
	return nil
}

// ListTracked returns the tenant's tracked subjects.
func (svc *Service) ListTracked(ctx context.Context, tenantID string) ([]*TrackedSubject, error) {
	if err := svc.validateTenant(tenantID); err != nil {
		return nil, err
	}
	return svc.store.ListSubjects(ctx, tenantID)
}

// RefreshTracked analyzes a tracked subject now. A complete batch marks
// the subject refreshed for today so the scheduler skips it.
func (svc *Service) RefreshTracked(ctx context.Context, tenantID, subjectID string) (*Response, error) {
	if err := svc.validateTenant(tenantID); err != nil {
		return nil, err
	}
	if err := svc.validateSubjectID(subjectID, true); err != nil {
		return nil, err
	}
	sub, err := svc.store.GetSubject(ctx, tenantID, subjectID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNotFound
	}
	resp, err := svc.Analyze(ctx, tenantID, &Request{
		SubjectID:  sub.ID,
		Tokens:     Tokens{Title: sub.Title, Subtitle: sub.Subtitle, KeywordField: sub.KeywordField},
		BrandTerms: sub.BrandTerms,
		Platform:   sub.Platform,
		Locale:     sub.Locale,
	})
	if err != nil {
		return nil, err
	}
	if complete(resp) {
		if err := svc.store.MarkRefreshed(ctx, tenantID, subjectID, resp.BatchMeta.SnapshotDate); err != nil {
			svc.logger.WarnContext(ctx, "combos: mark refreshed", "subject_id", subjectID, "error", err)
		}
	}
	return resp, nil
}

func complete(resp *Response) bool {
	return !resp.BatchMeta.Degraded && resp.BatchMeta.Cancelled == 0
}

// refreshSubject is the scheduler's refresher.
func (svc *Service) refreshSubject(ctx context.Context, sub *store.Subject) error {
	resp, err := svc.RefreshTracked(ctx, sub.TenantID, sub.ID)
	if err != nil {
		return err
	}
	if !complete(resp) {
		return ErrIncomplete
	}
	return nil
}

// History returns day snapshots of a tracked subject, oldest first.
func (svc *Service) History(ctx context.Context, q HistoryQuery) ([]*HistoryRow, error) {
	if err := svc.validateTenant(q.TenantID); err != nil {
		return nil, err
	}
	if err := svc.validateSubjectID(q.SubjectID, true); err != nil {
		return nil, err
	}
	if q.From != "" && q.To != "" && q.From > q.To {
		return nil, invalid("from %s is after to %s", q.From, q.To)
	}
	for _, d := range []string{q.From, q.To} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(store.DayLayout, d); err != nil {
			return nil, invalid("date %q: want YYYY-MM-DD", d)
		}
	}
	return svc.store.History(ctx, q)
}
