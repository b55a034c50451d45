// Package search queries the upstream store-search endpoint.
//
// The endpoint is described by configuration (URL template, JSON result
// path, id and count fields) so the same client serves any JSON search API
// of the iTunes Search shape. The client exposes a connectivity.Handler; the
// fetcher wraps it with retry, breaker and rate limiting.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/hazyhaar/kwrank/connectivity"
	"github.com/hazyhaar/kwrank/horosafe"
)

// maxResponseBody caps what is read from the upstream (4 MiB).
const maxResponseBody int64 = 4 << 20

// Config describes how to call and parse the search endpoint.
type Config struct {
	// URLTemplate holds {term} {country} {lang} {locale} {entity} {limit}
	// placeholders, substituted query-escaped.
	URLTemplate string            `yaml:"url_template"`
	Method      string            `yaml:"method"`      // default GET
	Headers     map[string]string `yaml:"headers"`     // ${ENV_VAR} expanded
	ResultPath  string            `yaml:"result_path"` // dot-notation: "results"
	IDField     string            `yaml:"id_field"`    // dot-notation within an item: "trackId"
	CountField  string            `yaml:"count_field"` // dot-notation from the root: "resultCount"
	MaxResults  int               `yaml:"max_results"` // endpoint hard cap
	// Entities maps a platform name to the endpoint's entity parameter.
	Entities map[string]string `yaml:"entities"`
}

// DefaultConfig targets the public iTunes Search API.
func DefaultConfig() Config {
	c := Config{}
	c.Defaults()
	return c
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.URLTemplate == "" {
		c.URLTemplate = "https://itunes.apple.com/search?term={term}&country={country}&lang={lang}&entity={entity}&limit={limit}&media=software"
	}
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	if c.ResultPath == "" {
		c.ResultPath = "results"
	}
	if c.IDField == "" {
		c.IDField = "trackId"
	}
	if c.CountField == "" {
		c.CountField = "resultCount"
	}
	if c.MaxResults <= 0 || c.MaxResults > 200 {
		c.MaxResults = 200
	}
	if len(c.Entities) == 0 {
		c.Entities = map[string]string{
			"ios":   "software",
			"ipad":  "iPadSoftware",
			"macos": "macSoftware",
		}
	}
}

// Query is the request payload passed through the handler chain.
type Query struct {
	Term     string `json:"term"`
	Platform string `json:"platform"`
	Locale   string `json:"locale"`
}

// Encode marshals q as a handler payload.
func (q Query) Encode() []byte {
	b, _ := json.Marshal(q)
	return b
}

// UpstreamError is a non-2xx response from the search endpoint.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("search: upstream status %d", e.StatusCode)
}

// Transient reports whether a retry can help: 429 and 5xx only.
func (e *UpstreamError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client calls the search endpoint.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a client. A nil httpClient gets a dedicated client with
// no timeout of its own; the Timeout middleware bounds each call.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	cfg.Defaults()
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Validate checks the endpoint template against SSRF rules.
func (c *Client) Validate(validate func(string) error) error {
	if validate == nil {
		validate = horosafe.ValidateTemplateURL
	}
	if err := validate(c.cfg.URLTemplate); err != nil {
		return fmt.Errorf("search: url template: %w", err)
	}
	return nil
}

// BuildURL substitutes q into the URL template.
func (c *Client) BuildURL(q Query) (string, error) {
	entity, ok := c.cfg.Entities[q.Platform]
	if !ok {
		return "", fmt.Errorf("search: unknown platform %q", q.Platform)
	}
	lang, country := splitLocale(q.Locale)
	r := strings.NewReplacer(
		"{term}", url.QueryEscape(q.Term),
		"{country}", url.QueryEscape(country),
		"{lang}", url.QueryEscape(lang),
		"{locale}", url.QueryEscape(q.Locale),
		"{entity}", url.QueryEscape(entity),
		"{limit}", strconv.Itoa(c.cfg.MaxResults),
	)
	return r.Replace(c.cfg.URLTemplate), nil
}

// Handler returns a connectivity.Handler whose payload is an encoded Query
// and whose response is the raw upstream body.
func (c *Client) Handler() connectivity.Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var q Query
		if err := json.Unmarshal(payload, &q); err != nil {
			return nil, fmt.Errorf("search: decode query: %w", err)
		}
		u, err := c.BuildURL(q)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, c.cfg.Method, u, nil)
		if err != nil {
			return nil, fmt.Errorf("search: new request: %w", err)
		}
		for k, v := range c.cfg.Headers {
			req.Header.Set(k, os.Expand(v, os.Getenv))
		}
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("search: http: %w", err)
		}
		defer resp.Body.Close()

		body, err := horosafe.LimitedReadAll(resp.Body, maxResponseBody)
		if err != nil {
			return nil, fmt.Errorf("search: read body: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
		}
		return body, nil
	}
}

// splitLocale turns "en-US" into ("en", "us"). A bare two-letter value is
// taken as the country.
func splitLocale(locale string) (lang, country string) {
	l := strings.ToLower(locale)
	if i := strings.IndexAny(l, "-_"); i >= 0 {
		return l[:i], l[i+1:]
	}
	return "", l
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
