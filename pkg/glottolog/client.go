// Package glottolog provides a client for Glottolog languoid documents.
package glottolog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/omnilingual/langmeta/internal/cache"
	"github.com/omnilingual/langmeta/internal/model"
	"github.com/omnilingual/langmeta/internal/resilience"
)

// DefaultBaseURL is the public Glottolog site.
const DefaultBaseURL = "https://glottolog.org"

// glottocodes are four lowercase letters or digits followed by four digits.
var glottocodeRe = regexp.MustCompile(`^[a-z0-9]{4}[0-9]{4}$`)

// Client defines the Glottolog lookups used by the builder.
type Client interface {
	// Languoid returns the languoid document for code. Any failure yields an
	// empty languoid.
	Languoid(ctx context.Context, code string) model.Languoid
	// FetchMany looks up each distinct code in order, pacing requests.
	FetchMany(ctx context.Context, codes []string) map[string]model.Languoid
}

// Option configures the Glottolog client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithCache stores languoid documents under gl_<code>.
func WithCache(st cache.Store) Option {
	return func(c *httpClient) {
		c.cache = st
	}
}

// WithPace sets the minimum gap between requests. Zero disables pacing.
func WithPace(d time.Duration) Option {
	return func(c *httpClient) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.timeout = d
	}
}

// WithBreaker replaces the circuit breaker settings.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *httpClient) {
		c.breakerCfg = cfg
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

type httpClient struct {
	baseURL    string
	userAgent  string
	http       *http.Client
	timeout    time.Duration
	cache      cache.Store
	limiter    *rate.Limiter
	breakerCfg resilience.CircuitBreakerConfig
	breaker    *resilience.CircuitBreaker
	log        *zap.Logger
}

// NewClient creates a new Glottolog client.
func NewClient(opts ...Option) Client {
	return newClient(opts...)
}

func newClient(opts ...Option) *httpClient {
	c := &httpClient{
		baseURL:   DefaultBaseURL,
		userAgent: "langmeta/1.0 (language metadata builder)",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
		breakerCfg: resilience.CircuitBreakerConfig{
			FailureThreshold: 10,
			ResetTimeout:     time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.timeout > 0 {
		hc := *c.http
		hc.Timeout = c.timeout
		c.http = &hc
	}

	c.log = zap.L().With(zap.String("component", "glottolog"))
	cfg := c.breakerCfg
	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(from, to resilience.CircuitState) {
		c.log.Warn("glottolog circuit state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		if userHook != nil {
			userHook(from, to)
		}
	}
	c.breaker = resilience.NewCircuitBreaker(cfg)
	return c
}

func cacheKey(code string) string {
	return "gl_" + code
}

func (c *httpClient) Languoid(ctx context.Context, code string) model.Languoid {
	if code == "" {
		return model.Languoid{}
	}
	log := c.log.With(zap.String("glottocode", code))

	if !glottocodeRe.MatchString(code) {
		log.Warn("not a glottocode, skipping")
		return model.Languoid{}
	}

	if c.cache != nil {
		if body, ok, err := c.cache.Get(ctx, cacheKey(code)); err != nil {
			log.Warn("cache read failed", zap.Error(err))
		} else if ok {
			var doc model.Languoid
			if err := json.Unmarshal(body, &doc); err == nil {
				return doc
			}
			log.Warn("ignoring unreadable cache entry")
		}
	}

	f, err := resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (fetched, error) {
		return c.fetch(ctx, code)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			log.Debug("glottolog circuit open, skipping")
		} else {
			log.Warn("glottolog lookup failed", zap.Error(err))
		}
		return model.Languoid{}
	}
	if f.doc == nil {
		log.Warn("glottocode not found")
		return model.Languoid{}
	}

	if c.cache != nil {
		if err := c.cache.Put(ctx, cacheKey(code), f.body); err != nil {
			log.Warn("cache write failed", zap.Error(err))
		}
	}
	return f.doc
}

func (c *httpClient) FetchMany(ctx context.Context, codes []string) map[string]model.Languoid {
	out := make(map[string]model.Languoid, len(codes))
	for _, code := range codes {
		if code == "" {
			continue
		}
		if _, done := out[code]; done {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		out[code] = c.Languoid(ctx, code)
	}
	return out
}

// fetched is one languoid response. A nil doc with no error means the code
// is unknown to Glottolog.
type fetched struct {
	doc  model.Languoid
	body []byte
}

func (c *httpClient) fetch(ctx context.Context, code string) (fetched, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return fetched{}, eris.Wrap(err, "glottolog: rate limiter wait")
	}

	reqURL := fmt.Sprintf("%s/resource/languoid/id/%s.json", c.baseURL, url.PathEscape(code))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fetched{}, eris.Wrap(err, "glottolog: create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return fetched{}, eris.Wrap(err, "glottolog: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetched{}, eris.Wrap(err, "glottolog: read response body")
	}

	if resp.StatusCode == http.StatusNotFound {
		return fetched{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return fetched{}, eris.Errorf("glottolog: unexpected status %d for %s", resp.StatusCode, code)
	}

	var doc model.Languoid
	if err := json.Unmarshal(body, &doc); err != nil {
		return fetched{}, eris.Wrap(err, "glottolog: unmarshal languoid")
	}
	if doc == nil {
		doc = model.Languoid{}
	}
	return fetched{doc: doc, body: body}, nil
}
