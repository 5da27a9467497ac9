// Package wikidata provides a client for the Wikidata SPARQL query service,
// fetching core language facts and language geography by ISO 639-3 code.
package wikidata

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/omnilingual/langmeta/internal/cache"
	"github.com/omnilingual/langmeta/internal/model"
	"github.com/omnilingual/langmeta/internal/resilience"
)

// DefaultEndpoint is the public Wikidata Query Service.
const DefaultEndpoint = "https://query.wikidata.org/sparql"

// Client defines the knowledge-graph lookups used by the builder.
type Client interface {
	// FetchCore returns core facts keyed by base identifier. Identifiers
	// unknown to Wikidata are absent from the result.
	FetchCore(ctx context.Context, ids []string) (map[string]model.CoreFacts, error)
	// FetchGeo returns geography keyed by base identifier. It never fails:
	// identifiers whose lookups fail get empty facts.
	FetchGeo(ctx context.Context, ids []string, simple bool) map[string]model.GeoFacts
}

// Policy bounds one kind of query: the first attempt's timeout and the total
// number of attempts. Attempt n runs with Timeout * (1 + 0.5n).
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
}

// Option configures the Wikidata client.
type Option func(*httpClient)

// WithEndpoint sets a custom SPARQL endpoint (for testing).
func WithEndpoint(url string) Option {
	return func(c *httpClient) {
		c.endpoint = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithUserAgent sets the User-Agent header sent with every query.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

// WithCache stores parsed responses under a hash of the query text.
func WithCache(st cache.Store) Option {
	return func(c *httpClient) {
		c.cache = st
	}
}

// WithCorePolicy sets timeout and attempts for core queries.
func WithCorePolicy(p Policy) Option {
	return func(c *httpClient) {
		c.core = p
	}
}

// WithGeoPolicy sets timeout and attempts for chunked geo queries.
func WithGeoPolicy(p Policy) Option {
	return func(c *httpClient) {
		c.geo = p
	}
}

// WithGeoSinglePolicy sets timeout and attempts for per-identifier geo
// fallback queries.
func WithGeoSinglePolicy(p Policy) Option {
	return func(c *httpClient) {
		c.geoSingle = p
	}
}

// WithGeoChunking sets how many identifiers go into one geo query and the
// pause between chunks.
func WithGeoChunking(size int, pause time.Duration) Option {
	return func(c *httpClient) {
		if size > 0 {
			c.chunkSize = size
		}
		c.chunkPause = pause
	}
}

// WithFallbackConcurrency bounds parallel per-identifier geo queries.
func WithFallbackConcurrency(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.fallbackConcurrency = n
		}
	}
}

// WithSleep replaces the context-aware sleep used for retry backoff and
// chunk pacing (for testing).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *httpClient) {
		c.sleep = fn
	}
}

type httpClient struct {
	endpoint  string
	userAgent string
	http      *http.Client
	cache     cache.Store

	core      Policy
	geo       Policy
	geoSingle Policy

	chunkSize           int
	chunkPause          time.Duration
	fallbackConcurrency int

	sleep func(ctx context.Context, d time.Duration) error
	log   *zap.Logger
}

// NewClient creates a new Wikidata SPARQL client.
func NewClient(opts ...Option) Client {
	return newClient(opts...)
}

func newClient(opts ...Option) *httpClient {
	c := &httpClient{
		endpoint:  DefaultEndpoint,
		userAgent: "langmeta/1.0 (language metadata builder)",
		// Per-attempt deadlines come from the request context.
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		core:                Policy{Timeout: 90 * time.Second, MaxAttempts: 4},
		geo:                 Policy{Timeout: 90 * time.Second, MaxAttempts: 3},
		geoSingle:           Policy{Timeout: 60 * time.Second, MaxAttempts: 2},
		chunkSize:           6,
		chunkPause:          800 * time.Millisecond,
		fallbackConcurrency: 1,
		sleep:               resilience.SleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = zap.L().With(zap.String("component", "wikidata"))
	return c
}
