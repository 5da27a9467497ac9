package fetcher

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/omnilingual/langmeta/internal/resilience"
)

// HTTPOptions configures an HTTPFetcher. Zero fields take defaults.
type HTTPOptions struct {
	UserAgent string
	Timeout   time.Duration
	// HostRates paces requests per host name. Hosts not listed are unpaced.
	HostRates map[string]*rate.Limiter
	// Retry is the backoff schedule for rate limits and gateway errors.
	Retry resilience.RetryConfig
}

// HTTPFetcher downloads files over HTTP with per-host pacing and retries.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	hostRates map[string]*rate.Limiter
	retry     resilience.RetryConfig
	log       *zap.Logger
}

// SILRate paces downloads from the ISO 639-3 registration authority.
const SILRate = rate.Limit(2)

// NewHTTPFetcher creates an HTTPFetcher.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: opts.UserAgent,
		hostRates: opts.HostRates,
		retry:     opts.Retry,
		log:       zap.L().With(zap.String("component", "fetcher")),
	}
	if f.client.Timeout <= 0 {
		f.client.Timeout = 60 * time.Second
	}
	if f.userAgent == "" {
		f.userAgent = "langmeta/1.0"
	}
	if f.hostRates == nil {
		f.hostRates = map[string]*rate.Limiter{
			"iso639-3.sil.org": rate.NewLimiter(SILRate, 2),
		}
	}
	if f.retry.MaxAttempts <= 0 {
		f.retry.MaxAttempts = 3
	}
	return f
}

func (f *HTTPFetcher) wait(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	if lim, ok := f.hostRates[u.Host]; ok {
		return lim.Wait(ctx)
	}
	return nil
}

// Download returns the body of a 200 response for rawURL. Rate limits and
// gateway errors are retried; any other status fails at once.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	cfg := f.retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		f.log.Warn("download failed, retrying",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}

	body, err := resilience.DoVal(ctx, cfg, func(ctx context.Context, _ int) (io.ReadCloser, error) {
		if err := f.wait(ctx, rawURL); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "create request")
		}
		req.Header.Set("User-Agent", f.userAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusOK {
			return resp.Body, nil
		}
		_ = resp.Body.Close()
		statusErr := eris.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(statusErr, resp.StatusCode)
		}
		return nil, statusErr
	})
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}
	return body, nil
}

// DownloadToFile fetches rawURL into a temporary file next to path and
// renames it into place once the body is complete.
func (f *HTTPFetcher) DownloadToFile(ctx context.Context, rawURL, path string) (int64, error) {
	body, err := f.Download(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer body.Close() //nolint:errcheck

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, eris.Wrapf(err, "create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.part")
	if err != nil {
		return 0, eris.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	n, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		return n, eris.Wrapf(err, "write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return n, eris.Wrap(err, "close temp file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, eris.Wrapf(err, "rename into %s", path)
	}
	return n, nil
}
