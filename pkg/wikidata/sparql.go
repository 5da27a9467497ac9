package wikidata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/omnilingual/langmeta/internal/cache"
	"github.com/omnilingual/langmeta/internal/resilience"
)

const previewChars = 1000

// ErrMalformedResponse is matched by errors.Is when a response body is not a
// usable SPARQL JSON document even after control characters are stripped.
var ErrMalformedResponse = eris.New("wikidata: malformed response")

// MalformedError carries what the endpoint actually sent back.
type MalformedError struct {
	ContentType string
	Preview     string
	Err         error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("wikidata: SPARQL returned non-JSON or malformed JSON (Content-Type: %s): %v\nFirst %d chars:\n%s",
		e.ContentType, e.Err, previewChars, e.Preview)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformedResponse
}

// Binding is one variable of a SPARQL result row.
type Binding struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
	Lang     string `json:"xml:lang,omitempty"`
}

// Row maps variable names to bindings. Unbound OPTIONAL variables are absent.
type Row map[string]Binding

// Value returns the bound value of name, or "" when unbound.
func (r Row) Value(name string) string {
	return r[name].Value
}

// Response is a SPARQL 1.1 JSON results document.
type Response struct {
	Results struct {
		Bindings []Row `json:"bindings"`
	} `json:"results"`
}

// query runs q with retries and caching. Only bodies that parse are cached.
func (c *httpClient) query(ctx context.Context, op, q string, p Policy) (*Response, error) {
	key := cache.HashKey("wd_", q)
	if c.cache != nil {
		body, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			return nil, cache.StoreFailure("wikidata: cache get", err)
		}
		if ok {
			if resp, err := decode(body, "application/json"); err == nil {
				c.log.Debug("cache hit", zap.String("operation", op), zap.String("key", key[:16]))
				return resp, nil
			}
			c.log.Warn("ignoring unreadable cache entry", zap.String("key", key))
		}
	}

	type parsed struct {
		resp *Response
		body []byte
	}

	attempts := 0
	cfg := resilience.RetryConfig{
		MaxAttempts:    p.MaxAttempts,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2,
		OnRetry:        resilience.RetryLogger("wikidata", op),
		Sleep:          c.sleep,
	}
	result, err := resilience.DoVal(ctx, cfg, func(ctx context.Context, attempt int) (parsed, error) {
		attempts = attempt + 1
		timeout := AttemptTimeout(p.Timeout, attempt)

		body, contentType, err := c.post(ctx, q, timeout)
		if err != nil {
			return parsed{}, err
		}
		resp, err := decode(body, contentType)
		if err != nil {
			return parsed{}, err
		}
		return parsed{resp: resp, body: body}, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "wikidata: %s query failed after %d attempt(s)", op, attempts)
	}

	if c.cache != nil {
		if err := c.cache.Put(ctx, key, cleanControl(result.body)); err != nil {
			return nil, cache.StoreFailure("wikidata: cache put", err)
		}
	}
	return result.resp, nil
}

// AttemptTimeout returns the deadline for 0-based attempt n: base grows by
// half of itself per retry.
func AttemptTimeout(base time.Duration, n int) time.Duration {
	return time.Duration(float64(base) * (1 + 0.5*float64(n)))
}

// post sends one query and returns the body of a 200 response. Rate limits,
// gateway errors and timeouts come back as transient errors.
func (c *httpClient) post(parent context.Context, q string, timeout time.Duration) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	form := url.Values{}
	form.Set("query", q)
	form.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, "", eris.Wrap(err, "wikidata: create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/sparql-results+json")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", c.requestError(parent, ctx, err, timeout)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", c.requestError(parent, ctx, err, timeout)
	}

	c.log.Debug("sparql response",
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, "", resilience.NewTransientError(
			eris.Errorf("wikidata: status %d from endpoint", resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", eris.Errorf("wikidata: unexpected status %d: %s", resp.StatusCode, preview(body))
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// requestError marks attempt timeouts as transient while leaving
// cancellation of the caller's context alone.
func (c *httpClient) requestError(parent, attemptCtx context.Context, err error, timeout time.Duration) error {
	if parent.Err() != nil {
		return eris.Wrap(parent.Err(), "wikidata: request cancelled")
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return resilience.NewTransientError(eris.Wrapf(err, "wikidata: attempt timed out after %s", timeout), 0)
	}
	return eris.Wrap(err, "wikidata: request")
}

// decode parses body as SPARQL JSON, retrying once with control characters
// other than tab, newline and carriage return removed.
func decode(body []byte, contentType string) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err == nil {
		return &resp, nil
	}

	resp = Response{}
	err := json.Unmarshal(cleanControl(body), &resp)
	if err == nil {
		return &resp, nil
	}
	return nil, &MalformedError{ContentType: contentType, Preview: preview(body), Err: err}
}

func cleanControl(body []byte) []byte {
	return bytes.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		default:
			return r
		}
	}, body)
}

func preview(body []byte) string {
	runes := []rune(string(body))
	if len(runes) > previewChars {
		runes = runes[:previewChars]
	}
	return string(runes)
}
