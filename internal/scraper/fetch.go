package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"net/url"
	"slices"
	"time"

	"golang.org/x/net/html/charset"
	"golang.org/x/time/rate"

	"dvermarket/catalogworker/config"
	"dvermarket/catalogworker/logger"
	cerrors "dvermarket/catalogworker/pkg/errors"
	"dvermarket/catalogworker/services/cache"
)

// HTTP client and header configurations
var (
	userAgents = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/112.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.0.3 Safari/605.1.15",
	}

	referers = []string{
		"https://www.google.com/",
		"https://yandex.ru/",
		"https://ya.ru/",
	}
)

// Fetcher retrieves vendor listing pages. It paces requests per vendor,
// retries transient failures with exponential backoff, and converts
// responses to UTF-8 before handing them to the parser.
type Fetcher struct {
	client   *http.Client
	limiter  *rate.Limiter
	cacheSvc cache.CacheService
	attempts int
	backoff  time.Duration
	block    time.Duration
}

// NewFetcher creates a fetcher from the scrape configuration. cacheSvc may
// be nil, in which case rate-limit blocks are not shared between runs.
func NewFetcher(cfg *config.Config, cacheSvc cache.CacheService) *Fetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSec > 0 {
		burst := 1
		if cfg.RequestsPerSec > 1 {
			burst = int(cfg.RequestsPerSec)
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}

	return &Fetcher{
		client: &http.Client{
			Timeout:   cfg.FetchTimeout,
			Transport: transport,
		},
		limiter:  limiter,
		cacheSvc: cacheSvc,
		attempts: cfg.FetchRetryCount,
		backoff:  cfg.FetchRetryBase,
		block:    cfg.RateLimitBlock,
	}
}

// FetchFunc binds a vendor id into a FetchFunc for use by a site adapter.
func (f *Fetcher) FetchFunc(vendor string) FetchFunc {
	return func(ctx context.Context, pageURL string) (io.Reader, error) {
		return f.Fetch(ctx, vendor, pageURL)
	}
}

// Fetch retrieves pageURL for the given vendor. Transient failures are
// retried with exponential backoff up to the configured attempt ceiling;
// a rate-limit response blocks the vendor for the configured duration and
// is returned without further attempts.
func (f *Fetcher) Fetch(ctx context.Context, vendor, pageURL string) (io.Reader, error) {
	if f.cacheSvc != nil {
		if _, err := f.cacheSvc.Get(blockKey(vendor)); err == nil {
			return nil, cerrors.NewRateLimit(vendor, f.block)
		}
	}

	attempts := f.attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := f.backoff << (attempt - 2)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		body, err := f.fetchOnce(ctx, vendor, pageURL)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var ie *cerrors.IngestError
		if errors.As(err, &ie) && ie.Type == cerrors.ErrorTypeRateLimit {
			if f.cacheSvc != nil {
				blockSecs := fmt.Sprintf("%d", int(f.block/time.Second))
				if setErr := f.cacheSvc.Set(blockKey(vendor), []byte(blockSecs), f.block); setErr != nil {
					return nil, setErr
				}
			}
			return nil, err
		}
		if errors.As(err, &ie) && !ie.IsRetryable() {
			return nil, err
		}

		logger.Warn("[%s] fetch attempt %d/%d failed: %v", vendor, attempt, attempts, err)
	}

	return nil, lastErr
}

// fetchOnce sends a single HTTP GET with randomized browser-like headers
// and converts the response body to UTF-8 if needed.
func (f *Fetcher) fetchOnce(ctx context.Context, vendor, pageURL string) (io.Reader, error) {
	rnd := mathrand.New(mathrand.NewSource(time.Now().UnixNano()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, cerrors.NewTransientFetch(vendor, "failed to create request", err)
	}

	// Set browser-like headers
	req.Header.Set("User-Agent", userAgents[rnd.Intn(len(userAgents))])
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7")
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("referer", referers[rnd.Intn(len(referers))])
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("upgrade-insecure-requests", "1")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	req.Header.Set("Sec-Fetch-User", "?1")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, cerrors.NewTransientFetch(vendor, "failed to fetch URL", err)
	}

	// Check for rate limiting
	if slices.Contains([]int{http.StatusTooManyRequests, 430}, resp.StatusCode) {
		resp.Body.Close()
		return nil, cerrors.NewRateLimit(vendor, f.block)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, cerrors.NewTransientFetch(vendor, fmt.Sprintf("unexpected status code %d for %s", resp.StatusCode, pageURL), nil)
	}

	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cerrors.NewTransientFetch(vendor, "failed to read response body", err)
	}

	// Determine the encoding from the Content-Type header and body content
	encoding, name, _ := charset.DetermineEncoding(bodyBytes, resp.Header.Get("Content-Type"))
	if name == "utf-8" || name == "UTF-8" {
		return bytes.NewReader(bodyBytes), nil
	}

	utf8Reader := encoding.NewDecoder().Reader(bytes.NewReader(bodyBytes))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, utf8Reader); err != nil {
		return nil, cerrors.NewTransientFetch(vendor, "failed to read converted UTF-8 body", err)
	}

	return &buf, nil
}

func blockKey(vendor string) string {
	return vendor + "_rate_limited"
}
