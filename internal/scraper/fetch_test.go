package scraper

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvermarket/catalogworker/config"
	cerrors "dvermarket/catalogworker/pkg/errors"
)

// stubCache is an in-memory CacheService for exercising rate-limit blocks.
type stubCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newStubCache() *stubCache {
	return &stubCache{items: make(map[string][]byte)}
}

func (s *stubCache) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok {
		return nil, assert.AnError
	}
	return v, nil
}

func (s *stubCache) Set(key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *stubCache) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func fetchTestConfig() *config.Config {
	return &config.Config{
		FetchTimeout:    5 * time.Second,
		FetchRetryCount: 3,
		FetchRetryBase:  time.Millisecond,
		RequestsPerSec:  1000,
		RateLimitBlock:  time.Minute,
	}
}

func TestFetcherRetriesTransientFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, "<html><body>дверь</body></html>")
	}))
	defer srv.Close()

	f := NewFetcher(fetchTestConfig(), nil)
	body, err := f.Fetch(context.Background(), "labirint", srv.URL)

	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "дверь")
	assert.Equal(t, 3, hits)
}

func TestFetcherGivesUpAfterAttemptCeiling(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewFetcher(fetchTestConfig(), nil)
	_, err := f.Fetch(context.Background(), "labirint", srv.URL)

	require.Error(t, err)
	var ie *cerrors.IngestError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, cerrors.ErrorTypeTransientFetch, ie.Type)
	assert.True(t, ie.IsRetryable())
	assert.Equal(t, 3, hits)
}

func TestFetcherRateLimitBlocksVendor(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cacheSvc := newStubCache()
	f := NewFetcher(fetchTestConfig(), cacheSvc)

	_, err := f.Fetch(context.Background(), "intecron", srv.URL)
	require.Error(t, err)
	var ie *cerrors.IngestError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, cerrors.ErrorTypeRateLimit, ie.Type)
	assert.False(t, ie.IsRetryable())
	assert.Equal(t, 1, hits, "a rate limit response must not be retried")

	// The block is shared state: the next fetch fails without a request.
	_, err = f.Fetch(context.Background(), "intecron", srv.URL)
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, cerrors.ErrorTypeRateLimit, ie.Type)
	assert.Equal(t, 1, hits)

	// Other vendors are unaffected by the block.
	_, err = f.Fetch(context.Background(), "bunker", srv.URL)
	require.Error(t, err)
	assert.Equal(t, 2, hits)
}

func TestFetcherConvertsLegacyCharset(t *testing.T) {
	// "Дверь" encoded as windows-1251.
	cp1251 := []byte{0xC4, 0xE2, 0xE5, 0xF0, 0xFC}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=windows-1251")
		w.Write([]byte("<html><body>"))
		w.Write(cp1251)
		w.Write([]byte("</body></html>"))
	}))
	defer srv.Close()

	f := NewFetcher(fetchTestConfig(), nil)
	body, err := f.Fetch(context.Background(), "bunker", srv.URL)

	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Дверь")
}

func TestFetcherHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := fetchTestConfig()
	cfg.FetchRetryBase = time.Minute
	f := NewFetcher(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := f.Fetch(ctx, "labirint", srv.URL)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second, "cancellation must interrupt the backoff sleep")
}
