package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dvermarket/catalogworker/config"
	"dvermarket/catalogworker/logger"
)

// BrowserClient manages sessions against a remote browser-automation
// endpoint for vendors whose listings are rendered with JavaScript. It
// speaks the FlareSolverr protocol and falls back to a headless Chrome
// content endpoint when the solver is unavailable.
type BrowserClient struct {
	solverAddr string
	chromeAddr string
	client     *http.Client

	mu   sync.Mutex
	idle []*Session
}

// Session is a leased remote browser session. Navigate renders a URL inside
// the session; Close destroys the remote session.
type Session struct {
	id         string
	chromeOnly bool
	b          *BrowserClient
}

type solverResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution struct {
		Response string `json:"response"`
	} `json:"solution"`
}

// NewBrowserClient creates a browser client from the configuration.
func NewBrowserClient(cfg *config.Config) *BrowserClient {
	timeout := cfg.BrowserTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &BrowserClient{
		solverAddr: cfg.FlareSolverrAddr,
		chromeAddr: cfg.ChromeAddr,
		client:     &http.Client{Timeout: timeout},
	}
}

// Acquire leases a browser session, reusing an idle one when available.
// When the solver endpoint cannot create a session but a Chrome endpoint is
// configured, the returned session renders through Chrome directly.
func (b *BrowserClient) Acquire(ctx context.Context) (*Session, error) {
	b.mu.Lock()
	if n := len(b.idle); n > 0 {
		s := b.idle[n-1]
		b.idle = b.idle[:n-1]
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	if b.solverAddr != "" {
		id := uuid.NewString()
		_, err := b.solverCommand(ctx, map[string]interface{}{
			"cmd":     "sessions.create",
			"session": id,
		})
		if err == nil {
			logger.Debug("browser session %s created", id)
			return &Session{id: id, b: b}, nil
		}
		logger.Warn("browser session create failed: %v", err)
	}

	if b.chromeAddr != "" {
		return &Session{chromeOnly: true, b: b}, nil
	}

	return nil, fmt.Errorf("no browser endpoint available")
}

// Release returns a session to the pool for reuse.
func (b *BrowserClient) Release(s *Session) {
	if s == nil {
		return
	}
	b.mu.Lock()
	b.idle = append(b.idle, s)
	b.mu.Unlock()
}

// Shutdown destroys all pooled sessions.
func (b *BrowserClient) Shutdown(ctx context.Context) {
	b.mu.Lock()
	idle := b.idle
	b.idle = nil
	b.mu.Unlock()

	for _, s := range idle {
		if err := s.Close(ctx); err != nil {
			logger.Debug("browser session close failed: %v", err)
		}
	}
}

// Navigate renders pageURL in the session and returns the page HTML.
func (s *Session) Navigate(ctx context.Context, pageURL string) (io.Reader, error) {
	if !s.chromeOnly {
		resp, err := s.b.solverCommand(ctx, map[string]interface{}{
			"cmd":        "request.get",
			"url":        pageURL,
			"session":    s.id,
			"maxTimeout": 20000,
		})
		if err == nil {
			if resp.Solution.Response == "" {
				return nil, fmt.Errorf("no content in solver response")
			}
			return strings.NewReader(resp.Solution.Response), nil
		}
		if s.b.chromeAddr == "" {
			return nil, err
		}
		logger.Warn("solver navigate failed: %v, falling back to Chrome", err)
	}

	return s.b.chromeContent(ctx, pageURL)
}

// Close destroys the remote session.
func (s *Session) Close(ctx context.Context) error {
	if s.chromeOnly || s.id == "" {
		return nil
	}
	_, err := s.b.solverCommand(ctx, map[string]interface{}{
		"cmd":     "sessions.destroy",
		"session": s.id,
	})
	return err
}

// solverCommand posts one command to the solver endpoint and decodes the
// response envelope.
func (b *BrowserClient) solverCommand(ctx context.Context, payload map[string]interface{}) (*solverResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.solverAddr, bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %v", err)
	}

	var decoded solverResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to parse solver response: %v", err)
	}
	if decoded.Status != "ok" {
		return nil, fmt.Errorf("solver error: %s", decoded.Message)
	}
	return &decoded, nil
}

// chromeContent renders pageURL through the Chrome content endpoint. A
// network-idle render is attempted first, then a plain load.
func (b *BrowserClient) chromeContent(ctx context.Context, pageURL string) (io.Reader, error) {
	strategies := []map[string]interface{}{
		{
			"url": pageURL,
			"gotoOptions": map[string]interface{}{
				"waitUntil": "networkidle0",
				"timeout":   45000,
			},
		},
		{
			"url": pageURL,
			"gotoOptions": map[string]interface{}{
				"waitUntil": "load",
				"timeout":   20000,
			},
		},
	}

	var lastErr error
	for i, payload := range strategies {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.chromeAddr+"/content", bytes.NewBuffer(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
			continue
		}

		reader, err := validateHTML(body)
		if err != nil {
			lastErr = err
			continue
		}

		logger.Debug("chrome strategy %d succeeded for %s (%d bytes)", i+1, pageURL, len(body))
		return reader, nil
	}

	return nil, fmt.Errorf("all browser render strategies failed for %s: %v", pageURL, lastErr)
}

// validateHTML rejects responses that do not look like an HTML document.
func validateHTML(data []byte) (io.Reader, error) {
	if len(data) < 50 {
		return nil, fmt.Errorf("response too short: %d bytes", len(data))
	}

	lowered := strings.ToLower(string(data))
	if strings.Contains(lowered, "<html") ||
		strings.Contains(lowered, "<!doctype") ||
		strings.Contains(lowered, "<body") {
		return bytes.NewReader(data), nil
	}

	return nil, fmt.Errorf("response doesn't appear to be valid HTML")
}
