package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultCheckTimeout bounds a single check when the caller's context does not
const DefaultCheckTimeout = 5 * time.Second

// HTTPChecker probes an HTTP endpoint with GET. Any status in
// [MinStatus, MaxStatus] counts as healthy; redirects are followed.
type HTTPChecker struct {
	URL       string
	Header    http.Header
	MinStatus int
	MaxStatus int
	Client    *http.Client
}

// NewHTTPChecker creates a checker accepting 2xx and 3xx answers
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		Header:    make(http.Header),
		MinStatus: http.StatusOK,
		MaxStatus: 399,
		Client:    &http.Client{Timeout: DefaultCheckTimeout},
	}
}

// Check sends one probe request
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return failed(start, "invalid probe request: %v", err)
	}
	req.Header = h.Header.Clone()

	resp, err := h.Client.Do(req)
	if err != nil {
		return failed(start, "GET %s: %v", h.URL, err)
	}
	defer resp.Body.Close()
	// drain so the connection can be reused by the next probe
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < h.MinStatus || resp.StatusCode > h.MaxStatus {
		return failed(start, "HTTP %d, want %d-%d", resp.StatusCode, h.MinStatus, h.MaxStatus)
	}
	return passed(start, fmt.Sprintf("HTTP %d", resp.StatusCode))
}

// Type returns CheckTypeHTTP
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// WithHeader sets a request header sent with every probe
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Header.Set(key, value)
	return h
}

// WithStatusRange replaces the accepted status range
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.MinStatus, h.MaxStatus = min, max
	return h
}

// WithTimeout sets the request timeout
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}
