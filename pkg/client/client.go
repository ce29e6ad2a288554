package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/integrity/pkg/api"
	"github.com/cuemby/integrity/pkg/monitor"
	"github.com/cuemby/integrity/pkg/types"
)

// DefaultTimeout bounds each HTTP request
const DefaultTimeout = 3 * time.Second

// Client talks to the HTTP API of a running integrity node
type Client struct {
	baseURL string
	httpc   *http.Client
	retries uint64
}

// APIError is a non-2xx answer from the node
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a client for addr, either host:port or a full URL
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		httpc:   &http.Client{Timeout: timeout},
		retries: 2,
	}
}

// Status returns the node's monitor status
func (c *Client) Status(ctx context.Context) (*monitor.Status, error) {
	var out monitor.Status
	if _, err := c.do(ctx, http.MethodGet, "/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ready returns the readiness report. A not-ready node is not an error.
func (c *Client) Ready(ctx context.Context) (*api.ReadyResponse, error) {
	var out api.ReadyResponse
	_, err := c.do(ctx, http.MethodGet, "/ready", nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
		return &out, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Apply applies action to the node's state. A rejected action returns the
// response together with an APIError, since the rejection still changed the
// persisted state.
func (c *Client) Apply(ctx context.Context, action types.Action) (*api.ActionResponse, error) {
	var out api.ActionResponse
	code, err := c.do(ctx, http.MethodPost, "/actions", api.ActionRequest{Action: string(action)}, &out)
	if err != nil {
		if code == http.StatusConflict {
			return &out, err
		}
		return nil, err
	}
	return &out, nil
}

// Reports lists the node's health reports
func (c *Client) Reports(ctx context.Context) (*api.ReportsResponse, error) {
	var out api.ReportsResponse
	if _, err := c.do(ctx, http.MethodGet, "/reports", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Report sends a health report for reporter
func (c *Client) Report(ctx context.Context, reporter string, well bool, message string) (*api.ReportsResponse, error) {
	var out api.ReportsResponse
	req := api.ReportRequest{Reporter: reporter, Well: well, Message: message}
	if _, err := c.do(ctx, http.MethodPost, "/reports", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends one request and decodes the JSON answer into out. Only GETs that
// fail to reach the node are retried.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return 0, err
		}
	}

	var code int
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			if method != http.MethodGet {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		code = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(err)
		}
		if out != nil && len(data) > 0 {
			_ = json.Unmarshal(data, out)
		}
		if code < 200 || code > 299 {
			return backoff.Permanent(&APIError{StatusCode: code, Message: errorMessage(data)})
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx))
	if err != nil {
		return code, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return code, nil
}

func errorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}
