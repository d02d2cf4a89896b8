package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds every status request.
const DefaultTimeout = 5 * time.Second

// HTTP fetches JSON documents. Token, when set, is sent as a bearer token.
type HTTP struct {
	Client    *http.Client
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// NewHTTP returns a client with the default timeout.
func NewHTTP(token string) *HTTP {
	return &HTTP{Client: &http.Client{}, Token: token, Timeout: DefaultTimeout}
}

func (h *HTTP) GetJSON(ctx context.Context, url string, out any) error {
	return h.do(ctx, http.MethodGet, url, nil, out)
}

func (h *HTTP) PostJSON(ctx context.Context, url string, in, out any) error {
	return h.do(ctx, http.MethodPost, url, in, out)
}

func (h *HTTP) PutJSON(ctx context.Context, url string, in, out any) error {
	return h.do(ctx, http.MethodPut, url, in, out)
}

func (h *HTTP) do(ctx context.Context, method, url string, in, out any) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request for %s: %w", url, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &TransportError{URL: url, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	if h.UserAgent != "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &TransportError{URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Source: url, Err: err}
	}
	return nil
}
