package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/hashvisor/internal/history"
)

const defaultSearchSize = 100

// Sink sends events to OpenSearch via HTTP.
// Documents are POSTed to baseURL/index/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	resp, err := s.post(ctx, "_doc", b)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source history.Event `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Payouts searches the index for payout events, newest first.
func (s *Sink) Payouts(ctx context.Context, limit int) ([]history.Event, error) {
	if limit <= 0 {
		limit = defaultSearchSize
	}
	q := map[string]any{
		"size":  limit,
		"query": map[string]any{"term": map[string]any{"type": string(history.EventPayout)}},
		"sort":  []any{map[string]any{"occurred_at": map[string]string{"order": "desc"}}},
	}
	b, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	resp, err := s.post(ctx, "_search", b)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("opensearch search status %d", resp.StatusCode)
	}
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	out := make([]history.Event, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

func (s *Sink) post(ctx context.Context, op string, body []byte) (*http.Response, error) {
	u := fmt.Sprintf("%s/%s/%s", s.baseURL, s.index, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}
