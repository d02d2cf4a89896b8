package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loykin/hashvisor/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL string
	var receivedMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"test-index","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "test-index")
	event := history.Event{
		Type:       history.EventPayout,
		OccurredAt: time.Now().UTC(),
		RunID:      "run-1",
		Daemon:     "p2pool",
		AmountXMR:  0.00123,
		Block:      3100000,
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/test-index/_doc" {
		t.Errorf("Expected URL path /test-index/_doc, got: %s", receivedURL)
	}

	var got map[string]any
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if got["type"] != string(history.EventPayout) {
		t.Errorf("Expected type payout, got: %v", got["type"])
	}
	if got["daemon"] != "p2pool" || got["block"] != float64(3100000) {
		t.Errorf("unexpected document: %v", got)
	}
	if _, ok := got["pid"]; ok {
		t.Errorf("zero pid should be omitted: %v", got)
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer server.Close()

	sink := New(server.URL, "test-index")
	err := sink.Send(context.Background(), history.Event{Type: history.EventStart, Daemon: "node"})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_Payouts(t *testing.T) {
	var query map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/idx/_search" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &query)
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_source":{"type":"payout","daemon":"p2pool","amount_xmr":0.002,"block":7}},
			{"_source":{"type":"payout","daemon":"p2pool","amount_xmr":0.001,"block":6}}
		]}}`))
	}))
	defer server.Close()

	sink := New(server.URL, "idx")
	evs, err := sink.Payouts(context.Background(), 0)
	if err != nil {
		t.Fatalf("payouts: %v", err)
	}
	if len(evs) != 2 || evs[0].Block != 7 || evs[1].AmountXMR != 0.001 {
		t.Fatalf("unexpected payouts: %+v", evs)
	}
	if query["size"] != float64(defaultSearchSize) {
		t.Errorf("expected default size, got %v", query["size"])
	}
}
