package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	before := testutil.ToFloat64(daemonStarts.WithLabelValues("xmrig"))
	IncStart("xmrig")
	IncStart("xmrig")
	IncRestart("xmrig")
	IncStop("xmrig", true)
	SetHashrate("xmrig", "10s", 1234.5)
	ObserveProbe("XvB European Pool", 40*time.Millisecond, true)
	IncReconfiguration("XvB European Pool", true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"hashvisor_daemon_starts_total":            false,
		"hashvisor_daemon_restarts_total":          false,
		"hashvisor_daemon_stops_total":             false,
		"hashvisor_mining_hashrate":                false,
		"hashvisor_arbiter_probe_latency_seconds":  false,
		"hashvisor_arbiter_reconfigurations_total": false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
	if got := testutil.ToFloat64(daemonStarts.WithLabelValues("xmrig")); got != before+2 {
		t.Fatalf("starts: got %v", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Reset regOK gate to allow registration with the default registry used by Handler().
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("p2pool")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "hashvisor_daemon_starts_total") {
		t.Fatalf("metrics output missing starts_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("node")
			IncRestart("node")
			IncStop("node", false)
			IncPollError("node", "rpc")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestSetCurrentStateIsExclusive(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	all := []string{"alive", "dead", "syncing"}
	SetCurrentState("proxy", "alive", all)
	SetCurrentState("proxy", "syncing", all)
	if got := testutil.ToFloat64(currentStates.WithLabelValues("proxy", "alive")); got != 0 {
		t.Fatalf("alive: got %v", got)
	}
	if got := testutil.ToFloat64(currentStates.WithLabelValues("proxy", "syncing")); got != 1 {
		t.Fatalf("syncing: got %v", got)
	}
}

func TestProbeFailureCounted(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	before := testutil.ToFloat64(probeFailures.WithLabelValues("XvB North America Pool"))
	ObserveProbe("XvB North America Pool", 0, false)
	if got := testutil.ToFloat64(probeFailures.WithLabelValues("XvB North America Pool")); got != before+1 {
		t.Fatalf("failures: got %v want %v", got, before+1)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncStart("test")
	IncRestart("test")
	IncStop("test", true)
	RecordStateTransition("test", "waiting", "alive")
	SetCurrentState("test", "alive", []string{"alive"})
	SetHashrate("test", "1m", 1)
	AddPayouts(1, 0.1)
	IncPollError("test", "api")
	ObserveProbe("test", time.Second, true)
	IncReconfiguration("test", false)
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
