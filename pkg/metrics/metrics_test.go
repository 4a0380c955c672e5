package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Snapshot(3)
	r.Decision(core.Decision{Available: 2, Failed: 1, AverageLoad: 92.5})
	r.ScaleUp()
	r.Creation(nil)
	r.Creation(errors.New("quota"))
	r.Warmup(OutcomePromoted)
	r.LoadBalancerSync([]string{"1"}, nil)
	r.FetchError()

	if got := testutil.ToFloat64(r.FleetNodes); got != 3 {
		t.Errorf("fleet_nodes = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.AverageCPU); got != 92.5 {
		t.Errorf("average_cpu_percent = %v, want 92.5", got)
	}
	if got := testutil.ToFloat64(r.ProbeFailures); got != 1 {
		t.Errorf("probe_failures_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.NodeCreations.WithLabelValues("failure")); got != 1 {
		t.Errorf("node_creations_total{failure} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.WarmupOutcomes.WithLabelValues(OutcomePromoted)); got != 1 {
		t.Errorf("warmup_outcomes_total{promoted} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.LoadBalancerOps.WithLabelValues("success")); got != 1 {
		t.Errorf("lb_syncs_total{success} = %v, want 1", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Snapshot(1)
	r.FetchError()
	r.Decision(core.Decision{})
	r.ScaleUp()
	r.Creation(nil)
	r.Warmup(OutcomeDeleted)
	r.LoadBalancerSync(nil, nil)
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.ScaleUp()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "nodescaler_scale_up_decisions_total 1") {
		t.Errorf("metrics output missing scale-up counter:\n%s", body)
	}
}
