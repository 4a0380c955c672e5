// Package metrics exposes the control loop's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

const namespace = "nodescaler"

// Warm-up outcomes.
const (
	OutcomePromoted = "promoted"
	OutcomeFailOpen = "fail_open"
	OutcomeDeleted  = "deleted"
)

// Recorder holds every collector. A nil *Recorder discards observations.
type Recorder struct {
	FleetNodes      prometheus.Gauge
	AvailableNodes  prometheus.Gauge
	AverageCPU      prometheus.Gauge
	ProbeFailures   prometheus.Counter
	FetchErrors     prometheus.Counter
	ScaleUps        prometheus.Counter
	NodeCreations   *prometheus.CounterVec
	WarmupOutcomes  *prometheus.CounterVec
	LoadBalancerOps *prometheus.CounterVec
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		FleetNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fleet_nodes",
			Help: "Number of nodes in the last fleet snapshot",
		}),
		AvailableNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "probe_available_nodes",
			Help: "Nodes that returned a load metric in the last probe batch",
		}),
		AverageCPU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "average_cpu_percent",
			Help: "Average CPU over successful probes in the last batch",
		}),
		ProbeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "probe_failures_total",
			Help: "Health probes that failed, timed out or lacked a metric",
		}),
		FetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fetch_errors_total",
			Help: "Fleet snapshot fetches that failed",
		}),
		ScaleUps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "scale_up_decisions_total",
			Help: "Scale-up decisions acted on",
		}),
		NodeCreations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "node_creations_total",
			Help: "Node create calls by result",
		}, []string{"result"}),
		WarmupOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "warmup_outcomes_total",
			Help: "Terminal warm-up transitions by outcome",
		}, []string{"outcome"}),
		LoadBalancerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lb_syncs_total",
			Help: "Load balancer pushes by result",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			r.FleetNodes, r.AvailableNodes, r.AverageCPU,
			r.ProbeFailures, r.FetchErrors, r.ScaleUps,
			r.NodeCreations, r.WarmupOutcomes, r.LoadBalancerOps,
		)
	}
	return r
}

// Snapshot records the fleet size.
func (r *Recorder) Snapshot(nodes int) {
	if r == nil {
		return
	}
	r.FleetNodes.Set(float64(nodes))
}

// FetchError records a failed snapshot fetch.
func (r *Recorder) FetchError() {
	if r == nil {
		return
	}
	r.FetchErrors.Inc()
}

// Decision records a probe batch summary.
func (r *Recorder) Decision(d core.Decision) {
	if r == nil {
		return
	}
	r.AvailableNodes.Set(float64(d.Available))
	r.AverageCPU.Set(d.AverageLoad)
	r.ProbeFailures.Add(float64(d.Failed))
}

// ScaleUp records an acted-on scale-up decision.
func (r *Recorder) ScaleUp() {
	if r == nil {
		return
	}
	r.ScaleUps.Inc()
}

// Creation records a create call result.
func (r *Recorder) Creation(err error) {
	if r == nil {
		return
	}
	r.NodeCreations.WithLabelValues(result(err)).Inc()
}

// Warmup records a terminal warm-up transition.
func (r *Recorder) Warmup(outcome string) {
	if r == nil {
		return
	}
	r.WarmupOutcomes.WithLabelValues(outcome).Inc()
}

// LoadBalancerSync records a push; it matches lbsync.Observer.
func (r *Recorder) LoadBalancerSync(_ []string, err error) {
	if r == nil {
		return
	}
	r.LoadBalancerOps.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
