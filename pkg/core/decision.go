package core

// Decision is the outcome of one evaluation of a probe batch.
type Decision struct {
	ScaleUp bool
	// AverageLoad is computed over successful probes only; zero when
	// Available is zero.
	AverageLoad float64
	Available   int
	Failed      int
	// Reason is a short human readable explanation for logs.
	Reason string
}

// Summarize aggregates a probe batch without applying any policy.
func Summarize(results []ProbeResult) Decision {
	var (
		d     Decision
		total float64
	)
	for _, r := range results {
		if r.Failed || r.LoadMetric == nil {
			d.Failed++
			continue
		}
		total += *r.LoadMetric
		d.Available++
	}
	if d.Available > 0 {
		d.AverageLoad = total / float64(d.Available)
	}
	return d
}

// Decide turns a probe batch into a scale decision. A fleet with no
// successful probes is always a no-op.
func Decide(results []ProbeResult, threshold float64, creationInFlight bool) Decision {
	d := Summarize(results)
	switch {
	case d.Available == 0:
		d.Reason = "no available nodes"
	case d.AverageLoad <= threshold:
		d.Reason = "average load within threshold"
	case creationInFlight:
		d.Reason = "node creation already in flight"
	default:
		d.ScaleUp = true
		d.Reason = "average load above threshold"
	}
	return d
}
