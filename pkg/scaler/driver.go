/*
Copyright 2025 David Arnold
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
    http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package scaler runs the periodic control loop: fetch the fleet, keep the
// load balancer in step with it, probe every node and scale up under load.
package scaler

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
	"gitlab.com/davidxarnold/nodescaler/pkg/lifecycle"
	"gitlab.com/davidxarnold/nodescaler/pkg/metrics"
)

// SnapshotFetcher reads the fleet.
type SnapshotFetcher interface {
	Fetch(ctx context.Context) (core.FleetSnapshot, error)
}

// BatchProber probes every addressed node in a snapshot.
type BatchProber interface {
	ProbeAll(ctx context.Context, snap core.FleetSnapshot) []core.ProbeResult
}

// MembershipSyncer pushes load balancer membership and remembers the last
// attempt.
type MembershipSyncer interface {
	Sync(ctx context.Context, healthyIDs []string, removeMostRecent bool) error
	Differs(healthyIDs []string) bool
}

// NodeCreator starts node creation; lifecycle.Controller implements it.
type NodeCreator interface {
	Create(ctx context.Context) (core.Node, error)
	FilterDeleted(ids []string) []string
	RetryDeletes(ctx context.Context, snap core.FleetSnapshot)
	Wait()
}

var _ NodeCreator = (*lifecycle.Controller)(nil)

// Options configures the driver.
type Options struct {
	TickInterval time.Duration
	CPUThreshold float64
}

// Driver owns the tick schedule and the probe batch goroutine.
type Driver struct {
	fetcher  SnapshotFetcher
	prober   BatchProber
	syncer   MembershipSyncer
	creator  NodeCreator
	state    *core.ControlState
	recorder *metrics.Recorder
	opts     Options

	wg sync.WaitGroup
}

// NewDriver creates a Driver. recorder may be nil.
func NewDriver(
	fetcher SnapshotFetcher,
	prober BatchProber,
	syncer MembershipSyncer,
	creator NodeCreator,
	state *core.ControlState,
	recorder *metrics.Recorder,
	opts Options,
) *Driver {
	return &Driver{
		fetcher:  fetcher,
		prober:   prober,
		syncer:   syncer,
		creator:  creator,
		state:    state,
		recorder: recorder,
		opts:     opts,
	}
}

// Run ticks until ctx is canceled, then waits for the running probe batch
// and any warm-up to return.
func (d *Driver) Run(ctx context.Context) error {
	log.WithFields(log.Fields{
		"event":         "loop_start",
		"interval":      d.opts.TickInterval.String(),
		"cpu_threshold": d.opts.CPUThreshold,
	}).Info("starting control loop")

	wait.NonSlidingUntilWithContext(ctx, d.Tick, d.opts.TickInterval)

	d.Wait()
	d.creator.Wait()
	log.WithFields(log.Fields{"event": "loop_stop"}).Info("control loop stopped")
	return nil
}

// Wait blocks until the current probe batch, if any, has finished.
func (d *Driver) Wait() {
	d.wg.Wait()
}

// Tick runs one iteration. It never blocks on probes: the batch runs in
// its own goroutine and a tick that finds one still running skips probing.
func (d *Driver) Tick(ctx context.Context) {
	snap, err := d.fetcher.Fetch(ctx)
	if err != nil {
		d.recorder.FetchError()
		log.WithFields(log.Fields{"event": "fetch_failed"}).Warnf("skipping tick: %v", err)
		return
	}
	d.recorder.Snapshot(snap.Len())

	inFlightID, inFlight := d.state.CreationInFlight()
	logSnapshot(snap.WithStates(inFlightID))

	d.creator.RetryDeletes(ctx, snap)
	d.reconcile(ctx, snap, inFlightID, inFlight)

	if !d.state.BeginProbeBatch() {
		log.WithFields(log.Fields{"event": "probe_batch_skipped"}).Debug("previous probe batch still running")
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.state.EndProbeBatch()
		d.evaluate(ctx, snap)
	}()
}

// reconcile pushes membership when the healthy set drifted from the last
// push, for example after a node was removed outside this process.
func (d *Driver) reconcile(ctx context.Context, snap core.FleetSnapshot, inFlightID string, inFlight bool) {
	if inFlight && inFlightID == "" {
		// The create call has not returned yet; the new node may already be
		// listed without us knowing its id.
		return
	}
	healthy := d.creator.FilterDeleted(snap.HealthyIDs(inFlightID))
	if len(healthy) == 0 || !d.syncer.Differs(healthy) {
		return
	}
	log.WithFields(log.Fields{"event": "lb_drift", "members": healthy}).Info("load balancer membership out of date")
	_ = d.syncer.Sync(ctx, healthy, false)
}

func (d *Driver) evaluate(ctx context.Context, snap core.FleetSnapshot) {
	results := d.prober.ProbeAll(ctx, snap)
	if ctx.Err() != nil {
		return
	}

	_, inFlight := d.state.CreationInFlight()
	decision := core.Decide(results, d.opts.CPUThreshold, inFlight)
	d.recorder.Decision(decision)

	log.WithFields(log.Fields{
		"event":     "probe_summary",
		"available": decision.Available,
		"failed":    decision.Failed,
		"avg_cpu":   decision.AverageLoad,
		"scale_up":  decision.ScaleUp,
	}).Info(decision.Reason)

	if !decision.ScaleUp {
		return
	}
	if until, ok := d.state.CooldownUntil(); ok {
		log.WithFields(log.Fields{"event": "scale_up_suppressed", "cooldown_until": until.Format(time.RFC3339)}).
			Info("scale-up suppressed during cool-down")
		return
	}
	if !d.state.CanScaleUp() {
		return
	}

	d.recorder.ScaleUp()
	if _, err := d.creator.Create(ctx); err != nil && !errors.Is(err, lifecycle.ErrCreationInFlight) {
		log.WithFields(log.Fields{"event": "scale_up_failed"}).Warnf("scale-up did not start: %v", err)
	}
}

func logSnapshot(snap core.FleetSnapshot) {
	counts := make(map[core.NodeState]int)
	for _, n := range snap.Nodes {
		counts[n.State]++
	}
	log.WithFields(log.Fields{
		"event":    "fleet",
		"nodes":    snap.Len(),
		"healthy":  counts[core.NodeHealthy],
		"warming":  counts[core.NodeWarmingUp],
		"awaiting": counts[core.NodeAwaitingAddress],
	}).Debug("fleet snapshot")
}
