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

// Package lifecycle drives a newly created node from provisioning to
// load balancer membership, or to deletion when it never becomes healthy.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"gitlab.com/davidxarnold/nodescaler/pkg/cloud"
	"gitlab.com/davidxarnold/nodescaler/pkg/core"
	"gitlab.com/davidxarnold/nodescaler/pkg/metrics"
)

// ErrCreationInFlight is returned when a create request arrives while
// another node is still in its pre-healthy states.
var ErrCreationInFlight = errors.New("node creation already in flight")

const defaultCallTimeout = 2 * time.Minute

// NodeManager creates and deletes nodes.
type NodeManager interface {
	CreateNode(ctx context.Context, spec cloud.NodeSpec) (core.Node, error)
	DeleteNode(ctx context.Context, id string) error
}

// SnapshotSource serves fleet snapshots to the warm-up poller.
type SnapshotSource interface {
	FetchCached(ctx context.Context, maxAge time.Duration) (core.FleetSnapshot, error)
	Latest() (core.FleetSnapshot, bool)
}

// NodeProber probes a single node.
type NodeProber interface {
	Probe(ctx context.Context, node core.Node) core.ProbeResult
}

// MembershipSyncer pushes load balancer membership.
type MembershipSyncer interface {
	Sync(ctx context.Context, healthyIDs []string, removeMostRecent bool) error
}

// Options configures the controller.
type Options struct {
	PollInterval  time.Duration
	WarmupTimeout time.Duration
	Cooldown      time.Duration
	MinNodes      int
	// CallTimeout bounds each CreateNode and DeleteNode call.
	CallTimeout time.Duration
	// Template is the spec of every created node; Name is used as prefix.
	Template cloud.NodeSpec
}

// Controller owns the lifecycle of the single node being created.
type Controller struct {
	nodes    NodeManager
	fleet    SnapshotSource
	prober   NodeProber
	syncer   MembershipSyncer
	state    *core.ControlState
	recorder *metrics.Recorder
	opts     Options

	wg sync.WaitGroup

	mu      sync.Mutex
	deleted map[string]time.Time
	// dead holds nodes that never became healthy and whose delete failed.
	// They stay out of membership until the cloud stops listing them.
	dead map[string]struct{}
}

// NewController creates a Controller. recorder may be nil.
func NewController(
	nodes NodeManager,
	fleet SnapshotSource,
	prober NodeProber,
	syncer MembershipSyncer,
	state *core.ControlState,
	recorder *metrics.Recorder,
	opts Options,
) *Controller {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Controller{
		nodes:    nodes,
		fleet:    fleet,
		prober:   prober,
		syncer:   syncer,
		state:    state,
		recorder: recorder,
		opts:     opts,
		deleted:  make(map[string]time.Time),
		dead:     make(map[string]struct{}),
	}
}

// warmup is one node's pass through the pre-healthy states. settled is the
// single gate both terminal transitions go through.
type warmup struct {
	node    core.Node
	started time.Time
	settled atomic.Bool
}

// settle claims the terminal transition. Only the first caller wins.
func (w *warmup) settle() bool {
	return w.settled.CompareAndSwap(false, true)
}

// Create provisions a node and starts its warm-up in the background. ctx
// bounds both the create call and the warm-up; pass the control loop's
// lifetime context, not a per-tick one.
func (c *Controller) Create(ctx context.Context) (core.Node, error) {
	if !c.state.ReserveCreation() {
		log.WithFields(log.Fields{"event": "create_skipped"}).Info("node creation already in flight")
		return core.Node{}, ErrCreationInFlight
	}

	spec := c.opts.Template
	spec.Name = fmt.Sprintf("%s-%s", c.opts.Template.Name, uuid.NewString()[:8])

	log.WithFields(log.Fields{
		"event":  "node_create_start",
		"name":   spec.Name,
		"region": spec.Region,
		"size":   spec.Size,
	}).Info("creating node")

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	node, err := c.nodes.CreateNode(callCtx, spec)
	cancel()
	c.recorder.Creation(err)
	if err != nil {
		c.state.ClearCreation()
		log.WithFields(log.Fields{"event": "node_create_failed", "name": spec.Name}).Errorf("node creation failed: %v", err)
		return core.Node{}, &core.CreateFailure{Err: err}
	}

	c.state.SetCreationID(node.ID)
	node.State = core.NodeProvisioning
	log.WithFields(log.Fields{"event": "node_created", "node": node.ID, "name": node.Name}).Info("node created")

	w := &warmup{node: node, started: time.Now()}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx, w)
	}()
	return node, nil
}

// Wait blocks until every warm-up goroutine has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) run(ctx context.Context, w *warmup) {
	err := wait.PollUntilContextTimeout(ctx, c.opts.PollInterval, c.opts.WarmupTimeout, false,
		func(pollCtx context.Context) (bool, error) {
			return c.healthy(pollCtx, w), nil
		})

	switch {
	case err == nil:
		c.promote(ctx, w, metrics.OutcomePromoted)
	case ctx.Err() != nil:
		// Shutdown: leave the node alone, the next process rebuilds state.
		if w.settle() {
			c.state.ClearCreation()
			log.WithFields(log.Fields{"event": "warmup_abandoned", "node": w.node.ID}).Warn("warm-up abandoned on shutdown")
		}
	default:
		c.expire(ctx, w)
	}
}

// healthy runs one warm-up poll: wait for an address, then probe it.
func (c *Controller) healthy(ctx context.Context, w *warmup) bool {
	snap, err := c.fleet.FetchCached(ctx, c.opts.PollInterval)
	if err != nil {
		log.WithFields(log.Fields{"event": "warmup_fetch_failed", "node": w.node.ID}).Debugf("warm-up fetch failed: %v", err)
		return false
	}

	node, ok := snap.Find(w.node.ID)
	if !ok || !node.HasAddress() {
		w.node.State = core.NodeAwaitingAddress
		log.WithFields(log.Fields{"event": "warmup_awaiting_address", "node": w.node.ID}).Debug("waiting for node address")
		return false
	}

	if w.node.Address == "" {
		log.WithFields(log.Fields{"event": "warmup_address", "node": node.ID, "address": node.Address}).Info("node address assigned")
	}
	w.node.Address = node.Address
	w.node.State = core.NodeWarmingUp

	res := c.prober.Probe(ctx, node)
	if res.Failed || res.LoadMetric == nil {
		return false
	}
	log.WithFields(log.Fields{"event": "warmup_probe_ok", "node": node.ID, "cpu": *res.LoadMetric}).Debug("first healthy probe")
	return true
}

// promote releases the creation slot with a cool-down, then adds the node
// to the load balancer.
func (c *Controller) promote(ctx context.Context, w *warmup, outcome string) {
	if !w.settle() {
		return
	}

	ids := []string{w.node.ID}
	if snap, ok := c.fleet.Latest(); ok {
		ids = snap.HealthyIDs("")
		if _, found := snap.Find(w.node.ID); !found {
			ids = append(ids, w.node.ID)
		}
	}
	ids = c.FilterDeleted(ids)

	// Release the slot first so a concurrent reconcile counts the node as
	// healthy. A failed push is retried by that reconciliation.
	until := c.state.Promote(c.opts.Cooldown)
	w.node.State = core.NodeHealthy
	_ = c.syncer.Sync(ctx, ids, false)

	c.recorder.Warmup(outcome)

	entry := log.WithFields(log.Fields{
		"event":          "node_promoted",
		"node":           w.node.ID,
		"address":        w.node.Address,
		"outcome":        outcome,
		"warmup":         time.Since(w.started).Round(time.Second).String(),
		"cooldown_until": until.Format(time.RFC3339),
	})
	if outcome == metrics.OutcomeFailOpen {
		entry.Warn("promoting node without a healthy probe: fleet at minimum size")
		return
	}
	entry.Info("node promoted to healthy")
}

// expire handles the warm-up timeout: delete the node unless that would
// take the fleet to or below its minimum, in which case keep it (fail open).
func (c *Controller) expire(ctx context.Context, w *warmup) {
	size := -1
	if snap, err := c.fleet.FetchCached(ctx, c.opts.PollInterval); err == nil {
		size = c.liveCount(snap)
	} else if snap, ok := c.fleet.Latest(); ok {
		size = c.liveCount(snap)
	}

	if size <= c.opts.MinNodes {
		c.promote(ctx, w, metrics.OutcomeFailOpen)
		return
	}
	if !w.settle() {
		return
	}

	fields := log.Fields{
		"event":      "warmup_timeout_delete",
		"node":       w.node.ID,
		"fleet_size": size,
		"min_nodes":  c.opts.MinNodes,
	}
	// Mark first: once the slot is released, reconcile must not see the
	// node as a member even if the delete fails.
	c.markDead(w.node.ID)
	if err := c.deleteNode(ctx, w.node.ID); err != nil {
		log.WithFields(fields).Errorf("failed to delete node that never became healthy, will retry: %v", err)
	} else {
		log.WithFields(fields).Warn("deleted node that never became healthy")
	}
	w.node.State = core.NodeDead
	c.state.ClearCreation()
	c.recorder.Warmup(metrics.OutcomeDeleted)
}

func (c *Controller) deleteNode(ctx context.Context, id string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()
	if err := c.nodes.DeleteNode(callCtx, id); err != nil {
		return err
	}
	c.markDeleted(id)
	return nil
}

func (c *Controller) markDead(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead[id] = struct{}{}
}

func (c *Controller) markDeleted(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dead, id)
	c.deleted[id] = time.Now()
}

// RetryDeletes deletes dead nodes whose earlier delete failed. A dead node
// missing from snap is gone and is forgotten.
func (c *Controller) RetryDeletes(ctx context.Context, snap core.FleetSnapshot) {
	c.mu.Lock()
	var pending []string
	for id := range c.dead {
		if _, listed := snap.Find(id); !listed {
			delete(c.dead, id)
			continue
		}
		pending = append(pending, id)
	}
	c.mu.Unlock()

	for _, id := range pending {
		fields := log.Fields{"event": "dead_node_delete", "node": id}
		if err := c.deleteNode(ctx, id); err != nil {
			log.WithFields(fields).Warnf("retrying delete of dead node failed: %v", err)
			continue
		}
		log.WithFields(fields).Info("deleted dead node")
	}
}

// liveCount is the fleet size without nodes already deleted or awaiting
// deletion.
func (c *Controller) liveCount(snap core.FleetSnapshot) int {
	ids := make([]string, 0, snap.Len())
	for _, n := range snap.Nodes {
		ids = append(ids, n.ID)
	}
	return len(c.FilterDeleted(ids))
}

// FilterDeleted drops ids of dead nodes: those this controller deleted
// recently, since cloud APIs keep listing them for a while after the delete
// call returns, and those whose delete has not succeeded yet.
func (c *Controller) FilterDeleted(ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	horizon := c.opts.WarmupTimeout
	for id, at := range c.deleted {
		if time.Since(at) > horizon {
			delete(c.deleted, id)
		}
	}
	if len(c.deleted) == 0 && len(c.dead) == 0 {
		return ids
	}

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		_, gone := c.deleted[id]
		_, dead := c.dead[id]
		if !gone && !dead {
			out = append(out, id)
		}
	}
	return out
}
