package scaler

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"gitlab.com/davidxarnold/nodescaler/pkg/cloud/cloudtest"
	"gitlab.com/davidxarnold/nodescaler/pkg/core"
	"gitlab.com/davidxarnold/nodescaler/pkg/fleet"
	"gitlab.com/davidxarnold/nodescaler/pkg/lbsync"
	"gitlab.com/davidxarnold/nodescaler/pkg/lifecycle"
	"gitlab.com/davidxarnold/nodescaler/pkg/metrics"
)

// cpuProber reports a fixed load per node id; ids missing from the map fail.
type cpuProber struct {
	mu    sync.Mutex
	load  map[string]float64
	calls int
	block chan struct{}
}

func (p *cpuProber) ProbeAll(_ context.Context, snap core.FleetSnapshot) []core.ProbeResult {
	p.mu.Lock()
	p.calls++
	block := p.block
	p.mu.Unlock()
	if block != nil {
		<-block
	}

	var out []core.ProbeResult
	for _, n := range snap.Nodes {
		if !n.HasAddress() {
			continue
		}
		r := core.ProbeResult{NodeID: n.ID, Address: n.Address}
		if v, ok := p.load[n.ID]; ok {
			r.LoadMetric = &v
		} else {
			r.Failed = true
		}
		out = append(out, r)
	}
	return out
}

func (p *cpuProber) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeCreator struct {
	mu      sync.Mutex
	creates int
	err     error
}

func (c *fakeCreator) Create(context.Context) (core.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creates++
	return core.Node{ID: "new"}, c.err
}

func (c *fakeCreator) FilterDeleted(ids []string) []string { return ids }

func (c *fakeCreator) RetryDeletes(context.Context, core.FleetSnapshot) {}

func (c *fakeCreator) Wait() {}

func (c *fakeCreator) Creates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creates
}

type harness struct {
	provider *cloudtest.FakeProvider
	prober   *cpuProber
	creator  *fakeCreator
	state    *core.ControlState
	recorder *metrics.Recorder
	driver   *Driver
}

func newHarness(load map[string]float64, nodes ...core.Node) *harness {
	h := &harness{
		provider: cloudtest.NewFakeProvider(nodes...),
		prober:   &cpuProber{load: load},
		creator:  &fakeCreator{},
		state:    core.NewControlState(nil),
		recorder: metrics.NewRecorder(prometheus.NewRegistry()),
	}
	syncer := lbsync.NewSynchronizer(h.provider, core.LoadBalancerConfig{ID: "lb-1"}, h.recorder.LoadBalancerSync)
	h.driver = NewDriver(fleet.NewFetcher(h.provider, "nodejs"), h.prober, syncer, h.creator, h.state, h.recorder,
		Options{TickInterval: 10 * time.Millisecond, CPUThreshold: 80})
	return h
}

func nodes(ids ...string) []core.Node {
	out := make([]core.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, core.Node{ID: id, Address: "10.0.0." + id})
	}
	return out
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	h.driver.Tick(context.Background())
	h.driver.Wait()
}

func TestTickDecisions(t *testing.T) {
	tests := []struct {
		name        string
		load        map[string]float64
		wantCreates int
	}{
		{"average above threshold", map[string]float64{"1": 90, "2": 95}, 1},
		{"average below threshold", map[string]float64{"1": 50, "2": 60}, 0},
		{"exactly at threshold", map[string]float64{"1": 80, "2": 80}, 0},
		{"failures excluded from average", map[string]float64{"1": 85}, 1},
		{"every probe failed", map[string]float64{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(tt.load, nodes("1", "2")...)
			h.tick(t)
			if got := h.creator.Creates(); got != tt.wantCreates {
				t.Errorf("Create called %d times, want %d", got, tt.wantCreates)
			}
		})
	}
}

func TestTickSuppressedDuringCooldown(t *testing.T) {
	h := newHarness(map[string]float64{"1": 99}, nodes("1")...)
	h.state.Promote(time.Minute)

	h.tick(t)

	if got := h.creator.Creates(); got != 0 {
		t.Errorf("Create called %d times during cool-down", got)
	}
	if got := testutil.ToFloat64(h.recorder.ScaleUps); got != 0 {
		t.Errorf("scale-ups recorded during cool-down: %v", got)
	}
}

func TestTickNoopWhileCreationInFlight(t *testing.T) {
	h := newHarness(map[string]float64{"1": 99}, nodes("1")...)
	h.state.ReserveCreation()
	h.state.SetCreationID("7")

	h.tick(t)

	if got := h.creator.Creates(); got != 0 {
		t.Errorf("Create called %d times with a creation in flight", got)
	}
}

func TestTickSkipsProbingWhileBatchRuns(t *testing.T) {
	h := newHarness(map[string]float64{"1": 10}, nodes("1")...)
	h.prober.block = make(chan struct{})

	h.driver.Tick(context.Background())
	h.driver.Tick(context.Background())
	h.driver.Tick(context.Background())

	if !h.state.ProbeBatchInFlight() {
		t.Errorf("probe batch not marked in flight")
	}
	close(h.prober.block)
	h.driver.Wait()

	if got := h.prober.Calls(); got != 1 {
		t.Errorf("ProbeAll called %d times, want 1", got)
	}
	if h.state.ProbeBatchInFlight() {
		t.Errorf("probe batch still marked in flight after it finished")
	}
}

func TestTickFetchErrorSkips(t *testing.T) {
	h := newHarness(map[string]float64{"1": 99}, nodes("1")...)
	h.provider.SetErrors(errors.New("503 service unavailable"), nil, nil, nil)

	h.tick(t)

	if got := h.prober.Calls(); got != 0 {
		t.Errorf("ProbeAll called %d times after a failed fetch", got)
	}
	if got := testutil.ToFloat64(h.recorder.FetchErrors); got != 1 {
		t.Errorf("fetch errors = %v, want 1", got)
	}
	if got := h.provider.PushCount(); got != 0 {
		t.Errorf("load balancer pushed after a failed fetch")
	}
}

func TestTickReconcilesMembership(t *testing.T) {
	h := newHarness(map[string]float64{"1": 10, "2": 10}, nodes("1", "2", "3")...)
	h.state.ReserveCreation()
	h.state.SetCreationID("3")

	h.tick(t)
	push, ok := h.provider.LastPush()
	if !ok {
		t.Fatalf("no reconciliation push")
	}
	if want := []string{"1", "2"}; !reflect.DeepEqual(push.MemberIDs, want) {
		t.Errorf("pushed %v, want %v (in-flight node excluded)", push.MemberIDs, want)
	}

	h.tick(t)
	if got := h.provider.PushCount(); got != 1 {
		t.Errorf("pushed %d times for an unchanged set", got)
	}

	h.state.Promote(time.Minute)
	h.tick(t)
	push, _ = h.provider.LastPush()
	if want := []string{"1", "2", "3"}; !reflect.DeepEqual(push.MemberIDs, want) {
		t.Errorf("pushed %v after promotion, want %v", push.MemberIDs, want)
	}
}

func TestTickSkipsReconcileWhileCreateCallPending(t *testing.T) {
	h := newHarness(nil, nodes("1")...)
	h.state.ReserveCreation()

	h.tick(t)

	if got := h.provider.PushCount(); got != 0 {
		t.Errorf("pushed %d times while the create call was pending", got)
	}
}

func TestTickNeverPushesEmptyMembership(t *testing.T) {
	h := newHarness(nil)
	h.tick(t)
	if got := h.provider.PushCount(); got != 0 {
		t.Errorf("pushed an empty membership")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(map[string]float64{"1": 10}, nodes("1")...)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.driver.Run(ctx) }()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := h.provider.ListCount(); got < 2 {
		t.Errorf("fetched %d times, want at least 2 ticks", got)
	}
}

func TestScaleUpWithLifecycleController(t *testing.T) {
	p := cloudtest.NewFakeProvider(nodes("1", "2")...)
	p.AddressOnCreate = "10.0.0.9"
	state := core.NewControlState(nil)
	fetcher := fleet.NewFetcher(p, "nodejs")
	syncer := lbsync.NewSynchronizer(p, core.LoadBalancerConfig{ID: "lb-1"}, nil)
	prober := &cpuProber{load: map[string]float64{"1": 90, "2": 95}}

	single := lifecycleProber{prober}
	ctrl := lifecycle.NewController(p, fetcher, single, syncer, state, nil, lifecycle.Options{
		PollInterval:  5 * time.Millisecond,
		WarmupTimeout: time.Second,
		Cooldown:      time.Minute,
		MinNodes:      1,
	})
	d := NewDriver(fetcher, prober, syncer, ctrl, state, nil, Options{TickInterval: time.Second, CPUThreshold: 80})

	d.Tick(context.Background())
	d.Wait()
	ctrl.Wait()

	if got := p.CreatedCount(); got != 1 {
		t.Fatalf("created %d nodes, want 1", got)
	}
	// The new node reports no load, so it never becomes healthy in this
	// prober; it is deleted because the fleet is above minimum.
	if got := p.DeletedIDs(); len(got) != 1 {
		t.Errorf("deleted = %v, want the unhealthy new node", got)
	}

	d.Tick(context.Background())
	d.Wait()
	ctrl.Wait()
	if got := p.CreatedCount(); got != 2 {
		t.Errorf("created %d nodes after the slot was released, want 2", got)
	}
}

type lifecycleProber struct{ p *cpuProber }

func (l lifecycleProber) Probe(ctx context.Context, n core.Node) core.ProbeResult {
	res := l.p.ProbeAll(ctx, core.FleetSnapshot{Nodes: []core.Node{n}})
	if len(res) == 0 {
		return core.ProbeResult{NodeID: n.ID, Failed: true}
	}
	return res[0]
}

func TestDeadNodeNeverJoinsMembership(t *testing.T) {
	p := cloudtest.NewFakeProvider(nodes("1", "2")...)
	p.AddressOnCreate = "10.0.0.9"
	p.SetErrors(nil, nil, errors.New("503 service unavailable"), nil)
	state := core.NewControlState(nil)
	fetcher := fleet.NewFetcher(p, "nodejs")
	syncer := lbsync.NewSynchronizer(p, core.LoadBalancerConfig{ID: "lb-1"}, nil)
	prober := &cpuProber{load: map[string]float64{"1": 90, "2": 95}}

	ctrl := lifecycle.NewController(p, fetcher, lifecycleProber{prober}, syncer, state, nil, lifecycle.Options{
		PollInterval:  5 * time.Millisecond,
		WarmupTimeout: 50 * time.Millisecond,
		Cooldown:      time.Minute,
		MinNodes:      1,
	})
	d := NewDriver(fetcher, prober, syncer, ctrl, state, nil, Options{TickInterval: time.Second, CPUThreshold: 80})

	d.Tick(context.Background())
	d.Wait()
	ctrl.Wait()

	deleted := p.DeletedIDs()
	if len(deleted) != 1 {
		t.Fatalf("delete attempts = %v, want 1", deleted)
	}
	dead := deleted[0]

	// The delete failed, so the node is still listed on the next tick.
	prober.load = map[string]float64{"1": 10, "2": 10}
	d.Tick(context.Background())
	d.Wait()
	push, ok := p.LastPush()
	if !ok {
		t.Fatalf("no membership push")
	}
	if want := []string{"1", "2"}; !reflect.DeepEqual(push.MemberIDs, want) {
		t.Errorf("pushed %v, want %v without node %s", push.MemberIDs, want, dead)
	}
	if got := p.DeletedIDs(); len(got) != 2 || got[1] != dead {
		t.Errorf("delete attempts = %v, want a retry of %s", got, dead)
	}

	p.SetErrors(nil, nil, nil, nil)
	d.Tick(context.Background())
	d.Wait()
	if got := p.DeletedIDs(); len(got) != 3 || got[2] != dead {
		t.Fatalf("delete attempts = %v, want a successful retry of %s", got, dead)
	}
	snap, err := fetcher.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if _, listed := snap.Find(dead); listed {
		t.Errorf("dead node %s still listed after the retried delete", dead)
	}

	d.Tick(context.Background())
	d.Wait()
	if got := p.DeletedIDs(); len(got) != 3 {
		t.Errorf("delete attempts = %v, want no retry once the node is gone", got)
	}
	push, _ = p.LastPush()
	if want := []string{"1", "2"}; !reflect.DeepEqual(push.MemberIDs, want) {
		t.Errorf("pushed %v, want %v", push.MemberIDs, want)
	}
}
