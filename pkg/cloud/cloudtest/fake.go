// Package cloudtest provides an in-memory cloud.Provider for tests.
package cloudtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gitlab.com/davidxarnold/nodescaler/pkg/cloud"
	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

// FakeProvider records every call and serves nodes from memory.
type FakeProvider struct {
	mu sync.Mutex

	nodes  []core.Node
	nextID int

	// AddressOnCreate is assigned to created nodes immediately. When empty
	// created nodes have no address until SetAddress is called.
	AddressOnCreate string

	ListErr   error
	CreateErr error
	DeleteErr error
	PutErr    error

	Created []cloud.NodeSpec
	Deleted []string
	Pushes  []core.LoadBalancerConfig
	Lists   int
}

// NewFakeProvider returns a fake holding the given nodes.
func NewFakeProvider(nodes ...core.Node) *FakeProvider {
	f := &FakeProvider{nextID: 1000}
	f.nodes = append(f.nodes, nodes...)
	return f
}

// ListNodes implements cloud.Provider.
func (f *FakeProvider) ListNodes(_ context.Context, _ string) ([]core.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Lists++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]core.Node, len(f.nodes))
	copy(out, f.nodes)
	return out, nil
}

// CreateNode implements cloud.Provider.
func (f *FakeProvider) CreateNode(_ context.Context, spec cloud.NodeSpec) (core.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, spec)
	if f.CreateErr != nil {
		return core.Node{}, f.CreateErr
	}
	f.nextID++
	n := core.Node{
		ID:        fmt.Sprintf("%d", f.nextID),
		Name:      spec.Name,
		Address:   f.AddressOnCreate,
		CreatedAt: time.Now(),
	}
	f.nodes = append(f.nodes, n)
	return n, nil
}

// DeleteNode implements cloud.Provider.
func (f *FakeProvider) DeleteNode(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, id)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	for i, n := range f.nodes {
		if n.ID == id {
			f.nodes = append(f.nodes[:i], f.nodes[i+1:]...)
			return nil
		}
	}
	return errors.New("node not found: " + id)
}

// PutLoadBalancer implements cloud.Provider.
func (f *FakeProvider) PutLoadBalancer(_ context.Context, cfg core.LoadBalancerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg.MemberIDs = append([]string(nil), cfg.MemberIDs...)
	f.Pushes = append(f.Pushes, cfg)
	return f.PutErr
}

// SetAddress assigns an address to an existing node.
func (f *FakeProvider) SetAddress(id, address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.nodes {
		if f.nodes[i].ID == id {
			f.nodes[i].Address = address
		}
	}
}

// SetErrors replaces the injected errors under the lock.
func (f *FakeProvider) SetErrors(list, create, del, put error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListErr, f.CreateErr, f.DeleteErr, f.PutErr = list, create, del, put
}

// CreatedCount returns the number of CreateNode calls.
func (f *FakeProvider) CreatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created)
}

// DeletedIDs returns a copy of the deleted ids.
func (f *FakeProvider) DeletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Deleted...)
}

// LastPush returns the most recent load balancer push.
func (f *FakeProvider) LastPush() (core.LoadBalancerConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Pushes) == 0 {
		return core.LoadBalancerConfig{}, false
	}
	return f.Pushes[len(f.Pushes)-1], true
}

// PushCount returns the number of load balancer pushes.
func (f *FakeProvider) PushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Pushes)
}

// ListCount returns the number of ListNodes calls.
func (f *FakeProvider) ListCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Lists
}
