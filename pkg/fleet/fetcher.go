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

// Package fleet reads the current set of fleet members from the cloud API.
package fleet

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/nodescaler/pkg/cloud"
	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

// Lister is the read side of cloud.Provider.
type Lister interface {
	ListNodes(ctx context.Context, tag string) ([]core.Node, error)
}

var _ Lister = cloud.Provider(nil)

// Fetcher retrieves fleet snapshots and keeps the most recent successful
// one so that callers polling faster than the main tick can share it.
type Fetcher struct {
	lister Lister
	tag    string
	now    func() time.Time

	mu   sync.RWMutex
	last *core.FleetSnapshot
}

// NewFetcher creates a Fetcher for nodes carrying tag.
func NewFetcher(lister Lister, tag string) *Fetcher {
	return &Fetcher{
		lister: lister,
		tag:    tag,
		now:    time.Now,
	}
}

// Fetch reads the fleet from the cloud API. Failures are returned as
// *core.TransientFetchError and leave the cached snapshot untouched.
func (f *Fetcher) Fetch(ctx context.Context) (core.FleetSnapshot, error) {
	nodes, err := f.lister.ListNodes(ctx, f.tag)
	if err != nil {
		return core.FleetSnapshot{}, &core.TransientFetchError{Err: err}
	}

	snap := core.FleetSnapshot{Nodes: nodes, FetchedAt: f.now()}
	f.mu.Lock()
	f.last = &snap
	f.mu.Unlock()

	log.WithFields(log.Fields{"event": "snapshot_fetched", "nodes": len(nodes)}).Debug("fetched fleet snapshot")
	return snap, nil
}

// Latest returns the most recent successful snapshot, if any.
func (f *Fetcher) Latest() (core.FleetSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.last == nil {
		return core.FleetSnapshot{}, false
	}
	return *f.last, true
}

// FetchCached returns the cached snapshot when it is younger than maxAge and
// fetches a fresh one otherwise.
func (f *Fetcher) FetchCached(ctx context.Context, maxAge time.Duration) (core.FleetSnapshot, error) {
	if snap, ok := f.Latest(); ok && f.now().Sub(snap.FetchedAt) < maxAge {
		return snap, nil
	}
	return f.Fetch(ctx)
}
