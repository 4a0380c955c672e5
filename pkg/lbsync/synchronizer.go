// Package lbsync keeps the load balancer membership equal to the healthy
// node set.
package lbsync

import (
	"context"
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"gitlab.com/davidxarnold/nodescaler/pkg/core"
)

// Pusher replaces the load balancer object.
type Pusher interface {
	PutLoadBalancer(ctx context.Context, cfg core.LoadBalancerConfig) error
}

// Observer is notified of every push attempt.
type Observer func(members []string, err error)

// Synchronizer pushes whole load balancer configs built from a static
// template and a membership list.
type Synchronizer struct {
	pusher   Pusher
	template core.LoadBalancerConfig
	observe  Observer

	mu         sync.Mutex
	lastPushed []string
	pushed     bool
	failed     bool
}

// NewSynchronizer returns a Synchronizer. template.MemberIDs is ignored.
func NewSynchronizer(pusher Pusher, template core.LoadBalancerConfig, observe Observer) *Synchronizer {
	template.MemberIDs = nil
	return &Synchronizer{pusher: pusher, template: template, observe: observe}
}

// Members computes the membership pushed for healthyIDs.
func Members(healthyIDs []string, removeMostRecent bool) []string {
	members := slices.Clone(healthyIDs)
	if members == nil {
		members = []string{}
	}
	if removeMostRecent && len(members) > 0 {
		members = members[:len(members)-1]
	}
	return members
}

// Sync pushes the full config whose membership is healthyIDs in the given
// order, dropping the last id when removeMostRecent is set. Failures are
// returned as *core.LbUpdateError.
func (s *Synchronizer) Sync(ctx context.Context, healthyIDs []string, removeMostRecent bool) error {
	cfg := s.template
	cfg.MemberIDs = Members(healthyIDs, removeMostRecent)

	// Pushes are serialized so lastPushed always reflects the most recent
	// attempt that reached the API.
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.pusher.PutLoadBalancer(ctx, cfg)
	s.lastPushed = cfg.MemberIDs
	s.pushed = true
	s.failed = err != nil

	if s.observe != nil {
		s.observe(cfg.MemberIDs, err)
	}

	fields := log.Fields{
		"event":         "lb_sync",
		"load_balancer": cfg.ID,
		"members":       cfg.MemberIDs,
		"drain":         removeMostRecent,
	}
	if err != nil {
		log.WithFields(fields).Errorf("load balancer update failed: %v", err)
		return &core.LbUpdateError{LoadBalancerID: cfg.ID, Err: err}
	}
	log.WithFields(fields).Info("updated load balancer")
	return nil
}

// Differs reports whether healthyIDs differs from the last pushed
// membership. It also reports true before the first push and after a
// failed one.
func (s *Synchronizer) Differs(healthyIDs []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pushed || s.failed {
		return true
	}
	return !slices.Equal(s.lastPushed, healthyIDs)
}

// LastPushed returns the membership of the last push attempt.
func (s *Synchronizer) LastPushed() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lastPushed), s.pushed
}
