package core

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// pendingCreation marks a reserved creation whose node id is not known yet.
const pendingCreation = "<pending>"

// ControlState is the process-wide mutable state shared by the driver and
// the lifecycle controller. Every method is an atomic read-modify-write.
type ControlState struct {
	mu    sync.Mutex
	clock clock.PassiveClock

	creationInFlight string
	cooldownUntil    time.Time
	probeInFlight    bool
}

// NewControlState returns an idle state. A nil clock uses the real clock.
func NewControlState(c clock.PassiveClock) *ControlState {
	if c == nil {
		c = clock.RealClock{}
	}
	return &ControlState{clock: c}
}

// BeginProbeBatch claims the single probe round slot. It returns false when
// a batch is still outstanding.
func (s *ControlState) BeginProbeBatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probeInFlight {
		return false
	}
	s.probeInFlight = true
	return true
}

// EndProbeBatch releases the probe round slot.
func (s *ControlState) EndProbeBatch() {
	s.mu.Lock()
	s.probeInFlight = false
	s.mu.Unlock()
}

// ProbeBatchInFlight reports whether a probe round is outstanding.
func (s *ControlState) ProbeBatchInFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probeInFlight
}

// ReserveCreation claims the single creation slot before the cloud API is
// called. It returns false when a creation is already in flight.
func (s *ControlState) ReserveCreation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creationInFlight != "" {
		return false
	}
	s.creationInFlight = pendingCreation
	return true
}

// SetCreationID records the id of the node being created.
func (s *ControlState) SetCreationID(id string) {
	s.mu.Lock()
	s.creationInFlight = id
	s.mu.Unlock()
}

// ClearCreation releases the creation slot.
func (s *ControlState) ClearCreation() {
	s.mu.Lock()
	s.creationInFlight = ""
	s.mu.Unlock()
}

// CreationInFlight returns the id of the node being created. The id is
// empty while the create call has not returned yet.
func (s *ControlState) CreationInFlight() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creationInFlight == "" {
		return "", false
	}
	if s.creationInFlight == pendingCreation {
		return "", true
	}
	return s.creationInFlight, true
}

// Promote clears the creation slot and opens a cool-down window in one step.
func (s *ControlState) Promote(cooldown time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creationInFlight = ""
	s.cooldownUntil = s.clock.Now().Add(cooldown)
	return s.cooldownUntil
}

// InCooldown reports whether scale-up is suppressed after a promotion.
func (s *ControlState) InCooldown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inCooldownLocked()
}

func (s *ControlState) inCooldownLocked() bool {
	return !s.cooldownUntil.IsZero() && s.clock.Now().Before(s.cooldownUntil)
}

// CooldownUntil returns the end of the current cool-down window, if any.
func (s *ControlState) CooldownUntil() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inCooldownLocked() {
		return time.Time{}, false
	}
	return s.cooldownUntil, true
}

// CanScaleUp reports whether a scale-up decision may be acted on right now.
func (s *ControlState) CanScaleUp() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creationInFlight == "" && !s.inCooldownLocked()
}
