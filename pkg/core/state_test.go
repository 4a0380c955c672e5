package core

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

func TestReserveCreationSingleFlight(t *testing.T) {
	s := NewControlState(nil)

	if !s.ReserveCreation() {
		t.Fatalf("first ReserveCreation() = false, want true")
	}
	if s.ReserveCreation() {
		t.Fatalf("second ReserveCreation() = true, want false")
	}

	id, ok := s.CreationInFlight()
	if !ok || id != "" {
		t.Errorf("CreationInFlight() = %q, %v; want \"\", true while pending", id, ok)
	}

	s.SetCreationID("42")
	if id, ok := s.CreationInFlight(); !ok || id != "42" {
		t.Errorf("CreationInFlight() = %q, %v; want 42, true", id, ok)
	}
	if s.CanScaleUp() {
		t.Errorf("CanScaleUp() = true while creation in flight")
	}

	s.ClearCreation()
	if _, ok := s.CreationInFlight(); ok {
		t.Errorf("CreationInFlight() still set after ClearCreation")
	}
	if !s.ReserveCreation() {
		t.Errorf("ReserveCreation() = false after ClearCreation")
	}
}

func TestReserveCreationConcurrent(t *testing.T) {
	s := NewControlState(nil)

	var (
		wg      sync.WaitGroup
		granted atomic.Int32
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.ReserveCreation() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := granted.Load(); got != 1 {
		t.Fatalf("ReserveCreation granted %d times, want 1", got)
	}
}

func TestProbeBatchGuard(t *testing.T) {
	s := NewControlState(nil)

	if !s.BeginProbeBatch() {
		t.Fatalf("BeginProbeBatch() = false on idle state")
	}
	if s.BeginProbeBatch() {
		t.Fatalf("BeginProbeBatch() = true while batch outstanding")
	}
	if !s.ProbeBatchInFlight() {
		t.Errorf("ProbeBatchInFlight() = false while batch outstanding")
	}
	s.EndProbeBatch()
	if !s.BeginProbeBatch() {
		t.Errorf("BeginProbeBatch() = false after EndProbeBatch")
	}
}

func TestPromoteCooldown(t *testing.T) {
	fc := testingclock.NewFakePassiveClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	s := NewControlState(fc)

	if !s.ReserveCreation() {
		t.Fatalf("ReserveCreation() = false")
	}
	s.SetCreationID("n-1")

	until := s.Promote(5 * time.Minute)
	if want := fc.Now().Add(5 * time.Minute); !until.Equal(want) {
		t.Errorf("Promote() = %v, want %v", until, want)
	}
	if _, ok := s.CreationInFlight(); ok {
		t.Errorf("creation still in flight after Promote")
	}
	if !s.InCooldown() {
		t.Errorf("InCooldown() = false right after Promote")
	}
	if s.CanScaleUp() {
		t.Errorf("CanScaleUp() = true inside cool-down window")
	}

	fc.SetTime(fc.Now().Add(4*time.Minute + 59*time.Second))
	if s.CanScaleUp() {
		t.Errorf("CanScaleUp() = true one second before cool-down ends")
	}
	if _, ok := s.CooldownUntil(); !ok {
		t.Errorf("CooldownUntil() not set inside window")
	}

	fc.SetTime(fc.Now().Add(time.Second))
	if s.InCooldown() {
		t.Errorf("InCooldown() = true once the window elapsed")
	}
	if !s.CanScaleUp() {
		t.Errorf("CanScaleUp() = false after cool-down")
	}
}
