package core

import "fmt"

// TransientFetchError is a failed fleet read. The tick that hit it is
// skipped.
type TransientFetchError struct {
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fleet fetch failed: %v", e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// ProbeFailure is a single node's failed health probe.
type ProbeFailure struct {
	NodeID  string
	Address string
	Err     error
}

func (e *ProbeFailure) Error() string {
	return fmt.Sprintf("probe %s (%s) failed: %v", e.NodeID, e.Address, e.Err)
}

func (e *ProbeFailure) Unwrap() error { return e.Err }

// CreateFailure is a failed node creation. The in-flight guard has been
// cleared by the time it is returned.
type CreateFailure struct {
	Err error
}

func (e *CreateFailure) Error() string {
	return fmt.Sprintf("node creation failed: %v", e.Err)
}

func (e *CreateFailure) Unwrap() error { return e.Err }

// LbUpdateError is a failed load balancer replacement.
type LbUpdateError struct {
	LoadBalancerID string
	Err            error
}

func (e *LbUpdateError) Error() string {
	return fmt.Sprintf("load balancer %s update failed: %v", e.LoadBalancerID, e.Err)
}

func (e *LbUpdateError) Unwrap() error { return e.Err }

// FatalStartupError stops the process before the control loop starts.
type FatalStartupError struct {
	Stage string
	Err   error
}

func (e *FatalStartupError) Error() string {
	return fmt.Sprintf("startup failed (%s): %v", e.Stage, e.Err)
}

func (e *FatalStartupError) Unwrap() error { return e.Err }
