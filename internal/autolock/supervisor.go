// Package autolock re-locks an unlocked store after a period of inactivity.
// The supervisor runs a single-shot timer: it never polls, and the deadline
// moves only when the owner explicitly reports activity. Background agent
// chatter that does not go through the gate does not keep the store open.
package autolock

import (
	"sync"
	"time"
)

// Reason tells the lock callback why the store is being locked.
type Reason int

const (
	// ReasonExpired means the inactivity deadline passed.
	ReasonExpired Reason = iota
	// ReasonManual means LockNow was called (operator action or shutdown).
	ReasonManual
)

func (r Reason) String() string {
	if r == ReasonManual {
		return "manual"
	}
	return "expired"
}

// Supervisor arms a single-shot inactivity timer around an unlocked store.
// The onLock callback runs at most once per Arm, on its own goroutine for
// expiry and on the caller's goroutine for LockNow.
type Supervisor struct {
	mu      sync.Mutex
	timeout time.Duration
	onLock  func(Reason)
	timer   *time.Timer
	armed   bool
	fired   bool
}

// New returns a supervisor with the given inactivity timeout. onLock is
// expected to purge the keyring and re-seal the store; the supervisor only
// decides when.
func New(timeout time.Duration, onLock func(Reason)) *Supervisor {
	return &Supervisor{timeout: timeout, onLock: onLock}
}

// Arm starts the inactivity timer. Re-arming after a fire starts a fresh
// cycle; arming an already-armed supervisor resets the deadline.
func (s *Supervisor) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = true
	s.fired = false
	s.timer = time.AfterFunc(s.timeout, s.expire)
}

// Activity pushes the deadline back by the full timeout. It is a no-op when
// the supervisor is not armed or has already fired: activity observed
// during lockdown must not resurrect the timer.
func (s *Supervisor) Activity() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.armed || s.fired {
		return
	}
	s.timer.Reset(s.timeout)
}

// LockNow fires the lock immediately. It is idempotent within one arm
// cycle; calling it after expiry already fired does nothing.
func (s *Supervisor) LockNow() {
	s.mu.Lock()
	if !s.armed || s.fired {
		s.mu.Unlock()
		return
	}
	s.fired = true
	s.timer.Stop()
	s.mu.Unlock()

	s.onLock(ReasonManual)
}

// Stop disarms the supervisor without firing. Used when the store is being
// shut down through a path that handles locking itself.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed = false
}

// Armed reports whether a timer cycle is active and has not fired.
func (s *Supervisor) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed && !s.fired
}

func (s *Supervisor) expire() {
	s.mu.Lock()
	if !s.armed || s.fired {
		s.mu.Unlock()
		return
	}
	s.fired = true
	s.mu.Unlock()

	s.onLock(ReasonExpired)
}
