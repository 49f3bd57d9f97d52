package pause

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPaused is returned by every state-mutating entry point while the
// protocol-wide pause switch is engaged.
var ErrPaused = errors.New("protocol is paused")

// Switch is the protocol-wide circuit breaker. It gates all state-mutating
// operations; view functions and guardian cancellations stay available while
// paused. The flag is read atomically at the top of every mutating call, so
// a toggle mid-flight cannot race a check-then-act sequence inside the core.
type Switch struct {
	paused int32 // atomic

	mu            sync.Mutex
	pausedAt      time.Time
	onStateChange func(paused bool)
}

// Config holds pause switch configuration.
type Config struct {
	OnStateChange func(paused bool)
}

// NewSwitch creates a new pause switch in the running state.
func NewSwitch(cfg Config) *Switch {
	return &Switch{
		onStateChange: cfg.OnStateChange,
	}
}

// Pause engages the switch. Idempotent.
func (s *Switch) Pause() {
	if !atomic.CompareAndSwapInt32(&s.paused, 0, 1) {
		return
	}

	s.mu.Lock()
	s.pausedAt = time.Now()
	cb := s.onStateChange
	s.mu.Unlock()

	if cb != nil {
		cb(true)
	}
}

// Unpause releases the switch. Idempotent.
func (s *Switch) Unpause() {
	if !atomic.CompareAndSwapInt32(&s.paused, 1, 0) {
		return
	}

	s.mu.Lock()
	cb := s.onStateChange
	s.mu.Unlock()

	if cb != nil {
		cb(false)
	}
}

// IsPaused returns the current state.
func (s *Switch) IsPaused() bool {
	return atomic.LoadInt32(&s.paused) == 1
}

// Guard returns ErrPaused when the switch is engaged, nil otherwise.
// Mutating operations call this first and abort before touching state.
func (s *Switch) Guard() error {
	if s.IsPaused() {
		return ErrPaused
	}
	return nil
}

// PausedAt returns when the switch was last engaged.
func (s *Switch) PausedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pausedAt
}
