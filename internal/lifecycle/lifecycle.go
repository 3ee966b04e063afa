// Package lifecycle tracks process start time and the draining flag reported by /health.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// State is shared by main (which sets shutdown on SIGTERM/SIGINT) and the
// health handler (which reports it).
type State struct {
	shuttingDown atomic.Bool
	started      time.Time
	now          func() time.Time
}

// New returns a State started now.
func New() *State {
	return &State{started: time.Now(), now: time.Now}
}

// SetShuttingDown sets the draining flag. Health returns 503 shutting-down while true.
func (s *State) SetShuttingDown(v bool) {
	s.shuttingDown.Store(v)
}

// IsShuttingDown reports whether the process is draining and should not receive new traffic.
func (s *State) IsShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Uptime returns the time since New.
func (s *State) Uptime() time.Duration {
	return s.now().Sub(s.started)
}
