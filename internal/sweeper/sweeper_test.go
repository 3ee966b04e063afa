package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// mockTarget counts evictions and flushes; flushErr makes every flush fail.
type mockTarget struct {
	mu       sync.Mutex
	evicts   int
	flushes  int
	evictN   int
	maxAge   time.Duration
	flushErr error
	flushed  chan struct{}
}

func (m *mockTarget) Evict(maxAge time.Duration, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evicts++
	m.maxAge = maxAge
	return m.evictN
}

func (m *mockTarget) Flush(ctx context.Context) error {
	m.mu.Lock()
	m.flushes++
	err := m.flushErr
	m.mu.Unlock()
	if m.flushed != nil {
		select {
		case m.flushed <- struct{}{}:
		default:
		}
	}
	return err
}

func (m *mockTarget) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evicts, m.flushes
}

// TestNew_RejectsNonPositive verifies configuration validation.
func TestNew_RejectsNonPositive(t *testing.T) {
	if _, err := New(&mockTarget{}, 0, time.Second, nil); err == nil {
		t.Error("New() with zero interval error = nil, want error")
	}
	if _, err := New(&mockTarget{}, time.Second, -time.Second, nil); err == nil {
		t.Error("New() with negative staleness error = nil, want error")
	}
}

// TestSweepOnce_EvictsThenFlushes verifies one pass uses the staleness threshold and flushes.
func TestSweepOnce_EvictsThenFlushes(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	target := &mockTarget{evictN: 3}
	s, err := New(target, time.Second, 30*time.Second, zap.New(core))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	evicted, err := s.SweepOnce(context.Background())

	if err != nil {
		t.Fatalf("SweepOnce() error = %v", err)
	}
	if evicted != 3 {
		t.Errorf("SweepOnce() evicted = %d, want 3", evicted)
	}
	evicts, flushes := target.counts()
	if evicts != 1 || flushes != 1 {
		t.Errorf("evicts=%d flushes=%d, want 1/1", evicts, flushes)
	}
	if target.maxAge != 30*time.Second {
		t.Errorf("maxAge = %v, want 30s", target.maxAge)
	}
	if logs.FilterMessage("evicted stale stations").Len() != 1 {
		t.Error("expected eviction log entry")
	}
}

// TestSweepOnce_FlushFailureLogged verifies that a flush failure is logged and returned.
func TestSweepOnce_FlushFailureLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	target := &mockTarget{flushErr: errors.New("disk full")}
	s, _ := New(target, time.Second, time.Minute, zap.New(core))

	if _, err := s.SweepOnce(context.Background()); err == nil {
		t.Error("SweepOnce() error = nil, want flush error")
	}
	if logs.FilterMessage("sweep flush failed; retrying next interval").Len() != 1 {
		t.Errorf("expected flush failure warning, got %v", logs.All())
	}
}

// TestSweeper_KeepsRunningAfterFlushFailure verifies that the scheduled sweep
// runs repeatedly even when every flush fails.
func TestSweeper_KeepsRunningAfterFlushFailure(t *testing.T) {
	target := &mockTarget{flushErr: errors.New("disk full"), flushed: make(chan struct{}, 1)}
	s, _ := New(target, 20*time.Millisecond, time.Minute, zap.NewNop())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	deadline := time.After(5 * time.Second)
	for runs := 0; runs < 3; {
		select {
		case <-target.flushed:
			runs++
		case <-deadline:
			_, flushes := target.counts()
			t.Fatalf("only %d sweeps ran before deadline, want 3", flushes)
		}
	}
}

// TestSweeper_StartTwice verifies that a second Start is rejected and Stop is idempotent.
func TestSweeper_StartTwice(t *testing.T) {
	s, _ := New(&mockTarget{}, time.Hour, time.Minute, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start() error = nil, want error")
	}
	s.Stop()
	s.Stop()
}
