package health

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/habitkit/offlinesync/pkg/errors"
)

func TestTracker_Register(t *testing.T) {
	tracker := NewTracker(DefaultConfig(), nil)
	tracker.Register("remote", nil)

	if state := tracker.State("remote"); state != StateHealthy {
		t.Errorf("Expected initial state healthy, got %s", state)
	}
	if state := tracker.State("missing"); state != StateUnavailable {
		t.Errorf("Expected unknown component unavailable, got %s", state)
	}
}

func TestTracker_Degradation(t *testing.T) {
	tests := []struct {
		name     string
		errors   int
		err      error
		expected State
	}{
		{"below threshold", 2, fmt.Errorf("timeout"), StateHealthy},
		{"at threshold", 3, fmt.Errorf("timeout"), StateDegraded},
		{"write failures", 3, errors.NewError(errors.ErrCodeAccessDenied, "denied"), StateReadOnly},
		{"unavailable", 10, fmt.Errorf("timeout"), StateUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(DefaultConfig(), nil)
			tracker.Register("remote", nil)

			for i := 0; i < tt.errors; i++ {
				tracker.RecordError("remote", tt.err)
			}

			if state := tracker.State("remote"); state != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, state)
			}
		})
	}
}

func TestTracker_Recovery(t *testing.T) {
	tracker := NewTracker(DefaultConfig(), nil)
	tracker.Register("remote", nil)

	var transitions []string
	tracker.OnStateChange(func(component string, from, to State, _ error) {
		transitions = append(transitions, fmt.Sprintf("%s:%s->%s", component, from, to))
	})

	for i := 0; i < 3; i++ {
		tracker.RecordError("remote", fmt.Errorf("error %d", i))
	}
	for i := 0; i < 2; i++ {
		tracker.RecordSuccess("remote")
	}
	if state := tracker.State("remote"); state != StateDegraded {
		t.Errorf("Expected degraded until every error is cancelled, got %s", state)
	}

	tracker.RecordSuccess("remote")
	health, ok := tracker.Component("remote")
	if !ok {
		t.Fatal("Expected component to be registered")
	}
	if health.State != StateHealthy {
		t.Errorf("Expected healthy after recovery, got %s", health.State)
	}
	if health.ConsecutiveErrors != 0 || health.LastError != "" {
		t.Errorf("Expected error state cleared, got %d %q", health.ConsecutiveErrors, health.LastError)
	}

	expected := []string{"remote:healthy->degraded", "remote:degraded->healthy"}
	if fmt.Sprint(transitions) != fmt.Sprint(expected) {
		t.Errorf("Expected transitions %v, got %v", expected, transitions)
	}
}

func TestTracker_OverallAndCanWrite(t *testing.T) {
	tracker := NewTracker(DefaultConfig(), nil)
	tracker.Register("kv", nil)
	tracker.Register("remote", nil)

	for i := 0; i < 3; i++ {
		tracker.RecordError("remote", errors.NewError(errors.ErrCodeStorageWrite, "write failed"))
	}

	if overall := tracker.Overall(); overall != StateReadOnly {
		t.Errorf("Expected overall read-only, got %s", overall)
	}
	if tracker.CanWrite("remote") {
		t.Error("Expected writes to a read-only component to be refused")
	}
	if !tracker.CanWrite("kv") {
		t.Error("Expected healthy component to accept writes")
	}
}

func TestTracker_Check(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	tracker := NewTracker(config, nil)

	var calls atomic.Int32
	tracker.Register("kv", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})
	tracker.Register("remote", func(ctx context.Context) error {
		calls.Add(1)
		return fmt.Errorf("bucket unreachable")
	})
	tracker.Register("passive", nil)

	report := tracker.Check(context.Background())

	if calls.Load() != 2 {
		t.Errorf("Expected 2 checks to run, got %d", calls.Load())
	}
	if report.Overall != StateDegraded {
		t.Errorf("Expected overall degraded, got %s", report.Overall)
	}
	if len(report.Components) != 3 {
		t.Fatalf("Expected 3 components, got %d", len(report.Components))
	}
	if report.Components[0].Name != "kv" || report.Components[2].Name != "remote" {
		t.Errorf("Expected components sorted by name, got %v", report.Components)
	}
	if report.Components[2].LastError != "bucket unreachable" {
		t.Errorf("Expected last error recorded, got %q", report.Components[2].LastError)
	}
}

func TestTracker_CheckTimeout(t *testing.T) {
	config := DefaultConfig()
	config.ErrorThreshold = 1
	config.CheckTimeout = 10 * time.Millisecond
	tracker := NewTracker(config, nil)

	tracker.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	report := tracker.Check(context.Background())
	if report.Overall != StateDegraded {
		t.Errorf("Expected a timed out check to count as an error, got %s", report.Overall)
	}
}

func TestTracker_StartStop(t *testing.T) {
	config := DefaultConfig()
	config.CheckInterval = 5 * time.Millisecond
	tracker := NewTracker(config, nil)

	var calls atomic.Int32
	tracker.Register("kv", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	if err := tracker.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := tracker.Start(context.Background()); !errors.HasCode(err, errors.ErrCodeAlreadyStarted) {
		t.Errorf("Expected AlreadyStarted on second Start, got %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	tracker.Stop()
	tracker.Stop()

	if calls.Load() == 0 {
		t.Error("Expected the check loop to run")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateHealthy, "healthy"},
		{StateDegraded, "degraded"},
		{StateReadOnly, "read-only"},
		{StateUnavailable, "unavailable"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.expected)
		}
	}
}
