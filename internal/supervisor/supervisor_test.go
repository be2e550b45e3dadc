package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSuperviseRestartsOnCrashUpToLimit(t *testing.T) {
	s := New()
	var runs int32
	s.Register("flaky", func(ctx context.Context) error {
		runs++
		return errors.New("boom")
	}, 2, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// Two 2-second restart pauses precede the third crash.
	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		status := s.Status()[0]
		if status.Status == StatusDisabled {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	status := s.Status()[0]
	if status.Status != StatusDisabled {
		t.Fatalf("expected component to be disabled after crash-loop, got %s", status.Status)
	}
	if runs < 3 {
		t.Fatalf("expected at least 3 attempts (1 + 2 respawns), got %d", runs)
	}
}

func TestSuperviseStopsCleanlyOnNilReturn(t *testing.T) {
	s := New()
	s.Register("clean", func(ctx context.Context) error {
		return nil
	}, 3, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Status()[0].Status == StatusStopped {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if s.Status()[0].Status != StatusStopped {
		t.Fatalf("expected component stopped, got %s", s.Status()[0].Status)
	}
}

func TestScannerPoolSpawnTerminateAlive(t *testing.T) {
	started := make(chan struct{})
	pool := NewScannerPool(func(ctx context.Context, host string, port int, inboxID string) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	pid, err := pool.Spawn("example.com", 80, "inbox-1")
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if !pool.Alive(pid) {
		t.Fatal("expected scanner to be alive right after spawn")
	}

	if err := pool.Terminate(pid); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) && pool.Alive(pid) {
		time.Sleep(10 * time.Millisecond)
	}
	if pool.Alive(pid) {
		t.Fatal("expected scanner to be reaped after terminate")
	}
}
