package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type scriptedPlatform struct {
	connectCalls atomic.Int64
	connectErr   error
	release      chan struct{} // optional: Connect blocks until closed
	disconnects  atomic.Int64
	onDisconnect func()
}

func (p *scriptedPlatform) Connect(ctx context.Context) error {
	p.connectCalls.Add(1)
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.connectErr
}

func (p *scriptedPlatform) Disconnect() error {
	p.disconnects.Add(1)
	return nil
}

func (p *scriptedPlatform) OnDisconnect(fn func()) {
	p.onDisconnect = fn
}

func TestEnsureReadyConcurrentCallersShareOneAttempt(t *testing.T) {
	platform := &scriptedPlatform{release: make(chan struct{})}
	mgr := NewConnectionManager(platform, time.Second)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]bool, callers)
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = mgr.EnsureReady(context.Background())
		}(i)
	}

	close(start)
	// Let the callers pile up behind the in-flight attempt, then release.
	time.Sleep(50 * time.Millisecond)
	close(platform.release)
	wg.Wait()

	for i, ok := range results {
		if !ok {
			t.Fatalf("caller %d got not-ready", i)
		}
	}
	if got := platform.connectCalls.Load(); got != 1 {
		t.Fatalf("expected exactly 1 connect attempt, got %d", got)
	}
	if mgr.State() != ConnReady {
		t.Fatalf("expected ready state, got %s", mgr.State())
	}
}

func TestEnsureReadyFailureIsNotCached(t *testing.T) {
	platform := &scriptedPlatform{connectErr: errors.New("transient")}
	mgr := NewConnectionManager(platform, time.Second)

	if mgr.EnsureReady(context.Background()) {
		t.Fatal("expected failure")
	}
	if mgr.State() != ConnUninitialized {
		t.Fatalf("expected uninitialized after transient failure, got %s", mgr.State())
	}

	platform.connectErr = nil
	if !mgr.EnsureReady(context.Background()) {
		t.Fatal("expected retry to succeed")
	}
	if got := platform.connectCalls.Load(); got != 2 {
		t.Fatalf("expected 2 connect attempts, got %d", got)
	}
}

func TestEnsureReadyPlatformAbsenceIsTerminal(t *testing.T) {
	platform := &scriptedPlatform{connectErr: ErrPlatformAbsent}
	mgr := NewConnectionManager(platform, time.Second)

	if mgr.EnsureReady(context.Background()) {
		t.Fatal("expected absence")
	}
	if mgr.State() != ConnAbsent {
		t.Fatalf("expected absent state, got %s", mgr.State())
	}

	// Absence is terminal: no further attempts reach the platform.
	platform.connectErr = nil
	if mgr.EnsureReady(context.Background()) {
		t.Fatal("expected absence to stay terminal")
	}
	if got := platform.connectCalls.Load(); got != 1 {
		t.Fatalf("expected no retry after absence, got %d attempts", got)
	}
}

func TestConnectionLossResetsReadiness(t *testing.T) {
	platform := &scriptedPlatform{}
	mgr := NewConnectionManager(platform, time.Second)
	if platform.onDisconnect == nil {
		t.Fatal("expected the manager to register the disconnect hook")
	}

	if !mgr.EnsureReady(context.Background()) {
		t.Fatal("expected ready")
	}

	// The platform reports the established connection gone; readiness must
	// not outlive it.
	platform.onDisconnect()
	if mgr.State() != ConnUninitialized {
		t.Fatalf("expected uninitialized after connection loss, got %s", mgr.State())
	}

	if !mgr.EnsureReady(context.Background()) {
		t.Fatal("expected reconnect to succeed")
	}
	if got := platform.connectCalls.Load(); got != 2 {
		t.Fatalf("expected 2 connect attempts across the loss, got %d", got)
	}

	// A loss reported while not ready is a no-op.
	if err := mgr.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	platform.onDisconnect()
	if mgr.State() != ConnUninitialized {
		t.Fatalf("expected uninitialized, got %s", mgr.State())
	}
}

func TestEnsureReadyNilPlatformIsAbsent(t *testing.T) {
	mgr := NewConnectionManager(nil, time.Second)
	if mgr.EnsureReady(context.Background()) {
		t.Fatal("expected nil platform to be absent")
	}
	if mgr.State() != ConnAbsent {
		t.Fatalf("expected absent state, got %s", mgr.State())
	}
}

func TestCloseResetsStateAndDisconnects(t *testing.T) {
	platform := &scriptedPlatform{}
	mgr := NewConnectionManager(platform, time.Second)

	if !mgr.EnsureReady(context.Background()) {
		t.Fatal("expected ready")
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if mgr.State() != ConnUninitialized {
		t.Fatalf("expected uninitialized after close, got %s", mgr.State())
	}
	if got := platform.disconnects.Load(); got != 1 {
		t.Fatalf("expected 1 disconnect, got %d", got)
	}

	// A later session reconnects from scratch.
	if !mgr.EnsureReady(context.Background()) {
		t.Fatal("expected reconnect to succeed")
	}
	if got := platform.connectCalls.Load(); got != 2 {
		t.Fatalf("expected 2 connect attempts across sessions, got %d", got)
	}
}
