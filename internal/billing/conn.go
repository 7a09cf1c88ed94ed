package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/courtside-app/entitlements/internal/metrics"
)

// ConnState is the connection lifecycle state.
type ConnState string

const (
	ConnUninitialized ConnState = "uninitialized"
	ConnLoading       ConnState = "loading"
	ConnReady         ConnState = "ready"
	// ConnAbsent is terminal: the platform module does not exist on this
	// build. A transient failure instead resets to ConnUninitialized.
	ConnAbsent ConnState = "absent"
)

// ConnectionManager owns the single lazy connection to the billing platform.
// EnsureReady is safe to call concurrently from any number of call sites;
// at most one connection attempt is in flight at a time and concurrent
// callers share its outcome.
type ConnectionManager struct {
	platform Platform
	timeout  time.Duration

	mu    sync.Mutex
	state ConnState

	group singleflight.Group
}

// NewConnectionManager wires a manager around a platform. A nil platform is
// treated as platform absence.
func NewConnectionManager(platform Platform, timeout time.Duration) *ConnectionManager {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	m := &ConnectionManager{
		platform: platform,
		timeout:  timeout,
		state:    ConnUninitialized,
	}
	if notifier, ok := platform.(DisconnectNotifier); ok {
		notifier.OnDisconnect(m.connectionLost)
	}
	return m
}

// connectionLost resets an established connection back to uninitialized so
// the next EnsureReady call reconnects. Terminal absence is unaffected.
func (m *ConnectionManager) connectionLost() {
	m.mu.Lock()
	if m.state != ConnReady {
		m.mu.Unlock()
		return
	}
	m.state = ConnUninitialized
	m.mu.Unlock()
	log.Warn().Msg("Billing platform connection lost; reconnecting on next use")
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// EnsureReady connects lazily and reports whether the platform is usable.
// A failed attempt is not cached; the next caller retries from scratch.
// Platform absence is cached for the process lifetime.
func (m *ConnectionManager) EnsureReady(ctx context.Context) bool {
	m.mu.Lock()
	switch m.state {
	case ConnReady:
		m.mu.Unlock()
		return true
	case ConnAbsent:
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	if m.platform == nil {
		m.setState(ConnAbsent)
		return false
	}

	// All concurrent callers share one connection attempt.
	_, err, _ := m.group.Do("connect", func() (any, error) {
		return nil, m.connect(ctx)
	})
	return err == nil
}

func (m *ConnectionManager) connect(ctx context.Context) error {
	m.setState(ConnLoading)

	connectCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.platform.Connect(connectCtx)
	switch {
	case err == nil:
		m.setState(ConnReady)
		metrics.Get().RecordConnect("ready")
		log.Info().Msg("Billing platform connection established")
		return nil
	case errors.Is(err, ErrPlatformAbsent):
		m.setState(ConnAbsent)
		metrics.Get().RecordConnect("absent")
		log.Warn().Msg("Billing platform absent on this build; purchases disabled for process lifetime")
		return err
	default:
		// Discard the attempt so a later call retries from scratch.
		m.setState(ConnUninitialized)
		metrics.Get().RecordConnect("failed")
		log.Error().Err(err).Msg("Billing platform connection failed")
		return err
	}
}

func (m *ConnectionManager) setState(s ConnState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Close tears down the connection and resets the state machine so a later
// session can reconnect. Platform absence stays terminal.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.state == ConnAbsent {
		m.mu.Unlock()
		return nil
	}
	wasReady := m.state == ConnReady
	m.state = ConnUninitialized
	m.mu.Unlock()

	if !wasReady || m.platform == nil {
		return nil
	}
	if err := m.platform.Disconnect(); err != nil {
		log.Warn().Err(err).Msg("Billing platform disconnect failed")
		return err
	}
	log.Debug().Msg("Billing platform connection closed")
	return nil
}
