// Package liveness runs the adaptive health-polling loop described in
// §4.4: it owns the offline-hysteresis bookkeeping and is the only
// initiator of reconnect tasks, fanning probes of every enrolled device
// out concurrently with golang.org/x/sync/errgroup. Device.IsOnline is
// also written by internal/discovery when a peer is announced or a
// service removal is confirmed.
package liveness

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	backoffpkg "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/levidehaan/2bshrd/internal/events"
	"github.com/levidehaan/2bshrd/internal/logging"
	"github.com/levidehaan/2bshrd/internal/retry"
	"github.com/levidehaan/2bshrd/internal/store"
)

const (
	intervalAllOnline = 10 * time.Second
	intervalAnyOffline = 5 * time.Second
	initialSweepDelay  = 2 * time.Second

	probeAttempts   = 2
	probeRetryDelay = 500 * time.Millisecond
	probeTimeout    = 3 * time.Second

	offlineThreshold = 2
)

// deviceState is the per-device bookkeeping the monitor owns exclusively.
type deviceState struct {
	mu                 sync.Mutex
	consecutiveFails   int
	reconnectAttempts  int
	reconnectPending   bool
	cancelReconnect    context.CancelFunc
}

// Monitor runs the liveness loop for every device in st.
type Monitor struct {
	log *logging.Logger
	hub *events.Hub
	st  *store.Store

	dialTimeout time.Duration

	mu     sync.Mutex
	states map[string]*deviceState
}

// New constructs a Monitor bound to st.
func New(log *logging.Logger, hub *events.Hub, st *store.Store) *Monitor {
	return &Monitor{log: log, hub: hub, st: st, dialTimeout: probeTimeout, states: make(map[string]*deviceState)}
}

func (m *Monitor) stateFor(id string) *deviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	if !ok {
		s = &deviceState{}
		m.states[id] = s
	}
	return s
}

// Run blocks, running the adaptive polling loop until ctx is canceled.
// It is meant to be launched on its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	select {
	case <-time.After(initialSweepDelay):
	case <-ctx.Done():
		return
	}
	m.sweep(ctx)

	for {
		interval := m.nextInterval()
		select {
		case <-time.After(interval):
			m.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) nextInterval() time.Duration {
	for _, d := range m.st.Devices() {
		if !d.IsOnline {
			return intervalAnyOffline
		}
	}
	return intervalAllOnline
}

func (m *Monitor) sweep(ctx context.Context) {
	devices := m.st.Devices()
	// errgroup.WithContext's derived context is unused on purpose: a
	// single probe's failure must never cancel the rest of the round.
	g, _ := errgroup.WithContext(ctx)

	for _, dev := range devices {
		dev := dev
		g.Go(func() error {
			m.probeAndUpdate(ctx, dev)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) probeAndUpdate(ctx context.Context, dev store.Device) {
	ok := m.Probe(ctx, dev)
	state := m.stateFor(dev.ID)

	state.mu.Lock()
	defer state.mu.Unlock()

	if ok {
		wasOffline := state.consecutiveFails >= offlineThreshold || !dev.IsOnline
		state.consecutiveFails = 0
		state.reconnectAttempts = 0
		if wasOffline {
			m.flipOnlineLocked(dev)
		}
		return
	}

	state.consecutiveFails++
	if state.consecutiveFails == offlineThreshold && dev.IsOnline {
		m.flipOfflineLocked(dev)
		if !state.reconnectPending {
			state.reconnectPending = true
			rctx, cancel := context.WithCancel(context.Background())
			state.cancelReconnect = cancel
			go m.runReconnect(rctx, dev, state)
		}
	}
}

func (m *Monitor) flipOnlineLocked(dev store.Device) {
	dev.IsOnline = true
	now := time.Now().UTC().Format(time.RFC3339)
	dev.LastSeen = &now
	if err := m.st.UpdateDevice(dev); err != nil {
		m.log.Errorf("liveness: persist %s online: %v", dev.ID, err)
		return
	}
	m.hub.EmitDeviceStatus(dev.ID, true)
}

func (m *Monitor) flipOfflineLocked(dev store.Device) {
	dev.IsOnline = false
	if err := m.st.UpdateDevice(dev); err != nil {
		m.log.Errorf("liveness: persist %s offline: %v", dev.ID, err)
		return
	}
	m.hub.EmitDeviceStatus(dev.ID, false)
}

// runReconnect drives the bounded, backoff-driven reconnect task for a
// device that just transitioned offline (§4.4).
func (m *Monitor) runReconnect(ctx context.Context, dev store.Device, state *deviceState) {
	defer func() {
		state.mu.Lock()
		state.reconnectPending = false
		state.mu.Unlock()
	}()

	policy := retry.NewReconnect()
	op := func() error {
		if m.Probe(ctx, dev) {
			state.mu.Lock()
			state.consecutiveFails = 0
			state.reconnectAttempts = 0
			m.flipOnlineLocked(dev)
			state.mu.Unlock()
			return nil
		}
		state.mu.Lock()
		state.reconnectAttempts++
		state.mu.Unlock()
		return fmt.Errorf("liveness: reconnect probe failed for %s", dev.Name)
	}

	notify := func(err error, _ time.Duration) {
		m.log.Verbosef("liveness: %v", err)
	}

	_ = backoffpkg.RetryNotify(op, policy, notify)
}

// ForceReconnect resets a device's counters and clears any pending
// reconnect flag, then performs one immediate probe (§4.4).
func (m *Monitor) ForceReconnect(ctx context.Context, dev store.Device) bool {
	state := m.stateFor(dev.ID)

	state.mu.Lock()
	state.consecutiveFails = 0
	state.reconnectAttempts = 0
	if state.cancelReconnect != nil {
		state.cancelReconnect()
		state.cancelReconnect = nil
	}
	state.reconnectPending = false
	state.mu.Unlock()

	ok := m.Probe(ctx, dev)
	if ok {
		state.mu.Lock()
		m.flipOnlineLocked(dev)
		state.mu.Unlock()
	}
	return ok
}

// Probe is a lightweight TCP-connect check with no handshake: up to 2
// attempts, 0.5s apart, each with a 3s connect timeout.
func (m *Monitor) Probe(ctx context.Context, dev store.Device) bool {
	addr := fmt.Sprintf("%s:%d", dev.Host, dev.Port)

	for attempt := 0; attempt < probeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(probeRetryDelay):
			case <-ctx.Done():
				return false
			}
		}

		d := net.Dialer{Timeout: m.dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return true
		}
	}
	return false
}
