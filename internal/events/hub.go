// Package events implements the core's outward-facing notification
// surface as a small set of well-typed sinks constructed once and shared
// by reference, replacing mutable callback fields reassigned on
// long-lived components.
package events

import (
	"sync"

	"github.com/levidehaan/2bshrd/internal/store"
	"github.com/levidehaan/2bshrd/internal/wire"
)

// Hub is the single point through which discovery, liveness, the
// protocol server, and the transfer client publish domain events to
// whatever UI or CLI is consuming the core. Registration methods append
// a subscriber; handlers run synchronously on the emitting goroutine, so
// a slow or blocking handler will stall whatever called Emit.
type Hub struct {
	mu sync.RWMutex

	onNewDevice        []func(store.Device)
	onDeviceStatus     []func(id string, online bool)
	onTransferRequest  func(store.Device, wire.FileInfo) bool
	onTransferProgress []func(wire.TransferProgress)
	onTransferComplete []func(path string, success bool)
	onConnectionRetry  []func(deviceName string, attempt, max int)
}

// New constructs an empty Hub with no subscribers.
func New() *Hub {
	return &Hub{}
}

// OnNewDevice registers a handler fired at most once per device
// identifier per process lifetime (§4.3, §8 invariant 4).
func (h *Hub) OnNewDevice(f func(store.Device)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onNewDevice = append(h.onNewDevice, f)
}

// OnDeviceStatus registers a handler fired whenever a device's online
// flag changes.
func (h *Hub) OnDeviceStatus(f func(id string, online bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDeviceStatus = append(h.onDeviceStatus, f)
}

// OnTransferRequest installs the decision hook consulted when an inbound
// FILE_OFFER arrives and auto-accept is off. Only one hook may be
// installed at a time; the latest registration wins.
func (h *Hub) OnTransferRequest(f func(store.Device, wire.FileInfo) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTransferRequest = f
}

// OnTransferProgress registers a handler fired for each chunk moved.
func (h *Hub) OnTransferProgress(f func(wire.TransferProgress)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTransferProgress = append(h.onTransferProgress, f)
}

// OnTransferComplete registers a handler fired once a transfer finishes,
// successfully or not.
func (h *Hub) OnTransferComplete(f func(path string, success bool)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTransferComplete = append(h.onTransferComplete, f)
}

// OnConnectionRetry registers a handler fired once per connect attempt
// made by the connection manager.
func (h *Hub) OnConnectionRetry(f func(deviceName string, attempt, max int)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnectionRetry = append(h.onConnectionRetry, f)
}

// EmitNewDevice notifies subscribers of a newly enrolled peer.
func (h *Hub) EmitNewDevice(d store.Device) {
	for _, f := range h.snapshot().onNewDevice {
		f(d)
	}
}

// EmitDeviceStatus notifies subscribers of an online/offline transition.
func (h *Hub) EmitDeviceStatus(id string, online bool) {
	for _, f := range h.snapshot().onDeviceStatus {
		f(id, online)
	}
}

// EmitTransferRequest consults the decision hook for an inbound file
// offer. With no hook installed, the offer is rejected.
func (h *Hub) EmitTransferRequest(d store.Device, fi wire.FileInfo) bool {
	h.mu.RLock()
	hook := h.onTransferRequest
	h.mu.RUnlock()
	if hook == nil {
		return false
	}
	return hook(d, fi)
}

// EmitTransferProgress notifies subscribers of transfer progress.
func (h *Hub) EmitTransferProgress(p wire.TransferProgress) {
	for _, f := range h.snapshot().onTransferProgress {
		f(p)
	}
}

// EmitTransferComplete notifies subscribers that a transfer finished.
func (h *Hub) EmitTransferComplete(path string, success bool) {
	for _, f := range h.snapshot().onTransferComplete {
		f(path, success)
	}
}

// EmitConnectionRetry notifies subscribers of a connect attempt.
func (h *Hub) EmitConnectionRetry(deviceName string, attempt, max int) {
	for _, f := range h.snapshot().onConnectionRetry {
		f(deviceName, attempt, max)
	}
}

// handlers is an immutable snapshot of every subscriber slice, taken
// under lock so Emit* can call out without holding it.
type handlers struct {
	onNewDevice        []func(store.Device)
	onDeviceStatus     []func(id string, online bool)
	onTransferProgress []func(wire.TransferProgress)
	onTransferComplete []func(path string, success bool)
	onConnectionRetry  []func(deviceName string, attempt, max int)
}

func (h *Hub) snapshot() handlers {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return handlers{
		onNewDevice:        h.onNewDevice,
		onDeviceStatus:     h.onDeviceStatus,
		onTransferProgress: h.onTransferProgress,
		onTransferComplete: h.onTransferComplete,
		onConnectionRetry:  h.onConnectionRetry,
	}
}
