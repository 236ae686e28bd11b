package events

import (
	"testing"

	"github.com/levidehaan/2bshrd/internal/store"
	"github.com/levidehaan/2bshrd/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestEmitNewDeviceFansOutToAllSubscribers(t *testing.T) {
	h := New()
	var calls []string
	h.OnNewDevice(func(d store.Device) { calls = append(calls, "a:"+d.ID) })
	h.OnNewDevice(func(d store.Device) { calls = append(calls, "b:"+d.ID) })

	h.EmitNewDevice(store.Device{ID: "peer-1"})
	require.Equal(t, []string{"a:peer-1", "b:peer-1"}, calls)
}

func TestEmitTransferRequestWithNoHookRejects(t *testing.T) {
	h := New()
	require.False(t, h.EmitTransferRequest(store.Device{}, wire.FileInfo{}))
}

func TestEmitTransferRequestUsesLatestHook(t *testing.T) {
	h := New()
	h.OnTransferRequest(func(store.Device, wire.FileInfo) bool { return false })
	h.OnTransferRequest(func(store.Device, wire.FileInfo) bool { return true })

	require.True(t, h.EmitTransferRequest(store.Device{}, wire.FileInfo{}))
}

func TestEmitDeviceStatusNoSubscribersIsNoop(t *testing.T) {
	h := New()
	require.NotPanics(t, func() { h.EmitDeviceStatus("peer-1", true) })
}
