package discovery

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/require"

	"github.com/levidehaan/2bshrd/internal/events"
	"github.com/levidehaan/2bshrd/internal/logging"
	"github.com/levidehaan/2bshrd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPairingCodeFormatAndDeterminism(t *testing.T) {
	code := PairingCode("device-123", "192.168.1.10", 52637)
	require.Len(t, code, 9)
	require.Equal(t, "-", string(code[4]))
	require.Equal(t, code, PairingCode("device-123", "192.168.1.10", 52637))
}

func TestPairingCodeChangesWithIP(t *testing.T) {
	require.NotEqual(t,
		PairingCode("device-123", "192.168.1.10", 52637),
		PairingCode("device-123", "192.168.1.11", 52637))
}

func TestHandleEntryEmitsNewDeviceOncePerIdentifier(t *testing.T) {
	st := newTestStore(t)
	hub := events.New()
	var newDevices []string
	hub.OnNewDevice(func(d store.Device) { newDevices = append(newDevices, d.ID) })

	d := New(logging.Nop(), hub, st, nil)
	entry := &zeroconf.ServiceEntry{
		HostName: "peer.local.",
		AddrIPv4: []net.IP{net.ParseIP("10.0.0.5")},
		Port:     52637,
		Text:     []string{"device_id=peer-1", "device_name=Peer One"},
	}

	d.handleEntry(context.Background(), "local-id", entry)
	d.handleEntry(context.Background(), "local-id", entry)

	require.Equal(t, []string{"peer-1"}, newDevices)
	got, ok := st.Device("peer-1")
	require.True(t, ok)
	require.Equal(t, "10.0.0.5", got.Host)
}

func TestHandleEntryIgnoresSelf(t *testing.T) {
	st := newTestStore(t)
	hub := events.New()
	var fired bool
	hub.OnNewDevice(func(store.Device) { fired = true })

	d := New(logging.Nop(), hub, st, nil)
	entry := &zeroconf.ServiceEntry{
		Text: []string{"device_id=local-id"},
		Port: 52637,
	}
	d.handleEntry(context.Background(), "local-id", entry)
	require.False(t, fired)
}

func TestHandleServiceRemovalFlipsOfflineOnlyAfterTwoFailedProbes(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.AddDevice(store.Device{ID: "peer-1", Name: "Peer", Host: "10.0.0.5", Port: 52637, IsOnline: true}))

	hub := events.New()
	var statusEvents []bool
	hub.OnDeviceStatus(func(_ string, online bool) { statusEvents = append(statusEvents, online) })

	pingCalls := 0
	ping := func(context.Context, store.Device) bool {
		pingCalls++
		return false
	}

	d := New(logging.Nop(), hub, st, ping)
	done := make(chan struct{})
	go func() {
		d.HandleServiceRemoval(context.Background(), "peer-1")
		close(done)
	}()
	<-done

	require.Equal(t, 2, pingCalls)
	require.Equal(t, []bool{false}, statusEvents)
	got, _ := st.Device("peer-1")
	require.False(t, got.IsOnline)
}

func TestHandleServiceRemovalSkipsOfflineIfVerificationPingSucceeds(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.AddDevice(store.Device{ID: "peer-1", Name: "Peer", Host: "10.0.0.5", Port: 52637, IsOnline: true}))

	hub := events.New()
	var statusEvents []bool
	hub.OnDeviceStatus(func(_ string, online bool) { statusEvents = append(statusEvents, online) })

	ping := func(context.Context, store.Device) bool { return true }
	d := New(logging.Nop(), hub, st, ping)
	d.HandleServiceRemoval(context.Background(), "peer-1")

	require.Empty(t, statusEvents)
	got, _ := st.Device("peer-1")
	require.True(t, got.IsOnline)
}
