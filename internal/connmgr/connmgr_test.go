package connmgr

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/levidehaan/2bshrd/internal/events"
	"github.com/levidehaan/2bshrd/internal/logging"
	"github.com/levidehaan/2bshrd/internal/store"
	"github.com/levidehaan/2bshrd/internal/wire"
	"github.com/stretchr/testify/require"
)

func serveOneHandshake(t *testing.T, l net.Listener, id, name string) {
	t.Helper()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		msg, err := wire.ReadMessage(conn)
		if err != nil || msg == nil || msg.Type != wire.HELLO {
			return
		}
		_ = wire.WriteMessage(conn, wire.New(wire.HELLO_ACK, wire.Payload{"device_id": id, "device_name": name}))
	}()
}

func TestConnectSucceedsOnFirstAttempt(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	serveOneHandshake(t, l, "server-id", "server-name")

	addr := l.Addr().(*net.TCPAddr)
	dev := store.Device{ID: "server-id", Name: "server-name", Host: "127.0.0.1", Port: addr.Port}

	hub := events.New()
	var retries int
	hub.OnConnectionRetry(func(string, int, int) { retries++ })

	sess, err := Connect(context.Background(), logging.Nop(), hub, "client-id", "client-name", dev)
	require.NoError(t, err)
	defer sess.Close()
	require.Equal(t, "server-id", sess.RemoteID)
	require.Equal(t, 1, retries)
}

func TestConnectFailsAfterExhaustingAttemptsAgainstClosedPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	dev := store.Device{ID: "ghost", Name: "ghost", Host: "127.0.0.1", Port: addr.Port}
	hub := events.New()
	var attempts []int
	hub.OnConnectionRetry(func(_ string, attempt, max int) { attempts = append(attempts, attempt) })

	start := time.Now()
	_, err = Connect(context.Background(), logging.Nop(), hub, "client-id", "client-name", dev)
	require.Error(t, err)
	require.Len(t, attempts, maxAttempts)
	require.Less(t, time.Since(start), 15*time.Second)
}
