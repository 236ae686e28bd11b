// Package connmgr is the single outbound entry point for turning a known
// Device into a live, post-handshake session: connect with retry,
// perform the HELLO/HELLO_ACK handshake, and guarantee sockets are never
// leaked on any exit path.
package connmgr

import (
	"context"
	"fmt"
	"net"
	"time"

	backoffpkg "github.com/cenkalti/backoff/v4"

	"github.com/levidehaan/2bshrd/internal/events"
	"github.com/levidehaan/2bshrd/internal/logging"
	"github.com/levidehaan/2bshrd/internal/retry"
	"github.com/levidehaan/2bshrd/internal/store"
	"github.com/levidehaan/2bshrd/internal/wire"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxAttempts      = 3
)

// Session is a live TCP connection past the HELLO/HELLO_ACK handshake,
// bound to the remote peer's identity as reported in its HELLO_ACK.
type Session struct {
	conn           net.Conn
	RemoteID       string
	RemoteName     string
	handshakeCheck bool
}

// Conn exposes the underlying connection for framed reads/writes.
func (s *Session) Conn() net.Conn { return s.conn }

// Close tears the session down, swallowing close errors: callers treat a
// close failure as nothing worth surfacing once the work is done.
func (s *Session) Close() {
	_ = s.conn.Close()
}

// Connect implements §4.5: up to 3 attempts, each a TCP dial plus
// HELLO/HELLO_ACK handshake, 0.5s/5.0s jittered exponential backoff
// between attempts, one retry event emitted per attempt.
func Connect(ctx context.Context, log *logging.Logger, hub *events.Hub, localID, localName string, dev store.Device) (*Session, error) {
	policy := retry.NewConnect()

	var session *Session
	op := func() error {
		attempt := policy.Attempt() + 1
		s, err := dialAndHandshake(dev, localID, localName)
		if hub != nil {
			hub.EmitConnectionRetry(dev.Name, attempt, maxAttempts)
		}
		if err != nil {
			return err
		}
		session = s
		return nil
	}

	notify := func(err error, _ time.Duration) {
		log.Verbosef("connmgr: attempt to %s (%s:%d) failed: %v", dev.Name, dev.Host, dev.Port, err)
	}

	if err := backoffpkg.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("connmgr: exhausted %d attempts connecting to %s: %w", maxAttempts, dev.Name, err)
	}
	return session, nil
}

func dialAndHandshake(dev store.Device, localID, localName string) (*Session, error) {
	return ConnectOnce(dev, localID, localName, dialTimeout, handshakeTimeout)
}

// ConnectOnce performs a single dial-and-handshake attempt with no
// retry, used by the ping operation's shorter, single-shot contract
// (§4.9) rather than the retrying Connect above.
func ConnectOnce(dev store.Device, localID, localName string, dialTO, handshakeTO time.Duration) (*Session, error) {
	addr := fmt.Sprintf("%s:%d", dev.Host, dev.Port)
	conn, err := net.DialTimeout("tcp", addr, dialTO)
	if err != nil {
		return nil, fmt.Errorf("connmgr: dial %s: %w", addr, err)
	}

	s := &Session{conn: conn}
	if err := s.handshake(localID, localName, handshakeTO); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) handshake(localID, localName string, timeout time.Duration) error {
	_ = s.conn.SetDeadline(time.Now().Add(timeout))
	defer s.conn.SetDeadline(time.Time{})

	hello := wire.New(wire.HELLO, wire.Payload{"device_id": localID, "device_name": localName})
	if err := wire.WriteMessage(s.conn, hello); err != nil {
		return fmt.Errorf("connmgr: send HELLO: %w", err)
	}

	reply, err := wire.ReadMessage(s.conn)
	if err != nil {
		return fmt.Errorf("connmgr: read HELLO_ACK: %w", err)
	}
	if reply == nil {
		return fmt.Errorf("connmgr: peer closed before HELLO_ACK")
	}
	if reply.Type != wire.HELLO_ACK {
		return fmt.Errorf("connmgr: expected HELLO_ACK, got %s", reply.Type)
	}

	s.RemoteID, _ = reply.Payload["device_id"].(string)
	s.RemoteName, _ = reply.Payload["device_name"].(string)
	s.handshakeCheck = true
	return nil
}
