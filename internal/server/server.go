// Package server implements the inbound side of the protocol: the
// accept loop and per-session dispatcher described in §4.6-§4.8.
package server

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/levidehaan/2bshrd/internal/events"
	"github.com/levidehaan/2bshrd/internal/logging"
	"github.com/levidehaan/2bshrd/internal/ratelimiter"
	"github.com/levidehaan/2bshrd/internal/store"
	"github.com/levidehaan/2bshrd/internal/transfer"
	"github.com/levidehaan/2bshrd/internal/wire"
)

const (
	handshakeTimeout = 30 * time.Second
	idleTimeout      = 300 * time.Second

	acceptConnectionsPerSecond = 5
	acceptBurst                = 10
)

// Server accepts inbound sessions on the configured port and dispatches
// each frame to the appropriate handler.
type Server struct {
	log     *logging.Logger
	hub     *events.Hub
	st      *store.Store
	limiter *ratelimiter.Limiter

	listener net.Listener
}

// New constructs a Server bound to st's current config.
func New(log *logging.Logger, hub *events.Hub, st *store.Store) *Server {
	return &Server{log: log, hub: hub, st: st, limiter: ratelimiter.New(acceptConnectionsPerSecond, acceptBurst)}
}

// ListenAndServe binds 0.0.0.0:<port> and accepts sessions until ctx is
// canceled. It returns an error on a bind or accept failure, and nil on
// clean shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	cfg := s.st.Config()
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.listener = l

	go func() {
		<-ctx.Done()
		_ = l.Close()
		s.limiter.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("server: accept: %w", err)
			}
		}

		if !s.allow(conn) {
			_ = conn.Close()
			continue
		}

		go s.handleSession(ctx, conn)
	}
}

func (s *Server) allow(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return true
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return true
	}
	return s.limiter.Allow(addr)
}

func (s *Server) handleSession(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteID, remoteName, err := s.handshake(conn)
	if err != nil {
		s.log.Verbosef("server: handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			s.log.Verbosef("server: session with %s: %v", remoteName, err)
			return
		}
		if msg == nil {
			return
		}

		if ctx.Err() != nil {
			return
		}

		switch msg.Type {
		case wire.PING:
			_ = wire.WriteMessage(conn, wire.New(wire.PONG, nil))
		case wire.FILE_OFFER:
			s.handleFileOffer(conn, remoteID, remoteName, msg)
		case wire.LIST_DIR_REQUEST:
			s.handleListDir(conn, msg)
		case wire.FILE_DOWNLOAD_REQUEST:
			s.handleFileDownload(conn, remoteName, msg)
		default:
			// Unknown message types are ignored silently (§4.6 forward-compat).
		}
	}
}

func (s *Server) handshake(conn net.Conn) (remoteID, remoteName string, err error) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return "", "", err
	}
	if msg == nil || msg.Type != wire.HELLO {
		return "", "", fmt.Errorf("server: expected HELLO, got %v", msg)
	}

	remoteID, _ = msg.Payload["device_id"].(string)
	remoteName, _ = msg.Payload["device_name"].(string)

	cfg := s.st.Config()
	ack := wire.New(wire.HELLO_ACK, wire.Payload{"device_id": cfg.DeviceID, "device_name": cfg.DeviceName})
	if err := wire.WriteMessage(conn, ack); err != nil {
		return "", "", err
	}
	return remoteID, remoteName, nil
}

func (s *Server) handleFileOffer(conn net.Conn, remoteID, remoteName string, msg *wire.Message) {
	fi, err := wire.FileInfoFromPayload(msg.Payload["file"])
	if err != nil {
		_ = wire.WriteMessage(conn, wire.New(wire.FILE_REJECT, wire.Payload{"reason": "malformed offer"}))
		return
	}

	cfg := s.st.Config()
	dev, _ := s.st.Device(remoteID)
	if dev.Name == "" {
		dev = store.Device{ID: remoteID, Name: remoteName}
	}

	accepted := cfg.AutoAccept || s.hub.EmitTransferRequest(dev, fi)
	if !accepted {
		_ = wire.WriteMessage(conn, wire.New(wire.FILE_REJECT, wire.Payload{"reason": "declined by peer"}))
		return
	}
	if err := wire.WriteMessage(conn, wire.New(wire.FILE_ACCEPT, nil)); err != nil {
		return
	}

	dest, err := transfer.UniqueDestination(cfg.DownloadsDir, fi.Name)
	if err != nil {
		_ = wire.WriteMessage(conn, wire.New(wire.FILE_ERROR, wire.Payload{"error": err.Error()}))
		return
	}

	progress := func(received, total int64) {
		// Each chunk frame lands here: refresh the idle deadline so a
		// transfer longer than idleTimeout doesn't abort mid-stream.
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
		s.hub.EmitTransferProgress(wire.TransferProgress{FileName: fi.Name, BytesTransferred: received, TotalBytes: total, DeviceName: dev.Name, IsUpload: false})
	}
	got, err := wire.ReceiveFile(conn, dest, fi.Size, progress)
	if err != nil {
		s.log.Verbosef("server: receive %s from %s: %v", fi.Name, dev.Name, err)
		s.hub.EmitTransferComplete(dest, false)
		return
	}

	if fi.Checksum != nil && *fi.Checksum != got {
		_ = os.Remove(dest)
		_ = wire.WriteMessage(conn, wire.New(wire.FILE_ERROR, wire.Payload{"error": "checksum mismatch"}))
		s.hub.EmitTransferComplete(dest, false)
		return
	}

	_ = wire.WriteMessage(conn, wire.New(wire.FILE_COMPLETE, wire.Payload{"path": dest}))
	s.hub.EmitTransferComplete(dest, true)
}

func (s *Server) handleListDir(conn net.Conn, msg *wire.Message) {
	path, _ := msg.Payload["path"].(string)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			_ = wire.WriteMessage(conn, wire.New(wire.ERROR, wire.Payload{"error": err.Error()}))
			return
		}
		path = home
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		_ = wire.WriteMessage(conn, wire.New(wire.ERROR, wire.Payload{"error": err.Error()}))
		return
	}

	out := make([]any, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue // permission denied or vanished mid-enumeration: skip (§7 Filesystem)
		}
		out = append(out, wire.DirEntry{
			Name: e.Name(), IsDir: e.IsDir(), Size: info.Size(), Path: filepath.Join(path, e.Name()),
		})
	}

	resp := wire.New(wire.LIST_DIR_RESPONSE, wire.Payload{
		"path": path, "parent": filepath.Dir(path), "entries": out,
	})
	_ = wire.WriteMessage(conn, resp)
}

func (s *Server) handleFileDownload(conn net.Conn, remoteName string, msg *wire.Message) {
	path, _ := msg.Payload["path"].(string)

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		_ = wire.WriteMessage(conn, wire.New(wire.ERROR, wire.Payload{"error": "file not found"}))
		return
	}

	checksum, err := wire.ChecksumFile(path)
	if err != nil {
		_ = wire.WriteMessage(conn, wire.New(wire.ERROR, wire.Payload{"error": err.Error()}))
		return
	}

	fi := wire.FileInfo{Name: filepath.Base(path), Size: info.Size(), Path: path, Checksum: &checksum}
	if err := wire.WriteMessage(conn, wire.New(wire.FILE_DOWNLOAD_START, wire.Payload{"file": fi.ToPayload()})); err != nil {
		return
	}

	progress := func(sent, total int64) {
		s.hub.EmitTransferProgress(wire.TransferProgress{FileName: fi.Name, BytesTransferred: sent, TotalBytes: total, DeviceName: remoteName, IsUpload: true})
	}
	if _, err := wire.SendFile(conn, path, info.Size(), progress); err != nil {
		s.log.Verbosef("server: send %s to %s: %v", path, remoteName, err)
	}
}
