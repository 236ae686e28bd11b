package transfer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/levidehaan/2bshrd/internal/connmgr"
	"github.com/levidehaan/2bshrd/internal/events"
	"github.com/levidehaan/2bshrd/internal/logging"
	"github.com/levidehaan/2bshrd/internal/store"
	"github.com/levidehaan/2bshrd/internal/wire"
)

const (
	offerReplyTimeout    = 60 * time.Second
	completeReplyTimeout = 30 * time.Second
	downloadStartTimeout = 30 * time.Second
	listReplyTimeout     = 30 * time.Second
	pingTimeout          = 5 * time.Second
)

// Client performs the outbound send/download/list/ping operations
// described in §4.9, each starting with connmgr.Connect (ConnectOnce for
// Ping) and ending in a guaranteed session close.
type Client struct {
	log   *logging.Logger
	hub   *events.Hub
	local store.AppConfig
}

// New constructs a Client bound to the local node's own identity.
func New(log *logging.Logger, hub *events.Hub, local store.AppConfig) *Client {
	return &Client{log: log, hub: hub, local: local}
}

// SendFile sends the file at path to dev, returning nil only on a
// confirmed FILE_COMPLETE from the peer.
func (c *Client) SendFile(ctx context.Context, dev store.Device, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("transfer: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("transfer: %s is a directory, single-file transfers only", path)
	}

	checksum, err := wire.ChecksumFile(path)
	if err != nil {
		return err
	}

	sess, err := connmgr.Connect(ctx, c.log, c.hub, c.local.DeviceID, c.local.DeviceName, dev)
	if err != nil {
		return err
	}
	defer sess.Close()

	fi := wire.FileInfo{Name: info.Name(), Size: info.Size(), Path: path, Checksum: &checksum}
	if err := wire.WriteMessage(sess.Conn(), wire.New(wire.FILE_OFFER, wire.Payload{"file": fi.ToPayload()})); err != nil {
		return err
	}

	reply, err := readWithDeadline(sess, offerReplyTimeout)
	if err != nil {
		return err
	}
	switch reply.Type {
	case wire.FILE_REJECT:
		reason, _ := reply.Payload["reason"].(string)
		c.hub.EmitTransferComplete(path, false)
		return fmt.Errorf("transfer: %s declined: %s", dev.Name, reason)
	case wire.FILE_ACCEPT:
	default:
		return fmt.Errorf("transfer: expected FILE_ACCEPT/FILE_REJECT, got %s", reply.Type)
	}

	progress := func(sent, total int64) {
		c.hub.EmitTransferProgress(wire.TransferProgress{FileName: info.Name(), BytesTransferred: sent, TotalBytes: total, DeviceName: dev.Name, IsUpload: true})
	}
	if _, err := wire.SendFile(sess.Conn(), path, info.Size(), progress); err != nil {
		c.hub.EmitTransferComplete(path, false)
		return err
	}

	done, err := readWithDeadline(sess, completeReplyTimeout)
	if err != nil {
		c.hub.EmitTransferComplete(path, false)
		return err
	}
	if done.Type != wire.FILE_COMPLETE {
		c.hub.EmitTransferComplete(path, false)
		return fmt.Errorf("transfer: expected FILE_COMPLETE, got %s", done.Type)
	}

	c.hub.EmitTransferComplete(path, true)
	return nil
}

// Download fetches remotePath from dev into destDir, verifying the
// checksum the peer reports and deleting the file on mismatch.
func (c *Client) Download(ctx context.Context, dev store.Device, remotePath, destDir string) (string, error) {
	sess, err := connmgr.Connect(ctx, c.log, c.hub, c.local.DeviceID, c.local.DeviceName, dev)
	if err != nil {
		return "", err
	}
	defer sess.Close()

	if err := wire.WriteMessage(sess.Conn(), wire.New(wire.FILE_DOWNLOAD_REQUEST, wire.Payload{"path": remotePath})); err != nil {
		return "", err
	}

	start, err := readWithDeadline(sess, downloadStartTimeout)
	if err != nil {
		return "", err
	}
	if start.Type == wire.ERROR {
		msg, _ := start.Payload["error"].(string)
		return "", fmt.Errorf("transfer: download %s: %s", remotePath, msg)
	}
	if start.Type != wire.FILE_DOWNLOAD_START {
		return "", fmt.Errorf("transfer: expected FILE_DOWNLOAD_START, got %s", start.Type)
	}

	fi, err := wire.FileInfoFromPayload(start.Payload["file"])
	if err != nil {
		return "", err
	}

	dest, err := UniqueDestination(destDir, fi.Name)
	if err != nil {
		return "", err
	}

	progress := func(received, total int64) {
		c.hub.EmitTransferProgress(wire.TransferProgress{FileName: fi.Name, BytesTransferred: received, TotalBytes: total, DeviceName: dev.Name, IsUpload: false})
	}
	got, err := wire.ReceiveFile(sess.Conn(), dest, fi.Size, progress)
	if err != nil {
		c.hub.EmitTransferComplete(dest, false)
		return "", err
	}

	if fi.Checksum != nil && *fi.Checksum != got {
		_ = os.Remove(dest)
		c.hub.EmitTransferComplete(dest, false)
		return "", fmt.Errorf("transfer: checksum mismatch downloading %s", remotePath)
	}

	c.hub.EmitTransferComplete(dest, true)
	return dest, nil
}

// List enumerates path on dev, or the peer's home directory if empty.
func (c *Client) List(ctx context.Context, dev store.Device, path string) ([]wire.DirEntry, error) {
	sess, err := connmgr.Connect(ctx, c.log, c.hub, c.local.DeviceID, c.local.DeviceName, dev)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if err := wire.WriteMessage(sess.Conn(), wire.New(wire.LIST_DIR_REQUEST, wire.Payload{"path": path})); err != nil {
		return nil, err
	}

	reply, err := readWithDeadline(sess, listReplyTimeout)
	if err != nil {
		return nil, err
	}
	if reply.Type == wire.ERROR {
		msg, _ := reply.Payload["error"].(string)
		return nil, fmt.Errorf("transfer: list %s: %s", path, msg)
	}
	if reply.Type != wire.LIST_DIR_RESPONSE {
		return nil, fmt.Errorf("transfer: expected LIST_DIR_RESPONSE, got %s", reply.Type)
	}

	raw, _ := reply.Payload["entries"].([]any)
	entries := make([]wire.DirEntry, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var e wire.DirEntry
		e.Name, _ = m["name"].(string)
		e.IsDir, _ = m["is_dir"].(bool)
		e.Path, _ = m["path"].(string)
		if sz, ok := m["size"].(float64); ok {
			e.Size = int64(sz)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Ping performs a one-shot liveness check over a full handshake, with
// shorter timeouts and no retry (§4.9) — unlike the other operations,
// it does not go through connmgr.Connect's retry policy.
func (c *Client) Ping(_ context.Context, dev store.Device) bool {
	sess, err := connmgr.ConnectOnce(dev, c.local.DeviceID, c.local.DeviceName, pingTimeout, pingTimeout)
	if err != nil {
		return false
	}
	defer sess.Close()
	return true
}

func readWithDeadline(sess *connmgr.Session, timeout time.Duration) (*wire.Message, error) {
	_ = sess.Conn().SetReadDeadline(time.Now().Add(timeout))
	defer sess.Conn().SetReadDeadline(time.Time{})

	msg, err := wire.ReadMessage(sess.Conn())
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("transfer: peer closed connection")
	}
	return msg, nil
}
