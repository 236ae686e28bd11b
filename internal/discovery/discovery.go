// Package discovery advertises this node over mDNS/DNS-SD and browses for
// peers, wrapping github.com/grandcat/zeroconf — the Go counterpart of
// the original implementation's zeroconf dependency — behind the same
// seen-once, events-not-callbacks shape described in §4.3.
package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/levidehaan/2bshrd/internal/events"
	"github.com/levidehaan/2bshrd/internal/logging"
	"github.com/levidehaan/2bshrd/internal/store"
)

const (
	serviceType = "_2bshrd._tcp"
	domain      = "local."

	removalVerifyDelay = 1 * time.Second
	removalRetryDelay  = 500 * time.Millisecond
)

// Pinger is the narrow probe capability discovery needs to verify a
// service-removal callback before trusting it; internal/liveness's Probe
// satisfies this.
type Pinger func(ctx context.Context, dev store.Device) bool

// Discovery owns the mDNS advertiser and browser for one node.
type Discovery struct {
	log   *logging.Logger
	hub   *events.Hub
	st    *store.Store
	ping  Pinger
	seen  sync.Map // device id -> struct{}
	serv  *zeroconf.Server
}

// New constructs a Discovery. ping is consulted only for service-removal
// verification (§4.3); it may be nil during tests that never exercise
// removal handling.
func New(log *logging.Logger, hub *events.Hub, st *store.Store, ping Pinger) *Discovery {
	d := &Discovery{log: log, hub: hub, st: st, ping: ping}
	for _, dev := range st.Devices() {
		d.seen.Store(dev.ID, struct{}{})
	}
	return d
}

// Start advertises the local node and begins browsing for peers. The
// returned error is only non-nil on a failure to bind the mDNS
// advertiser; browsing failures are logged, never propagated, per §7
// ("only unrecoverable initialization failures propagate").
func (d *Discovery) Start(ctx context.Context) error {
	cfg := d.st.Config()
	ip, err := primaryEgressIPv4()
	if err != nil {
		d.log.Errorf("discovery: could not determine egress IP, advertising on loopback: %v", err)
		ip = net.IPv4(127, 0, 0, 1)
	}

	code := PairingCode(cfg.DeviceID, ip.String(), cfg.Port)
	txt := []string{
		"device_id=" + cfg.DeviceID,
		"device_name=" + cfg.DeviceName,
		"pairing_code=" + code,
	}

	server, err := zeroconf.Register(cfg.DeviceName, serviceType, domain, cfg.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("discovery: advertise %s: %w", serviceType, err)
	}
	d.serv = server

	go d.browse(ctx, cfg.DeviceID)
	return nil
}

// Stop withdraws the mDNS advertisement.
func (d *Discovery) Stop() {
	if d.serv != nil {
		d.serv.Shutdown()
	}
}

func (d *Discovery) browse(ctx context.Context, localID string) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		d.log.Errorf("discovery: create resolver: %v", err)
		return
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			d.handleEntry(ctx, localID, entry)
		}
	}()

	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		d.log.Errorf("discovery: browse %s: %v", serviceType, err)
	}
	<-ctx.Done()
}

func (d *Discovery) handleEntry(ctx context.Context, localID string, entry *zeroconf.ServiceEntry) {
	txt := parseTXT(entry.Text)
	id := txt["device_id"]
	if id == "" || id == localID {
		return
	}

	host := entry.HostName
	if len(entry.AddrIPv4) > 0 {
		host = entry.AddrIPv4[0].String()
	}
	name := txt["device_name"]
	if name == "" {
		name = entry.Instance
	}

	if existing, ok := d.st.Device(id); ok {
		changed := existing.Host != host || !existing.IsOnline
		existing.Host = host
		existing.Port = entry.Port
		existing.IsOnline = true
		if err := d.st.UpdateDevice(existing); err != nil {
			d.log.Errorf("discovery: update device %s: %v", id, err)
			return
		}
		if changed {
			d.hub.EmitDeviceStatus(id, true)
		}
		return
	}

	if _, already := d.seen.LoadOrStore(id, struct{}{}); already {
		return
	}

	dev := store.Device{ID: id, Name: name, Host: host, Port: entry.Port, IsOnline: true}
	if err := d.st.AddDevice(dev); err != nil {
		d.log.Errorf("discovery: enroll device %s: %v", id, err)
		return
	}
	d.hub.EmitNewDevice(dev)
	_ = ctx
}

// HandleServiceRemoval implements the verify-before-offline sequence:
// wait 1s, probe; on failure wait 0.5s, probe again; only two
// consecutive failures fast-track the device offline.
func (d *Discovery) HandleServiceRemoval(ctx context.Context, deviceID string) {
	dev, ok := d.st.Device(deviceID)
	if !ok || d.ping == nil {
		return
	}

	select {
	case <-time.After(removalVerifyDelay):
	case <-ctx.Done():
		return
	}
	if d.ping(ctx, dev) {
		return
	}

	select {
	case <-time.After(removalRetryDelay):
	case <-ctx.Done():
		return
	}
	if d.ping(ctx, dev) {
		return
	}

	dev.IsOnline = false
	if err := d.st.UpdateDevice(dev); err != nil {
		d.log.Errorf("discovery: mark %s offline: %v", deviceID, err)
		return
	}
	d.hub.EmitDeviceStatus(deviceID, false)
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, ok := strings.Cut(r, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// PairingCode derives the XXXX-XXXX fingerprint from §4.3: the first 8
// hex characters of SHA-256(device_id:ip:port), uppercased and split.
func PairingCode(deviceID, ip string, port int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", deviceID, ip, port)))
	hex8 := strings.ToUpper(hex.EncodeToString(sum[:])[:8])
	return hex8[:4] + "-" + hex8[4:]
}

// primaryEgressIPv4 determines the local address the OS would use to
// reach the public internet, without sending any traffic, falling back
// to loopback if no route is available.
func primaryEgressIPv4() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return net.IPv4(127, 0, 0, 1), fmt.Errorf("discovery: determine egress ip: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
