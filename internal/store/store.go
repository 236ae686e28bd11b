// Package store owns the on-disk state of this node: its own identity and
// defaults (AppConfig) and the set of enrolled peers (Device). It is the
// sole writer of both files; every other package mutates state only
// through its methods, which re-serialize atomically (write to a temp
// file, then rename), following the pattern the teacher package uses for
// its own config persistence (manager/config.go's SaveConfig).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// DefaultPort is the listening port used when a node has no saved config.
const DefaultPort = 52637

// Device is an enrolled peer. Identity is ID alone; Host may legally
// change if the peer moves networks.
type Device struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Host     string  `json:"host"`
	Port     int     `json:"port"`
	LastSeen *string `json:"last_seen"`
	IsOnline bool    `json:"is_online"`
}

// AppConfig is the local node's identity and defaults. DeviceID is
// generated on first run and never rotated afterward.
type AppConfig struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	Port          int    `json:"port"`
	DownloadsDir  string `json:"downloads_dir"`
	AutoAccept    bool   `json:"auto_accept"`
	EncryptionKey string `json:"encryption_key"` // reserved for future use
}

// Store is the exclusive owner of config.json and devices.json under dir.
type Store struct {
	mu sync.RWMutex

	dir         string
	configPath  string
	devicesPath string

	config  AppConfig
	devices map[string]Device
}

// DefaultDir returns the platform-dependent per-user config directory this
// node should use, e.g. ~/.config/2bshrd on Linux.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("store: resolve user config dir: %w", err)
	}
	return filepath.Join(base, "2bshrd"), nil
}

// DefaultDownloadsDir returns ~/Downloads/2bshrd.
func DefaultDownloadsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: resolve user home dir: %w", err)
	}
	return filepath.Join(home, "Downloads", "2bshrd"), nil
}

// Open loads (or creates, with defaults) config.json and devices.json
// under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create config dir %s: %w", dir, err)
	}

	s := &Store{
		dir:         dir,
		configPath:  filepath.Join(dir, "config.json"),
		devicesPath: filepath.Join(dir, "devices.json"),
		devices:     make(map[string]Device),
	}

	cfg, err := s.loadConfig()
	if err != nil {
		return nil, err
	}
	s.config = cfg

	devices, err := s.loadDevices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		s.devices[d.ID] = d
	}

	return s, nil
}

func defaultConfig() (AppConfig, error) {
	downloads, err := DefaultDownloadsDir()
	if err != nil {
		return AppConfig{}, err
	}
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "unknown-device"
	}
	key := make([]byte, 32)
	if _, err := cryptoRandRead(key); err != nil {
		return AppConfig{}, fmt.Errorf("store: generate encryption key: %w", err)
	}
	return AppConfig{
		DeviceID:      uuid.NewString(),
		DeviceName:    name,
		Port:          DefaultPort,
		DownloadsDir:  downloads,
		AutoAccept:    false,
		EncryptionKey: encodeKey(key),
	}, nil
}

// loadConfig loads config.json, replacing it with a freshly generated
// default if it is missing or unparseable.
func (s *Store) loadConfig() (AppConfig, error) {
	data, err := os.ReadFile(s.configPath)
	if err != nil {
		// Missing or unreadable: fall through to a fresh default config
		// rather than leaving the node unable to start.
		cfg, derr := defaultConfig()
		if derr != nil {
			return AppConfig{}, derr
		}
		if werr := writeJSONAtomic(s.configPath, cfg); werr != nil {
			return AppConfig{}, werr
		}
		return cfg, nil
	}

	var cfg AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil || cfg.DeviceID == "" {
		fresh, derr := defaultConfig()
		if derr != nil {
			return AppConfig{}, derr
		}
		if werr := writeJSONAtomic(s.configPath, fresh); werr != nil {
			return AppConfig{}, werr
		}
		return fresh, nil
	}
	return cfg, nil
}

func (s *Store) loadDevices() ([]Device, error) {
	data, err := os.ReadFile(s.devicesPath)
	if err != nil {
		return nil, nil
	}
	var devices []Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, nil
	}
	return devices, nil
}

// Config returns a copy of the current AppConfig.
func (s *Store) Config() AppConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SaveConfig overwrites AppConfig on disk and in memory.
func (s *Store) SaveConfig(cfg AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeJSONAtomic(s.configPath, cfg); err != nil {
		return err
	}
	s.config = cfg
	return nil
}

// Devices returns a snapshot of every enrolled device.
func (s *Store) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// Device looks up a single enrolled device by identifier.
func (s *Store) Device(id string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	return d, ok
}

// AddDevice enrolls a new device, persisting the updated registry.
func (s *Store) AddDevice(d Device) error {
	return s.upsertDevice(d)
}

// UpdateDevice rewrites an existing device record (e.g. new host or
// online state), persisting the updated registry.
func (s *Store) UpdateDevice(d Device) error {
	return s.upsertDevice(d)
}

func (s *Store) upsertDevice(d Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
	return s.saveDevicesLocked()
}

// RemoveDevice deletes an enrolled device from the registry.
func (s *Store) RemoveDevice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return nil
	}
	delete(s.devices, id)
	return s.saveDevicesLocked()
}

func (s *Store) saveDevicesLocked() error {
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return writeJSONAtomic(s.devicesPath, out)
}

// writeJSONAtomic marshals v as pretty-printed JSON and writes it to path
// via a temp-file-plus-rename so a concurrent reader always observes
// either the pre-update or post-update file, never a torn one.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename into place %s: %w", path, err)
	}
	return nil
}
