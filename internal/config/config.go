// Package config manages persistent user preferences for jamlink.
// Settings are stored as JSON at os.UserConfigDir()/jamlink/config.json.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/koedame/jamlink/internal/jamerr"
	"github.com/koedame/jamlink/internal/preset"
)

// maxHistory bounds the connection history list.
const maxHistory = 50

// maxPeerName bounds the display name length in bytes.
const maxPeerName = 32

// HistoryEntry records one past room connection, most recent first.
type HistoryEntry struct {
	RoomCode    string `json:"room_code"`
	ConnectedAt string `json:"connected_at"` // ISO 8601
	Label       string `json:"label,omitempty"`
}

// Config holds all persistent user preferences.
type Config struct {
	InputDeviceID      int            `json:"input_device_id"`
	OutputDeviceID     int            `json:"output_device_id"`
	BufferSize         int            `json:"buffer_size"`
	SignalingServerURL string         `json:"signaling_server_url,omitempty"`
	Preset             string         `json:"preset"`
	ConnectionHistory  []HistoryEntry `json:"connection_history,omitempty"`
	PeerName           string         `json:"peer_name"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		InputDeviceID:  -1,
		OutputDeviceID: -1,
		BufferSize:     128,
		Preset:         string(preset.Balanced),
		PeerName:       "musician",
	}
}

// Validate checks the fields a user can corrupt by hand-editing the file.
func (c Config) Validate() error {
	if !preset.ValidBufferSize(c.BufferSize) {
		return jamerr.New(jamerr.ConfigurationInvalid, "buffer_size %d not in {8,16,32,64,128,256}", c.BufferSize)
	}
	if len(c.PeerName) > maxPeerName {
		return jamerr.New(jamerr.ConfigurationInvalid, "peer_name longer than %d bytes", maxPeerName)
	}
	return nil
}

// AddHistory prepends a connection record, dedupes the room code, and trims
// the list to its bound.
func (c *Config) AddHistory(roomCode, label string, at time.Time) {
	c.RemoveHistory(roomCode)
	entry := HistoryEntry{
		RoomCode:    roomCode,
		ConnectedAt: at.UTC().Format(time.RFC3339),
		Label:       label,
	}
	c.ConnectionHistory = append([]HistoryEntry{entry}, c.ConnectionHistory...)
	if len(c.ConnectionHistory) > maxHistory {
		c.ConnectionHistory = c.ConnectionHistory[:maxHistory]
	}
}

// RemoveHistory deletes all entries for roomCode, leaving the rest in order.
func (c *Config) RemoveHistory(roomCode string) {
	out := c.ConnectionHistory[:0]
	for _, e := range c.ConnectionHistory {
		if e.RoomCode != roomCode {
			out = append(out, e)
		}
	}
	c.ConnectionHistory = out
}

// pathOverride redirects the config file in tests.
var pathOverride string

// Path returns the absolute path to the config file.
func Path() (string, error) {
	if pathOverride != "" {
		return pathOverride, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "jamlink", "config.json"), nil
}

// Load reads the config file and returns it. If the file is missing,
// unreadable, or invalid, the default config is returned, never an error.
func Load() Config {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default()
	}
	if cfg.Validate() != nil {
		return Default()
	}
	return cfg
}

// Save writes cfg to disk, creating the directory if needed.
func Save(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
