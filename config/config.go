// Package config holds the ambient deployment settings for a vpncore
// tunnel endpoint: socket addresses, the session passphrase, QPP and MTU
// tuning, and logging.
package config

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config holds a vpntun endpoint's settings. QPPSeed is decoded from a
// config file but not read by cmd/vpntun, which validates QPP parameters
// against Key.
type Config struct {
	Listen  string `json:"listen"`
	Remote  string `json:"remote"`
	Key     string `json:"key"`
	MTU     int    `json:"mtu"`

	QPP      bool   `json:"qpp"`
	QPPCount int    `json:"qpp-count"`
	QPPSeed  string `json:"qpp-seed"`

	MaxPingClients int `json:"max-ping-clients"`
	IcmpTimeoutSec int `json:"icmp-timeout-sec"`

	MetricsListen string `json:"metrics-listen"`

	Log   string `json:"log"`
	Quiet bool   `json:"quiet"`
}

// Default returns a Config with conservative defaults for this domain.
func Default() Config {
	return Config{
		Listen:         ":29900",
		MTU:            1400,
		QPPCount:       257,
		MaxPingClients: 128,
		IcmpTimeoutSec: 30,
	}
}

// LoadJSON overlays path's JSON contents onto config: only fields present
// in the file are overwritten, so a partial config file layers cleanly
// over Default().
func LoadJSON(config *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "config: open %s", path)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(config); err != nil {
		return errors.Wrapf(err, "config: decode %s", path)
	}
	return nil
}
