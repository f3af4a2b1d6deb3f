// Package config holds the daemon configuration: transport selection,
// link-layer timing, storage path and the HTTP listen address.
package config

import (
	"fmt"
	"time"
)

// Config is the full daemon configuration. Populated from flags by
// cmd/meshlinkd; every field has a working default.
type Config struct {
	// Transport selects the device transport: "tcp" or "sim".
	Transport string
	// DeviceAddr is the radio's host:port when Transport is "tcp".
	DeviceAddr string

	ListenAddr string
	DBPath     string

	ConnectTimeout    time.Duration
	ConfigTimeout     time.Duration
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration

	AutoReconnect        bool
	MaxReconnectAttempts int
	BackoffInitial       time.Duration
	BackoffMax           time.Duration

	Debug bool
}

// Default returns the working out-of-the-box configuration.
func Default() *Config {
	return &Config{
		Transport:            "tcp",
		DeviceAddr:           "127.0.0.1:4403",
		ListenAddr:           ":8480",
		DBPath:               "meshlink.db",
		ConnectTimeout:       10 * time.Second,
		ConfigTimeout:        15 * time.Second,
		RequestTimeout:       30 * time.Second,
		HeartbeatInterval:    2 * time.Minute,
		AutoReconnect:        true,
		MaxReconnectAttempts: 10,
		BackoffInitial:       2 * time.Second,
		BackoffMax:           60 * time.Second,
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Transport {
	case "tcp", "sim":
	default:
		return fmt.Errorf("config: unknown transport %q (want tcp or sim)", c.Transport)
	}
	if c.Transport == "tcp" && c.DeviceAddr == "" {
		return fmt.Errorf("config: device address required for tcp transport")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: database path required")
	}
	if c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("config: backoff ceiling %s below initial %s", c.BackoffMax, c.BackoffInitial)
	}
	return nil
}
