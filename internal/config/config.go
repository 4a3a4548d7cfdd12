package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// MaxPeerID is the largest identifier a peer can take.
const MaxPeerID = 255

// Config holds all configuration for a ring peer
type Config struct {
	// Node identification and bootstrap successors
	ID         int
	Successor1 int
	Successor2 int

	// Addressing: every peer listens on Host:BasePort+ID, UDP for heartbeats
	// and TCP for control messages
	Host     string
	BasePort int

	// HTTP admin API (0 disables it)
	HTTPPort int

	// Heartbeat and repair parameters
	PingInterval       time.Duration // Time between probes of one successor
	PingTimeout        time.Duration // How long a probe waits for its response
	AckAccumulationMax int           // Sequence gap above which a successor is dead
	RepairMargin       time.Duration // Extra wait on top of PingInterval before slot-2 repair and leave
	DialTimeout        time.Duration // Bound on every outbound control connection

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
	LogFile   string // rotated file output, empty disables
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		ID:                 0,
		Successor1:         0,
		Successor2:         0,
		Host:               "127.0.0.1",
		BasePort:           50000,
		HTTPPort:           0,
		PingInterval:       1 * time.Second,
		PingTimeout:        800 * time.Millisecond,
		AckAccumulationMax: 5,
		RepairMargin:       1 * time.Second,
		DialTimeout:        3 * time.Second,
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	for name, id := range map[string]int{"id": c.ID, "successor1": c.Successor1, "successor2": c.Successor2} {
		if id < 0 || id > MaxPeerID {
			return fmt.Errorf("%s must be between 0 and %d, got %d", name, MaxPeerID, id)
		}
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.BasePort <= 0 || c.BasePort+MaxPeerID > 65535 {
		return fmt.Errorf("invalid base port: %d", c.BasePort)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %s", c.PingInterval)
	}
	if c.PingTimeout <= 0 || c.PingTimeout > c.PingInterval {
		return fmt.Errorf("ping timeout must be in (0, %s], got %s", c.PingInterval, c.PingTimeout)
	}
	if c.AckAccumulationMax < 1 || c.AckAccumulationMax > 254 {
		return fmt.Errorf("ack accumulation max must be between 1 and 254, got %d", c.AckAccumulationMax)
	}
	if c.RepairMargin < 0 {
		return fmt.Errorf("repair margin cannot be negative, got %s", c.RepairMargin)
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %s", c.DialTimeout)
	}
	return nil
}

// Port returns the UDP/TCP port of the peer with the given id.
func (c *Config) Port(id uint8) int {
	return c.BasePort + int(id)
}

// Address returns host:port of the peer with the given id.
func (c *Config) Address(id uint8) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port(id)))
}

// RepairWait is how long slot-2 repair and departure wait for the rest of the
// ring to catch up: one heartbeat interval plus the margin.
func (c *Config) RepairWait() time.Duration {
	return c.PingInterval + c.RepairMargin
}
