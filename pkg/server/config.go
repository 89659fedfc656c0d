package server

import (
	"errors"
	"fmt"
)

// Config collects everything the matcher needs to run.
type Config struct {
	// TCPAddr and UDPAddr are the order-entry listen addresses.
	TCPAddr string
	UDPAddr string

	// MulticastAddr is the market data group. Empty disables the feed.
	MulticastAddr string

	// MetricsAddr serves the Prometheus scrape endpoint. Empty disables it.
	MetricsAddr string

	// Shards is the number of matching engines (1 or 2). With two, symbols
	// split on their first letter.
	Shards int

	// MaxClients caps concurrently connected clients across transports.
	MaxClients int

	// MaxOrders caps resting orders per engine shard.
	MaxOrders int

	// QueueSize is the per-shard input and output queue capacity.
	QueueSize int

	// InboxSize is the dispatcher channel depth shared by the transports.
	InboxSize int

	// UserMapSize is the slot count of the user-to-client table.
	UserMapSize int
}

// DefaultConfig returns the standing defaults.
func DefaultConfig() Config {
	return Config{
		TCPAddr:       ":9001",
		UDPAddr:       ":9002",
		MulticastAddr: "239.255.0.1:9003",
		MetricsAddr:   ":9090",
		Shards:        1,
		MaxClients:    1024,
		MaxOrders:     65536,
		QueueSize:     65536,
		InboxSize:     4096,
		UserMapSize:   65536,
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.TCPAddr == "" && c.UDPAddr == "" {
		return errors.New("config: no order entry transport enabled")
	}
	if c.Shards < 1 || c.Shards > MaxShards {
		return fmt.Errorf("config: shards must be 1..%d, got %d", MaxShards, c.Shards)
	}
	if c.MaxClients < 1 {
		return fmt.Errorf("config: max clients must be positive, got %d", c.MaxClients)
	}
	if c.MaxOrders < 1 {
		return fmt.Errorf("config: max orders must be positive, got %d", c.MaxOrders)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("config: queue size must be positive, got %d", c.QueueSize)
	}
	if c.InboxSize < 1 {
		return fmt.Errorf("config: inbox size must be positive, got %d", c.InboxSize)
	}
	if c.UserMapSize < 1 {
		return fmt.Errorf("config: user map size must be positive, got %d", c.UserMapSize)
	}
	return nil
}
