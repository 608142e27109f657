package cluster

import (
	"fmt"
	"io"
	"net"
	"slices"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config describes one watcher node of the replication cluster.
type Config struct {
	// RaftID names the node in logs and in recorded updates.
	RaftID string
	// BindAddr is the raft transport address (host:port). It doubles as the
	// raft server ID and must appear in Peers.
	BindAddr string
	// Peers lists every node's raft address, this node included.
	Peers []string

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64

	// ApplyTimeout bounds how long a ban or update record waits for commit.
	ApplyTimeout time.Duration

	// Logger receives raft's own logs. Nil discards them.
	Logger hclog.Logger
}

// Validate checks c and fills in defaults for unset fields.
func (c *Config) Validate() error {
	if c.RaftID == "" {
		return fmt.Errorf("raft-id is required")
	}
	if c.BindAddr == "" {
		return fmt.Errorf("raft-bind is required")
	}
	if _, _, err := net.SplitHostPort(c.BindAddr); err != nil {
		return fmt.Errorf("invalid raft-bind address %q: %w", c.BindAddr, err)
	}
	if len(c.Peers) == 0 {
		return fmt.Errorf("at least one peer is required")
	}
	for i, peer := range c.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			return fmt.Errorf("invalid peer address %d %q: %w", i, peer, err)
		}
	}
	if !slices.Contains(c.Peers, c.BindAddr) {
		return fmt.Errorf("peers must include raft-bind address %q", c.BindAddr)
	}

	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = time.Second
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = time.Second
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 2 * time.Minute
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 8192
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = hclog.New(&hclog.LoggerOptions{
			Name:   "raft",
			Level:  hclog.Off,
			Output: io.Discard,
		})
	}
}
