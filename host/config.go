package host

import (
	"time"

	"github.com/cyberinferno/notnet/frame"
	"github.com/cyberinferno/notnet/session"
)

// DuplicatePolicy decides what happens when a requested name is taken.
type DuplicatePolicy string

const (
	// RenameOnDuplicate admits the client as name-2, name-3, ...
	RenameOnDuplicate DuplicatePolicy = "rename"
	// RejectOnDuplicate answers username_taken and closes the connection.
	RejectOnDuplicate DuplicatePolicy = "reject"
)

const (
	DefaultAddr              = "0.0.0.0:55555"
	DefaultHostName          = "NotNet"
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultMaxRenameAttempts = 16
	DefaultKickBanDuration   = 5 * time.Minute

	// MaxNameLength is the longest display name accepted, in runes.
	MaxNameLength = 32
)

// Config holds the host's tunables.
type Config struct {
	Addr     string
	HostName string

	MaxFrameSize      int
	OutboundQueueSize int
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	// IdleTimeout closes sessions that send nothing for this long; zero
	// disables it.
	IdleTimeout time.Duration

	DuplicatePolicy   DuplicatePolicy
	MaxRenameAttempts int
	// KickBanDuration refuses reconnects from a kicked client's IP for this
	// long; zero disables bans.
	KickBanDuration time.Duration
}

// DefaultConfig returns a Config listening on DefaultAddr with the defaults
// applied.
func DefaultConfig() Config {
	return Config{
		Addr:              DefaultAddr,
		HostName:          DefaultHostName,
		MaxFrameSize:      frame.DefaultMaxFrameSize,
		OutboundQueueSize: session.DefaultQueueSize,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		WriteTimeout:      session.DefaultWriteTimeout,
		DuplicatePolicy:   RenameOnDuplicate,
		MaxRenameAttempts: DefaultMaxRenameAttempts,
		KickBanDuration:   DefaultKickBanDuration,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}

	if c.HostName == "" {
		c.HostName = d.HostName
	}

	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}

	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = d.OutboundQueueSize
	}

	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}

	if c.DuplicatePolicy == "" {
		c.DuplicatePolicy = d.DuplicatePolicy
	}

	if c.MaxRenameAttempts <= 0 {
		c.MaxRenameAttempts = d.MaxRenameAttempts
	}

	return c
}

func (c Config) sessionConfig() session.Config {
	return session.Config{
		QueueSize:    c.OutboundQueueSize,
		WriteTimeout: c.WriteTimeout,
		MaxFrameSize: c.MaxFrameSize,
	}
}
