package chat

import (
	"time"

	"github.com/mqy/minichat/backoff"
)

const (
	DefaultMaxContentBytes = 4096
	MaxMediaRefBytes       = 1024
	MaxIdempotencyKeyBytes = 128
	MaxDisplayNameRunes    = 64
	MaxDeviceTokenBytes    = 512
	// MaxBatchUsers bounds one GetUsers call.
	MaxBatchUsers = 100

	DefaultReadLimit = 50
	MaxReadLimit     = 200
)

type Config struct {
	MaxContentBytes int
	// RequireFriendship gates opening a conversation on an accepted friend edge.
	RequireFriendship bool
	AppendTimeout     time.Duration
	ReadRetries       int
	ReadBackoff       backoff.Policy
}

func (c *Config) setDefaults() {
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = DefaultMaxContentBytes
	}
	if c.AppendTimeout <= 0 {
		c.AppendTimeout = 10 * time.Second
	}
	if c.ReadRetries <= 0 {
		c.ReadRetries = 3
	}
	if c.ReadBackoff.Min <= 0 {
		c.ReadBackoff = backoff.Policy{Min: 50 * time.Millisecond, Max: time.Second, Multiplier: backoff.Multiplier}
	}
}
