package link

import (
	"time"

	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
)

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig points at the local device certificate. Peers are self-signed,
// so there is no CA; trust is pinned per device by fingerprint.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport defaults for dialed and accepted links.
type Config struct {
	SecurityMode     SecurityMode
	TLS              TLSConfig
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ChunkSize        int
	MaxOpenPayloads  int
	// PayloadMemory is how many unread bytes of one inbound payload stay
	// in memory before the rest spills to a temp file under SpillDir.
	PayloadMemory int
	SpillDir      string
	AcceptRate    float64
	AcceptBurst   int
	DialAttempts  int
	Limits        frame.Limits
	Backoff       BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		SecurityMode:     SecurityModeDevelopment,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		ChunkSize:        protocol.DefaultChunkSize,
		MaxOpenPayloads:  16,
		PayloadMemory:    1 << 20,
		AcceptRate:       10,
		AcceptBurst:      20,
		DialAttempts:     5,
		Limits:           frame.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxOpenPayloads <= 0 {
		c.MaxOpenPayloads = d.MaxOpenPayloads
	}
	if c.PayloadMemory <= 0 {
		c.PayloadMemory = d.PayloadMemory
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}
