package config

import (
	"strings"

	"github.com/danmuck/edgelink/internal/device"
	"github.com/danmuck/edgelink/internal/link"
	"github.com/danmuck/edgelink/internal/pairing"
	"github.com/danmuck/edgelink/internal/scheduler"
	"github.com/danmuck/edgelink/internal/transfer"
)

// LinkConfig maps transport settings onto link defaults.
func (c Config) LinkConfig() link.Config {
	out := link.DefaultConfig()
	out.SecurityMode = link.NormalizeSecurityMode(link.SecurityMode(strings.ToLower(c.SecurityMode)))
	certFile, keyFile := c.CertPaths()
	out.TLS = link.TLSConfig{
		Enabled:  c.TLS.Enabled || out.SecurityMode == link.SecurityModeProduction,
		CertFile: certFile,
		KeyFile:  keyFile,
	}
	if c.Transfer.ChunkSize > 0 {
		out.ChunkSize = c.Transfer.ChunkSize
	}
	return out
}

func (c Config) PairingConfig() pairing.Config {
	return pairing.Config{
		RequestTimeout:     c.Pairing.RequestTimeout,
		PeerRequestTimeout: c.Pairing.PeerRequestTimeout,
	}
}

func (c Config) DeviceConfig() device.Config {
	return device.Config{Pairing: c.PairingConfig()}
}

func (c Config) TransferConfig() transfer.Config {
	out := transfer.DefaultConfig()
	out.ChunkSize = c.Transfer.ChunkSize
	out.ProgressInterval = c.Transfer.ProgressInterval
	out.MissingGrace = c.Transfer.MissingFilesGrace
	return out
}

func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Workers: c.Scheduler.Workers,
		MaxJobs: c.Scheduler.MaxJobs,
	}
}
