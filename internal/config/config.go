package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgelink/internal/logging"
)

var (
	ErrMissingListenAddr = errors.New("config: listen_addr is required")
	ErrInvalidAddr       = errors.New("config: invalid address")
	ErrInvalidMode       = errors.New("config: unknown security_mode")
	ErrInvalidBackend    = errors.New("config: unknown trust backend")
	ErrInvalidLevel      = errors.New("config: unknown log_level")
	ErrInvalidValue      = errors.New("config: invalid value")
)

// Config is the resolved daemon configuration.
type Config struct {
	Device       DeviceConfig
	StateDir     string
	ListenAddr   string
	Peers        []string
	SecurityMode string
	TLS          TLSConfig
	Pairing      PairingConfig
	Transfer     TransferConfig
	Scheduler    SchedulerConfig
	Trust        TrustConfig
	AdminAddr    string
	AdminToken   string
	CorsOrigins  []string
	LogLevel     string
	// Modules names the capability modules offered to peers.
	Modules []string
	// Clipboard selects the clipboard module's store: system or memory.
	Clipboard string
	Heartbeat time.Duration
}

type DeviceConfig struct {
	// ID is generated and persisted under StateDir when empty.
	ID   string
	Name string
	Type string
}

type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

type PairingConfig struct {
	RequestTimeout     time.Duration
	PeerRequestTimeout time.Duration
}

type TransferConfig struct {
	DownloadDir       string
	ChunkSize         int
	ProgressInterval  time.Duration
	MissingFilesGrace time.Duration
	OpenURLs          bool
}

type SchedulerConfig struct {
	Workers int
	MaxJobs int
}

type TrustConfig struct {
	Backend string
	Path    string
}

func DefaultConfig() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "edgelink"
	}
	return Config{
		Device: DeviceConfig{
			Name: host,
			Type: "desktop",
		},
		StateDir:     ".edgelink",
		ListenAddr:   ":1716",
		Peers:        []string{},
		SecurityMode: "development",
		Pairing: PairingConfig{
			RequestTimeout:     30 * time.Second,
			PeerRequestTimeout: 25 * time.Second,
		},
		Transfer: TransferConfig{
			DownloadDir:       "downloads",
			ChunkSize:         4096,
			ProgressInterval:  500 * time.Millisecond,
			MissingFilesGrace: time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers: 5,
			MaxJobs: 64,
		},
		Trust: TrustConfig{
			Backend: "file",
		},
		AdminAddr:   "127.0.0.1:9716",
		CorsOrigins: []string{},
		LogLevel:    "info",
		Modules:     []string{"battery", "clipboard", "ping", "share"},
		Clipboard:   "system",
		Heartbeat:   30 * time.Second,
	}
}

type fileConfig struct {
	StateDir     string   `toml:"state_dir"`
	ListenAddr   string   `toml:"listen_addr"`
	Peers        []string `toml:"peers"`
	SecurityMode string   `toml:"security_mode"`
	AdminAddr    string   `toml:"admin_addr"`
	AdminToken   string   `toml:"admin_token"`
	CorsOrigins  []string `toml:"cors_origins"`
	LogLevel     string   `toml:"log_level"`
	Modules      []string `toml:"modules"`
	Clipboard    string   `toml:"clipboard"`
	Heartbeat    string   `toml:"heartbeat"`

	Device struct {
		ID   string `toml:"id"`
		Name string `toml:"name"`
		Type string `toml:"type"`
	} `toml:"device"`

	TLS struct {
		Enabled  bool   `toml:"enabled"`
		CertFile string `toml:"cert_file"`
		KeyFile  string `toml:"key_file"`
	} `toml:"tls"`

	Pairing struct {
		RequestTimeout     string `toml:"request_timeout"`
		PeerRequestTimeout string `toml:"peer_request_timeout"`
	} `toml:"pairing"`

	Transfer struct {
		DownloadDir       string `toml:"download_dir"`
		ChunkSize         int    `toml:"chunk_size"`
		ProgressInterval  string `toml:"progress_interval"`
		MissingFilesGrace string `toml:"missing_files_grace"`
		OpenURLs          bool   `toml:"open_urls"`
	} `toml:"transfer"`

	Scheduler struct {
		Workers int `toml:"workers"`
		MaxJobs int `toml:"max_jobs"`
	} `toml:"scheduler"`

	Trust struct {
		Backend string `toml:"backend"`
		Path    string `toml:"path"`
	} `toml:"trust"`
}

// Load decodes path on top of DefaultConfig. Only keys present in the file
// override defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		logging.Warnf("config.Load path=%s unknown_keys=%v", path, undecoded)
	}

	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(dst *time.Duration, v string, key ...string) error {
		if !meta.IsDefined(key...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		}
		*dst = d
		return nil
	}

	str(&cfg.StateDir, raw.StateDir, "state_dir")
	str(&cfg.ListenAddr, raw.ListenAddr, "listen_addr")
	str(&cfg.SecurityMode, raw.SecurityMode, "security_mode")
	str(&cfg.AdminAddr, raw.AdminAddr, "admin_addr")
	str(&cfg.AdminToken, raw.AdminToken, "admin_token")
	str(&cfg.Clipboard, raw.Clipboard, "clipboard")
	str(&cfg.LogLevel, raw.LogLevel, "log_level")
	if meta.IsDefined("peers") {
		cfg.Peers = normalizeList(raw.Peers)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("modules") {
		cfg.Modules = normalizeList(raw.Modules)
	}
	if err := dur(&cfg.Heartbeat, raw.Heartbeat, "heartbeat"); err != nil {
		return Config{}, err
	}

	str(&cfg.Device.ID, raw.Device.ID, "device", "id")
	str(&cfg.Device.Name, raw.Device.Name, "device", "name")
	str(&cfg.Device.Type, raw.Device.Type, "device", "type")

	if meta.IsDefined("tls", "enabled") {
		cfg.TLS.Enabled = raw.TLS.Enabled
	}
	str(&cfg.TLS.CertFile, raw.TLS.CertFile, "tls", "cert_file")
	str(&cfg.TLS.KeyFile, raw.TLS.KeyFile, "tls", "key_file")

	if err := dur(&cfg.Pairing.RequestTimeout, raw.Pairing.RequestTimeout, "pairing", "request_timeout"); err != nil {
		return Config{}, err
	}
	if err := dur(&cfg.Pairing.PeerRequestTimeout, raw.Pairing.PeerRequestTimeout, "pairing", "peer_request_timeout"); err != nil {
		return Config{}, err
	}

	str(&cfg.Transfer.DownloadDir, raw.Transfer.DownloadDir, "transfer", "download_dir")
	if meta.IsDefined("transfer", "chunk_size") {
		cfg.Transfer.ChunkSize = raw.Transfer.ChunkSize
	}
	if err := dur(&cfg.Transfer.ProgressInterval, raw.Transfer.ProgressInterval, "transfer", "progress_interval"); err != nil {
		return Config{}, err
	}
	if err := dur(&cfg.Transfer.MissingFilesGrace, raw.Transfer.MissingFilesGrace, "transfer", "missing_files_grace"); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("transfer", "open_urls") {
		cfg.Transfer.OpenURLs = raw.Transfer.OpenURLs
	}

	if meta.IsDefined("scheduler", "workers") {
		cfg.Scheduler.Workers = raw.Scheduler.Workers
	}
	if meta.IsDefined("scheduler", "max_jobs") {
		cfg.Scheduler.MaxJobs = raw.Scheduler.MaxJobs
	}

	str(&cfg.Trust.Backend, raw.Trust.Backend, "trust", "backend")
	str(&cfg.Trust.Path, raw.Trust.Path, "trust", "path")

	cfg.resolvePaths(filepath.Dir(path))
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolvePaths anchors relative state paths at the config file's directory.
func (c *Config) resolvePaths(base string) {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.StateDir = anchor(c.StateDir)
	c.Transfer.DownloadDir = anchor(c.Transfer.DownloadDir)
	c.TLS.CertFile = anchor(c.TLS.CertFile)
	c.TLS.KeyFile = anchor(c.TLS.KeyFile)
	c.Trust.Path = anchor(c.Trust.Path)
}

// TrustPath returns the store location, defaulting into StateDir.
func (c Config) TrustPath() string {
	if c.Trust.Path != "" {
		return c.Trust.Path
	}
	if strings.EqualFold(c.Trust.Backend, "sqlite") {
		return filepath.Join(c.StateDir, "trust.db")
	}
	return filepath.Join(c.StateDir, "trusted_devices.toml")
}

// CertPaths returns the device certificate and key locations.
func (c Config) CertPaths() (string, string) {
	cert, key := c.TLS.CertFile, c.TLS.KeyFile
	if cert == "" {
		cert = filepath.Join(c.StateDir, "device.crt")
	}
	if key == "" {
		key = filepath.Join(c.StateDir, "device.key")
	}
	return cert, key
}

func (c Config) DeviceIDPath() string {
	return filepath.Join(c.StateDir, "device_id")
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return ErrMissingListenAddr
	}
	if err := validateAddr(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if cfg.AdminAddr != "" {
		if err := validateAddr(cfg.AdminAddr); err != nil {
			return fmt.Errorf("admin_addr: %w", err)
		}
	}
	for i, peer := range cfg.Peers {
		if err := validateAddr(peer); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
	}
	switch strings.ToLower(cfg.SecurityMode) {
	case "", "development", "production":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidMode, cfg.SecurityMode)
	}
	switch strings.ToLower(cfg.Trust.Backend) {
	case "", "file", "toml", "sqlite", "memory":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidBackend, cfg.Trust.Backend)
	}
	switch strings.ToLower(cfg.Clipboard) {
	case "", "system", "memory":
	default:
		return fmt.Errorf("%w: clipboard must be system or memory, got %s", ErrInvalidValue, cfg.Clipboard)
	}
	if _, ok := logging.ParseLevel(cfg.LogLevel); cfg.LogLevel != "" && !ok {
		return fmt.Errorf("%w: %s", ErrInvalidLevel, cfg.LogLevel)
	}
	if cfg.Pairing.RequestTimeout <= 0 || cfg.Pairing.PeerRequestTimeout <= 0 {
		return fmt.Errorf("%w: pairing timeouts must be positive", ErrInvalidValue)
	}
	if cfg.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("%w: transfer.chunk_size must be positive", ErrInvalidValue)
	}
	if cfg.Scheduler.Workers <= 0 || cfg.Scheduler.MaxJobs <= 0 {
		return fmt.Errorf("%w: scheduler workers and max_jobs must be positive", ErrInvalidValue)
	}
	if cfg.Heartbeat <= 0 {
		return fmt.Errorf("%w: heartbeat must be positive", ErrInvalidValue)
	}
	if cfg.Scheduler.MaxJobs < cfg.Scheduler.Workers {
		return fmt.Errorf("%w: scheduler.max_jobs below workers", ErrInvalidValue)
	}
	return nil
}

func validateAddr(addr string) error {
	if _, _, err := net.SplitHostPort(strings.TrimSpace(addr)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidAddr, addr)
	}
	return nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
