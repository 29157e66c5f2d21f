package daemon

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/edgelink/internal/capability"
	"github.com/danmuck/edgelink/internal/capability/battery"
	"github.com/danmuck/edgelink/internal/capability/clipboard"
	"github.com/danmuck/edgelink/internal/capability/ping"
	"github.com/danmuck/edgelink/internal/capability/share"
	"github.com/danmuck/edgelink/internal/config"
	"github.com/danmuck/edgelink/internal/device"
	"github.com/danmuck/edgelink/internal/events"
	"github.com/danmuck/edgelink/internal/identity"
	"github.com/danmuck/edgelink/internal/link"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/observability"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/scheduler"
	"github.com/danmuck/edgelink/internal/server"
	"github.com/danmuck/edgelink/internal/tools"
	"github.com/danmuck/edgelink/internal/transfer"
	"github.com/danmuck/edgelink/internal/trust"
)

var (
	ErrInvalidHeartbeat = errors.New("daemon: invalid heartbeat interval")
	ErrUnknownModule    = errors.New("daemon: unknown builtin module")
	ErrNotBootstrapped  = errors.New("daemon: service not bootstrapped")
)

// redialDelay spaces reconnects to a static peer after its link drops.
const redialDelay = 2 * time.Second

// Service owns every long-lived component of one edgelink node.
type Service struct {
	cfg     config.Config
	cfgPath string

	localID  string
	local    protocol.Identity
	cert     *tls.Certificate
	bus      *events.Bus
	store    trust.Store
	sched    *scheduler.Scheduler
	caps     *capability.Registry
	devices  *device.Registry
	listener *link.Listener
	dialer   *link.Dialer
	admin    *server.Server
	watcher  *config.Watcher

	closeOnce sync.Once
}

func NewService(cfg config.Config) *Service {
	return &Service{cfg: cfg}
}

// WithConfigPath enables live reload of path.
func (s *Service) WithConfigPath(path string) *Service {
	s.cfgPath = path
	return s
}

// Run bootstraps and blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Bootstrap(); err != nil {
		s.Close()
		return err
	}
	defer s.Close()
	return s.Serve(ctx)
}

func (s *Service) LocalID() string                 { return s.localID }
func (s *Service) Local() protocol.Identity        { return s.local }
func (s *Service) Devices() *device.Registry       { return s.devices }
func (s *Service) Scheduler() *scheduler.Scheduler { return s.sched }
func (s *Service) Bus() *events.Bus                { return s.bus }

// ListenAddr reports the bound link address once bootstrapped.
func (s *Service) ListenAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Bootstrap builds identity, trust, modules and the listener. Nothing is
// served until Serve.
func (s *Service) Bootstrap() error {
	if s.cfg.Heartbeat <= 0 {
		return ErrInvalidHeartbeat
	}
	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("daemon: state dir: %w", err)
	}
	config.ApplyLogLevel(s.cfg)

	id := strings.TrimSpace(s.cfg.Device.ID)
	if id == "" {
		var err error
		if id, err = identity.LoadOrCreateDeviceID(s.cfg.DeviceIDPath()); err != nil {
			return err
		}
	}
	s.localID = id

	linkCfg := s.cfg.LinkConfig()
	if linkCfg.TLS.Enabled {
		cert, err := identity.LoadOrCreate(linkCfg.TLS.CertFile, linkCfg.TLS.KeyFile, id)
		if err != nil {
			return err
		}
		s.cert = &cert
		logs.Infof("daemon.Service.Bootstrap tls fingerprint=%s", identity.CertificateFingerprint(cert))
	}

	store, err := trust.Open(s.cfg.Trust.Backend, s.cfg.TrustPath())
	if err != nil {
		return fmt.Errorf("daemon: trust store: %w", err)
	}
	s.store = store

	s.bus = events.New()
	observability.RegisterMetrics()
	observability.ObserveEvents(s.bus)
	s.sched = scheduler.New(s.cfg.SchedulerConfig())

	caps, err := buildBuiltinRegistry(s.cfg.Modules, moduleDeps{share: s.shareDeps(), clipboard: s.clipboardStore()})
	if err != nil {
		return err
	}
	s.caps = caps

	s.devices = device.NewRegistry(id, s.cfg.DeviceConfig(), caps, store, s.bus)
	if err := s.devices.Load(); err != nil {
		return err
	}

	in, out := caps.Capabilities()
	s.local = protocol.Identity{
		DeviceID:             id,
		DeviceName:           s.cfg.Device.Name,
		DeviceType:           s.cfg.Device.Type,
		ProtocolVersion:      protocol.ProtocolVersion,
		IncomingCapabilities: in,
		OutgoingCapabilities: out,
	}

	s.listener, err = link.Listen(s.cfg.ListenAddr, linkCfg, s.local, s.cert)
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	if len(s.cfg.Peers) > 0 {
		if s.dialer, err = link.NewDialer(linkCfg, s.local, s.cert); err != nil {
			return err
		}
	}
	if s.cfg.AdminAddr != "" {
		logger := observability.InitLogger("edgelinkd", nil)
		s.admin = server.New(server.Config{
			Name:        "edgelinkd",
			Addr:        s.cfg.AdminAddr,
			CorsOrigins: s.cfg.CorsOrigins,
			Token:       s.cfg.AdminToken,
		}, s.devices, s.sched, s.bus, logger)
	}

	logs.Infof(
		"daemon.Service.Bootstrap ready device_id=%s name=%q listen=%s modules=%v tls=%v",
		id,
		s.cfg.Device.Name,
		s.ListenAddr(),
		s.cfg.Modules,
		s.cert != nil,
	)
	return nil
}

func (s *Service) shareDeps() share.Deps {
	return share.Deps{
		Scheduler: s.sched,
		Sinks:     transfer.DirSinks{Dir: s.cfg.Transfer.DownloadDir},
		Opener:    tools.NewOpener(),
		Transfer:  s.cfg.TransferConfig(),
		OpenURLs:  s.cfg.Transfer.OpenURLs,
	}
}

// Serve runs the accept loop, static peer dialers, the admin API and the
// heartbeat until ctx ends.
func (s *Service) Serve(ctx context.Context) error {
	if s.listener == nil {
		return ErrNotBootstrapped
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.listener.Serve(ctx, s.attach); err != nil {
			logs.Errf("daemon.Service.Serve listener err=%v", err)
		}
	}()
	for _, addr := range s.cfg.Peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			s.dialLoop(ctx, addr)
		}(addr)
	}

	adminErr := make(chan error, 1)
	if s.admin != nil {
		go func() { adminErr <- s.admin.Serve(ctx) }()
	}
	s.startWatcher()

	defer func() {
		cancel()
		wg.Wait()
	}()

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logs.Infof("daemon.Service.Serve shutdown device_id=%s", s.localID)
			return nil
		case err := <-adminErr:
			if err != nil {
				return fmt.Errorf("daemon: admin server: %w", err)
			}
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

func (s *Service) attach(l *link.StreamLink, peer protocol.Identity) {
	d, err := s.devices.AttachLink(l, peer)
	if err != nil {
		logs.Warnf("daemon.Service.attach peer=%s remote=%s err=%v", peer.DeviceID, l.RemoteAddr(), err)
		return
	}
	logs.Infof("daemon.Service.attach device=%s name=%q paired=%v", d.ID(), d.Name(), d.IsPaired())
}

// dialLoop keeps one outbound link to addr alive.
func (s *Service) dialLoop(ctx context.Context, addr string) {
	for {
		l, peer, err := s.dialer.DialRetry(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logs.Warnf("daemon.Service.dialLoop addr=%s err=%v", addr, err)
		} else {
			s.attach(l, peer)
			select {
			case <-ctx.Done():
				return
			case <-l.Done():
				logs.Infof("daemon.Service.dialLoop addr=%s link lost", addr)
			}
		}
		t := time.NewTimer(redialDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Service) startWatcher() {
	if s.cfgPath == "" {
		return
	}
	w, err := config.NewWatcher(s.cfgPath)
	if err != nil {
		logs.Warnf("daemon.Service.startWatcher path=%s err=%v", s.cfgPath, err)
		return
	}
	w.OnChange(config.ApplyLogLevel)
	if err := w.Start(); err != nil {
		logs.Warnf("daemon.Service.startWatcher path=%s err=%v", s.cfgPath, err)
		w.Stop()
		return
	}
	s.watcher = w
}

func (s *Service) heartbeat() {
	var reachable, paired int
	list := s.devices.List()
	for _, d := range list {
		if d.IsReachable() {
			reachable++
		}
		if d.IsPaired() {
			paired++
		}
	}
	logs.Infof(
		"daemon.Service.heartbeat device_id=%s devices=%d reachable=%d paired=%d jobs=%d",
		s.localID,
		len(list),
		reachable,
		paired,
		s.sched.Len(),
	)
}

// Close releases everything Bootstrap acquired. Safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.devices != nil {
			s.devices.Close()
		}
		if s.sched != nil {
			s.sched.Close()
		}
		if s.bus != nil {
			s.bus.Unsubscribe("observability")
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				logs.Warnf("daemon.Service.Close trust store err=%v", err)
			}
		}
	})
}

type moduleDeps struct {
	share     share.Deps
	clipboard clipboard.Store
}

// clipboardStore falls back to an in-process store when no desktop
// clipboard is reachable.
func (s *Service) clipboardStore() clipboard.Store {
	if strings.EqualFold(s.cfg.Clipboard, "memory") {
		return &clipboard.MemoryStore{}
	}
	if !clipboard.SystemAvailable() {
		logs.Warnf("daemon.Service.clipboardStore system clipboard unavailable, using memory")
		return &clipboard.MemoryStore{}
	}
	return clipboard.NewSystemStore()
}

// buildBuiltinRegistry registers the named modules in order.
func buildBuiltinRegistry(ids []string, deps moduleDeps) (*capability.Registry, error) {
	reg := capability.NewRegistry()
	for _, raw := range ids {
		var f capability.Factory
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "", "none":
			continue
		case ping.ID:
			f = ping.Factory()
		case battery.ID:
			f = battery.Factory(battery.SysfsProvider(battery.DefaultSysfsRoot))
		case clipboard.ID:
			store := deps.clipboard
			if store == nil {
				store = &clipboard.MemoryStore{}
			}
			f = clipboard.Factory(store)
		case share.ID:
			f = share.Factory(deps.share)
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownModule, raw)
		}
		if err := reg.Register(f); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
