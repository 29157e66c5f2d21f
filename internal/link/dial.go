package link

import (
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
)

// Dialer opens outbound links.
type Dialer struct {
	cfg   Config
	local protocol.Identity
	cert  *tls.Certificate

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewDialer(cfg Config, local protocol.Identity, cert *tls.Certificate) (*Dialer, error) {
	if err := cfg.ValidateTransport(); err != nil {
		return nil, err
	}
	if cfg.TLS.Enabled && cert == nil {
		return nil, ErrTLSCertFileRequired
	}
	return &Dialer{
		cfg:   cfg.withDefaults(),
		local: local,
		cert:  cert,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Dial makes one connection attempt.
func (d *Dialer) Dial(ctx context.Context, addr string) (*StreamLink, protocol.Identity, error) {
	nd := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, protocol.Identity{}, err
	}
	if d.cfg.TLS.Enabled {
		tc := tls.Client(conn, ClientTLSConfig(*d.cert))
		hctx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, protocol.Identity{}, err
		}
		conn = tc
	}
	return Establish(conn, d.local, d.cfg)
}

// DialRetry retries Dial with backoff up to cfg.DialAttempts times.
func (d *Dialer) DialRetry(ctx context.Context, addr string) (*StreamLink, protocol.Identity, error) {
	attempts := d.cfg.DialAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		l, peer, err := d.Dial(ctx, addr)
		if err == nil {
			return l, peer, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		d.rngMu.Lock()
		delay := d.cfg.Backoff.Delay(attempt, d.rng)
		d.rngMu.Unlock()
		logs.Warnf("link.Dialer.DialRetry addr=%s attempt=%d delay=%s err=%v", addr, attempt, delay, err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, protocol.Identity{}, ctx.Err()
		case <-t.C:
		}
	}
	return nil, protocol.Identity{}, lastErr
}

// Listener accepts inbound links at a bounded rate.
type Listener struct {
	ln      net.Listener
	cfg     Config
	local   protocol.Identity
	cert    *tls.Certificate
	limiter *rate.Limiter
}

func Listen(addr string, cfg Config, local protocol.Identity, cert *tls.Certificate) (*Listener, error) {
	if err := cfg.ValidateTransport(); err != nil {
		return nil, err
	}
	if cfg.TLS.Enabled && cert == nil {
		return nil, ErrTLSCertFileRequired
	}
	cfg = cfg.withDefaults()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.AcceptRate > 0 {
		limit = rate.Limit(cfg.AcceptRate)
	}
	burst := cfg.AcceptBurst
	if burst <= 0 {
		burst = 1
	}
	return &Listener{
		ln:      ln,
		cfg:     cfg,
		local:   local,
		cert:    cert,
		limiter: rate.NewLimiter(limit, burst),
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts until ctx ends or the listener is closed. Each handshake
// runs on its own goroutine; onLink receives only established links.
func (l *Listener) Serve(ctx context.Context, onLink func(*StreamLink, protocol.Identity)) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil
		}
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logs.Warnf("link.Listener.Serve accept err=%v", err)
			continue
		}
		go func() {
			link, peer, err := l.establish(ctx, conn)
			if err != nil {
				logs.Warnf("link.Listener.Serve remote=%s handshake err=%v", conn.RemoteAddr(), err)
				return
			}
			logs.Infof("link.Listener.Serve accepted peer=%s kind=%s", peer.DeviceID, link.Kind())
			onLink(link, peer)
		}()
	}
}

func (l *Listener) establish(ctx context.Context, conn net.Conn) (*StreamLink, protocol.Identity, error) {
	if l.cfg.TLS.Enabled {
		tc := tls.Server(conn, ServerTLSConfig(*l.cert))
		hctx, cancel := context.WithTimeout(ctx, l.cfg.HandshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, protocol.Identity{}, err
		}
		conn = tc
	}
	return Establish(conn, l.local, l.cfg)
}
