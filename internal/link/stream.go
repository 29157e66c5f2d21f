package link

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/edgelink/internal/identity"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/protocol/frame"
	"github.com/danmuck/edgelink/internal/protocol/schema"
)

// StreamLink carries packets and their payloads over one net.Conn. Payload
// bytes travel as chunk frames keyed by a link-local transfer id, so
// several payloads can be in flight on the same connection.
type StreamLink struct {
	id          string
	kind        string
	priority    int
	fingerprint string
	conn        net.Conn
	cfg         Config

	wmu          sync.Mutex
	nextMsgID    atomic.Uint64
	nextTransfer atomic.Uint64

	recvMu    sync.RWMutex
	receiver  func(*protocol.Packet)
	startOnce sync.Once

	inbound   *payloadTable
	done      chan struct{}
	closeOnce sync.Once
}

var _ Link = (*StreamLink)(nil)

// NewStreamLink wraps an already handshaken connection. TLS connections get
// the higher priority and expose the peer certificate fingerprint.
func NewStreamLink(conn net.Conn, cfg Config) *StreamLink {
	cfg = cfg.withDefaults()
	l := &StreamLink{
		id:       uuid.NewString(),
		kind:     "tcp",
		priority: PriorityPlain,
		conn:     conn,
		cfg:      cfg,
		inbound:  newPayloadTable(cfg.MaxOpenPayloads, spillPolicy{memory: cfg.PayloadMemory, dir: cfg.SpillDir}),
		done:     make(chan struct{}),
	}
	if tc, ok := conn.(*tls.Conn); ok {
		l.kind = "tls"
		l.priority = PriorityTLS
		state := tc.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			l.fingerprint = identity.Fingerprint(state.PeerCertificates[0].Raw)
		}
	}
	return l
}

func (l *StreamLink) ID() string              { return l.id }
func (l *StreamLink) Kind() string            { return l.kind }
func (l *StreamLink) Priority() int           { return l.priority }
func (l *StreamLink) PeerFingerprint() string { return l.fingerprint }
func (l *StreamLink) Done() <-chan struct{}   { return l.done }

func (l *StreamLink) RemoteAddr() string {
	if addr := l.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (l *StreamLink) SetReceiver(fn func(*protocol.Packet)) {
	l.recvMu.Lock()
	l.receiver = fn
	l.recvMu.Unlock()
	l.startOnce.Do(func() { go l.readLoop() })
}

func (l *StreamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.Close()
		l.inbound.FinishAll(ErrClosed)
		logs.Debugf("link.StreamLink.Close id=%s kind=%s", l.id, l.kind)
	})
	return err
}

func (l *StreamLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *StreamLink) SendPacket(ctx context.Context, p *protocol.Packet) error {
	if p == nil {
		return protocol.ErrEmptyType
	}
	pl := p.Payload()
	if l.closed() {
		_ = pl.Close()
		return ErrClosed
	}

	var transferID uint64
	if pl != nil {
		transferID = l.nextTransfer.Add(1)
		info := pl.TransferInfo.Clone()
		info["transferId"] = int64(transferID)
		pl.TransferInfo = info
	}
	p.Seal()

	raw, err := protocol.Marshal(p)
	if err != nil {
		_ = pl.Close()
		return err
	}
	if err := l.writeFrame(frame.MsgPacket, raw); err != nil {
		_ = pl.Close()
		return err
	}
	if pl == nil {
		return nil
	}
	return l.sendPayload(ctx, transferID, pl)
}

func (l *StreamLink) sendPayload(ctx context.Context, transferID uint64, pl *protocol.Payload) error {
	defer pl.Close()

	var total int64
	if pl.Stream != nil {
		w := &chunkWriter{link: l, transferID: transferID}
		n, err := protocol.CopyPayload(ctx, w, pl.Stream, l.cfg.ChunkSize, nil)
		total = n
		if err != nil {
			abort := schema.EncodeAbort(schema.Abort{TransferID: transferID, Reason: err.Error()})
			if aerr := l.writeFrame(frame.MsgPayloadAbort, abort); aerr != nil {
				logs.Debugf("link.StreamLink.sendPayload abort not sent id=%s transfer=%d err=%v", l.id, transferID, aerr)
			}
			return err
		}
	}
	end := schema.EncodeEnd(schema.End{TransferID: transferID, Total: uint64(total)})
	return l.writeFrame(frame.MsgPayloadEnd, end)
}

// writeFrame holds the write lock for exactly one frame so chunks from
// concurrent payloads interleave.
func (l *StreamLink) writeFrame(messageType uint32, payload []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.closed() {
		return ErrClosed
	}
	if l.cfg.WriteTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	}
	f := frame.New(messageType, l.nextMsgID.Add(1), payload)
	if err := frame.WriteFrame(l.conn, f, l.cfg.Limits); err != nil {
		if errors.Is(err, frame.ErrPayloadTooLarge) {
			return err
		}
		logs.Warnf("link.StreamLink.writeFrame id=%s message_type=%d err=%v", l.id, messageType, err)
		go l.Close()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

type chunkWriter struct {
	link       *StreamLink
	transferID uint64
	offset     uint64
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	payload := schema.EncodeChunk(schema.Chunk{
		TransferID: w.transferID,
		Offset:     w.offset,
		Data:       p,
	})
	if err := w.link.writeFrame(frame.MsgPayloadChunk, payload); err != nil {
		return 0, err
	}
	w.offset += uint64(len(p))
	return len(p), nil
}

func (l *StreamLink) readLoop() {
	defer l.Close()
	for {
		f, err := frame.ReadFrame(l.conn, l.cfg.Limits)
		if err != nil {
			if !l.closed() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrDeadlineExceeded) {
				logs.Warnf("link.StreamLink.readLoop id=%s err=%v", l.id, err)
			}
			return
		}
		switch f.Header.MessageType {
		case frame.MsgPacket:
			l.handlePacket(f.Payload)
		case frame.MsgPayloadChunk:
			l.handleChunk(f.Payload)
		case frame.MsgPayloadEnd:
			l.handleEnd(f.Payload)
		case frame.MsgPayloadAbort:
			l.handleAbort(f.Payload)
		default:
			logs.Debugf("link.StreamLink.readLoop id=%s dropped message_type=%d", l.id, f.Header.MessageType)
		}
	}
}

func (l *StreamLink) handlePacket(raw []byte) {
	p, err := protocol.Unmarshal(raw)
	if err != nil {
		logs.Warnf("link.StreamLink.handlePacket id=%s dropped err=%v", l.id, err)
		return
	}
	if pl := p.Payload(); pl != nil {
		pl.Stream = l.openInbound(p.Type(), pl)
	}
	l.deliver(p)
}

func (l *StreamLink) openInbound(packetType string, pl *protocol.Payload) io.ReadCloser {
	raw := pl.TransferInfo.Int("transferId", -1)
	if raw < 0 {
		logs.Warnf("link.StreamLink.openInbound id=%s type=%s missing transferId", l.id, packetType)
		return failedStream(ErrPayloadCorrupt)
	}
	s, err := l.inbound.Open(uint64(raw))
	if err != nil {
		logs.Warnf("link.StreamLink.openInbound id=%s type=%s transfer=%d err=%v", l.id, packetType, raw, err)
		return failedStream(err)
	}
	return s
}

func failedStream(err error) io.ReadCloser {
	s := newPayloadStream(0, spillPolicy{})
	s.finish(err)
	return s
}

func (l *StreamLink) deliver(p *protocol.Packet) {
	l.recvMu.RLock()
	fn := l.receiver
	l.recvMu.RUnlock()
	if fn == nil {
		logs.Debugf("link.StreamLink.deliver id=%s no receiver type=%s", l.id, p.Type())
		_ = p.Payload().Close()
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logs.Errf("link.StreamLink.deliver id=%s type=%s receiver panic=%v", l.id, p.Type(), r)
		}
	}()
	fn(p)
}

func (l *StreamLink) handleChunk(raw []byte) {
	c, err := schema.DecodeChunk(raw)
	if err != nil {
		logs.Warnf("link.StreamLink.handleChunk id=%s dropped err=%v", l.id, err)
		return
	}
	s, ok := l.inbound.Get(c.TransferID)
	if !ok {
		logs.Debugf("link.StreamLink.handleChunk id=%s unknown transfer=%d", l.id, c.TransferID)
		return
	}
	if c.Offset != s.received {
		logs.Warnf(
			"link.StreamLink.handleChunk id=%s transfer=%d offset=%d want=%d",
			l.id,
			c.TransferID,
			c.Offset,
			s.received,
		)
		s.finish(ErrPayloadCorrupt)
		l.inbound.Remove(c.TransferID)
		return
	}
	s.received += uint64(len(c.Data))
	if s.discarding() {
		return
	}
	s.push(c.Data)
}

func (l *StreamLink) handleEnd(raw []byte) {
	e, err := schema.DecodeEnd(raw)
	if err != nil {
		logs.Warnf("link.StreamLink.handleEnd id=%s dropped err=%v", l.id, err)
		return
	}
	s, ok := l.inbound.Get(e.TransferID)
	if !ok {
		return
	}
	l.inbound.Remove(e.TransferID)
	if e.Total != s.received {
		s.finish(fmt.Errorf("%w: got %d of %d bytes", ErrPayloadCorrupt, s.received, e.Total))
		return
	}
	s.finish(nil)
}

func (l *StreamLink) handleAbort(raw []byte) {
	a, err := schema.DecodeAbort(raw)
	if err != nil {
		logs.Warnf("link.StreamLink.handleAbort id=%s dropped err=%v", l.id, err)
		return
	}
	s, ok := l.inbound.Get(a.TransferID)
	if !ok {
		return
	}
	l.inbound.Remove(a.TransferID)
	s.finish(fmt.Errorf("%w: %s", ErrPayloadAborted, a.Reason))
}
