// Package share sends and receives files, text and urls. File payloads run
// as transfer jobs on the shared scheduler so the link's receive goroutine
// only ever queues work.
package share

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/danmuck/edgelink/internal/capability"
	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
	"github.com/danmuck/edgelink/internal/scheduler"
	"github.com/danmuck/edgelink/internal/tools"
	"github.com/danmuck/edgelink/internal/transfer"
)

const (
	ID = "share"

	EventText      = "share.text"
	EventURL       = "share.url"
	EventStarted   = "transfer.started"
	EventProgress  = "transfer.progress"
	EventSucceeded = "transfer.succeeded"
	EventFailed    = "transfer.failed"
)

var (
	ErrNoFiles    = errors.New("share: no files given")
	ErrNotRegular = errors.New("share: not a regular file")
	ErrEmptyText  = errors.New("share: empty text")
)

var meta = capability.Metadata{
	ID:          ID,
	Name:        "Share",
	Description: "Send and receive files, text and links",
}

var types = []string{protocol.TypeShareRequest, protocol.TypeShareRequestUpdate}

// Deps are the process-wide collaborators every share instance uses.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Sinks     transfer.SinkFactory
	Opener    tools.Opener
	Transfer  transfer.Config
	OpenURLs  bool
}

func Factory(deps Deps) capability.Factory {
	return capability.Factory{
		Metadata: meta,
		Incoming: types,
		Outgoing: types,
		New: func(h capability.Host) capability.Module {
			return &Module{
				host:         h,
				deps:         deps,
				active:       make(map[string]*transfer.Job),
				pendingBytes: protocol.UnknownSize,
			}
		},
	}
}

type Module struct {
	host capability.Host
	deps Deps

	mu           sync.Mutex
	incoming     *transfer.Job
	active       map[string]*transfer.Job
	pendingItems int
	pendingBytes int64
}

func (m *Module) Metadata() capability.Metadata  { return meta }
func (m *Module) SupportedPacketTypes() []string { return types }
func (m *Module) OutgoingPacketTypes() []string  { return types }
func (m *Module) OnCreate() error                { return nil }

// OnDestroy cancels every job this instance started.
func (m *Module) OnDestroy() {
	m.mu.Lock()
	jobs := make([]*transfer.Job, 0, len(m.active))
	for _, j := range m.active {
		jobs = append(jobs, j)
	}
	m.incoming = nil
	m.mu.Unlock()
	for _, j := range jobs {
		j.Cancel()
	}
}

func (m *Module) OnPacketReceived(p *protocol.Packet) bool {
	switch p.Type() {
	case protocol.TypeShareRequestUpdate:
		m.declare(int(p.Int(protocol.KeyNumberOfFiles, 0)), p.Int(protocol.KeyTotalPayloadSize, protocol.UnknownSize))
		return true
	case protocol.TypeShareRequest:
	default:
		return false
	}

	switch {
	case p.Has(protocol.KeyFilename):
		m.receiveFile(p)
		return true
	case p.Has(protocol.KeyText):
		discardPayload(p)
		text := p.String(protocol.KeyText, "")
		m.host.Publish(EventText, map[string]any{"text": text})
		return true
	case p.Has(protocol.KeyURL):
		discardPayload(p)
		url := p.String(protocol.KeyURL, "")
		m.host.Publish(EventURL, map[string]any{"url": url})
		if m.deps.OpenURLs && m.deps.Opener != nil && url != "" {
			go func() {
				if err := m.deps.Opener.Open(context.Background(), url); err != nil {
					logs.Warnf("share.Module.OnPacketReceived open url err=%v", err)
				}
			}()
		}
		return true
	}
	discardPayload(p)
	logs.Debugf("share.Module.OnPacketReceived device=%s unrecognized request keys", m.host.DeviceID())
	return false
}

// discardPayload frees the link slot of a payload nothing will read.
func discardPayload(p *protocol.Packet) {
	if !p.HasPayload() {
		return
	}
	logs.Debugf("share.discardPayload type=%s size=%d", p.Type(), p.Payload().Size)
	_ = p.Payload().Close()
}

// declare applies announced totals to the current receive job, or keeps
// them for the job the next file starts.
func (m *Module) declare(items int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incoming != nil && !m.incoming.State().Terminal() {
		m.incoming.Declare(items, bytes)
		return
	}
	m.pendingItems = items
	m.pendingBytes = bytes
}

func (m *Module) receiveFile(p *protocol.Packet) {
	pl := p.Payload()
	it := transfer.Item{
		Name: p.String(protocol.KeyFilename, ""),
		Size: 0,
	}
	if pl != nil {
		it.Size = pl.Size
		it.Stream = pl.Stream
	}
	items := int(p.Int(protocol.KeyNumberOfFiles, 1))
	bytes := p.Int(protocol.KeyTotalPayloadSize, protocol.UnknownSize)

	m.mu.Lock()
	if m.incoming != nil {
		err := m.incoming.Append(it)
		if err == nil {
			m.incoming.Declare(items, bytes)
			m.mu.Unlock()
			return
		}
		if !errors.Is(err, transfer.ErrJobClosed) {
			m.mu.Unlock()
			_ = pl.Close()
			logs.Warnf("share.Module.receiveFile device=%s append err=%v", m.host.DeviceID(), err)
			return
		}
	}

	if m.pendingItems > items {
		items = m.pendingItems
	}
	if bytes < 0 {
		bytes = m.pendingBytes
	}
	m.pendingItems = 0
	m.pendingBytes = protocol.UnknownSize

	job := transfer.NewReceiveJob(
		m.host.DeviceID(),
		m.deps.Sinks,
		m.deps.Opener,
		p.Bool(protocol.KeyOpen, false),
		m.deps.Transfer,
		m.callbacks(transfer.DirectionReceive),
	)
	job.Declare(items, bytes)
	if err := job.Append(it); err != nil {
		m.mu.Unlock()
		_ = pl.Close()
		logs.Warnf("share.Module.receiveFile device=%s item err=%v", m.host.DeviceID(), err)
		return
	}
	m.incoming = job
	m.active[job.ID()] = job
	m.mu.Unlock()

	m.start(job)
}

func (m *Module) start(job *transfer.Job) error {
	if err := m.deps.Scheduler.RunJob(job); err != nil {
		logs.Errf("share.Module.start device=%s job=%s err=%v", m.host.DeviceID(), job.ID(), err)
		// releases queued streams and reports the failure
		job.Cancel()
		return err
	}
	m.host.Publish(EventStarted, map[string]any{
		"job":       job.ID(),
		"direction": job.Direction().String(),
	})
	return nil
}

func (m *Module) callbacks(dir transfer.Direction) transfer.Callbacks {
	return transfer.Callbacks{
		OnProgress: func(id string, pct int) {
			m.host.Publish(EventProgress, map[string]any{"job": id, "percent": pct, "direction": dir.String()})
		},
		OnSuccess: func(id string) {
			moved := m.forget(id)
			m.host.Publish(EventSucceeded, map[string]any{"job": id, "direction": dir.String(), "bytes": moved})
		},
		OnError: func(id string, err error) {
			moved := m.forget(id)
			m.host.Publish(EventFailed, map[string]any{
				"job":       id,
				"direction": dir.String(),
				"bytes":     moved,
				"error":     err.Error(),
				"canceled":  errors.Is(err, transfer.ErrCanceled),
			})
		},
	}
}

// forget drops a finished job and reports how many bytes it moved.
func (m *Module) forget(id string) int64 {
	m.mu.Lock()
	job := m.active[id]
	delete(m.active, id)
	if m.incoming != nil && m.incoming.ID() == id {
		m.incoming = nil
	}
	m.mu.Unlock()
	if job == nil {
		return 0
	}
	return job.Snapshot().BytesDone
}

// ShareFiles starts a send job for paths and returns its id. A single file
// may ask the peer to open it once received.
func (m *Module) ShareFiles(paths []string, open bool) (string, error) {
	if len(paths) == 0 {
		return "", ErrNoFiles
	}
	items := make([]transfer.Item, 0, len(paths))
	closeAll := func() {
		for _, it := range items {
			_ = it.Stream.Close()
		}
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return "", fmt.Errorf("share: open %s: %w", path, err)
		}
		st, err := f.Stat()
		if err != nil || !st.Mode().IsRegular() {
			_ = f.Close()
			closeAll()
			return "", fmt.Errorf("%w: %s", ErrNotRegular, path)
		}
		items = append(items, transfer.Item{Name: filepath.Base(path), Size: st.Size(), Stream: f})
	}

	job := transfer.NewSendJob(m.host.DeviceID(), m.host, m.deps.Transfer, m.callbacks(transfer.DirectionSend))
	if open && len(items) == 1 {
		job.SetBody(protocol.Body{protocol.KeyOpen: true})
	}
	for i, it := range items {
		if err := job.Append(it); err != nil {
			for _, rest := range items[i:] {
				_ = rest.Stream.Close()
			}
			job.Cancel()
			return "", err
		}
	}
	job.Seal()

	m.mu.Lock()
	m.active[job.ID()] = job
	m.mu.Unlock()
	if err := m.start(job); err != nil {
		return "", err
	}
	logs.Infof("share.Module.ShareFiles device=%s job=%s files=%d", m.host.DeviceID(), job.ID(), len(items))
	return job.ID(), nil
}

func (m *Module) ShareText(ctx context.Context, text string) error {
	if text == "" {
		return ErrEmptyText
	}
	return m.host.Send(ctx, protocol.New(protocol.TypeShareRequest).MustSet(protocol.KeyText, text))
}

func (m *Module) ShareURL(ctx context.Context, url string) error {
	if url == "" {
		return ErrEmptyText
	}
	return m.host.Send(ctx, protocol.New(protocol.TypeShareRequest).MustSet(protocol.KeyURL, url))
}

// Active lists jobs this instance is tracking.
func (m *Module) Active() []transfer.Snapshot {
	m.mu.Lock()
	jobs := make([]*transfer.Job, 0, len(m.active))
	for _, j := range m.active {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()
	out := make([]transfer.Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	return out
}
