package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/edgelink/internal/protocol"
)

var (
	ErrJobClosed    = errors.New("transfer: job no longer accepts items")
	ErrJobStarted   = errors.New("transfer: job already started")
	ErrCanceled     = errors.New("transfer: job canceled")
	ErrMissingItems = errors.New("transfer: missing items")
	ErrSizeMismatch = errors.New("transfer: size mismatch")
	ErrEmptyName    = errors.New("transfer: item name is empty")
	ErrNilStream    = errors.New("transfer: item stream is nil")
)

type Direction int

const (
	DirectionSend Direction = iota + 1
	DirectionReceive
)

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	default:
		return "unknown"
	}
}

type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

type ItemStatus int

const (
	ItemQueued ItemStatus = iota
	ItemActive
	ItemDone
	ItemDropped
)

func (s ItemStatus) String() string {
	switch s {
	case ItemQueued:
		return "queued"
	case ItemActive:
		return "active"
	case ItemDone:
		return "done"
	case ItemDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Item is one payload of a job. Size may be protocol.UnknownSize.
type Item struct {
	Name   string
	Size   int64
	Stream io.ReadCloser
}

type item struct {
	Item
	status ItemStatus
}

// Sender delivers an outgoing packet and streams its payload.
type Sender interface {
	Send(ctx context.Context, p *protocol.Packet) error
}

// Callbacks are invoked from the job's worker goroutine, never under the
// job lock. Exactly one of OnSuccess or OnError fires per job; a canceled
// job reports OnError with an error wrapping ErrCanceled.
type Callbacks struct {
	OnProgress func(jobID string, percent int)
	OnSuccess  func(jobID string)
	OnError    func(jobID string, err error)
}

// Config tunes job behavior. Zero values fall back to defaults.
type Config struct {
	ChunkSize        int
	ProgressInterval time.Duration
	MissingGrace     time.Duration
	PacketType       string
	UpdateType       string
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:        protocol.DefaultChunkSize,
		ProgressInterval: 500 * time.Millisecond,
		MissingGrace:     time.Second,
		PacketType:       protocol.TypeShareRequest,
		UpdateType:       protocol.TypeShareRequestUpdate,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = def.ProgressInterval
	}
	if c.MissingGrace <= 0 {
		c.MissingGrace = def.MissingGrace
	}
	if c.PacketType == "" {
		c.PacketType = def.PacketType
	}
	return c
}

// JobError reports a failed job with how far it got.
type JobError struct {
	JobID     string
	Completed int
	Total     int
	Err       error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("transfer: job %s failed after %d of %d items: %v", e.JobID, e.Completed, e.Total, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Snapshot is a consistent copy of job progress.
type Snapshot struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"device_id"`
	Direction  string         `json:"direction"`
	State      string         `json:"state"`
	TotalItems int            `json:"total_items"`
	ItemsDone  int            `json:"items_done"`
	TotalBytes int64          `json:"total_bytes"`
	BytesDone  int64          `json:"bytes_done"`
	Current    string         `json:"current,omitempty"`
	Error      string         `json:"error,omitempty"`
	Created    time.Time      `json:"created"`
	Items      []ItemSnapshot `json:"items"`
}

// ItemSnapshot is one appended item as the job last saw it.
type ItemSnapshot struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Status string `json:"status"`
}
