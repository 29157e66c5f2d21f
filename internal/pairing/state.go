package pairing

import (
	"errors"
	"time"
)

type State int

const (
	NotPaired State = iota
	RequestedByUs
	RequestedByPeer
	Paired
)

func (s State) String() string {
	switch s {
	case NotPaired:
		return "not_paired"
	case RequestedByUs:
		return "requested_by_us"
	case RequestedByPeer:
		return "requested_by_peer"
	case Paired:
		return "paired"
	default:
		return "unknown"
	}
}

// Failure reasons handed to Listener.PairingFailed.
const (
	ReasonTimedOut       = "timed out"
	ReasonCanceled       = "canceled"
	ReasonCanceledByPeer = "canceled by peer"
	ReasonUnreachable    = "device not reachable"
)

var (
	ErrAlreadyPaired = errors.New("pairing: already paired")
	ErrUnreachable   = errors.New("pairing: device not reachable")
	ErrNotRequested  = errors.New("pairing: no pending request from peer")
)

// Listener receives pairing outcomes. Calls happen after the state change
// is visible through State.
type Listener interface {
	IncomingPairRequest()
	PairingSuccessful()
	PairingFailed(reason string)
	Unpaired()
}

// SendFunc delivers a pair packet to the peer. Any error is treated as the
// peer being unreachable.
type SendFunc func(pair bool) error

// PersistFunc records the paired flag whenever it changes.
type PersistFunc func(paired bool)

type Config struct {
	// RequestTimeout bounds how long we wait for the peer to answer.
	RequestTimeout time.Duration
	// PeerRequestTimeout is shorter so the side being asked fails first.
	PeerRequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:     30 * time.Second,
		PeerRequestTimeout: 25 * time.Second,
	}
}
