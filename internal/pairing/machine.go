package pairing

import (
	"sync"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/edgelink/internal/logging"
	"github.com/danmuck/edgelink/internal/protocol"
)

// StateMachine is the pairing state of one device. It lives as long as the
// device so trust survives reconnects.
type StateMachine struct {
	deviceID string
	cfg      Config
	send     SendFunc
	persist  PersistFunc

	// pmu orders trust store writes with the transitions behind them.
	pmu sync.Mutex

	mu       sync.Mutex
	state    State
	timer    *time.Timer
	timerGen uint64
	epoch    uint64

	// lastAccept is the unix nano time of our last pair=true send.
	lastAccept atomic.Int64

	lmu       sync.RWMutex
	listeners []Listener
}

// New builds a machine starting in Paired when paired is true (loaded from
// the trust store), else NotPaired. persist may be nil.
func New(deviceID string, cfg Config, paired bool, send SendFunc, persist PersistFunc) *StateMachine {
	d := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if cfg.PeerRequestTimeout <= 0 {
		cfg.PeerRequestTimeout = d.PeerRequestTimeout
	}
	m := &StateMachine{
		deviceID: deviceID,
		cfg:      cfg,
		send:     send,
		persist:  persist,
		state:    NotPaired,
	}
	if paired {
		m.state = Paired
	}
	return m
}

func (m *StateMachine) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StateMachine) IsPaired() bool {
	return m.State() == Paired
}

// TimerArmed reports whether a request timeout is pending.
func (m *StateMachine) TimerArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// RequestPairing asks the peer for trust. A pending request from the peer
// is accepted instead, which settles simultaneous requests.
func (m *StateMachine) RequestPairing() error {
	m.mu.Lock()
	switch m.state {
	case Paired:
		m.mu.Unlock()
		return ErrAlreadyPaired
	case RequestedByPeer:
		m.mu.Unlock()
		logs.Infof("pairing.StateMachine.RequestPairing device=%s peer already asked, accepting", m.deviceID)
		return m.AcceptPairing()
	case RequestedByUs:
		m.mu.Unlock()
		logs.Debugf("pairing.StateMachine.RequestPairing device=%s already pending", m.deviceID)
		return nil
	}
	// Transition before sending so a fast answer lands in RequestedByUs.
	epoch := m.transitionLocked(RequestedByUs)
	m.armLocked(m.cfg.RequestTimeout)
	m.mu.Unlock()

	if err := m.sendPair(true); err != nil {
		if m.revert(epoch) {
			m.notifyFailed(ReasonUnreachable)
		}
		return ErrUnreachable
	}
	logs.Infof("pairing.StateMachine.RequestPairing device=%s sent", m.deviceID)
	return nil
}

// AcceptPairing answers a pending peer request.
func (m *StateMachine) AcceptPairing() error {
	m.mu.Lock()
	if m.state != RequestedByPeer {
		m.mu.Unlock()
		return ErrNotRequested
	}
	m.cancelTimerLocked()
	epoch := m.transitionLocked(Paired)
	m.mu.Unlock()

	if err := m.sendPair(true); err != nil {
		if m.revert(epoch) {
			m.notifyFailed(ReasonUnreachable)
		}
		return ErrUnreachable
	}
	// A pair=false that landed during the send already moved us on.
	if !m.persistIfCurrent(epoch, true) {
		logs.Infof("pairing.StateMachine.AcceptPairing device=%s superseded during send", m.deviceID)
		return nil
	}
	m.notifySuccess()
	return nil
}

// RejectPairing declines a pending peer request.
func (m *StateMachine) RejectPairing() error {
	m.mu.Lock()
	if m.state != RequestedByPeer {
		m.mu.Unlock()
		return ErrNotRequested
	}
	m.mu.Unlock()
	m.CancelPairing()
	return nil
}

// CancelPairing abandons an outstanding request from either side.
func (m *StateMachine) CancelPairing() {
	m.mu.Lock()
	if m.state != RequestedByUs && m.state != RequestedByPeer {
		m.mu.Unlock()
		return
	}
	m.cancelTimerLocked()
	m.transitionLocked(NotPaired)
	m.mu.Unlock()

	m.sendBestEffort(false)
	m.notifyFailed(ReasonCanceled)
}

// Unpair drops trust. Pending requests are canceled instead.
func (m *StateMachine) Unpair() {
	m.mu.Lock()
	switch m.state {
	case NotPaired:
		m.mu.Unlock()
		return
	case RequestedByUs, RequestedByPeer:
		m.mu.Unlock()
		m.CancelPairing()
		return
	}
	m.cancelTimerLocked()
	epoch := m.transitionLocked(NotPaired)
	m.mu.Unlock()

	m.sendBestEffort(false)
	if m.persistIfCurrent(epoch, false) {
		m.notifyUnpaired()
	}
}

// OnPacketReceived consumes one pair packet. It never returns an error;
// failures become transitions and notifications.
func (m *StateMachine) OnPacketReceived(p *protocol.Packet) {
	if p == nil || p.Type() != protocol.TypePair {
		return
	}
	if err := protocol.Validate(p); err != nil {
		logs.Warnf("pairing.StateMachine.OnPacketReceived device=%s dropped err=%v", m.deviceID, err)
		return
	}
	wantPair := p.Bool("pair", false)

	m.mu.Lock()
	prev := m.state
	if wantPair && prev == RequestedByPeer {
		// Duplicate request: keep the running timer, arm nothing new.
		// Canceling it here would leave RequestedByPeer with no timeout.
		m.mu.Unlock()
		logs.Infof("pairing.StateMachine.OnPacketReceived device=%s duplicate request ignored", m.deviceID)
		return
	}
	m.cancelTimerLocked()

	if wantPair {
		switch prev {
		case RequestedByUs:
			epoch := m.transitionLocked(Paired)
			m.mu.Unlock()
			if m.persistIfCurrent(epoch, true) {
				m.notifySuccess()
			}
		case Paired:
			m.mu.Unlock()
			if time.Since(time.Unix(0, m.lastAccept.Load())) < echoGuard {
				// our own accept is still in flight; echoing would ping-pong
				logs.Debugf("pairing.StateMachine.OnPacketReceived device=%s echo suppressed", m.deviceID)
				return
			}
			logs.Infof("pairing.StateMachine.OnPacketReceived device=%s re-request while paired, echoing accept", m.deviceID)
			m.sendBestEffort(true)
		default:
			m.transitionLocked(RequestedByPeer)
			m.armLocked(m.cfg.PeerRequestTimeout)
			m.mu.Unlock()
			m.notifyIncoming()
		}
		return
	}

	switch prev {
	case Paired:
		epoch := m.transitionLocked(NotPaired)
		m.mu.Unlock()
		if m.persistIfCurrent(epoch, false) {
			m.notifyUnpaired()
		}
	case RequestedByUs, RequestedByPeer:
		m.transitionLocked(NotPaired)
		m.mu.Unlock()
		m.notifyFailed(ReasonCanceledByPeer)
	default:
		m.mu.Unlock()
	}
}

// Close stops any pending timer without notifying.
func (m *StateMachine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimerLocked()
}

func (m *StateMachine) transitionLocked(next State) uint64 {
	if m.state != next {
		logs.Infof("pairing.StateMachine device=%s %s -> %s", m.deviceID, m.state, next)
	}
	m.state = next
	m.epoch++
	return m.epoch
}

// revert undoes an optimistic transition if nothing else moved the state
// since; it reports whether it did.
func (m *StateMachine) revert(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch {
		return false
	}
	m.cancelTimerLocked()
	m.transitionLocked(NotPaired)
	return true
}

func (m *StateMachine) armLocked(d time.Duration) {
	m.cancelTimerLocked()
	gen := m.timerGen
	m.timer = time.AfterFunc(d, func() { m.onTimeout(gen) })
}

// cancelTimerLocked stops the timer and bumps the generation so a callback
// already in flight becomes a no-op.
func (m *StateMachine) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerGen++
}

func (m *StateMachine) onTimeout(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen || m.timer == nil {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.timerGen++
	if m.state != RequestedByUs && m.state != RequestedByPeer {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(NotPaired)
	m.mu.Unlock()
	logs.Warnf("pairing.StateMachine device=%s request timed out", m.deviceID)
	m.notifyFailed(ReasonTimedOut)
}

// echoGuard is how long after sending pair=true a peer's pair=true is
// taken as the answer to it rather than a fresh request.
const echoGuard = time.Second

func (m *StateMachine) sendPair(pair bool) error {
	if m.send == nil {
		return ErrUnreachable
	}
	if err := m.send(pair); err != nil {
		return err
	}
	if pair {
		m.lastAccept.Store(time.Now().UnixNano())
	}
	return nil
}

func (m *StateMachine) sendBestEffort(pair bool) {
	if err := m.sendPair(pair); err != nil {
		logs.Debugf("pairing.StateMachine device=%s pair=%v not sent err=%v", m.deviceID, pair, err)
	}
}

// persistIfCurrent writes paired only while epoch is still the latest
// transition. A later transition's write always lands after it.
func (m *StateMachine) persistIfCurrent(epoch uint64, paired bool) bool {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	if !m.current(epoch) {
		return false
	}
	if m.persist != nil {
		m.persist(paired)
	}
	return true
}

func (m *StateMachine) current(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch
}

func (m *StateMachine) snapshot() []Listener {
	m.lmu.RLock()
	defer m.lmu.RUnlock()
	out := make([]Listener, len(m.listeners))
	copy(out, m.listeners)
	return out
}

func (m *StateMachine) notifyIncoming() {
	for _, l := range m.snapshot() {
		l.IncomingPairRequest()
	}
}

func (m *StateMachine) notifySuccess() {
	for _, l := range m.snapshot() {
		l.PairingSuccessful()
	}
}

func (m *StateMachine) notifyFailed(reason string) {
	for _, l := range m.snapshot() {
		l.PairingFailed(reason)
	}
}

func (m *StateMachine) notifyUnpaired() {
	for _, l := range m.snapshot() {
		l.Unpaired()
	}
}

// PairPacket builds the pair packet the machine's SendFunc should deliver.
func PairPacket(pair bool) *protocol.Packet {
	p := protocol.New(protocol.TypePair)
	p.MustSet("pair", pair)
	if pair {
		p.MustSet("timestamp", time.Now().Unix())
	}
	return p
}
