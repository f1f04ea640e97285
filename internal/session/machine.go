package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consult-api/internal/model"
	apperrors "github.com/jwalitptl/consult-api/pkg/errors"
	"github.com/jwalitptl/consult-api/pkg/logger"
	"github.com/jwalitptl/consult-api/pkg/metrics"
)

// State is the client-local connection state.
type State string

const (
	StateWaiting      State = "WAITING"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateFailed       State = "FAILED"
	StateDisconnected State = "DISCONNECTED"
)

// StateChange is pushed to Updates on every transition. Err is set when the
// new state is FAILED.
type StateChange struct {
	State State
	Err   error
}

const (
	defaultConnectTimeout = 15 * time.Second
	defaultConnectedGrace = 3 * time.Second
)

// Config tunes one participant's session machine.
type Config struct {
	AppointmentID uuid.UUID
	Role          model.Role

	// ConnectTimeout bounds the CONNECTING state: no confirmation from the
	// signaling channel or transport within it means FAILED.
	ConnectTimeout time.Duration

	// ConnectedGrace optimistically promotes CONNECTING to CONNECTED this
	// long after a successfully sent offer, so a human initiator is not
	// blocked indefinitely by peer-side flakiness. Zero disables the
	// promotion and requires genuine transport confirmation.
	ConnectedGrace time.Duration

	// OnPresence, when set, receives room presence snapshots.
	OnPresence func(model.Presence)
}

// Machine drives one participant's consultation session: media
// acquisition, room membership, negotiation, and failure/retry. All
// transitions are applied by a single run loop consuming a serialized
// event queue; no two transitions are ever applied concurrently.
type Machine struct {
	cfg          Config
	media        MediaSource
	newTransport TransportFactory
	newSignaling SignalingFactory
	logger       *logger.Logger
	metrics      *metrics.Metrics

	events  chan event
	updates chan StateChange
	done    chan struct{}

	mu      sync.Mutex
	state   State
	lastErr error

	// Everything below is owned by the run loop.
	gen               int
	stream            MediaStream
	screen            MediaStream
	transport         Transport
	signaling         Signaling
	remoteDescSet     bool
	offerSent         bool
	pendingStart      bool
	pendingCandidates []json.RawMessage
	connectTimer      *time.Timer
	graceTimer        *time.Timer
}

// NewMachine builds the machine and begins eager local media acquisition.
// The machine starts in WAITING; an acquisition failure moves it to FAILED
// with MediaPermissionDenied before any call is attempted.
func NewMachine(
	cfg Config,
	media MediaSource,
	newTransport TransportFactory,
	newSignaling SignalingFactory,
	log *logger.Logger,
	m *metrics.Metrics,
) *Machine {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	mach := &Machine{
		cfg:          cfg,
		media:        media,
		newTransport: newTransport,
		newSignaling: newSignaling,
		logger:       log,
		metrics:      m,
		events:       make(chan event, 32),
		updates:      make(chan StateChange, 16),
		done:         make(chan struct{}),
		state:        StateWaiting,
	}
	go mach.run()
	mach.acquireMedia()
	return mach
}

// State returns the current connection state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the failure that produced the current FAILED state, if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Updates yields state transitions. The channel closes on DISCONNECTED.
func (m *Machine) Updates() <-chan StateChange {
	return m.updates
}

// StartCall begins connecting. It only acts from WAITING: repeated
// invocations while CONNECTING or CONNECTED are no-ops, so double-clicking
// "start call" never creates a second media stream or transport.
func (m *Machine) StartCall() {
	m.enqueue(event{kind: evStartCall})
}

// Retry re-attempts a failed connection. Local media, the transport, and
// all negotiation state are released and recreated from scratch.
func (m *Machine) Retry() {
	m.enqueue(event{kind: evRetry})
}

// Hangup tears the session down and blocks until media devices are
// released, the transport and signaling channel are closed, and the room
// has been notified. Safe to call from any state and more than once.
func (m *Machine) Hangup() {
	ack := make(chan struct{})
	if !m.enqueue(event{kind: evHangup, ack: ack}) {
		return // already disconnected
	}
	select {
	case <-ack:
	case <-m.done:
	}
}

// ShareScreen swaps the outgoing video for the given source's video track.
// The swap happens in place on the negotiated transport; no renegotiation
// occurs. When the alternate source ends, the camera track is restored.
func (m *Machine) ShareScreen(src MediaSource) {
	m.enqueue(event{kind: evShareScreen, src: src})
}

// StopScreenShare reverts to the camera track.
func (m *Machine) StopScreenShare() {
	m.enqueue(event{kind: evStopScreenShare})
}

func (m *Machine) enqueue(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Machine) acquireMedia() {
	gen := m.gen
	go func() {
		stream, err := m.media.Acquire(context.Background())
		if err != nil {
			m.enqueue(event{kind: evMediaError, gen: gen, err: err})
			return
		}
		m.enqueue(event{kind: evMediaReady, gen: gen, stream: stream})
	}()
}

func (m *Machine) run() {
	for ev := range m.events {
		if m.stale(ev) {
			continue
		}
		switch ev.kind {
		case evMediaReady:
			m.handleMediaReady(ev.stream)
		case evMediaError:
			m.fail(apperrors.MediaPermissionDenied(ev.err))
		case evStartCall:
			m.handleStartCall()
		case evRetry:
			m.handleRetry()
		case evHangup:
			m.teardownAll()
			m.setState(StateDisconnected, nil)
			close(m.updates)
			close(m.done)
			if ev.ack != nil {
				close(ev.ack)
			}
			return
		case evRemoteOffer:
			m.handleRemoteOffer(ev.sdp)
		case evRemoteAnswer:
			m.handleRemoteAnswer(ev.sdp)
		case evRemoteCandidate:
			m.handleRemoteCandidate(ev.candidate)
		case evPresence:
			if m.cfg.OnPresence != nil && ev.presence != nil {
				m.cfg.OnPresence(*ev.presence)
			}
		case evEvicted:
			// Another session took over our role; bow out quietly.
			m.teardownAll()
			m.setState(StateDisconnected, nil)
			close(m.updates)
			close(m.done)
			return
		case evSignalClosed:
			m.handleSignalClosed()
		case evTransportState:
			m.handleTransportState(ev.tstate)
		case evLocalCandidate:
			m.sendCandidate(ev.candidate)
		case evConnectTimeout:
			if m.state == StateConnecting {
				m.fail(apperrors.TransportUnavailable(context.DeadlineExceeded))
			}
		case evGraceElapsed:
			// Optimistic promotion: the offer went out and nothing broke
			// within the grace period. "Connected" means this side is ready
			// to transmit and receive, not mutual confirmation.
			if m.state == StateConnecting && m.offerSent {
				m.becomeConnected()
			}
		case evShareScreen:
			m.handleShareScreen(ev.src)
		case evScreenReady:
			m.handleScreenReady(ev.stream, ev.err)
		case evStopScreenShare, evScreenEnded:
			m.revertScreenShare()
		}
	}
}

// stale discards events stamped with a generation that has been torn down:
// timer fires, transport callbacks, and signal-pump messages belonging to a
// previous connection attempt.
func (m *Machine) stale(ev event) bool {
	switch ev.kind {
	case evMediaReady, evMediaError, evRemoteOffer, evRemoteAnswer,
		evRemoteCandidate, evSignalClosed, evTransportState,
		evLocalCandidate, evConnectTimeout, evGraceElapsed:
		return ev.gen != m.gen
	default:
		return false
	}
}

func (m *Machine) handleMediaReady(stream MediaStream) {
	if m.state == StateDisconnected || m.state == StateFailed {
		stream.Stop()
		return
	}
	m.stream = stream
	if m.pendingStart && m.state == StateConnecting {
		m.pendingStart = false
		m.connect()
	}
}

func (m *Machine) handleStartCall() {
	if m.state != StateWaiting {
		return
	}
	m.setState(StateConnecting, nil)
	m.armConnectTimer()
	if m.stream == nil {
		// Media acquisition is still in flight; connect once it lands.
		m.pendingStart = true
		return
	}
	m.connect()
}

// connect performs the CONNECTING sequence: open the signaling channel,
// join the room, emit ready, negotiate, and arm the timers. Runs entirely
// within one event dispatch, so no other transition interleaves.
func (m *Machine) connect() {
	sig, err := m.newSignaling()
	if err != nil {
		m.fail(apperrors.TransportUnavailable(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	err = sig.Open(ctx)
	cancel()
	if err != nil {
		sig.Close()
		m.fail(apperrors.TransportUnavailable(err))
		return
	}
	m.signaling = sig
	go m.pumpSignals(sig, m.gen)

	if err := sig.Send(&model.SignalMessage{
		Type:          model.SignalReady,
		AppointmentID: m.cfg.AppointmentID.String(),
		Role:          m.cfg.Role,
		Ready:         true,
	}); err != nil {
		m.fail(apperrors.TransportUnavailable(err))
		return
	}

	t, err := m.newTransport()
	if err != nil {
		m.fail(apperrors.TransportUnavailable(err))
		return
	}
	m.transport = t

	gen := m.gen
	t.OnCandidate(func(candidate json.RawMessage) {
		m.enqueue(event{kind: evLocalCandidate, gen: gen, candidate: candidate})
	})
	t.OnStateChange(func(ts TransportState) {
		m.enqueue(event{kind: evTransportState, gen: gen, tstate: ts})
	})

	if err := t.AttachMedia(m.stream); err != nil {
		m.fail(apperrors.Negotiation("failed to attach local media", err))
		return
	}

	offer, err := t.CreateOffer()
	if err != nil {
		m.fail(apperrors.Negotiation("failed to create offer", err))
		return
	}
	if err := m.signaling.Send(&model.SignalMessage{
		Type:          model.SignalOffer,
		AppointmentID: m.cfg.AppointmentID.String(),
		Role:          m.cfg.Role,
		SDP:           offer,
	}); err != nil {
		m.fail(apperrors.TransportUnavailable(err))
		return
	}
	m.offerSent = true

	if m.cfg.ConnectedGrace > 0 {
		m.graceTimer = time.AfterFunc(m.cfg.ConnectedGrace, func() {
			m.enqueue(event{kind: evGraceElapsed, gen: gen})
		})
	}
}

func (m *Machine) pumpSignals(sig Signaling, gen int) {
	for msg := range sig.Events() {
		switch msg.Type {
		case model.SignalOffer:
			m.enqueue(event{kind: evRemoteOffer, gen: gen, sdp: msg.SDP})
		case model.SignalAnswer:
			m.enqueue(event{kind: evRemoteAnswer, gen: gen, sdp: msg.SDP})
		case model.SignalCandidate:
			m.enqueue(event{kind: evRemoteCandidate, gen: gen, candidate: msg.Candidate})
		case model.SignalPresence:
			m.enqueue(event{kind: evPresence, gen: gen, presence: msg.Presence})
		case model.SignalEvicted:
			m.enqueue(event{kind: evEvicted, gen: gen})
		}
	}
	m.enqueue(event{kind: evSignalClosed, gen: gen})
}

func (m *Machine) handleRemoteOffer(sdp string) {
	if m.transport == nil || (m.state != StateConnecting && m.state != StateConnected) {
		return
	}
	// Offer glare: both sides pressed start and sent offers. The doctor is
	// the canonical offerer; it ignores the inbound offer while the patient
	// rolls back its own and answers.
	if m.cfg.Role == model.RoleDoctor && m.offerSent {
		m.logger.Debug("ignoring peer offer, acting as canonical offerer")
		return
	}
	answer, err := m.transport.CreateAnswer(sdp)
	if err != nil {
		m.fail(apperrors.Negotiation("failed to apply remote offer", err))
		return
	}
	m.remoteDescSet = true
	m.flushCandidates()

	if err := m.signaling.Send(&model.SignalMessage{
		Type:          model.SignalAnswer,
		AppointmentID: m.cfg.AppointmentID.String(),
		Role:          m.cfg.Role,
		SDP:           answer,
	}); err != nil {
		m.fail(apperrors.TransportUnavailable(err))
	}
}

func (m *Machine) handleRemoteAnswer(sdp string) {
	if m.transport == nil || (m.state != StateConnecting && m.state != StateConnected) {
		return
	}
	if !m.offerSent {
		m.fail(apperrors.Negotiation("received answer without an outstanding offer", nil))
		return
	}
	if err := m.transport.SetAnswer(sdp); err != nil {
		m.fail(apperrors.Negotiation("failed to apply remote answer", err))
		return
	}
	m.remoteDescSet = true
	m.flushCandidates()
}

// handleRemoteCandidate buffers candidates that arrive before the remote
// description; real networks do not guarantee arrival order, and a dropped
// candidate can cost the only viable path.
func (m *Machine) handleRemoteCandidate(candidate json.RawMessage) {
	if m.transport == nil || !m.remoteDescSet {
		m.pendingCandidates = append(m.pendingCandidates, candidate)
		return
	}
	if err := m.transport.AddCandidate(candidate); err != nil {
		m.logger.Warn("failed to apply remote candidate", "error", err.Error())
	}
}

func (m *Machine) flushCandidates() {
	for _, c := range m.pendingCandidates {
		if err := m.transport.AddCandidate(c); err != nil {
			m.logger.Warn("failed to apply buffered candidate", "error", err.Error())
		}
	}
	m.pendingCandidates = nil
}

func (m *Machine) sendCandidate(candidate json.RawMessage) {
	if m.signaling == nil {
		return
	}
	if err := m.signaling.Send(&model.SignalMessage{
		Type:          model.SignalCandidate,
		AppointmentID: m.cfg.AppointmentID.String(),
		Role:          m.cfg.Role,
		Candidate:     candidate,
	}); err != nil {
		m.logger.Warn("failed to send local candidate", "error", err.Error())
	}
}

func (m *Machine) handleTransportState(ts TransportState) {
	switch ts {
	case TransportStateConnected:
		if m.state == StateConnecting {
			m.becomeConnected()
		}
	case TransportStateDisconnected:
		// A connectivity blip is absorbed: ICE restarts on its own and a
		// demotion here would flap the UI. Only negotiation errors or an
		// explicit hangup leave CONNECTED.
		if m.state == StateConnected {
			m.logger.Warn("transient peer disconnection absorbed")
		}
	case TransportStateFailed:
		if m.state == StateConnecting {
			m.fail(apperrors.TransportUnavailable(nil))
		} else if m.state == StateConnected {
			m.logger.Warn("peer transport reported failure while connected")
		}
	}
}

func (m *Machine) handleSignalClosed() {
	if m.state == StateConnecting {
		m.fail(apperrors.TransportUnavailable(nil))
		return
	}
	// Once media flows peer-to-peer the signaling socket is expendable.
	if m.state == StateConnected {
		m.logger.Debug("signaling channel closed while connected")
	}
}

func (m *Machine) becomeConnected() {
	m.stopTimers()
	m.setState(StateConnected, nil)
}

func (m *Machine) handleRetry() {
	if m.state != StateFailed {
		return
	}
	// Partial reuse of torn-down state reproduces the original failure, so
	// everything is released and recreated: media, transport, negotiation.
	m.teardownConnection()
	if m.stream != nil {
		m.stream.Stop()
		m.stream = nil
	}
	m.setState(StateConnecting, nil)
	m.armConnectTimer()
	m.pendingStart = true
	m.acquireMedia()
}

func (m *Machine) handleShareScreen(src MediaSource) {
	if m.state != StateConnected && m.state != StateConnecting {
		return
	}
	gen := m.gen
	go func() {
		stream, err := src.Acquire(context.Background())
		m.enqueue(event{kind: evScreenReady, gen: gen, stream: stream, err: err})
	}()
}

func (m *Machine) handleScreenReady(stream MediaStream, err error) {
	if err != nil {
		m.logger.Warn("screen capture unavailable", "error", err.Error())
		return
	}
	if m.transport == nil || m.state == StateDisconnected {
		stream.Stop()
		return
	}
	track := stream.VideoTrack()
	if track == nil {
		stream.Stop()
		return
	}
	if err := m.transport.ReplaceVideoTrack(track); err != nil {
		m.logger.Error(err, "failed to swap video track")
		stream.Stop()
		return
	}
	if m.screen != nil {
		m.screen.Stop()
	}
	m.screen = stream
	gen := m.gen
	track.OnEnded(func() {
		m.enqueue(event{kind: evScreenEnded, gen: gen})
	})
}

func (m *Machine) revertScreenShare() {
	if m.screen == nil {
		return
	}
	m.screen.Stop()
	m.screen = nil
	if m.transport != nil && m.stream != nil {
		if cam := m.stream.VideoTrack(); cam != nil {
			if err := m.transport.ReplaceVideoTrack(cam); err != nil {
				m.logger.Error(err, "failed to restore camera track")
			}
		}
	}
}

func (m *Machine) fail(err *apperrors.AppError) {
	m.teardownConnection()
	m.setState(StateFailed, err)
}

// teardownConnection releases the per-attempt resources and bumps the
// generation so in-flight events from the dead attempt are discarded.
func (m *Machine) teardownConnection() {
	m.gen++
	m.stopTimers()
	if m.transport != nil {
		m.transport.Close()
		m.transport = nil
	}
	if m.signaling != nil {
		m.signaling.Send(&model.SignalMessage{
			Type:          model.SignalLeave,
			AppointmentID: m.cfg.AppointmentID.String(),
			Role:          m.cfg.Role,
		})
		m.signaling.Close()
		m.signaling = nil
	}
	m.remoteDescSet = false
	m.offerSent = false
	m.pendingStart = false
	m.pendingCandidates = nil
}

func (m *Machine) teardownAll() {
	m.teardownConnection()
	if m.screen != nil {
		m.screen.Stop()
		m.screen = nil
	}
	if m.stream != nil {
		m.stream.Stop()
		m.stream = nil
	}
}

// armConnectTimer bounds the whole CONNECTING phase. Armed at the
// transition into CONNECTING rather than after the offer goes out, so a
// media acquisition that never returns is covered too.
func (m *Machine) armConnectTimer() {
	gen := m.gen
	m.connectTimer = time.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.enqueue(event{kind: evConnectTimeout, gen: gen})
	})
}

func (m *Machine) stopTimers() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

func (m *Machine) setState(next State, err error) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.lastErr = err
	m.mu.Unlock()

	if prev == next {
		return
	}
	if m.metrics != nil {
		m.metrics.SessionTransitions.WithLabelValues(string(prev), string(next)).Inc()
	}
	if next == StateDisconnected {
		// The updates channel is closed by the run loop right after; the
		// final transition is observable through State().
		return
	}
	select {
	case m.updates <- StateChange{State: next, Err: err}:
	default:
		m.logger.Debug("dropping state update, consumer is slow")
	}
}
