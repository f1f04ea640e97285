package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/consult-api/internal/model"
	apperrors "github.com/jwalitptl/consult-api/pkg/errors"
	"github.com/jwalitptl/consult-api/pkg/logger"
	"github.com/jwalitptl/consult-api/pkg/metrics"
)

var testMetrics = metrics.NewMetrics("test", "session")

const (
	waitTimeout = 2 * time.Second
	waitTick    = 10 * time.Millisecond
)

type fakeTrack struct {
	id   string
	kind MediaKind

	mu      sync.Mutex
	stopped bool
	onEnded []func()
}

func (f *fakeTrack) ID() string      { return f.id }
func (f *fakeTrack) Kind() MediaKind { return f.kind }

func (f *fakeTrack) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeTrack) OnEnded(fn func()) {
	f.mu.Lock()
	f.onEnded = append(f.onEnded, fn)
	f.mu.Unlock()
}

func (f *fakeTrack) fireEnded() {
	f.mu.Lock()
	fns := append([]func(){}, f.onEnded...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeStream struct {
	audio *fakeTrack
	video *fakeTrack

	mu      sync.Mutex
	stopped bool
}

func newFakeStream(name string) *fakeStream {
	return &fakeStream{
		audio: &fakeTrack{id: name + "-audio", kind: MediaAudio},
		video: &fakeTrack{id: name + "-video", kind: MediaVideo},
	}
}

func (f *fakeStream) Tracks() []MediaTrack   { return []MediaTrack{f.audio, f.video} }
func (f *fakeStream) AudioTrack() MediaTrack { return f.audio }
func (f *fakeStream) VideoTrack() MediaTrack { return f.video }

func (f *fakeStream) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.audio.Stop()
	f.video.Stop()
}

func (f *fakeStream) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeMedia struct {
	name string

	mu       sync.Mutex
	err      error
	acquired int
	streams  []*fakeStream
}

func (f *fakeMedia) Acquire(ctx context.Context) (MediaStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired++
	if f.err != nil {
		return nil, f.err
	}
	stream := newFakeStream(f.name)
	f.streams = append(f.streams, stream)
	return stream, nil
}

func (f *fakeMedia) acquireCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired
}

func (f *fakeMedia) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

type fakeTransport struct {
	mu sync.Mutex

	onCandidate func(json.RawMessage)
	onState     func(TransportState)

	attached     MediaStream
	offers       int
	answerCalls  int
	answersSet   []string
	candidates   []json.RawMessage
	replaced     []MediaTrack
	closed       bool
}

func (f *fakeTransport) CreateOffer() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return "local-offer", nil
}

func (f *fakeTransport) CreateAnswer(remoteOfferSDP string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerCalls++
	return "local-answer", nil
}

func (f *fakeTransport) SetAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answersSet = append(f.answersSet, sdp)
	return nil
}

func (f *fakeTransport) AddCandidate(candidate json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeTransport) OnCandidate(fn func(json.RawMessage)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnStateChange(fn func(TransportState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) AttachMedia(stream MediaStream) error {
	f.mu.Lock()
	f.attached = stream
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ReplaceVideoTrack(track MediaTrack) error {
	f.mu.Lock()
	f.replaced = append(f.replaced, track)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fireState waits for the machine to register its callback, then invokes it
// the way a real transport would, from a foreign goroutine.
func (f *fakeTransport) fireState(t *testing.T, ts TransportState) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		fn := f.onState
		f.mu.Unlock()
		if fn != nil {
			fn(ts)
			return
		}
		time.Sleep(waitTick)
	}
	t.Fatal("transport state callback never registered")
}

func (f *fakeTransport) offerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers
}

func (f *fakeTransport) answerCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answerCalls
}

func (f *fakeTransport) appliedCandidates() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage{}, f.candidates...)
}

func (f *fakeTransport) replacedTracks() []MediaTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MediaTrack{}, f.replaced...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSignaling struct {
	mu      sync.Mutex
	openErr error
	sent    []*model.SignalMessage
	events  chan *model.SignalMessage

	closeOnce sync.Once
	closed    bool
}

func newFakeSignaling(openErr error) *fakeSignaling {
	return &fakeSignaling{
		openErr: openErr,
		events:  make(chan *model.SignalMessage, 16),
	}
}

func (f *fakeSignaling) Open(ctx context.Context) error { return f.openErr }

func (f *fakeSignaling) Send(msg *model.SignalMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaling) Events() <-chan *model.SignalMessage { return f.events }

func (f *fakeSignaling) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeSignaling) push(msg *model.SignalMessage) {
	f.events <- msg
}

func (f *fakeSignaling) sentOfType(st model.SignalType) []*model.SignalMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.SignalMessage
	for _, msg := range f.sent {
		if msg.Type == st {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeSignaling) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type harness struct {
	media *fakeMedia

	mu         sync.Mutex
	openErr    error
	transports []*fakeTransport
	signals    []*fakeSignaling
}

func newHarness() *harness {
	return &harness{media: &fakeMedia{name: "camera"}}
}

func (h *harness) transportFactory() (Transport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &fakeTransport{}
	h.transports = append(h.transports, t)
	return t, nil
}

func (h *harness) signalingFactory() (Signaling, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := newFakeSignaling(h.openErr)
	h.signals = append(h.signals, s)
	return s, nil
}

func (h *harness) setOpenErr(err error) {
	h.mu.Lock()
	h.openErr = err
	h.mu.Unlock()
}

func (h *harness) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.transports) > i
	}, waitTimeout, waitTick)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[i]
}

func (h *harness) signal(t *testing.T, i int) *fakeSignaling {
	t.Helper()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.signals) > i
	}, waitTimeout, waitTick)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signals[i]
}

func (h *harness) signalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signals)
}

func newTestMachine(t *testing.T, h *harness, cfg Config) *Machine {
	t.Helper()
	if cfg.AppointmentID == (uuid.UUID{}) {
		cfg.AppointmentID = uuid.New()
	}
	if cfg.Role == "" {
		cfg.Role = model.RoleDoctor
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = waitTimeout
	}
	m := NewMachine(cfg, h.media, h.transportFactory, h.signalingFactory, logger.NewLogger(nil), testMetrics)
	t.Cleanup(m.Hangup)
	return m
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.State() == want
	}, waitTimeout, waitTick, "expected state %s, got %s", want, m.State())
}

func connectMachine(t *testing.T, h *harness, m *Machine) *fakeTransport {
	t.Helper()
	m.StartCall()
	waitState(t, m, StateConnecting)
	tr := h.transport(t, 0)
	tr.fireState(t, TransportStateConnected)
	waitState(t, m, StateConnected)
	return tr
}

func TestStartCallNegotiatesAndConnects(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{})

	m.StartCall()
	waitState(t, m, StateConnecting)

	tr := h.transport(t, 0)
	sig := h.signal(t, 0)

	// Readiness is announced and the offer goes out before any transport
	// confirmation arrives.
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(model.SignalOffer)) == 1
	}, waitTimeout, waitTick)
	assert.Len(t, sig.sentOfType(model.SignalReady), 1)
	assert.Equal(t, 1, tr.offerCount())

	tr.fireState(t, TransportStateConnected)
	waitState(t, m, StateConnected)
	assert.NoError(t, m.Err())
}

func TestStartCallIsIdempotent(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{})

	connectMachine(t, h, m)

	m.StartCall()
	m.StartCall()
	time.Sleep(50 * time.Millisecond)

	h.mu.Lock()
	transports := len(h.transports)
	signals := len(h.signals)
	h.mu.Unlock()
	assert.Equal(t, 1, transports, "repeated start must not build a second transport")
	assert.Equal(t, 1, signals)
	assert.Equal(t, 1, h.media.acquireCount())
	assert.Equal(t, 1, h.transport(t, 0).offerCount())
}

func TestMediaDenialFailsBeforeAnyConnection(t *testing.T) {
	h := newHarness()
	h.media.err = errors.New("permission denied")
	m := newTestMachine(t, h, Config{})

	waitState(t, m, StateFailed)
	assert.True(t, apperrors.IsCode(m.Err(), apperrors.ErrMediaPermissionDenied))
	assert.Equal(t, 0, h.signalCount(), "no connection attempt without media")
}

func TestSignalingFailureFailsTheAttempt(t *testing.T) {
	h := newHarness()
	h.setOpenErr(errors.New("dial refused"))
	m := newTestMachine(t, h, Config{})

	m.StartCall()
	waitState(t, m, StateFailed)
	assert.True(t, apperrors.IsCode(m.Err(), apperrors.ErrTransportUnavailable))
}

func TestConnectTimeoutFails(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{ConnectTimeout: 60 * time.Millisecond})

	m.StartCall()
	waitState(t, m, StateFailed)
	assert.True(t, apperrors.IsCode(m.Err(), apperrors.ErrTransportUnavailable))
	assert.True(t, h.transport(t, 0).isClosed())
}

// stalledMedia blocks Acquire until released, like a permission prompt the
// user never answers.
type stalledMedia struct {
	release chan struct{}
}

func (s *stalledMedia) Acquire(ctx context.Context) (MediaStream, error) {
	<-s.release
	return nil, errors.New("media source gone")
}

func TestConnectTimeoutCoversStalledMediaAcquisition(t *testing.T) {
	h := newHarness()
	media := &stalledMedia{release: make(chan struct{})}
	t.Cleanup(func() { close(media.release) })

	m := NewMachine(Config{
		AppointmentID:  uuid.New(),
		Role:           model.RoleDoctor,
		ConnectTimeout: 100 * time.Millisecond,
	}, media, h.transportFactory, h.signalingFactory, logger.NewLogger(nil), testMetrics)
	t.Cleanup(m.Hangup)

	m.StartCall()
	waitState(t, m, StateFailed)
	assert.True(t, apperrors.IsCode(m.Err(), apperrors.ErrTransportUnavailable))
	assert.Zero(t, h.signalCount())

	// Retry re-enters the connecting phase the same way and is bounded the
	// same way.
	m.Retry()
	waitState(t, m, StateConnecting)
	waitState(t, m, StateFailed)
}

func TestOptimisticPromotionAfterGrace(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{ConnectedGrace: 40 * time.Millisecond})

	// No transport confirmation ever arrives; the sent offer plus a quiet
	// grace period is treated as connected.
	m.StartCall()
	waitState(t, m, StateConnected)
}

func TestTransientPeerDisconnectIsAbsorbed(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{})

	tr := connectMachine(t, h, m)

	tr.fireState(t, TransportStateDisconnected)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())

	// Recovery is equally invisible.
	tr.fireState(t, TransportStateConnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateConnected, m.State())
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{})

	m.StartCall()
	waitState(t, m, StateConnecting)
	tr := h.transport(t, 0)
	sig := h.signal(t, 0)

	first := json.RawMessage(`{"candidate":"first"}`)
	second := json.RawMessage(`{"candidate":"second"}`)
	sig.push(&model.SignalMessage{Type: model.SignalCandidate, Candidate: first})
	sig.push(&model.SignalMessage{Type: model.SignalCandidate, Candidate: second})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tr.appliedCandidates(), "candidates must wait for the remote description")

	sig.push(&model.SignalMessage{Type: model.SignalAnswer, SDP: "remote-answer"})

	require.Eventually(t, func() bool {
		return len(tr.appliedCandidates()) == 2
	}, waitTimeout, waitTick)
	applied := tr.appliedCandidates()
	assert.JSONEq(t, string(first), string(applied[0]))
	assert.JSONEq(t, string(second), string(applied[1]))
}

func TestGlareDoctorIgnoresPeerOffer(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{Role: model.RoleDoctor})

	m.StartCall()
	waitState(t, m, StateConnecting)
	tr := h.transport(t, 0)
	sig := h.signal(t, 0)
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(model.SignalOffer)) == 1
	}, waitTimeout, waitTick)

	sig.push(&model.SignalMessage{Type: model.SignalOffer, SDP: "peer-offer"})
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, tr.answerCallCount())
	assert.Empty(t, sig.sentOfType(model.SignalAnswer))
}

func TestGlarePatientAnswersPeerOffer(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{Role: model.RolePatient})

	m.StartCall()
	waitState(t, m, StateConnecting)
	tr := h.transport(t, 0)
	sig := h.signal(t, 0)
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(model.SignalOffer)) == 1
	}, waitTimeout, waitTick)

	sig.push(&model.SignalMessage{Type: model.SignalOffer, SDP: "peer-offer"})

	require.Eventually(t, func() bool {
		return tr.answerCallCount() == 1
	}, waitTimeout, waitTick)
	require.Eventually(t, func() bool {
		return len(sig.sentOfType(model.SignalAnswer)) == 1
	}, waitTimeout, waitTick)
}

func TestRetryRebuildsEverything(t *testing.T) {
	h := newHarness()
	h.setOpenErr(errors.New("dial refused"))
	m := newTestMachine(t, h, Config{})

	m.StartCall()
	waitState(t, m, StateFailed)
	firstStream := h.media.stream(0)

	h.setOpenErr(nil)
	m.Retry()

	require.Eventually(t, func() bool {
		return h.signalCount() == 2
	}, waitTimeout, waitTick)
	assert.Equal(t, 2, h.media.acquireCount(), "retry re-acquires media from scratch")
	assert.True(t, firstStream.isStopped(), "retry releases the failed attempt's media")

	h.transport(t, 0).fireState(t, TransportStateConnected)
	waitState(t, m, StateConnected)
}

func TestRetryOnlyActsFromFailed(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{})

	connectMachine(t, h, m)
	m.Retry()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 1, h.signalCount())
}

func TestHangupReleasesEverything(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{})

	tr := connectMachine(t, h, m)
	sig := h.signal(t, 0)

	m.Hangup()

	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, tr.isClosed())
	assert.True(t, sig.isClosed())
	assert.True(t, h.media.stream(0).isStopped())
	assert.Len(t, sig.sentOfType(model.SignalLeave), 1)

	// The updates channel is closed; a second hangup returns immediately.
	for range m.Updates() {
	}
	m.Hangup()
}

func TestEvictionDisconnects(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{})

	connectMachine(t, h, m)
	h.signal(t, 0).push(&model.SignalMessage{Type: model.SignalEvicted})

	waitState(t, m, StateDisconnected)
	assert.True(t, h.transport(t, 0).isClosed())
	assert.True(t, h.media.stream(0).isStopped())
}

func TestPresenceSnapshotsReachCallback(t *testing.T) {
	h := newHarness()
	var mu sync.Mutex
	var snapshots []model.Presence
	m := newTestMachine(t, h, Config{OnPresence: func(p model.Presence) {
		mu.Lock()
		snapshots = append(snapshots, p)
		mu.Unlock()
	}})

	m.StartCall()
	waitState(t, m, StateConnecting)
	h.signal(t, 0).push(&model.SignalMessage{
		Type:     model.SignalPresence,
		Presence: &model.Presence{DoctorPresent: true, PatientPresent: true, DoctorReady: true, PatientReady: true},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snapshots) == 1
	}, waitTimeout, waitTick)
	mu.Lock()
	assert.True(t, snapshots[0].BothReady())
	mu.Unlock()
}

func TestScreenShareSwapsTrackInPlace(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{})

	tr := connectMachine(t, h, m)
	screenSrc := &fakeMedia{name: "screen"}

	m.ShareScreen(screenSrc)
	require.Eventually(t, func() bool {
		return len(tr.replacedTracks()) == 1
	}, waitTimeout, waitTick)

	screen := screenSrc.stream(0)
	assert.Same(t, MediaTrack(screen.video), tr.replacedTracks()[0])
	assert.Equal(t, 1, tr.offerCount(), "track swap must not renegotiate")

	m.StopScreenShare()
	require.Eventually(t, func() bool {
		return len(tr.replacedTracks()) == 2
	}, waitTimeout, waitTick)
	camera := h.media.stream(0)
	assert.Same(t, MediaTrack(camera.video), tr.replacedTracks()[1])
	assert.True(t, screen.isStopped())
}

func TestScreenShareEndRestoresCamera(t *testing.T) {
	h := newHarness()
	m := newTestMachine(t, h, Config{})

	tr := connectMachine(t, h, m)
	screenSrc := &fakeMedia{name: "screen"}

	m.ShareScreen(screenSrc)
	require.Eventually(t, func() bool {
		return len(tr.replacedTracks()) == 1
	}, waitTimeout, waitTick)

	// The user stops capture from outside the app; the camera returns on
	// its own.
	screenSrc.stream(0).video.fireEnded()

	require.Eventually(t, func() bool {
		return len(tr.replacedTracks()) == 2
	}, waitTimeout, waitTick)
	assert.Same(t, MediaTrack(h.media.stream(0).video), tr.replacedTracks()[1])
	assert.True(t, screenSrc.stream(0).isStopped())
}
