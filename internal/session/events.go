package session

import (
	"encoding/json"

	"github.com/jwalitptl/consult-api/internal/model"
)

// eventKind tags the single event union that drives the machine. Every
// stimulus (user action, timer expiration, inbound signal, transport
// callback) becomes one of these and is applied by the run loop alone.
type eventKind int

const (
	evMediaReady eventKind = iota
	evMediaError
	evStartCall
	evRetry
	evHangup
	evRemoteOffer
	evRemoteAnswer
	evRemoteCandidate
	evPresence
	evEvicted
	evSignalClosed
	evTransportState
	evLocalCandidate
	evConnectTimeout
	evGraceElapsed
	evShareScreen
	evScreenReady
	evStopScreenShare
	evScreenEnded
)

type event struct {
	kind eventKind

	// gen stamps events produced by timers, transport callbacks, and the
	// signal pump. The loop discards events from a generation that has
	// already been torn down.
	gen int

	stream    MediaStream
	err       error
	sdp       string
	candidate json.RawMessage
	presence  *model.Presence
	tstate    TransportState
	src       MediaSource
	ack       chan struct{}
}
