package session

import (
	"context"
	"encoding/json"

	"github.com/jwalitptl/consult-api/internal/model"
)

// TransportState mirrors the peer connection's connectivity.
type TransportState int

const (
	TransportStateNew TransportState = iota
	TransportStateConnected
	TransportStateDisconnected
	TransportStateFailed
	TransportStateClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportStateNew:
		return "new"
	case TransportStateConnected:
		return "connected"
	case TransportStateDisconnected:
		return "disconnected"
	case TransportStateFailed:
		return "failed"
	case TransportStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport abstracts the peer media connection so the state machine can be
// driven by fakes in tests. The production implementation wraps a pion
// PeerConnection.
type Transport interface {
	// CreateOffer produces and installs a local session description.
	CreateOffer() (sdp string, err error)
	// CreateAnswer applies the remote offer and produces a matching local
	// answer. Implementations must handle offer glare by rolling back any
	// pending local offer first.
	CreateAnswer(remoteOfferSDP string) (sdp string, err error)
	// SetAnswer applies the peer's answer to our outstanding offer.
	SetAnswer(sdp string) error
	// AddCandidate applies a remote connectivity candidate. Callers must
	// only invoke this after a remote description has been applied.
	AddCandidate(candidate json.RawMessage) error
	// OnCandidate registers the trickle callback for locally discovered
	// candidates. Must be set before CreateOffer/CreateAnswer.
	OnCandidate(fn func(candidate json.RawMessage))
	// OnStateChange registers the connectivity callback.
	OnStateChange(fn func(state TransportState))
	// AttachMedia adds the stream's tracks to the connection. Must be
	// called before negotiation.
	AttachMedia(stream MediaStream) error
	// ReplaceVideoTrack swaps the outgoing video source in place on the
	// already-negotiated connection, without renegotiation.
	ReplaceVideoTrack(track MediaTrack) error
	Close() error
}

// TransportFactory builds a fresh transport. Retry after failure recreates
// the transport from scratch; torn-down instances are never reused.
type TransportFactory func() (Transport, error)

// Signaling is the client side of the consultation room channel.
type Signaling interface {
	// Open dials the channel and joins the room. Bounded by ctx.
	Open(ctx context.Context) error
	Send(msg *model.SignalMessage) error
	// Events yields inbound messages. The channel closes when the
	// underlying connection does.
	Events() <-chan *model.SignalMessage
	Close() error
}

// SignalingFactory builds a fresh signaling channel per connection attempt.
type SignalingFactory func() (Signaling, error)
