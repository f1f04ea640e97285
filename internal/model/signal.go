package model

import "encoding/json"

// SignalType tags the wire message union exchanged over a consultation
// socket. Client-originated types: join, ready, offer, answer, candidate,
// chat, leave. Server-originated types: history, message, presence-changed,
// evicted, plus relayed offer/answer/candidate/ready/leave.
type SignalType string

const (
	SignalJoin      SignalType = "join"
	SignalReady     SignalType = "ready"
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
	SignalChat      SignalType = "chat"
	SignalLeave     SignalType = "leave"

	SignalHistory     SignalType = "history"
	SignalChatMessage SignalType = "message"
	SignalPresence    SignalType = "presence-changed"
	SignalEvicted     SignalType = "evicted"
)

// SignalMessage is the tagged union carried over the signaling channel.
// Only the fields relevant to the Type are populated.
type SignalMessage struct {
	Type          SignalType      `json:"type"`
	AppointmentID string          `json:"appointmentId,omitempty"`
	Role          Role            `json:"role,omitempty"`
	SDP           string          `json:"sdp,omitempty"`
	Candidate     json.RawMessage `json:"candidate,omitempty"`
	Content       string          `json:"content,omitempty"`
	Ready         bool            `json:"ready,omitempty"`
	Presence      *Presence       `json:"presence,omitempty"`
	Message       *ChatMessage    `json:"message,omitempty"`
	Messages      []*ChatMessage  `json:"messages,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}
