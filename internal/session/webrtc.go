package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface check.
var _ Transport = (*WebRTCTransport)(nil)

// RTPTrack is implemented by media tracks that can feed the WebRTC
// transport.
type RTPTrack interface {
	MediaTrack
	Local() webrtc.TrackLocal
}

// WebRTCTransport wraps a pion PeerConnection behind the Transport
// interface. Candidates are trickled: each locally discovered candidate is
// handed to the OnCandidate callback as it appears rather than waiting for
// gathering to complete.
type WebRTCTransport struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	onCandidate func(json.RawMessage)
	onState     func(TransportState)

	closeOnce sync.Once
}

// NewWebRTCTransport builds a PeerConnection using the given STUN/TURN
// server URLs.
func NewWebRTCTransport(iceServers []string) (*WebRTCTransport, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	t := &WebRTCTransport{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete marker
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		t.mu.Lock()
		fn := t.onCandidate
		t.mu.Unlock()
		if fn != nil {
			fn(payload)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		t.mu.Lock()
		fn := t.onState
		t.mu.Unlock()
		if fn == nil {
			return
		}
		switch state {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			fn(TransportStateConnected)
		case webrtc.ICEConnectionStateDisconnected:
			fn(TransportStateDisconnected)
		case webrtc.ICEConnectionStateFailed:
			fn(TransportStateFailed)
		case webrtc.ICEConnectionStateClosed:
			fn(TransportStateClosed)
		}
	})

	return t, nil
}

func (t *WebRTCTransport) OnCandidate(fn func(json.RawMessage)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *WebRTCTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// AttachMedia adds the stream's tracks to the connection. Tracks must
// implement RTPTrack; the video sender is remembered for in-place
// substitution later.
func (t *WebRTCTransport) AttachMedia(stream MediaStream) error {
	for _, track := range stream.Tracks() {
		rtp, ok := track.(RTPTrack)
		if !ok {
			return fmt.Errorf("track %s cannot feed the WebRTC transport", track.ID())
		}
		sender, err := t.pc.AddTrack(rtp.Local())
		if err != nil {
			return fmt.Errorf("adding %s track: %w", track.Kind(), err)
		}
		if track.Kind() == MediaVideo {
			t.mu.Lock()
			t.videoSender = sender
			t.mu.Unlock()
		}
	}
	return nil
}

func (t *WebRTCTransport) CreateOffer() (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer applies the remote offer and produces the local answer. A
// pending local offer (glare) is rolled back first.
func (t *WebRTCTransport) CreateAnswer(remoteOfferSDP string) (string, error) {
	if t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := t.pc.SetLocalDescription(rollback); err != nil {
			return "", fmt.Errorf("rolling back local offer: %w", err)
		}
	}

	remote := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteOfferSDP,
	}
	if err := t.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	return answer.SDP, nil
}

func (t *WebRTCTransport) SetAnswer(sdp string) error {
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (t *WebRTCTransport) AddCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decoding candidate: %w", err)
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("applying candidate: %w", err)
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing video source on the negotiated
// connection. pion's RTPSender handles the swap without renegotiation.
func (t *WebRTCTransport) ReplaceVideoTrack(track MediaTrack) error {
	rtp, ok := track.(RTPTrack)
	if !ok {
		return fmt.Errorf("track %s cannot feed the WebRTC transport", track.ID())
	}
	t.mu.Lock()
	sender := t.videoSender
	t.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no video sender negotiated")
	}
	if err := sender.ReplaceTrack(rtp.Local()); err != nil {
		return fmt.Errorf("replacing video track: %w", err)
	}
	return nil
}

func (t *WebRTCTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.pc.Close()
	})
	return err
}
