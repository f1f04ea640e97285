package session

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

var _ RTPTrack = (*SampleTrack)(nil)

// SampleTrack is a local track fed with pre-encoded media samples. Capture
// pipelines push frames in with WriteSample.
type SampleTrack struct {
	kind  MediaKind
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	stopped bool
	onEnded []func()
}

// NewAudioSampleTrack builds an Opus sample track.
func NewAudioSampleTrack(id string) (*SampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "consult")
	if err != nil {
		return nil, fmt.Errorf("creating audio track: %w", err)
	}
	return &SampleTrack{kind: MediaAudio, local: local}, nil
}

// NewVideoSampleTrack builds a VP8 sample track.
func NewVideoSampleTrack(id string) (*SampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "consult")
	if err != nil {
		return nil, fmt.Errorf("creating video track: %w", err)
	}
	return &SampleTrack{kind: MediaVideo, local: local}, nil
}

func (t *SampleTrack) ID() string               { return t.local.ID() }
func (t *SampleTrack) Kind() MediaKind          { return t.kind }
func (t *SampleTrack) Local() webrtc.TrackLocal { return t.local }

// WriteSample feeds one encoded frame to the track.
func (t *SampleTrack) WriteSample(s media.Sample) error {
	return t.local.WriteSample(s)
}

func (t *SampleTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *SampleTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// End marks the track as finished by its source and fires the registered
// callbacks. Used when the capture pipeline shuts down on its own.
func (t *SampleTrack) End() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	fns := append([]func(){}, t.onEnded...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// TrackStream bundles tracks into a MediaStream.
type TrackStream struct {
	tracks []MediaTrack
}

func NewTrackStream(tracks ...MediaTrack) *TrackStream {
	return &TrackStream{tracks: tracks}
}

func (s *TrackStream) Tracks() []MediaTrack { return s.tracks }

func (s *TrackStream) AudioTrack() MediaTrack {
	for _, t := range s.tracks {
		if t.Kind() == MediaAudio {
			return t
		}
	}
	return nil
}

func (s *TrackStream) VideoTrack() MediaTrack {
	for _, t := range s.tracks {
		if t.Kind() == MediaVideo {
			return t
		}
	}
	return nil
}

func (s *TrackStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}
