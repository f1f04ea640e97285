package session

import "context"

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// MediaTrack is a single local capture track.
type MediaTrack interface {
	ID() string
	Kind() MediaKind
	// Stop releases the underlying device. Idempotent.
	Stop()
	// OnEnded registers a callback fired when the track ends on its own,
	// e.g. the user stops a screen capture from the browser chrome.
	OnEnded(fn func())
}

// MediaStream is a bundle of capture tracks acquired together.
type MediaStream interface {
	Tracks() []MediaTrack
	AudioTrack() MediaTrack
	VideoTrack() MediaTrack
	// Stop releases every track. Idempotent.
	Stop()
}

// MediaSource acquires local media. Acquisition is asynchronous from the
// machine's point of view and may hang or be denied; a denial maps to
// MediaPermissionDenied, distinct from transport failures.
type MediaSource interface {
	Acquire(ctx context.Context) (MediaStream, error)
}
