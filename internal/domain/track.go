package domain

// TrackKind names a local media source. Camera and screen share the single
// outbound video slot of a session; audio has its own.
type TrackKind string

const (
	TrackAudio  TrackKind = "audio"
	TrackCamera TrackKind = "camera"
	TrackScreen TrackKind = "screen"
)
