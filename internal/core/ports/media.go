package ports

// Track kinds.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// MediaTrack is the common part of local and remote tracks.
type MediaTrack interface {
	ID() string
	Kind() string
}

// LocalTrack is a locally captured track that can be muted.
type LocalTrack interface {
	MediaTrack
	Enabled() bool
	SetEnabled(enabled bool)
}

// RemoteTrack is a track received from the remote peer.
type RemoteTrack interface {
	MediaTrack
}

// Sender is a local track's attachment to a connection.
type Sender interface {
	Track() LocalTrack
}
