package services

import "peerlink/internal/core/ports"

// MediaStream aggregates the tracks currently shown for a peer. It is only
// ever mutated by adding or removing tracks.
type MediaStream struct {
	tracks []ports.MediaTrack
}

func NewMediaStream() *MediaStream {
	return &MediaStream{}
}

// AddTrack adds track unless a track with the same id is already present.
func (m *MediaStream) AddTrack(track ports.MediaTrack) {
	for _, t := range m.tracks {
		if t.ID() == track.ID() {
			return
		}
	}
	m.tracks = append(m.tracks, track)
}

func (m *MediaStream) RemoveTrack(track ports.MediaTrack) {
	for i, t := range m.tracks {
		if t.ID() == track.ID() {
			m.tracks = append(m.tracks[:i], m.tracks[i+1:]...)
			return
		}
	}
}

// Tracks returns the tracks, optionally limited to the given kinds.
func (m *MediaStream) Tracks(kinds ...string) []ports.MediaTrack {
	out := make([]ports.MediaTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		if len(kinds) == 0 || containsKind(kinds, t.Kind()) {
			out = append(out, t)
		}
	}
	return out
}

func containsKind(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
