package ports

import (
	"context"

	"peerlink/internal/core/domain"
)

// SignalSender delivers signaling envelopes through the relay.
type SignalSender interface {
	SendSignal(ctx context.Context, envelope domain.SignalEnvelope) error
}

// Observer is the presentation boundary. Every method is called from the
// registry's event loop.
type Observer interface {
	PeerAdded(id domain.PeerID)
	PeerRemoved(id domain.PeerID)
	ConnectionStateChanged(id domain.PeerID, state domain.ConnectionState)
	// MediaChanged reports the tracks currently shown for a peer; an empty
	// slice means the rendering surface is cleared.
	MediaChanged(id domain.PeerID, tracks []MediaTrack)
	FeatureChanged(id domain.PeerID, key string, value any)
	ChatAppended(entry domain.ChatEntry)
	ChatUpdated(entry domain.ChatEntry)
	FileReceived(id domain.PeerID, metadata domain.FileMetadata, data []byte)
	FilterApplied(id domain.PeerID, filter string)
	PeerError(id domain.PeerID, err error)
}
