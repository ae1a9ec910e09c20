package ports

import (
	"context"

	"peerlink/internal/core/domain"
)

// RoomRepository tracks room membership across relay instances.
type RoomRepository interface {
	// Join adds peer to room. It fails with domain.ErrRoomFull when the
	// room already holds limit members; limit 0 means unlimited.
	Join(ctx context.Context, room domain.RoomID, peer domain.PeerID, limit int) error
	Leave(ctx context.Context, room domain.RoomID, peer domain.PeerID) error
	Members(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error)
}

// RelayBus fans room deliveries out to every relay instance.
type RelayBus interface {
	Publish(ctx context.Context, delivery domain.RelayDelivery) error
	// Subscribe calls handler for each delivery until ctx is done.
	Subscribe(ctx context.Context, handler func(domain.RelayDelivery)) error
	Close() error
}
