package memory

import (
	"context"
	"sort"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[domain.RoomID]map[domain.PeerID]struct{}
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]map[domain.PeerID]struct{}),
	}
}

func (r *MemoryRoomRepository) Join(ctx context.Context, room domain.RoomID, peer domain.PeerID, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[room]
	if !exists {
		members = make(map[domain.PeerID]struct{})
		r.rooms[room] = members
	}

	if _, joined := members[peer]; joined {
		return nil
	}
	if limit > 0 && len(members) >= limit {
		return domain.ErrRoomFull
	}

	members[peer] = struct{}{}
	return nil
}

func (r *MemoryRoomRepository) Leave(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[room]
	if !exists {
		return nil
	}

	delete(members, peer)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	return nil
}

// Members returns the room's peers in sorted order.
func (r *MemoryRoomRepository) Members(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	peers := make([]domain.PeerID, 0, len(members))
	for peer := range members {
		peers = append(peers, peer)
	}

	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers, nil
}
