package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/internal/core/domain"
)

func TestMemoryRoomRepository_JoinLeave(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()
	room := domain.RoomID("abcd-efgh-ijkl")

	require.NoError(t, repo.Join(ctx, room, "b", 0))
	require.NoError(t, repo.Join(ctx, room, "a", 0))
	require.NoError(t, repo.Join(ctx, room, "a", 0))

	members, err := repo.Members(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"a", "b"}, members)

	require.NoError(t, repo.Leave(ctx, room, "a"))
	require.NoError(t, repo.Leave(ctx, room, "b"))
	require.NoError(t, repo.Leave(ctx, room, "b"))

	members, err = repo.Members(ctx, room)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestMemoryRoomRepository_Limit(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()
	room := domain.RoomID("abcd-efgh-ijkl")

	require.NoError(t, repo.Join(ctx, room, "a", 2))
	require.NoError(t, repo.Join(ctx, room, "b", 2))
	assert.ErrorIs(t, repo.Join(ctx, room, "c", 2), domain.ErrRoomFull)
	assert.NoError(t, repo.Join(ctx, room, "b", 2), "rejoining does not count against the limit")

	require.NoError(t, repo.Leave(ctx, room, "a"))
	assert.NoError(t, repo.Join(ctx, room, "c", 2))
}

func TestMemoryRoomRepository_RoomsAreIsolated(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Join(ctx, "aaaa-aaaa-aaaa", "a", 0))
	require.NoError(t, repo.Join(ctx, "bbbb-bbbb-bbbb", "b", 0))

	members, err := repo.Members(ctx, "aaaa-aaaa-aaaa")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"a"}, members)
}
