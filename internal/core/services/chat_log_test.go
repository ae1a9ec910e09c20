package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"peerlink/internal/core/domain"
)

func TestIsDelayed_StrictBoundary(t *testing.T) {
	tests := []struct {
		name string
		rtt  int64
		want bool
	}{
		{name: "fast", rtt: 20, want: false},
		{name: "exactly threshold", rtt: 1000, want: false},
		{name: "just over threshold", rtt: 1001, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDelayed(5000, 5000+tt.rtt))
		})
	}
}

func TestChatLog_MarkDelivered(t *testing.T) {
	log := NewChatLog()
	log.Append(domain.ChatEntry{Self: true, Text: "hi", Timestamp: 100})
	log.Append(domain.ChatEntry{Peer: "p1", Text: "yo", Timestamp: 150})

	entry, rtt, ok := log.MarkDelivered(100, 1101)
	assert.True(t, ok)
	assert.True(t, entry.Delivered)
	assert.True(t, entry.Delayed)
	assert.Equal(t, 1001*time.Millisecond, rtt)

	_, _, ok = log.MarkDelivered(150, 200)
	assert.False(t, ok, "only sent entries are correlated")

	entries := log.Entries()
	assert.Len(t, entries, 2)
	assert.True(t, entries[0].Delivered)
}
