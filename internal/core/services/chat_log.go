package services

import (
	"time"

	"peerlink/internal/core/domain"
)

// ChatLog records every chat line and correlates responses with the
// messages they acknowledge. Sent entries are keyed by their timestamp.
type ChatLog struct {
	entries []*domain.ChatEntry
	sent    map[int64]*domain.ChatEntry
}

func NewChatLog() *ChatLog {
	return &ChatLog{
		sent: make(map[int64]*domain.ChatEntry),
	}
}

// Append records an entry and returns a copy of it.
func (l *ChatLog) Append(entry domain.ChatEntry) domain.ChatEntry {
	e := entry
	l.entries = append(l.entries, &e)
	if e.Self {
		l.sent[e.Timestamp] = &e
	}
	return e
}

// MarkDelivered flags the sent entry whose timestamp equals id. The entry
// is delayed when the response arrived more than DelayedThresholdMillis
// after the original send.
func (l *ChatLog) MarkDelivered(id, responseTimestamp int64) (domain.ChatEntry, time.Duration, bool) {
	e, ok := l.sent[id]
	if !ok {
		return domain.ChatEntry{}, 0, false
	}
	rtt := responseTimestamp - id
	e.Delivered = true
	if IsDelayed(id, responseTimestamp) {
		e.Delayed = true
	}
	return *e, time.Duration(rtt) * time.Millisecond, true
}

// IsDelayed reports whether a response at responseTimestamp to a message
// sent at id exceeded the delay threshold. The boundary is exclusive.
func IsDelayed(id, responseTimestamp int64) bool {
	return responseTimestamp-id > domain.DelayedThresholdMillis
}

func (l *ChatLog) Entries() []domain.ChatEntry {
	out := make([]domain.ChatEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	return out
}
