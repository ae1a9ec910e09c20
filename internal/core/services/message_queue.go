package services

import "peerlink/internal/core/domain"

// MessageQueue buffers outbound chat items until the chat channel can take
// them. Items leave the queue only through Drain.
type MessageQueue struct {
	items []domain.Outbound
}

func NewMessageQueue() *MessageQueue {
	return &MessageQueue{}
}

// Push appends item, or puts it at the head when toFront is set.
func (q *MessageQueue) Push(item domain.Outbound, toFront bool) {
	if toFront {
		q.items = append([]domain.Outbound{item}, q.items...)
		return
	}
	q.items = append(q.items, item)
}

// Restore puts items back at the head, keeping their order.
func (q *MessageQueue) Restore(items []domain.Outbound) {
	if len(items) == 0 {
		return
	}
	restored := make([]domain.Outbound, 0, len(items)+len(q.items))
	restored = append(restored, items...)
	q.items = append(restored, q.items...)
}

// Drain empties the queue and returns its contents, oldest first.
func (q *MessageQueue) Drain() []domain.Outbound {
	items := q.items
	q.items = nil
	return items
}

func (q *MessageQueue) Len() int {
	return len(q.items)
}

// Peek returns a copy of the queued items.
func (q *MessageQueue) Peek() []domain.Outbound {
	out := make([]domain.Outbound, len(q.items))
	copy(out, q.items)
	return out
}
