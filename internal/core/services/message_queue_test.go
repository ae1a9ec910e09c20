package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"peerlink/internal/core/domain"
)

func textItem(text string) domain.Outbound {
	return domain.Outbound{Message: &domain.MessageEnvelope{Text: text}}
}

func queueTexts(items []domain.Outbound) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.Message.Text)
	}
	return out
}

func TestMessageQueue_PushAndFront(t *testing.T) {
	q := NewMessageQueue()
	q.Push(textItem("b"), false)
	q.Push(textItem("c"), false)
	q.Push(textItem("a"), true)

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, []string{"a", "b", "c"}, queueTexts(q.Peek()))
}

func TestMessageQueue_DrainAndRestore(t *testing.T) {
	q := NewMessageQueue()
	q.Push(textItem("a"), false)
	q.Push(textItem("b"), false)

	items := q.Drain()
	assert.Equal(t, 0, q.Len())

	q.Push(textItem("c"), false)
	q.Restore(items)
	assert.Equal(t, []string{"a", "b", "c"}, queueTexts(q.Peek()))

	q.Restore(nil)
	assert.Equal(t, 3, q.Len())
}
