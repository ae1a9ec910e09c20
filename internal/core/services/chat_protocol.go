package services

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// Negotiated channel labels and ids shared by both sides.
const (
	ChatChannelLabel     = "text chat"
	ChatChannelID        = 100
	FeaturesChannelLabel = "features"
	FeaturesChannelID    = 110
)

// ChatProtocol sends chat items over a session's chat channel, queueing
// them while the channel cannot take them, and correlates responses.
type ChatProtocol struct {
	transfer *TransferProtocol
	chatLog  *ChatLog
	clock    Clock
	observer ports.Observer
	metrics  ports.SessionMetrics
	logger   *zap.SugaredLogger
}

func NewChatProtocol(chatLog *ChatLog, clock Clock, observer ports.Observer, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *ChatProtocol {
	return &ChatProtocol{
		chatLog:  chatLog,
		clock:    clock,
		observer: observer,
		metrics:  metrics,
		logger:   logger,
	}
}

// SendOrQueue transmits item if the chat channel is open and its open event
// has drained the queue, and queues it otherwise. Items already queued go out
// first. A failed transmit queues it with the same placement.
func (p *ChatProtocol) SendOrQueue(s *PeerSession, item domain.Outbound, toFront bool) {
	if !s.chatDrained || !channelOpen(s.chat) {
		p.enqueue(s, item, toFront)
		return
	}
	if s.queue.Len() > 0 {
		p.Drain(s)
		if s.queue.Len() > 0 {
			p.enqueue(s, item, toFront)
			return
		}
	}

	if err := p.transmit(s, item); err != nil {
		p.logger.Warnw("chat send failed, queueing", "peer_id", s.ID, "error", err)
		p.enqueue(s, item, toFront)
	}
}

func (p *ChatProtocol) enqueue(s *PeerSession, item domain.Outbound, toFront bool) {
	s.queue.Push(item, toFront)
	p.metrics.QueueDepth(string(s.ID), s.queue.Len())
}

func (p *ChatProtocol) transmit(s *PeerSession, item domain.Outbound) error {
	switch {
	case item.File != nil:
		return p.transfer.Send(s, *item.File)
	case item.Message != nil:
		data, err := json.Marshal(item.Message)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		return s.chat.SendText(string(data))
	}
	return nil
}

// Drain re-sends queued items in their original order once the chat channel
// opens. It stops at the first failure, leaving that item at the head.
func (p *ChatProtocol) Drain(s *PeerSession) {
	s.chatDrained = true
	items := s.queue.Drain()
	for i, item := range items {
		if !channelOpen(s.chat) {
			s.queue.Restore(items[i:])
			break
		}
		if err := p.transmit(s, item); err != nil {
			p.logger.Warnw("queued chat send failed", "peer_id", s.ID, "remaining", len(items)-i, "error", err)
			s.queue.Restore(items[i:])
			break
		}
	}
	p.metrics.QueueDepth(string(s.ID), s.queue.Len())
}

// Compose records text as a sent chat line and returns the envelope to
// send to every peer.
func (p *ChatProtocol) Compose(text string) domain.MessageEnvelope {
	env := domain.MessageEnvelope{Text: text, Timestamp: p.clock()}
	entry := p.chatLog.Append(domain.ChatEntry{Self: true, Text: text, Timestamp: env.Timestamp})
	p.observer.ChatAppended(entry)
	return env
}

// HandleMessage processes one frame from the chat channel.
func (p *ChatProtocol) HandleMessage(s *PeerSession, msg ports.ChannelMessage) {
	var env domain.MessageEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		p.logger.Warnw("malformed chat frame", "peer_id", s.ID, "error", err)
		return
	}

	if env.IsResponse() {
		p.HandleResponse(env)
		return
	}

	response := domain.NewResponse(env.Timestamp, p.clock())
	p.SendOrQueue(s, domain.Outbound{Message: &response}, false)

	entry := p.chatLog.Append(domain.ChatEntry{Peer: s.ID, Text: env.Text, Timestamp: env.Timestamp})
	p.observer.ChatAppended(entry)
}

// HandleResponse marks the acknowledged item delivered.
func (p *ChatProtocol) HandleResponse(env domain.MessageEnvelope) {
	if env.ID == nil {
		return
	}
	entry, rtt, ok := p.chatLog.MarkDelivered(*env.ID, env.Timestamp)
	if !ok {
		p.logger.Debugw("response for unknown message", "id", *env.ID)
		return
	}
	p.metrics.MessageRoundTrip(rtt, entry.Delayed)
	p.observer.ChatUpdated(entry)
}

func channelOpen(ch ports.DataChannel) bool {
	return ch != nil && ch.ReadyState() == domain.ChannelStateOpen
}
