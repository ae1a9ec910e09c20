package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

const (
	// ChunkSize is the size of every binary frame but the last.
	ChunkSize = 16 * 1024

	maxBufferedAmount          = 1024 * 1024
	bufferedAmountLowThreshold = 256 * 1024
)

var errExpectedMetadata = errors.New("expected transfer metadata frame")

// SplitChunks cuts data into size-byte chunks. The chunks share data's
// backing array.
func SplitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

// Reassembler rebuilds a payload from a transfer channel's frames.
type Reassembler struct {
	metadata *domain.FileMetadata
	chunks   [][]byte
	received int64
	complete bool
}

func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// Accept consumes one frame and reports whether the payload is complete.
// A zero-size payload completes as soon as its metadata arrives.
func (r *Reassembler) Accept(msg ports.ChannelMessage) (bool, error) {
	if r.metadata == nil {
		if !msg.IsString || !bytes.HasPrefix(msg.Data, []byte("{")) {
			return false, errExpectedMetadata
		}
		var meta domain.FileMetadata
		if err := json.Unmarshal(msg.Data, &meta); err != nil {
			return false, fmt.Errorf("decode transfer metadata: %w", err)
		}
		r.metadata = &meta
		r.complete = meta.Size == 0
		return r.complete, nil
	}

	r.received += int64(len(msg.Data))
	if r.complete || r.received > r.metadata.Size {
		return false, fmt.Errorf("%w: %d of %d bytes", domain.ErrTransferOverrun, r.received, r.metadata.Size)
	}

	chunk := make([]byte, len(msg.Data))
	copy(chunk, msg.Data)
	r.chunks = append(r.chunks, chunk)
	r.complete = r.received == r.metadata.Size
	return r.complete, nil
}

// Metadata returns the transfer's metadata, or the zero value before it
// has arrived.
func (r *Reassembler) Metadata() domain.FileMetadata {
	if r.metadata == nil {
		return domain.FileMetadata{}
	}
	return *r.metadata
}

// Bytes concatenates the received chunks.
func (r *Reassembler) Bytes() []byte {
	return bytes.Join(r.chunks, nil)
}

// TransferProtocol moves files over one-shot, unnegotiated channels.
type TransferProtocol struct {
	chat     *ChatProtocol
	chatLog  *ChatLog
	clock    Clock
	observer ports.Observer
	metrics  ports.SessionMetrics
	logger   *zap.SugaredLogger
}

func NewTransferProtocol(chat *ChatProtocol, chatLog *ChatLog, clock Clock, observer ports.Observer, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *TransferProtocol {
	p := &TransferProtocol{
		chat:     chat,
		chatLog:  chatLog,
		clock:    clock,
		observer: observer,
		metrics:  metrics,
		logger:   logger,
	}
	chat.transfer = p
	return p
}

type outboundTransfer struct {
	channel ports.DataChannel
	file    domain.FilePayload
	low     chan struct{}
}

func (t *outboundTransfer) signalLow() {
	select {
	case t.low <- struct{}{}:
	default:
	}
}

// Send opens a channel named after the file and streams it once the
// channel opens. The channel closes when the receiver acknowledges.
func (p *TransferProtocol) Send(s *PeerSession, file domain.FilePayload) error {
	ch, err := s.conn.CreateDataChannel(file.Metadata.Label(), ports.ChannelOptions{})
	if err != nil {
		return fmt.Errorf("open transfer channel: %w", err)
	}

	t := &outboundTransfer{
		channel: ch,
		file:    file,
		low:     make(chan struct{}, 1),
	}
	ch.SetBufferedAmountLowThreshold(bufferedAmountLowThreshold)
	ctx := s.ctx
	ch.Observe(func(ev ports.ChannelEvent) {
		switch ev.Kind {
		case ports.ChannelBufferedAmountLow:
			t.signalLow()
		case ports.ChannelOpened:
			go p.pump(ctx, s.ID, t)
		case ports.ChannelMessageReceived:
			s.Post(func() { p.handleAck(s, ch, ev.Message) })
		}
	})
	return nil
}

// pump writes the metadata frame and the chunks, waiting whenever the
// channel's buffer is above its high-water mark.
func (p *TransferProtocol) pump(ctx context.Context, peer domain.PeerID, t *outboundTransfer) {
	if ctx.Err() != nil {
		return
	}

	meta, err := json.Marshal(t.file.Metadata)
	if err != nil {
		p.logger.Errorw("failed to encode transfer metadata", "peer_id", peer, "error", err)
		return
	}
	if err := t.channel.SendText(string(meta)); err != nil {
		p.logger.Errorw("failed to send transfer metadata", "peer_id", peer, "label", t.channel.Label(), "error", err)
		return
	}

	for _, chunk := range SplitChunks(t.file.Data, ChunkSize) {
		for t.channel.BufferedAmount() > maxBufferedAmount {
			select {
			case <-ctx.Done():
				return
			case <-t.low:
			}
		}
		if err := t.channel.Send(chunk); err != nil {
			p.logger.Errorw("failed to send transfer chunk", "peer_id", peer, "label", t.channel.Label(), "error", err)
			return
		}
		p.metrics.TransferBytes("sent", len(chunk))
	}
	p.logger.Debugw("transfer sent", "peer_id", peer, "label", t.channel.Label(), "size", len(t.file.Data))
}

func (p *TransferProtocol) handleAck(s *PeerSession, ch ports.DataChannel, msg ports.ChannelMessage) {
	var env domain.MessageEnvelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		p.logger.Warnw("malformed transfer response", "peer_id", s.ID, "error", err)
		return
	}
	p.chat.HandleResponse(env)
	if err := ch.Close(); err != nil {
		p.logger.Debugw("transfer channel close failed", "peer_id", s.ID, "error", err)
	}
}

// Receive reassembles the file arriving on ch and acknowledges it on the
// same channel.
func (p *TransferProtocol) Receive(s *PeerSession, ch ports.DataChannel) {
	r := NewReassembler()
	ch.Observe(func(ev ports.ChannelEvent) {
		if ev.Kind != ports.ChannelMessageReceived {
			return
		}
		s.Post(func() { p.accept(s, ch, r, ev.Message) })
	})
}

func (p *TransferProtocol) accept(s *PeerSession, ch ports.DataChannel, r *Reassembler, msg ports.ChannelMessage) {
	done, err := r.Accept(msg)
	if err != nil {
		p.logger.Errorw("transfer aborted", "peer_id", s.ID, "label", ch.Label(), "error", err)
		ch.Close()
		return
	}
	if !msg.IsString {
		p.metrics.TransferBytes("received", len(msg.Data))
	}
	if !done {
		return
	}

	meta := r.Metadata()
	p.observer.FileReceived(s.ID, meta, r.Bytes())
	entry := p.chatLog.Append(domain.ChatEntry{Peer: s.ID, Timestamp: meta.Timestamp, File: &meta})
	p.observer.ChatAppended(entry)

	response := domain.NewResponse(meta.Timestamp, p.clock())
	data, err := json.Marshal(response)
	if err == nil {
		err = ch.SendText(string(data))
	}
	if err != nil {
		p.logger.Warnw("transfer response failed, queueing on chat", "peer_id", s.ID, "error", err)
		p.chat.SendOrQueue(s, domain.Outbound{Message: &response}, false)
	}
}
