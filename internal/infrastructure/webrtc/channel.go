package webrtc

import (
	"sync"

	"github.com/pion/webrtc/v3"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// DataChannel adapts a pion DataChannel to ports.DataChannel. Events that
// fire before Observe is called are held and replayed to the first handler.
type DataChannel struct {
	dc *webrtc.DataChannel

	mu      sync.Mutex
	handler func(ports.ChannelEvent)
	pending []ports.ChannelEvent
}

func newDataChannel(dc *webrtc.DataChannel) *DataChannel {
	d := &DataChannel{dc: dc}

	dc.OnOpen(func() {
		d.emit(ports.ChannelEvent{Kind: ports.ChannelOpened})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		d.emit(ports.ChannelEvent{
			Kind:    ports.ChannelMessageReceived,
			Message: ports.ChannelMessage{IsString: msg.IsString, Data: msg.Data},
		})
	})
	dc.OnClose(func() {
		d.emit(ports.ChannelEvent{Kind: ports.ChannelClosed})
	})
	dc.OnBufferedAmountLow(func() {
		d.emit(ports.ChannelEvent{Kind: ports.ChannelBufferedAmountLow})
	})

	return d
}

// emit and Observe dispatch under the lock so replayed events keep their
// order relative to live ones. Handlers must not block.
func (d *DataChannel) emit(ev ports.ChannelEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handler == nil {
		d.pending = append(d.pending, ev)
		return
	}
	d.handler(ev)
}

func (d *DataChannel) Observe(handler func(ports.ChannelEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handler = handler
	for _, ev := range d.pending {
		handler(ev)
	}
	d.pending = nil
}

func (d *DataChannel) Label() string {
	return d.dc.Label()
}

func (d *DataChannel) ReadyState() domain.ChannelState {
	return domain.ChannelState(d.dc.ReadyState().String())
}

func (d *DataChannel) Send(data []byte) error {
	return d.dc.Send(data)
}

func (d *DataChannel) SendText(text string) error {
	return d.dc.SendText(text)
}

func (d *DataChannel) BufferedAmount() uint64 {
	return d.dc.BufferedAmount()
}

func (d *DataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	d.dc.SetBufferedAmountLowThreshold(threshold)
}

func (d *DataChannel) Close() error {
	return d.dc.Close()
}
