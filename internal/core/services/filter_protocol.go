package services

import (
	"strings"

	"go.uber.org/zap"

	"peerlink/internal/core/ports"
)

// FilterChannelPrefix marks one-shot channels announcing a video filter.
const FilterChannelPrefix = "filter-"

// FilterCycle is the order CycleFilter walks through.
var FilterCycle = []string{"grayscale", "sepia", "noir", "psychedelic", "none"}

// FilterProtocol announces the local video filter to peers. The channel
// label is the whole message; the receiver closes it once open.
type FilterProtocol struct {
	next     int
	observer ports.Observer
	logger   *zap.SugaredLogger
}

func NewFilterProtocol(observer ports.Observer, logger *zap.SugaredLogger) *FilterProtocol {
	return &FilterProtocol{
		observer: observer,
		logger:   logger,
	}
}

// Cycle advances to the next filter and returns it.
func (p *FilterProtocol) Cycle() string {
	filter := FilterCycle[p.next]
	p.next = (p.next + 1) % len(FilterCycle)
	return filter
}

func (p *FilterProtocol) Send(s *PeerSession, filter string) error {
	ch, err := s.conn.CreateDataChannel(FilterChannelPrefix+filter, ports.ChannelOptions{})
	if err != nil {
		return err
	}
	ch.Observe(func(ev ports.ChannelEvent) {
		if ev.Kind == ports.ChannelClosed {
			p.logger.Debugw("filter channel closed by peer", "peer_id", s.ID, "filter", filter)
		}
	})
	return nil
}

// Receive reports the announced filter and closes the channel when open.
func (p *FilterProtocol) Receive(s *PeerSession, ch ports.DataChannel) {
	filter := strings.TrimPrefix(ch.Label(), FilterChannelPrefix)
	p.observer.FilterApplied(s.ID, filter)

	ch.Observe(func(ev ports.ChannelEvent) {
		if ev.Kind != ports.ChannelOpened {
			return
		}
		s.Post(func() {
			if err := ch.Close(); err != nil {
				p.logger.Debugw("filter channel close failed", "peer_id", s.ID, "error", err)
			}
		})
	})
}
