package services

import (
	"encoding/json"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// FeatureHandler reacts to one remote feature update.
type FeatureHandler func(s *PeerSession, value any)

// FeatureProtocol keeps a session's remote feature record in sync over the
// negotiated features channel.
type FeatureProtocol struct {
	local    func() domain.Features
	handlers map[string]FeatureHandler
	logger   *zap.SugaredLogger
}

func NewFeatureProtocol(local func() domain.Features, logger *zap.SugaredLogger) *FeatureProtocol {
	return &FeatureProtocol{
		local:    local,
		handlers: make(map[string]FeatureHandler),
		logger:   logger,
	}
}

// Register sets the handler run whenever key arrives from a peer.
func (p *FeatureProtocol) Register(key string, handler FeatureHandler) {
	p.handlers[key] = handler
}

// SendAll sends the full local feature map. It runs when the features
// channel opens.
func (p *FeatureProtocol) SendAll(s *PeerSession) {
	p.send(s, p.local())
}

// Share sends only the named keys. Keys missing from the local map, such
// as one-shot signals, are sent as true. Without a features channel this
// does nothing: the full map goes out when the channel opens.
func (p *FeatureProtocol) Share(s *PeerSession, keys ...string) {
	if s.featuresChannel == nil {
		return
	}

	local := p.local()
	subset := make(domain.Features, len(keys))
	for _, key := range keys {
		if v, ok := local[key]; ok {
			subset[key] = v
		} else {
			subset[key] = true
		}
	}
	p.send(s, subset)
}

func (p *FeatureProtocol) send(s *PeerSession, features domain.Features) {
	data, err := json.Marshal(features)
	if err != nil {
		p.logger.Errorw("failed to encode features", "peer_id", s.ID, "error", err)
		return
	}
	if err := s.featuresChannel.SendText(string(data)); err != nil {
		p.logger.Warnw("dropped feature update", "peer_id", s.ID, "error", err)
	}
}

// HandleMessage records every received key and runs its handler.
func (p *FeatureProtocol) HandleMessage(s *PeerSession, msg ports.ChannelMessage) {
	var features domain.Features
	if err := json.Unmarshal(msg.Data, &features); err != nil {
		p.logger.Warnw("malformed features frame", "peer_id", s.ID, "error", err)
		return
	}

	for key, value := range features {
		s.features[key] = value
		if handler, ok := p.handlers[key]; ok {
			handler(s, value)
		}
	}
}
