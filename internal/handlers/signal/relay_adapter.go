package signal

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	"peerlink/pkg/config"
)

// singlePeerID is the id of the one implicit session in single-peer mode.
const singlePeerID domain.PeerID = ""

// RelayAdapter turns relay frames into registry calls. Frames arrive on
// the relay client's goroutine and are handled on the registry's loop.
type RelayAdapter struct {
	registry *services.PeerRegistry
	single   bool
	logger   *zap.SugaredLogger

	connected bool
}

func NewRelayAdapter(registry *services.PeerRegistry, mode string, logger *zap.SugaredLogger) *RelayAdapter {
	return &RelayAdapter{
		registry: registry,
		single:   mode == config.ModeSingle,
		logger:   logger,
	}
}

// HandleFrame is a relay client FrameHandler.
func (a *RelayAdapter) HandleFrame(frame domain.RelayFrame) {
	a.registry.Loop().Post(func() {
		if err := a.Dispatch(frame); err != nil {
			a.logger.Warnw("failed to handle relay event", "event", frame.Event, "error", err)
		}
	})
}

// Dispatch handles one relay frame. It must run on the registry's loop.
func (a *RelayAdapter) Dispatch(frame domain.RelayFrame) error {
	switch frame.Event {
	case domain.RelayEventConnect:
		var hello domain.RelayHello
		if err := decode(frame, &hello); err != nil {
			return err
		}
		return a.onConnect(hello.ID)

	case domain.RelayEventConnectedPeers:
		var roster domain.Roster
		if err := decode(frame, &roster); err != nil {
			return err
		}
		return a.onRoster(roster)

	case domain.RelayEventConnectedPeer:
		var id domain.PeerID
		if err := decode(frame, &id); err != nil {
			return err
		}
		return a.onPeerJoined(id)

	case domain.RelayEventDisconnectedPeer:
		var id domain.PeerID
		if err := decode(frame, &id); err != nil {
			return err
		}
		return a.onPeerLeft(id)

	case domain.RelayEventSignal:
		var envelope domain.SignalEnvelope
		if err := decode(frame, &envelope); err != nil {
			return err
		}
		if a.single {
			envelope.Sender = singlePeerID
		}
		return a.registry.HandleSignal(envelope)

	case domain.RelayEventError:
		var relayErr domain.RelayError
		if err := decode(frame, &relayErr); err != nil {
			return err
		}
		a.logger.Warnw("relay reported an error", "code", relayErr.Code, "message", relayErr.Message)
		return nil
	}

	a.logger.Debugw("ignoring unknown relay event", "event", frame.Event)
	return nil
}

// onConnect runs for every relay connection, including reconnects. The
// relay assigns a new id each time and the other peers have already been
// told the old one left, so stale sessions are dropped.
func (a *RelayAdapter) onConnect(id domain.PeerID) error {
	reconnect := a.connected
	a.connected = true
	a.registry.SetSelfID(id)
	a.logger.Infow("connected to relay", "self_id", id, "reconnect", reconnect)

	if !a.single {
		if reconnect {
			a.registry.Close()
		}
		return nil
	}

	if _, ok := a.registry.Session(singlePeerID); ok {
		return a.registry.RecreatePeer(singlePeerID)
	}
	_, err := a.registry.AddPeer(singlePeerID, false)
	return err
}

func (a *RelayAdapter) onRoster(roster domain.Roster) error {
	if a.single {
		if roster.Credentials != nil {
			a.registry.UseCredentials(*roster.Credentials)
		}
		return nil
	}
	return a.registry.HandleRoster(roster)
}

func (a *RelayAdapter) onPeerJoined(id domain.PeerID) error {
	if a.single {
		return a.registry.MarkPolite(singlePeerID)
	}
	if id == a.registry.SelfID() {
		return nil
	}
	_, err := a.registry.AddPeer(id, false)
	return err
}

func (a *RelayAdapter) onPeerLeft(id domain.PeerID) error {
	if a.single {
		return a.registry.RecreatePeer(singlePeerID)
	}

	err := a.registry.RemovePeer(id)
	if errors.Is(err, domain.ErrPeerNotFound) {
		a.logger.Debugw("departed peer had no session", "peer_id", id)
		return nil
	}
	return err
}

func decode(frame domain.RelayFrame, out any) error {
	if err := json.Unmarshal(frame.Data, out); err != nil {
		return fmt.Errorf("decode %q payload: %w", frame.Event, err)
	}
	return nil
}
