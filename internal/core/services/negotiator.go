package services

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/tracing"
)

// Negotiator implements perfect negotiation for one registry. It keeps no
// state of its own; every flag lives on the session it is handed.
type Negotiator struct {
	self     func() domain.PeerID
	relay    ports.SignalSender
	observer ports.Observer
	metrics  ports.SessionMetrics
	logger   *zap.SugaredLogger
}

func NewNegotiator(self func() domain.PeerID, relay ports.SignalSender, observer ports.Observer, metrics ports.SessionMetrics, logger *zap.SugaredLogger) *Negotiator {
	return &Negotiator{
		self:     self,
		relay:    relay,
		observer: observer,
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleNegotiationNeeded produces and sends an offer unless the session is
// suppressing its initial offer after a reset.
func (n *Negotiator) HandleNegotiationNeeded(ctx context.Context, s *PeerSession) error {
	ctx, span := tracing.TraceNegotiation(ctx, "negotiation_needed", string(s.ID))
	defer span.End()

	state := &s.negotiation
	if state.IsSuppressingInitialOffer {
		n.logger.Debugw("suppressing offer after reset", "peer_id", s.ID)
		tracing.AddSpanAttributes(ctx, attribute.Bool("negotiation.suppressed", true))
		return nil
	}

	state.IsMakingOffer = true
	defer func() { state.IsMakingOffer = false }()

	if err := n.setLocalOffer(s.conn); err != nil {
		tracing.RecordError(ctx, err)
		n.logger.Errorw("failed to create offer", "peer_id", s.ID, "error", err)
		return err
	}

	if err := n.sendLocalDescription(ctx, s); err != nil {
		return err
	}
	n.metrics.NegotiationEvent(ports.MetricOfferSent)
	return nil
}

func (n *Negotiator) setLocalOffer(conn ports.Connection) error {
	autoErr := conn.SetLocalDescriptionAuto()
	if autoErr == nil {
		return nil
	}

	offer, err := conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: implicit offer: %v, explicit offer: %v", domain.ErrNegotiationFailed, autoErr, err)
	}
	if err := conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", domain.ErrNegotiationFailed, err)
	}
	return nil
}

func (n *Negotiator) setLocalAnswer(conn ports.Connection) error {
	autoErr := conn.SetLocalDescriptionAuto()
	if autoErr == nil {
		return nil
	}

	answer, err := conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: implicit answer: %v, explicit answer: %v", domain.ErrNegotiationFailed, autoErr, err)
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", domain.ErrNegotiationFailed, err)
	}
	return nil
}

func (n *Negotiator) sendLocalDescription(ctx context.Context, s *PeerSession) error {
	desc := s.conn.LocalDescription()
	if desc == nil {
		return fmt.Errorf("%w: no local description", domain.ErrNegotiationFailed)
	}

	envelope := domain.SignalEnvelope{
		Recipient: s.ID,
		Sender:    n.self(),
		Signal:    domain.Signal{Description: desc},
	}
	if err := n.relay.SendSignal(ctx, envelope); err != nil {
		tracing.RecordError(ctx, err)
		n.logger.Warnw("failed to send description", "peer_id", s.ID, "type", desc.Type, "error", err)
		return err
	}
	return nil
}

// HandleDescription applies a remote offer or answer. A colliding offer is
// dropped on the impolite side without any error.
func (n *Negotiator) HandleDescription(ctx context.Context, s *PeerSession, desc domain.Description) error {
	ctx, span := tracing.TraceNegotiation(ctx, "remote_description", string(s.ID))
	defer span.End()
	tracing.AddSpanAttributes(ctx, attribute.String("negotiation.type", desc.Type))

	state := &s.negotiation
	readyForOffer := !state.IsMakingOffer &&
		(s.conn.SignalingState() == domain.SignalingStateStable || state.IsSettingRemoteAnswerPending)
	offerCollision := desc.Type == domain.DescriptionOffer && !readyForOffer

	state.IsIgnoringOffer = !state.IsPolite && offerCollision
	if state.IsIgnoringOffer {
		n.logger.Debugw("ignoring colliding offer", "peer_id", s.ID)
		n.metrics.NegotiationEvent(ports.MetricOfferIgnored)
		return nil
	}

	state.IsSettingRemoteAnswerPending = desc.Type == domain.DescriptionAnswer
	err := s.conn.SetRemoteDescription(desc)
	state.IsSettingRemoteAnswerPending = false
	if err != nil {
		tracing.RecordError(ctx, err)
		n.logger.Errorw("failed to apply remote description", "peer_id", s.ID, "type", desc.Type, "error", err)
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	if desc.Type != domain.DescriptionOffer {
		return nil
	}

	// The remote reset-triggered offer has arrived, so later local
	// renegotiations are legitimate again.
	state.IsSuppressingInitialOffer = false

	if err := n.setLocalAnswer(s.conn); err != nil {
		tracing.RecordError(ctx, err)
		n.logger.Errorw("failed to create answer", "peer_id", s.ID, "error", err)
		return err
	}
	if err := n.sendLocalDescription(ctx, s); err != nil {
		return err
	}
	n.metrics.NegotiationEvent(ports.MetricAnswerSent)
	return nil
}

// HandleCandidate applies a remote ICE candidate. Failures are only
// reported when no offer is being ignored and the candidate is non-empty.
func (n *Negotiator) HandleCandidate(ctx context.Context, s *PeerSession, candidate domain.Candidate) error {
	err := s.conn.AddICECandidate(candidate)
	if err == nil {
		return nil
	}

	if s.negotiation.IsIgnoringOffer || len(candidate.Candidate) <= 1 {
		n.logger.Debugw("dropped ICE candidate", "peer_id", s.ID, "error", err)
		return nil
	}

	n.metrics.NegotiationEvent(ports.MetricCandidateFailed)
	err = fmt.Errorf("%w: %v", domain.ErrCandidateRejected, err)
	n.logger.Errorw("failed to add ICE candidate", "peer_id", s.ID, "error", err)
	n.observer.PeerError(s.ID, err)
	return err
}
