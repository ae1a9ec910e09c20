package ports

import "time"

// Negotiation event names reported to SessionMetrics.
const (
	MetricOfferSent       = "offer_sent"
	MetricOfferIgnored    = "offer_ignored"
	MetricAnswerSent      = "answer_sent"
	MetricCandidateFailed = "candidate_failed"
	MetricSessionReset    = "session_reset"
)

// SessionMetrics receives peer-side measurements.
type SessionMetrics interface {
	NegotiationEvent(event string)
	MessageRoundTrip(rtt time.Duration, delayed bool)
	TransferBytes(direction string, n int)
	SessionsActive(n int)
	QueueDepth(peer string, n int)
}
