package webrtc

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/ports"
)

// rtpMTU is the read buffer size for incoming RTP.
const rtpMTU = 1500

// LocalTrack is a locally produced RTP track. While disabled, written
// packets are dropped, which mutes the track without renegotiation.
type LocalTrack struct {
	rtp     *webrtc.TrackLocalStaticRTP
	kind    string
	enabled atomic.Bool

	keyframeRequests atomic.Uint64
	nacks            atomic.Uint64
}

// NewLocalTrack creates an Opus audio or VP8 video track.
func NewLocalTrack(kind, id, streamID string) (*LocalTrack, error) {
	mimeType := webrtc.MimeTypeOpus
	if kind == ports.KindVideo {
		mimeType = webrtc.MimeTypeVP8
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		id,
		streamID,
	)
	if err != nil {
		return nil, err
	}

	t := &LocalTrack{rtp: track, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string   { return t.rtp.ID() }
func (t *LocalTrack) Kind() string { return t.kind }

func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// KeyframeRequests counts PLI packets received from every remote reader.
func (t *LocalTrack) KeyframeRequests() uint64 { return t.keyframeRequests.Load() }

// NACKs counts negative acknowledgements received from every remote reader.
func (t *LocalTrack) NACKs() uint64 { return t.nacks.Load() }

// WriteRTP forwards one packet to every connection the track is added to.
func (t *LocalTrack) WriteRTP(packet *rtp.Packet) error {
	if !t.Enabled() {
		return nil
	}
	return t.rtp.WriteRTP(packet)
}

// Forward reads RTP datagrams from conn (e.g. produced by ffmpeg or
// gstreamer) and writes them to the track until ctx is done or conn fails.
func (t *LocalTrack) Forward(ctx context.Context, conn net.PacketConn, logger *zap.SugaredLogger) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, rtpMTU)
	packet := &rtp.Packet{}
	var forwarded uint64

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			logger.Debugw("dropping malformed RTP datagram", "track_id", t.ID(), "error", err)
			continue
		}
		if err := t.WriteRTP(packet); err != nil {
			logger.Warnw("error writing RTP packet to local track", "track_id", t.ID(), "error", err)
			continue
		}

		forwarded++
		if forwarded%1000 == 0 {
			logger.Debugw("forwarding local RTP",
				"track_id", t.ID(),
				"sequence", packet.SequenceNumber,
				"packets_forwarded", forwarded,
			)
		}
	}
}

// RemoteTrack is a track received from the remote peer.
type RemoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *RemoteTrack) ID() string   { return t.track.ID() }
func (t *RemoteTrack) Kind() string { return t.track.Kind().String() }

// Sender ties a local track to one connection.
type Sender struct {
	rtp   *webrtc.RTPSender
	track *LocalTrack
}

func (s *Sender) Track() ports.LocalTrack { return s.track }

// drainRemoteTrack reads the remote track so pion's interceptors keep
// running. Rendering is out of scope, so packets are discarded.
func drainRemoteTrack(track *webrtc.TrackRemote, logger *zap.SugaredLogger) {
	var received uint64
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			logger.Debugw("remote track ended",
				"track_id", track.ID(),
				"packets_received", received,
				"error", err,
			)
			return
		}

		received++
		if received%1000 == 0 {
			logger.Debugw("receiving remote RTP",
				"track_id", track.ID(),
				"sequence", packet.SequenceNumber,
				"packets_received", received,
			)
		}
	}
}

func readReceiverRTCP(receiver *webrtc.RTPReceiver, logger *zap.SugaredLogger) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if sr, ok := packet.(*rtcp.SenderReport); ok {
				logger.Debugw("received sender report",
					"ssrc", sr.SSRC,
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

// readSenderRTCP consumes feedback about a local track. It has to run for
// NACK and PLI handling to work at all.
func readSenderRTCP(sender *webrtc.RTPSender, track *LocalTrack, logger *zap.SugaredLogger) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				track.keyframeRequests.Add(1)
				logger.Debugw("received PLI", "track_id", track.ID(), "media_ssrc", p.MediaSSRC)
			case *rtcp.TransportLayerNack:
				track.nacks.Add(uint64(len(p.Nacks)))
				logger.Debugw("received NACK", "track_id", track.ID(), "nacks", len(p.Nacks))
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					logger.Debugw("received receiver report",
						"track_id", track.ID(),
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}
