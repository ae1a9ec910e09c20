package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	relayhandler "peerlink/internal/handlers/signal"
	"peerlink/internal/infrastructure/monitoring"
	relay "peerlink/internal/infrastructure/signal"
	"peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/config"
	"peerlink/pkg/retry"
	"peerlink/pkg/utils"
	"peerlink/pkg/validation"
)

// maxSendFileSize caps files read by /file; the whole file is held in memory.
const maxSendFileSize = 64 << 20

var (
	flagRoom        string
	flagToken       string
	flagMode        string
	flagName        string
	flagAudio       bool
	flagAudioRTP    string
	flagVideoRTP    string
	flagDownloadDir string
	flagMetricsAddr string
)

var joinCmd = &cobra.Command{
	Use:   "join [room]",
	Short: "Join a room and chat with its peers",
	Long: `Join a relay room. Without a room name a new room is created first.

Commands read from stdin:
  /file <path>        send a file to every peer
  /audio on|off       unmute or mute the local audio track
  /video on|off       enable or disable the local video track
  /name <name>        change the name shown to peers
  /filter             cycle the local video filter
  /stop-media         stop publishing audio and video
  /peers              list connected peers
  /quit               leave the room
Any other line is sent as a chat message.

Examples:
  peerlink join --relay http://localhost:8080
  peerlink join abcd-efgh-ijkl --name alice --audio-rtp 127.0.0.1:5004`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			flagRoom = args[0]
		}
		return runJoin(cmd.Context())
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a room on the relay and print its name",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		room, err := newRoomClient(cfg.Peer.RelayURL).CreateRoom(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		fmt.Println(room.Room)
		if room.Token != "" {
			fmt.Println(room.Token)
		}
		return nil
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&flagToken, "token", "", "room access token")
	f.StringVar(&flagMode, "mode", "", "peer mode: multi or single")
	f.StringVarP(&flagName, "name", "n", "", "name shown to other peers")
	f.BoolVar(&flagAudio, "audio", false, "start with audio unmuted")
	f.StringVar(&flagAudioRTP, "audio-rtp", "", "UDP address to read Opus RTP from")
	f.StringVar(&flagVideoRTP, "video-rtp", "", "UDP address to read VP8 RTP from")
	f.StringVar(&flagDownloadDir, "download-dir", ".", "directory for received files (empty to discard)")
	f.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func runJoin(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyJoinFlags(cfg)
	if err := validateJoin(cfg); err != nil {
		return err
	}

	log := newLogger(cfg)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	room, token, err := resolveRoom(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("Joining room %s (%s mode)\n", room, cfg.Peer.Mode)
	log.Infow("Joining room", "room", room, "relay", cfg.Peer.RelayURL, "token", utils.MaskSensitive(token, 8))

	reg := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(reg)
	if flagMetricsAddr != "" {
		go serveMetrics(ctx, flagMetricsAddr, reg, log)
	}

	loop := services.NewEventLoop()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go loop.Run(loopCtx)

	factory := webrtc.NewFactory(factoryConfig(cfg), log)
	out := newConsole(os.Stdout, flagDownloadDir, log)

	var adapter *relayhandler.RelayAdapter
	client := relay.NewClient(relay.ClientConfig{
		URL:          cfg.Peer.RelayURL,
		Room:         room,
		Token:        token,
		WriteTimeout: cfg.Signal.WriteTimeout,
		PongTimeout:  cfg.Signal.PongTimeout,
		SendBuffer:   cfg.Signal.SendBuffer,
		Reconnect:    reconnectConfig(cfg),
	}, func(frame domain.RelayFrame) { adapter.HandleFrame(frame) }, log)

	registry := services.NewPeerRegistry(loopCtx, loop, factory, client, out, log, services.RegistryConfig{
		Metrics:  collector,
		Features: initialFeatures(cfg),
	})
	adapter = relayhandler.NewRelayAdapter(registry, cfg.Peer.Mode, log)

	tracks, err := startMedia(ctx, log)
	if err != nil {
		return err
	}
	if len(tracks) > 0 {
		loop.Post(func() { registry.PublishMedia(tracks...) })
	}

	relayDone := make(chan error, 1)
	go func() { relayDone <- client.Run(ctx) }()

	input := make(chan string)
	go readLines(os.Stdin, input)

	err = commandLoop(ctx, loop, registry, input, relayDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if closeErr := loop.Do(shutdownCtx, registry.Close); closeErr != nil {
		log.Warnw("Timed out closing sessions", "error", closeErr)
	}
	client.Close()
	return err
}

func applyJoinFlags(cfg *config.Config) {
	if flagMode != "" {
		cfg.Peer.Mode = flagMode
	}
	if flagName != "" {
		cfg.Peer.Username = flagName
	}
	if flagAudio {
		cfg.Peer.Audio = true
	}
}

func validateJoin(cfg *config.Config) error {
	if err := validation.ValidateURL(cfg.Peer.RelayURL); err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	if cfg.Peer.Mode != config.ModeMulti && cfg.Peer.Mode != config.ModeSingle {
		return fmt.Errorf("unknown peer mode %q", cfg.Peer.Mode)
	}
	if flagRoom != "" {
		if err := validation.ValidateRoomName(flagRoom); err != nil {
			return err
		}
	}
	if cfg.Peer.Username != "" {
		if err := validation.ValidateDisplayName(cfg.Peer.Username); err != nil {
			return err
		}
	}
	return nil
}

// resolveRoom returns the room to join and its token, creating the room
// when none was named.
func resolveRoom(ctx context.Context, cfg *config.Config) (string, string, error) {
	api := newRoomClient(cfg.Peer.RelayURL)
	if flagRoom == "" {
		created, err := api.CreateRoom(ctx)
		if err != nil {
			return "", "", fmt.Errorf("failed to create room: %w", err)
		}
		return string(created.Room), created.Token, nil
	}

	token := flagToken
	if token == "" && cfg.Auth.RequireRoomToken {
		issued, err := api.IssueToken(ctx, flagRoom)
		if err != nil {
			return "", "", fmt.Errorf("failed to get room token: %w", err)
		}
		token = issued.Token
	}
	return flagRoom, token, nil
}

func factoryConfig(cfg *config.Config) webrtc.Config {
	fc := webrtc.Config{TurnURLs: cfg.Turn.URLs}
	for _, s := range cfg.WebRTC.ICEServers {
		fc.ICEServers = append(fc.ICEServers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	fc.PortRange.Min = cfg.WebRTC.PortRange.Min
	fc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return fc
}

func reconnectConfig(cfg *config.Config) retry.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.Peer.ReconnectAttempts
	if cfg.Peer.ReconnectDelay > 0 {
		rc.InitialDelay = cfg.Peer.ReconnectDelay
	}
	rc.MaxDelay = 30 * time.Second
	return rc
}

func initialFeatures(cfg *config.Config) domain.Features {
	features := domain.Features{domain.FeatureAudio: cfg.Peer.Audio}
	if cfg.Peer.Username != "" {
		features[domain.FeatureUsername] = cfg.Peer.Username
	}
	return features
}

// startMedia opens the RTP sockets named on the command line and starts
// forwarding into local tracks.
func startMedia(ctx context.Context, log *zap.SugaredLogger) ([]ports.LocalTrack, error) {
	sources := []struct{ kind, addr string }{
		{ports.KindAudio, flagAudioRTP},
		{ports.KindVideo, flagVideoRTP},
	}

	streamID := uuid.NewString()
	var tracks []ports.LocalTrack
	for _, src := range sources {
		if src.addr == "" {
			continue
		}
		track, err := webrtc.NewLocalTrack(src.kind, src.kind+"-"+streamID, streamID)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s track: %w", src.kind, err)
		}
		conn, err := net.ListenPacket("udp", src.addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen for %s RTP on %s: %w", src.kind, src.addr, err)
		}
		log.Infow("Reading local RTP", "kind", src.kind, "address", conn.LocalAddr().String())

		go func(kind string) {
			if err := track.Forward(ctx, conn, log); err != nil {
				log.Errorw("Local RTP forwarding stopped", "kind", kind, "error", err)
			}
			log.Infow("Local track finished",
				"kind", kind,
				"keyframe_requests", track.KeyframeRequests(),
				"nacks", track.NACKs(),
			)
		}(src.kind)
		tracks = append(tracks, track)
	}
	return tracks, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorw("Metrics server failed", "address", addr, "error", err)
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// commandLoop feeds stdin into the registry until the user quits, stdin
// closes, the relay gives up or ctx is done.
func commandLoop(ctx context.Context, loop *services.EventLoop, registry *services.PeerRegistry, input <-chan string, relayDone <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-relayDone:
			return err
		case line, ok := <-input:
			if !ok {
				return nil
			}
			quit, err := runCommand(ctx, loop, registry, line)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func runCommand(ctx context.Context, loop *services.EventLoop, registry *services.PeerRegistry, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, loop.Do(ctx, func() { registry.SendMessage(line) })
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "/quit":
		return true, nil

	case "/file":
		kind, name, mimeType, data, readErr := readFile(arg)
		if readErr != nil {
			return false, readErr
		}
		err = loop.Do(ctx, func() { registry.SendFile(kind, name, mimeType, data) })

	case "/audio", "/video":
		on, parseErr := parseSwitch(arg)
		if parseErr != nil {
			return false, parseErr
		}
		key := strings.TrimPrefix(cmd, "/")
		err = do(ctx, loop, func() error { return registry.SetFeature(key, on) })

	case "/name":
		if vErr := validation.ValidateDisplayName(arg); vErr != nil {
			return false, vErr
		}
		err = do(ctx, loop, func() error { return registry.SetFeature(domain.FeatureUsername, arg) })

	case "/filter":
		var filter string
		err = loop.Do(ctx, func() { filter = registry.CycleFilter() })
		if err == nil {
			fmt.Printf("* video filter %s\n", filter)
		}

	case "/stop-media":
		err = loop.Do(ctx, registry.RemoveMedia)

	case "/peers":
		var peers []domain.PeerID
		err = loop.Do(ctx, func() { peers = registry.Peers() })
		for _, id := range peers {
			fmt.Printf("* %q\n", id)
		}

	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, err
}

// do runs fn on the loop and returns its error.
func do(ctx context.Context, loop *services.EventLoop, fn func() error) error {
	var fnErr error
	if err := loop.Do(ctx, func() { fnErr = fn() }); err != nil {
		return err
	}
	return fnErr
}

func parseSwitch(arg string) (bool, error) {
	switch arg {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}

func readFile(path string) (kind, name, mimeType string, data []byte, err error) {
	if path == "" {
		return "", "", "", nil, fmt.Errorf("usage: /file <path>")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", "", "", nil, err
	}
	if info.Size() > maxSendFileSize {
		return "", "", "", nil, fmt.Errorf("%s is %s, the limit is %s", path, utils.FormatBytes(info.Size()), utils.FormatBytes(maxSendFileSize))
	}

	name = filepath.Base(path)
	if err := validation.ValidateFileName(name); err != nil {
		return "", "", "", nil, err
	}
	data, err = os.ReadFile(path)
	if err != nil {
		return "", "", "", nil, err
	}

	mimeType = mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	kind = "file"
	if strings.HasPrefix(mimeType, "image/") {
		kind = "image"
	}
	return kind, name, mimeType, data, nil
}
