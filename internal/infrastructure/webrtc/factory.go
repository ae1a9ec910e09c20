package webrtc

import (
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// Config holds the settings shared by every connection the factory creates.
type Config struct {
	ICEServers []webrtc.ICEServer
	// TurnURLs are paired with relay-issued credentials once they arrive.
	TurnURLs  []string
	PortRange struct {
		Min uint16
		Max uint16
	}
}

// Factory creates pion peer connections. It implements
// ports.ConnectionFactory and ports.CredentialSink.
type Factory struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	creds *domain.TurnCredentials
}

// NewFactory builds the pion API once, with the configured port range.
func NewFactory(config Config, logger *zap.SugaredLogger) *Factory {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			logger.Warnw("invalid port range, using defaults",
				"min", config.PortRange.Min,
				"max", config.PortRange.Max,
				"error", err,
			)
		}
	}

	return &Factory{
		config: config,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}
}

// UseCredentials records TURN credentials for connections created later.
func (f *Factory) UseCredentials(credentials domain.TurnCredentials) {
	f.mu.Lock()
	f.creds = &credentials
	f.mu.Unlock()

	f.logger.Debugw("using relay TURN credentials", "username", credentials.Username)
}

func (f *Factory) configuration() webrtc.Configuration {
	servers := append([]webrtc.ICEServer(nil), f.config.ICEServers...)

	f.mu.RLock()
	creds := f.creds
	f.mu.RUnlock()

	if creds != nil && len(f.config.TurnURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           f.config.TurnURLs,
			Username:       creds.Username,
			Credential:     creds.Password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	return webrtc.Configuration{
		ICEServers:   servers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
}

// NewConnection creates a peer connection whose callbacks all go to handler.
func (f *Factory) NewConnection(handler ports.ConnectionEventHandler) (ports.Connection, error) {
	pc, err := f.api.NewPeerConnection(f.configuration())
	if err != nil {
		return nil, err
	}
	return newConnection(pc, handler, f.logger), nil
}
