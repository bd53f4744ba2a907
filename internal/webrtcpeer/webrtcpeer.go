// Package webrtcpeer constructs the pion API used for every server-side
// PeerConnection.
package webrtcpeer

import (
	"fmt"
	"log/slog"

	"github.com/pion/webrtc/v4"

	"github.com/feltmark/boardcast/internal/config"
)

func NewAPI(cfg config.Config, log *slog.Logger) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}
	if log != nil {
		se.LoggerFactory = newSlogLoggerFactory(log)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	return nil
}

// PeerConnectionConfig builds the webrtc.Configuration shared by producer and
// consumer peers.
func PeerConnectionConfig(cfg config.Config) webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: cfg.ICEServers,
	}
}
