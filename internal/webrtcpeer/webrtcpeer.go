// Package webrtcpeer implements the handshake engine on top of pion/webrtc.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"

	"github.com/omasakun/remote-stylus/internal/config"
)

type APIConfig struct {
	Network config.WebRTCNetwork
	// Logger receives pion's internal logs. Nil discards them.
	Logger *slog.Logger
	// Net replaces the OS network, e.g. with a vnet.Net in tests.
	Net transport.Net
}

func NewAPI(cfg APIConfig) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = LoggerFactory{Logger: cfg.Logger}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}
	if err := ApplyNetworkSettings(&se, cfg.Network); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	return api, nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.WebRTCNetwork) error {
	if cfg.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.NAT1To1IPs, candidateType)
	}

	// SettingEngine doesn't expose a "bind to 0.0.0.0" toggle; instead
	// we restrict candidate gathering and socket binding via IPFilter.
	if !config.IsUnspecifiedIP(cfg.UDPListenIP) {
		listenIP := cfg.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	if cfg.SCTPMaxReceiveBufferBytes > 0 {
		se.SetSCTPMaxReceiveBufferSize(uint32(cfg.SCTPMaxReceiveBufferBytes))
	}

	return nil
}
