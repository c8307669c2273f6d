package config

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/omasakun/remote-stylus/internal/framing"
	"github.com/omasakun/remote-stylus/internal/rendezvous"
)

func mustPeerDefaults(t *testing.T, env map[string]string) PeerFlags {
	t.Helper()
	f, err := PeerDefaults(lookupMap(env))
	if err != nil {
		t.Fatalf("PeerDefaults: %v", err)
	}
	return f
}

func TestPeerDefaults(t *testing.T) {
	cfg, err := mustPeerDefaults(t, nil).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.SignalingURL != DefaultSignalingURL {
		t.Fatalf("SignalingURL=%q, want %q", cfg.SignalingURL, DefaultSignalingURL)
	}
	if cfg.AppID != rendezvous.DefaultNamespace {
		t.Fatalf("AppID=%q, want %q", cfg.AppID, rendezvous.DefaultNamespace)
	}
	if cfg.PointerAddr != DefaultPointerAddr {
		t.Fatalf("PointerAddr=%q, want %q", cfg.PointerAddr, DefaultPointerAddr)
	}
	if cfg.ChunkSize != framing.DefaultChunkSize {
		t.Fatalf("ChunkSize=%d, want %d", cfg.ChunkSize, framing.DefaultChunkSize)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != DefaultSTUNURL {
		t.Fatalf("ICEServers=%+v, want default STUN", cfg.ICEServers)
	}
	if cfg.Network.UDPPortRange != nil {
		t.Fatalf("expected UDPPortRange unset, got %+v", *cfg.Network.UDPPortRange)
	}
	if !cfg.Network.UDPListenIP.Equal(net.IPv4zero) {
		t.Fatalf("UDPListenIP=%v, want 0.0.0.0", cfg.Network.UDPListenIP)
	}
	if cfg.Network.NAT1To1IPCandidateType != NAT1To1CandidateTypeHost {
		t.Fatalf("NAT1To1IPCandidateType=%q, want %q", cfg.Network.NAT1To1IPCandidateType, NAT1To1CandidateTypeHost)
	}
	if cfg.Network.SCTPMaxReceiveBufferBytes != DefaultWebRTCSCTPMaxReceiveBufferBytes {
		t.Fatalf("SCTPMaxReceiveBufferBytes=%d, want %d", cfg.Network.SCTPMaxReceiveBufferBytes, DefaultWebRTCSCTPMaxReceiveBufferBytes)
	}
}

func TestPeerDefaults_FromEnv(t *testing.T) {
	f := mustPeerDefaults(t, map[string]string{
		envVarSignalingURL: "https://relay.example.com/",
		envVarAppID:        "demo",
		envVarOrigin:       "https://app.example.com",
		envVarPointerAddr:  "127.0.0.1:9000",
		envVarChunkSize:    "8192",
		envStunURLs:        "stun:stun.example.com:3478",
	})
	cfg, err := f.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.SignalingURL != "https://relay.example.com" {
		t.Fatalf("SignalingURL=%q, want trailing slash trimmed", cfg.SignalingURL)
	}
	if cfg.AppID != "demo" || cfg.Origin != "https://app.example.com" || cfg.PointerAddr != "127.0.0.1:9000" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.ChunkSize != 8192 {
		t.Fatalf("ChunkSize=%d, want 8192", cfg.ChunkSize)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ICEServers=%+v", cfg.ICEServers)
	}
}

func TestPeerDefaults_InvalidPort(t *testing.T) {
	_, err := PeerDefaults(lookupMap(map[string]string{envVarWebRTCUDPPortMin: "70000"}))
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestPeerICEFromRelay_SkipsLocalICE(t *testing.T) {
	f := mustPeerDefaults(t, map[string]string{
		envTurnURLs: "turn:turn.example.com:3478",
	})
	if _, err := f.Parse(); err == nil {
		t.Fatalf("expected TURN without credentials to fail")
	}
	f.ICEFromRelay = true
	cfg, err := f.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("ICEServers=%+v, want none", cfg.ICEServers)
	}
}

func TestWebRTCUDPPortRange_RequiresBoth(t *testing.T) {
	f := mustPeerDefaults(t, map[string]string{envVarWebRTCUDPPortMin: "40000"})
	if _, err := f.Parse(); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestWebRTCUDPPortRange_TooSmall(t *testing.T) {
	f := mustPeerDefaults(t, map[string]string{
		envVarWebRTCUDPPortMin: "40000",
		envVarWebRTCUDPPortMax: "40010",
	})
	_, err := f.Parse()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "too small") {
		t.Fatalf("err=%v, expected mention of too small range", err)
	}
}

func TestWebRTCUDPPortRange_OK(t *testing.T) {
	f := mustPeerDefaults(t, map[string]string{
		envVarWebRTCUDPPortMin: "40000",
		envVarWebRTCUDPPortMax: "40199",
	})
	cfg, err := f.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Network.UDPPortRange == nil {
		t.Fatalf("expected UDPPortRange set")
	}
	if cfg.Network.UDPPortRange.Min != 40000 || cfg.Network.UDPPortRange.Max != 40199 {
		t.Fatalf("UDPPortRange=%+v", *cfg.Network.UDPPortRange)
	}
}

func TestWebRTCNAT1To1IPsAndCandidateType(t *testing.T) {
	f := mustPeerDefaults(t, map[string]string{
		envVarWebRTCNAT1To1IPs:             "203.0.113.10, 203.0.113.11",
		envVarWebRTCNAT1To1IPCandidateType: "srflx",
	})
	cfg, err := f.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := strings.Join(cfg.Network.NAT1To1IPs, ","); got != "203.0.113.10,203.0.113.11" {
		t.Fatalf("NAT1To1IPs=%q", got)
	}
	if cfg.Network.NAT1To1IPCandidateType != NAT1To1CandidateTypeSrflx {
		t.Fatalf("NAT1To1IPCandidateType=%q, want %q", cfg.Network.NAT1To1IPCandidateType, NAT1To1CandidateTypeSrflx)
	}
}

func TestPeerFlags_Invalid(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PeerFlags)
		want   string
	}{
		{name: "signaling scheme", mutate: func(f *PeerFlags) { f.SignalingURL = "ftp://relay" }, want: "--signaling-url"},
		{name: "signaling host", mutate: func(f *PeerFlags) { f.SignalingURL = "http://" }, want: "--signaling-url"},
		{name: "app id", mutate: func(f *PeerFlags) { f.AppID = "a/b" }, want: "--app-id"},
		{name: "origin", mutate: func(f *PeerFlags) { f.Origin = "example.com" }, want: "--origin"},
		{name: "pointer addr", mutate: func(f *PeerFlags) { f.PointerAddr = "localhost" }, want: "--pointer-addr"},
		{name: "chunk size", mutate: func(f *PeerFlags) { f.ChunkSize = maxChunkSize + 1 }, want: "--chunk-size"},
		{name: "sctp buffer", mutate: func(f *PeerFlags) { f.SCTPMaxReceiveBufferBytes = 1024 }, want: "--webrtc-sctp-max-receive-buffer-bytes"},
		{name: "sctp below chunk", mutate: func(f *PeerFlags) { f.SCTPMaxReceiveBufferBytes = 4096; f.ChunkSize = 8192 }, want: "chunk size"},
		{name: "listen ip", mutate: func(f *PeerFlags) { f.UDPListenIP = "not-an-ip" }, want: "--webrtc-udp-listen-ip"},
		{name: "nat ips", mutate: func(f *PeerFlags) { f.NAT1To1IPs = "203.0.113.10,nope" }, want: "--webrtc-nat-1to1-ips"},
		{name: "candidate type", mutate: func(f *PeerFlags) { f.NAT1To1IPCandidateType = "relay" }, want: "--webrtc-nat-1to1-ip-candidate-type"},
		{name: "log format", mutate: func(f *PeerFlags) { f.LogFormat = "xml" }, want: "invalid log format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := mustPeerDefaults(t, nil)
			tc.mutate(&f)
			_, err := f.Parse()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestNewPeerLogger_WritesToGivenWriter(t *testing.T) {
	cfg, err := mustPeerDefaults(t, map[string]string{envVarLogFormat: "json"}).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var buf bytes.Buffer
	logger, err := NewPeerLogger(&buf, cfg)
	if err != nil {
		t.Fatalf("NewPeerLogger: %v", err)
	}
	logger.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("log output=%q", buf.String())
	}
}
