package config

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/omasakun/remote-stylus/internal/origin"
	"github.com/omasakun/remote-stylus/internal/rendezvous"
)

const (
	envVarSignalingURL = "REMOTE_STYLUS_SIGNALING_URL"
	envVarAppID        = "REMOTE_STYLUS_APP_ID"
	envVarOrigin       = "REMOTE_STYLUS_ORIGIN"
	envVarPointerAddr  = "REMOTE_STYLUS_POINTER_ADDR"
	envVarChunkSize    = "REMOTE_STYLUS_CHUNK_SIZE"

	envVarWebRTCUDPPortMin = "REMOTE_STYLUS_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "REMOTE_STYLUS_WEBRTC_UDP_PORT_MAX"

	envVarWebRTCNAT1To1IPs             = "REMOTE_STYLUS_WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "REMOTE_STYLUS_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"

	envVarWebRTCUDPListenIP  = "REMOTE_STYLUS_WEBRTC_UDP_LISTEN_IP"
	DefaultWebRTCUDPListenIP = "0.0.0.0"

	envVarWebRTCSCTPMaxReceiveBufferBytes = "REMOTE_STYLUS_WEBRTC_SCTP_MAX_RECEIVE_BUFFER_BYTES"

	DefaultSignalingURL = "http://127.0.0.1:8787"
	DefaultPointerAddr  = "127.0.0.1:8080"
	DefaultSTUNURL      = "stun:stun.l.google.com:19302"
)

// recommendedWebRTCUDPPortRangeSize is a conservative minimum: running out of
// ports shows up as hard-to-debug connectivity failures.
const recommendedWebRTCUDPPortRangeSize = 100

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCNetwork holds the pion SettingEngine knobs of a peer.
type WebRTCNetwork struct {
	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	UDPPortRange *UDPPortRange

	// UDPListenIP restricts which local interface address ICE binds to.
	// 0.0.0.0 means "use library default".
	UDPListenIP net.IP

	// NAT1To1IPs are advertised as ICE candidates when the peer sits behind a
	// static NAT. Values are literal IPs.
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType

	SCTPMaxReceiveBufferBytes int
}

// PeerFlags carries the raw peer settings. The CLI binds its flags to these
// fields after PeerDefaults fills them from the environment.
type PeerFlags struct {
	SignalingURL string
	AppID        string
	Origin       string
	PointerAddr  string
	ChunkSize    int

	Mode      string
	LogFormat string
	LogLevel  string

	ICEServersJSON string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
	// ICEFromRelay fetches the ICE servers from the relay's /webrtc/ice
	// endpoint instead of using the local ICE settings.
	ICEFromRelay bool

	UDPPortMin                uint
	UDPPortMax                uint
	UDPListenIP               string
	NAT1To1IPs                string
	NAT1To1IPCandidateType    string
	SCTPMaxReceiveBufferBytes int
}

// PeerConfig is the validated peer CLI configuration.
type PeerConfig struct {
	SignalingURL string
	AppID        string
	Origin       string
	PointerAddr  string
	ChunkSize    int

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	ICEServers   []webrtc.ICEServer
	ICEFromRelay bool
	Network      WebRTCNetwork
}

// PeerDefaults reads the peer environment into flag defaults.
func PeerDefaults(lookup func(string) (string, bool)) (PeerFlags, error) {
	mode := envOrDefault(lookup, envVarMode, string(DefaultMode))
	f := PeerFlags{
		SignalingURL: envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL),
		AppID:        envOrDefault(lookup, envVarAppID, rendezvous.DefaultNamespace),
		Origin:       envOrDefault(lookup, envVarOrigin, ""),
		PointerAddr:  envOrDefault(lookup, envVarPointerAddr, DefaultPointerAddr),

		Mode:      mode,
		LogFormat: envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(mode)),
		LogLevel:  envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(mode)),

		ICEServersJSON: envOrDefault(lookup, envICEServersJSON, ""),
		STUNURLs:       envOrDefault(lookup, envStunURLs, ""),
		TURNURLs:       envOrDefault(lookup, envTurnURLs, ""),
		TURNUsername:   envOrDefault(lookup, envTurnUsername, ""),
		TURNCredential: envOrDefault(lookup, envTurnCredential, ""),

		UDPListenIP:            envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP),
		NAT1To1IPs:             envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""),
		NAT1To1IPCandidateType: envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost)),
	}

	var err error
	if f.ChunkSize, err = envIntOrDefault(lookup, envVarChunkSize, 0); err != nil {
		return PeerFlags{}, err
	}
	if f.SCTPMaxReceiveBufferBytes, err = envIntOrDefault(lookup, envVarWebRTCSCTPMaxReceiveBufferBytes, 0); err != nil {
		return PeerFlags{}, err
	}

	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return PeerFlags{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		f.UDPPortMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return PeerFlags{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		f.UDPPortMax = uint(p)
	}
	return f, nil
}

// Parse validates the raw flags.
func (f PeerFlags) Parse() (PeerConfig, error) {
	mode, err := parseMode(f.Mode)
	if err != nil {
		return PeerConfig{}, err
	}
	logFormat, err := parseLogFormat(f.LogFormat)
	if err != nil {
		return PeerConfig{}, err
	}
	level, err := parseLogLevel(f.LogLevel)
	if err != nil {
		return PeerConfig{}, err
	}

	network, err := f.parseNetwork()
	if err != nil {
		return PeerConfig{}, err
	}

	cfg := PeerConfig{
		SignalingURL: strings.TrimRight(strings.TrimSpace(f.SignalingURL), "/"),
		AppID:        strings.TrimSpace(f.AppID),
		Origin:       strings.TrimSpace(f.Origin),
		PointerAddr:  strings.TrimSpace(f.PointerAddr),
		ChunkSize:    effectiveChunkSize(f.ChunkSize),
		Mode:         mode,
		LogFormat:    logFormat,
		LogLevel:     level,
		ICEFromRelay: f.ICEFromRelay,
		Network:      network,
	}

	if !f.ICEFromRelay {
		servers, err := ICESource{
			JSON:           f.ICEServersJSON,
			STUNURLs:       f.STUNURLs,
			TURNURLs:       f.TURNURLs,
			TURNUsername:   f.TURNUsername,
			TURNCredential: f.TURNCredential,
		}.Servers()
		if err != nil {
			return PeerConfig{}, err
		}
		if len(servers) == 0 {
			servers = []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
		}
		cfg.ICEServers = servers
	}

	if err := cfg.Validate(); err != nil {
		return PeerConfig{}, err
	}
	return cfg, nil
}

func (f PeerFlags) parseNetwork() (WebRTCNetwork, error) {
	var network WebRTCNetwork

	if f.UDPPortMin != 0 || f.UDPPortMax != 0 {
		if f.UDPPortMin == 0 || f.UDPPortMax == 0 {
			return WebRTCNetwork{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--webrtc-udp-port-min",
				envVarWebRTCUDPPortMax, "--webrtc-udp-port-max",
			)
		}
		min, err := parsePortUint(f.UDPPortMin)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--webrtc-udp-port-min", err)
		}
		max, err := parsePortUint(f.UDPPortMax)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--webrtc-udp-port-max", err)
		}
		if min > max {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		network.UDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	listenIPStr := f.UDPListenIP
	if strings.TrimSpace(listenIPStr) == "" {
		listenIPStr = DefaultWebRTCUDPListenIP
	}
	network.UDPListenIP = net.ParseIP(strings.TrimSpace(listenIPStr))
	if network.UDPListenIP == nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--webrtc-udp-listen-ip", f.UDPListenIP)
	}

	if strings.TrimSpace(f.NAT1To1IPs) != "" {
		ips, err := parseIPList(f.NAT1To1IPs)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--webrtc-nat-1to1-ips", f.NAT1To1IPs, err)
		}
		network.NAT1To1IPs = ips
	}

	candidateTypeStr := f.NAT1To1IPCandidateType
	if strings.TrimSpace(candidateTypeStr) == "" {
		candidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	candidateType, err := parseCandidateType(candidateTypeStr)
	if err != nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--webrtc-nat-1to1-ip-candidate-type", candidateTypeStr, err)
	}
	network.NAT1To1IPCandidateType = candidateType

	network.SCTPMaxReceiveBufferBytes = f.SCTPMaxReceiveBufferBytes
	if network.SCTPMaxReceiveBufferBytes == 0 {
		network.SCTPMaxReceiveBufferBytes = defaultWebRTCSCTPMaxReceiveBufferBytes(f.ChunkSize)
	}
	return network, nil
}

// Validate checks the cross-field constraints of a peer configuration.
func (c PeerConfig) Validate() error {
	u, err := url.Parse(c.SignalingURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s/--signaling-url %q (expected http(s)://host[:port])", envVarSignalingURL, c.SignalingURL)
	}
	if c.AppID == "" || strings.ContainsAny(c.AppID, "/?#") {
		return fmt.Errorf("invalid %s/--app-id %q", envVarAppID, c.AppID)
	}
	if c.Origin != "" {
		if _, err := normalizeOriginValue(c.Origin); err != nil {
			return fmt.Errorf("invalid %s/--origin %q: %w", envVarOrigin, c.Origin, err)
		}
	}
	if _, _, err := net.SplitHostPort(c.PointerAddr); err != nil {
		return fmt.Errorf("invalid %s/--pointer-addr %q: %w", envVarPointerAddr, c.PointerAddr, err)
	}
	if c.ChunkSize <= 0 || c.ChunkSize > maxChunkSize {
		return fmt.Errorf("%s/--chunk-size must be within (0, %d]", envVarChunkSize, maxChunkSize)
	}
	if !c.ICEFromRelay && len(c.ICEServers) == 0 {
		return fmt.Errorf("no ICE servers configured")
	}
	if c.Network.SCTPMaxReceiveBufferBytes < minWebRTCSCTPReceiveBufferBytes {
		return fmt.Errorf("%s/--webrtc-sctp-max-receive-buffer-bytes must be >= %d", envVarWebRTCSCTPMaxReceiveBufferBytes, minWebRTCSCTPReceiveBufferBytes)
	}
	if c.Network.SCTPMaxReceiveBufferBytes < c.ChunkSize {
		return fmt.Errorf("%s/--webrtc-sctp-max-receive-buffer-bytes (%d) must be >= chunk size (%d)",
			envVarWebRTCSCTPMaxReceiveBufferBytes, c.Network.SCTPMaxReceiveBufferBytes, c.ChunkSize)
	}
	return nil
}

// NewPeerLogger writes to w so that stdout stays free for the status line.
func NewPeerLogger(w io.Writer, cfg PeerConfig) (*slog.Logger, error) {
	return newLogger(w, cfg.LogFormat, cfg.LogLevel)
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func normalizeOriginValue(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if raw == "null" {
		return "null", nil
	}

	normalized, _, ok := origin.NormalizeHeader(raw)
	if !ok {
		return "", fmt.Errorf("expected full origin like https://example.com")
	}
	return normalized, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
