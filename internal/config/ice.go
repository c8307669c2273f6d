package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/omasakun/remote-stylus/internal/turnrest"
)

const (
	envICEServersJSON = "REMOTE_STYLUS_ICE_SERVERS_JSON"

	envStunURLs       = "REMOTE_STYLUS_STUN_URLS"
	envTurnURLs       = "REMOTE_STYLUS_TURN_URLS"
	envTurnUsername   = "REMOTE_STYLUS_TURN_USERNAME"
	envTurnCredential = "REMOTE_STYLUS_TURN_CREDENTIAL"
)

// ICESource holds the raw ICE settings shared by the relay and the peer.
// JSON wins over the comma-separated STUN/TURN values when both are set.
type ICESource struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string

	// MintedCredentials lets TURN entries omit credentials because the
	// relay signs them per request.
	MintedCredentials bool
}

// Servers parses the source into pion ICE servers. Errors name the setting
// that produced them.
func (s ICESource) Servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.JSON); raw != "" {
		servers, err := ParseICEServersJSON(raw, s.MintedCredentials)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if urls := splitList(s.STUNURLs); len(urls) > 0 {
		stun := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(stun, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, stun)
	}

	urls := splitList(s.TURNURLs)
	if len(urls) == 0 {
		return servers, nil
	}
	username := strings.TrimSpace(s.TURNUsername)
	credential := strings.TrimSpace(s.TURNCredential)
	if !s.MintedCredentials && (username == "" || credential == "") {
		return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
	}
	turn := webrtc.ICEServer{URLs: urls, Username: username}
	if credential != "" {
		turn.Credential = credential
	}
	if err := checkICEServer(turn, s.MintedCredentials); err != nil {
		return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
	}
	return append(servers, turn), nil
}

// iceServerJSON is the browser RTCIceServer shape; urls may be a string or
// a list.
type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses a JSON array of RTCIceServer objects.
func ParseICEServersJSON(raw string, mintedCredentials bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{
			URLs:     splitList(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		if err := checkICEServer(server, mintedCredentials); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func checkICEServer(server webrtc.ICEServer, mintedCredentials bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, u := range server.URLs {
		scheme, rest, ok := strings.Cut(u, ":")
		switch {
		case !ok || rest == "":
			return fmt.Errorf("invalid ice url: %q", u)
		case scheme != "stun" && scheme != "stuns" && scheme != "turn" && scheme != "turns":
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}

	if mintedCredentials || !turnrest.HasTURNURL(server) {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
