package config

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestICESourceServers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		src  ICESource
		want []webrtc.ICEServer
	}{
		{
			name: "empty",
			src:  ICESource{},
		},
		{
			name: "json list and single url",
			src: ICESource{JSON: `[
				{"urls": ["stun:stun.example.com:3478", " "]},
				{"urls": "turn:turn.example.com:3478?transport=udp", "username": "user", "credential": "pass"}
			]`},
			want: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.example.com:3478"}},
				{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
			},
		},
		{
			name: "json wins over convenience values",
			src: ICESource{
				JSON:     `[{"urls": "stun:json.example.com:3478"}]`,
				STUNURLs: "stun:env.example.com:3478",
			},
			want: []webrtc.ICEServer{{URLs: []string{"stun:json.example.com:3478"}}},
		},
		{
			name: "convenience values",
			src: ICESource{
				STUNURLs:       "stun:a.example.com:3478, stun:b.example.com:3478",
				TURNURLs:       "turns:turn.example.com:5349",
				TURNUsername:   " user ",
				TURNCredential: "pass",
			},
			want: []webrtc.ICEServer{
				{URLs: []string{"stun:a.example.com:3478", "stun:b.example.com:3478"}},
				{URLs: []string{"turns:turn.example.com:5349"}, Username: "user", Credential: "pass"},
			},
		},
		{
			name: "minted turn credentials from json",
			src: ICESource{
				JSON:              `[{"urls": ["turn:turn.example.com:3478"]}]`,
				MintedCredentials: true,
			},
			want: []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}}},
		},
		{
			name: "minted turn credentials from convenience values",
			src: ICESource{
				TURNURLs:          "turn:turn.example.com:3478",
				MintedCredentials: true,
			},
			want: []webrtc.ICEServer{{URLs: []string{"turn:turn.example.com:3478"}}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := tc.src.Servers()
			if err != nil {
				t.Fatalf("Servers: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("servers=%+v, want %+v", got, tc.want)
			}
			for i := range got {
				if strings.Join(got[i].URLs, ",") != strings.Join(tc.want[i].URLs, ",") {
					t.Fatalf("servers[%d].URLs=%v, want %v", i, got[i].URLs, tc.want[i].URLs)
				}
				if got[i].Username != tc.want[i].Username || got[i].Credential != tc.want[i].Credential {
					t.Fatalf("servers[%d] creds=(%q, %#v), want (%q, %#v)",
						i, got[i].Username, got[i].Credential, tc.want[i].Username, tc.want[i].Credential)
				}
			}
		})
	}
}

func TestICESourceServers_Errors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		src  ICESource
		want string
	}{
		{name: "json syntax", src: ICESource{JSON: `{`}, want: envICEServersJSON},
		{name: "json scheme", src: ICESource{JSON: `[{"urls": "http://example.com"}]`}, want: "unsupported url scheme"},
		{name: "json missing urls", src: ICESource{JSON: `[{"username": "u"}]`}, want: "iceServers[0]: missing urls"},
		{name: "json turn without creds", src: ICESource{JSON: `[{"urls": "turn:turn.example.com"}]`}, want: "turn urls require username"},
		{
			name: "json turn without credential",
			src:  ICESource{JSON: `[{"urls": "turn:turn.example.com", "username": "u"}]`},
			want: "turn urls require credential",
		},
		{name: "stun without scheme", src: ICESource{STUNURLs: "stun.example.com:3478"}, want: envStunURLs},
		{name: "bare scheme", src: ICESource{STUNURLs: "stun:"}, want: "invalid ice url"},
		{
			name: "turn without credential",
			src:  ICESource{TURNURLs: "turn:turn.example.com", TURNUsername: "u"},
			want: envTurnCredential,
		},
		{
			name: "turn scheme",
			src:  ICESource{TURNURLs: "udp:turn.example.com", TURNUsername: "u", TURNCredential: "p"},
			want: envTurnURLs,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := tc.src.Servers()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}
}
