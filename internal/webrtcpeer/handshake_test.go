package webrtcpeer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/omasakun/remote-stylus/internal/framing"
	"github.com/omasakun/remote-stylus/internal/handshake"
	"github.com/omasakun/remote-stylus/internal/rendezvous"
	"github.com/omasakun/remote-stylus/internal/roomstore"
	"github.com/omasakun/remote-stylus/internal/signaling"
	"github.com/omasakun/remote-stylus/internal/webrtcpeer"
)

const handshakeTimeout = 20 * time.Second

type stroke struct {
	X float64 `msgpack:"x"`
	Y float64 `msgpack:"y"`
}

type peer struct {
	orch     *handshake.Orchestrator
	statuses chan handshake.StatusUpdate
	frames   chan framing.Frame
	runErr   chan error
}

func startRelay(t *testing.T) *rendezvous.Client {
	t.Helper()

	store, err := roomstore.Open(roomstore.Config{Path: filepath.Join(t.TempDir(), "rooms.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ts := httptest.NewServer(signaling.NewServer(signaling.Config{Store: store}).Handler())
	t.Cleanup(ts.Close)

	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)
	client, err := rendezvous.NewClient(rendezvous.ClientConfig{
		BaseURL:    ts.URL,
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func newVNetAPI(t *testing.T, router *vnet.Router, ip string) *webrtc.API {
	t.Helper()
	n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		t.Fatalf("new net: %v", err)
	}
	if err := router.AddNet(n); err != nil {
		t.Fatalf("add net: %v", err)
	}
	api, err := webrtcpeer.NewAPI(webrtcpeer.APIConfig{Net: n})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return api
}

func startPeer(t *testing.T, role handshake.Role, open handshake.RoomOpener, api *webrtc.API) *peer {
	t.Helper()
	p := &peer{
		statuses: make(chan handshake.StatusUpdate, 16),
		frames:   make(chan framing.Frame, 16),
		runErr:   make(chan error, 1),
	}
	orch, err := handshake.New(handshake.Config{
		Role:      role,
		OpenRoom:  open,
		NewEngine: webrtcpeer.NewEngineFactory(webrtcpeer.EngineConfig{API: api}),
		OnStatus:  func(u handshake.StatusUpdate) { p.statuses <- u },
		OnFrame:   func(f framing.Frame) { p.frames <- f },
		ChunkSize: 64,
	})
	if err != nil {
		t.Fatalf("handshake.New: %v", err)
	}
	p.orch = orch
	go func() { p.runErr <- orch.Run(context.Background()) }()
	t.Cleanup(func() {
		orch.Stop()
		<-orch.Done()
	})
	return p
}

func (p *peer) waitStatus(t *testing.T, want handshake.Status) handshake.StatusUpdate {
	t.Helper()
	deadline := time.After(handshakeTimeout)
	for {
		select {
		case u := <-p.statuses:
			if u.Status == want {
				return u
			}
			if u.Status.Terminal() {
				t.Fatalf("status=%s (%v), want %s", u.Status, u.Err, want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

func TestHandshake_OverRelayAndVNet(t *testing.T) {
	client := startRelay(t)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: webrtcpeer.LoggerFactory{},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	hostAPI := newVNetAPI(t, router, "10.0.0.1")
	joinerAPI := newVNetAPI(t, router, "10.0.0.2")
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	roomCfg := rendezvous.RoomConfig{PollInterval: 20 * time.Millisecond}

	host := startPeer(t, handshake.RoleHost, handshake.HostRoom(client, roomCfg), hostAPI)
	waiting := host.waitStatus(t, handshake.StatusWaiting)
	if !signaling.ValidCode(waiting.Code) {
		t.Fatalf("waiting code=%q, want a room code", waiting.Code)
	}

	joiner := startPeer(t, handshake.RoleJoiner, handshake.JoinRoom(client, waiting.Code, roomCfg), joinerAPI)
	joiner.waitStatus(t, handshake.StatusConnected)
	host.waitStatus(t, handshake.StatusConnected)

	// Large enough to span several 64-byte chunks.
	want := make([]stroke, 16)
	for i := range want {
		want[i] = stroke{X: float64(i) / 16, Y: 1 - float64(i)/16}
	}
	if err := host.orch.Send(context.Background(), "pointer", want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case f := <-joiner.frames:
		if f.Label != "pointer" {
			t.Fatalf("label=%q, want pointer", f.Label)
		}
		var got []stroke
		if err := f.Decode(&got); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if len(got) != len(want) || got[3] != want[3] {
			t.Fatalf("got %v, want %v", got, want)
		}
	case <-time.After(handshakeTimeout):
		t.Fatalf("timed out waiting for frame")
	}

	host.orch.Stop()
	if err := <-host.runErr; err != nil {
		t.Fatalf("host Run=%v, want nil", err)
	}
	joiner.waitStatus(t, handshake.StatusClosed)
	if err := <-joiner.runErr; err != nil {
		t.Fatalf("joiner Run=%v, want nil", err)
	}
}
