package webrtcpeer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/transport/v3/vnet"
	"github.com/pion/webrtc/v4"
)

const testTimeout = 15 * time.Second

// newVNetAPIs returns one API per address, all attached to a started
// virtual router.
func newVNetAPIs(t *testing.T, ips ...string) []*webrtc.API {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: LoggerFactory{},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	apis := make([]*webrtc.API, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		api, err := NewAPI(APIConfig{Net: n})
		if err != nil {
			t.Fatalf("NewAPI: %v", err)
		}
		apis = append(apis, api)
	}

	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})
	return apis
}

type recordingHandler struct {
	signals chan json.RawMessage
	connect chan struct{}
	data    chan []byte
	closed  chan struct{}
	errs    chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		signals: make(chan json.RawMessage, 8),
		connect: make(chan struct{}, 1),
		data:    make(chan []byte, 64),
		closed:  make(chan struct{}, 1),
		errs:    make(chan error, 4),
	}
}

func (h *recordingHandler) OnSignal(data json.RawMessage) { h.signals <- data }

func (h *recordingHandler) OnConnect() { h.connect <- struct{}{} }

func (h *recordingHandler) OnData(chunk []byte) { h.data <- chunk }

func (h *recordingHandler) OnClose() {
	select {
	case h.closed <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) OnError(err error) {
	select {
	case h.errs <- err:
	default:
	}
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}
