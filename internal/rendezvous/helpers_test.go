package rendezvous

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/omasakun/remote-stylus/internal/clock"
	"github.com/omasakun/remote-stylus/internal/roomstore"
	"github.com/omasakun/remote-stylus/internal/signaling"
)

type testRelay struct {
	url    string
	clock  *clock.FakeClock
	client *Client
}

// verifyNoLeaks registers a goroutine leak check that runs after every
// cleanup registered later in the test.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		goleak.VerifyNone(t,
			// net/http.(*Transport).CloseIdleConnections doesn't interrupt in-progress dials.
			goleak.IgnoreTopFunction("net.(*netFD).connect.func2"),
			goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		)
	})
}

func startTestRelay(t *testing.T, ttl time.Duration) testRelay {
	t.Helper()

	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := roomstore.Open(roomstore.Config{
		Path:  filepath.Join(t.TempDir(), "rooms.db"),
		TTL:   ttl,
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ts := httptest.NewServer(signaling.NewServer(signaling.Config{Store: store}).Handler())
	t.Cleanup(ts.Close)

	return testRelay{url: ts.URL, clock: clk, client: newTestClient(t, ts.URL)}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()

	transport := &http.Transport{}
	t.Cleanup(transport.CloseIdleConnections)
	c, err := NewClient(ClientConfig{
		BaseURL:    baseURL,
		Namespace:  "demo",
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func waitDone(t *testing.T, r *Room) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("room workers did not exit")
	}
}
