package handshake

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/omasakun/remote-stylus/internal/framing"
)

const testTimeout = 5 * time.Second

type fakeEngine struct {
	h         EngineHandler
	initiator bool

	mu        sync.Mutex
	peer      *fakeEngine
	connected bool
	signalErr error
	closed    bool

	applied  chan json.RawMessage
	sent     chan []byte
	closedCh chan struct{}
}

func (e *fakeEngine) Signal(data json.RawMessage) error {
	e.mu.Lock()
	err := e.signalErr
	e.mu.Unlock()
	if err != nil {
		return err
	}
	e.applied <- data
	return nil
}

func (e *fakeEngine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEngine) Send(chunk []byte) error {
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()

	e.sent <- chunk
	if peer != nil {
		peer.h.OnData(append([]byte(nil), chunk...))
	}
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.closedCh)
	}
	return nil
}

func (e *fakeEngine) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *fakeEngine) link(peer *fakeEngine) {
	e.mu.Lock()
	e.peer = peer
	e.mu.Unlock()
}

func (e *fakeEngine) nextApplied(t *testing.T) string {
	t.Helper()
	select {
	case data := <-e.applied:
		return string(data)
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for an applied signal")
		return ""
	}
}

func (e *fakeEngine) nextSent(t *testing.T) []byte {
	t.Helper()
	select {
	case chunk := <-e.sent:
		return chunk
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for a sent chunk")
		return nil
	}
}

type fakeRoom struct {
	code string
	h    RoomHandler

	mu       sync.Mutex
	relayTo  func(body string)
	sendErr  error
	disposed int

	sent chan string
}

func (r *fakeRoom) Code() string { return r.code }

func (r *fakeRoom) Send(_ context.Context, body string) error {
	r.mu.Lock()
	err := r.sendErr
	relayTo := r.relayTo
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.sent <- body
	if relayTo != nil {
		relayTo(body)
	}
	return nil
}

func (r *fakeRoom) Dispose(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed++
	return nil
}

func (r *fakeRoom) disposeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

func (r *fakeRoom) nextSent(t *testing.T) Envelope {
	t.Helper()
	select {
	case body := <-r.sent:
		var env Envelope
		if err := json.Unmarshal([]byte(body), &env); err != nil {
			t.Fatalf("room message %q is not an envelope: %v", body, err)
		}
		return env
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for a room message")
		return Envelope{}
	}
}

type testSession struct {
	o        *Orchestrator
	engine   *fakeEngine
	room     *fakeRoom
	statuses chan StatusUpdate
	frames   chan framing.Frame
	runErr   chan error
}

type sessionOption func(*Config)

func startSession(t *testing.T, role Role, opts ...sessionOption) *testSession {
	t.Helper()

	rooms := make(chan *fakeRoom, 1)
	engines := make(chan *fakeEngine, 1)
	s := &testSession{
		statuses: make(chan StatusUpdate, 16),
		frames:   make(chan framing.Frame, 16),
		runErr:   make(chan error, 1),
	}
	cfg := Config{
		Role: role,
		OpenRoom: func(_ context.Context, h RoomHandler) (Room, error) {
			r := &fakeRoom{code: "123456", h: h, sent: make(chan string, 16)}
			rooms <- r
			return r, nil
		},
		NewEngine: func(initiator bool, h EngineHandler) (Engine, error) {
			e := &fakeEngine{
				h:         h,
				initiator: initiator,
				applied:   make(chan json.RawMessage, 16),
				sent:      make(chan []byte, 64),
				closedCh:  make(chan struct{}),
			}
			engines <- e
			return e, nil
		},
		OnStatus: func(u StatusUpdate) { s.statuses <- u },
		OnFrame:  func(f framing.Frame) { s.frames <- f },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.o = o
	go func() { s.runErr <- o.Run(context.Background()) }()
	t.Cleanup(func() {
		o.Stop()
		<-o.Done()
	})

	select {
	case s.room = <-rooms:
	case <-time.After(testTimeout):
		t.Fatalf("room was not opened")
	}
	select {
	case s.engine = <-engines:
	case <-time.After(testTimeout):
		t.Fatalf("engine was not created")
	}
	return s
}

// waitStatus consumes updates until want arrives.
func (s *testSession) waitStatus(t *testing.T, want Status) StatusUpdate {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case u := <-s.statuses:
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

func (s *testSession) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.runErr:
		return err
	case <-time.After(testTimeout):
		t.Fatalf("Run did not return")
		return nil
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func encodeFrame(t *testing.T, label string, payload any) []byte {
	t.Helper()
	chunks, err := framing.Encoder{ChunkSize: 1 << 20}.Encode(label, payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks=%d, want 1", len(chunks))
	}
	return chunks[0]
}

func decodeFrames(t *testing.T, chunks ...[]byte) []framing.Frame {
	t.Helper()
	var d framing.Decoder
	var frames []framing.Frame
	for _, c := range chunks {
		got, err := d.Push(c)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		frames = append(frames, got...)
	}
	return frames
}
