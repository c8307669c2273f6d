// Package pointerbridge exposes pointer frames to local processes over a
// websocket. On the host, frames arriving on the direct channel are fanned
// out to every connected client for injection. On the joiner, events written
// by a capture client are remapped and forwarded into the session.
package pointerbridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/omasakun/remote-stylus/internal/framing"
	"github.com/omasakun/remote-stylus/internal/origin"
	"github.com/omasakun/remote-stylus/internal/pointer"
)

const (
	// DefaultPath is where Handler serves the websocket.
	DefaultPath = "/ws"

	writeWait       = 1 * time.Second
	clientQueueSize = 256
	// A pointer event is well under 200 bytes encoded.
	maxMessageBytes = 4096
)

type controlMessage struct {
	Type string `json:"type"`
}

type Config struct {
	// Forward receives each valid event read from a client, after id
	// remapping. Nil makes the bridge broadcast-only and client writes are
	// ignored.
	Forward func(ctx context.Context, ev pointer.Event) error
	// AllowedOrigins gates browser clients. Nil allows same-host origins;
	// requests without an Origin header are always accepted.
	AllowedOrigins *origin.Policy
	MaxContacts    int
	Logger         *slog.Logger
}

type Bridge struct {
	forward func(ctx context.Context, ev pointer.Event) error
	policy  *origin.Policy
	remap   *pointer.Remapper
	log     *slog.Logger

	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		forward: cfg.Forward,
		policy:  cfg.AllowedOrigins,
		remap:   pointer.NewRemapper(cfg.MaxContacts),
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*client]struct{}),
	}
	b.upgrader.CheckOrigin = b.checkOrigin
	return b
}

// Handler serves the bridge at DefaultPath.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+DefaultPath, b)
	return mux
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}
	_, ok := b.policy.Allows(originHeader, r.Host)
	return ok
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the error response.
		b.log.Debug("pointer_ws_upgrade_failed", "remote_addr", r.RemoteAddr, "err", err)
		return
	}
	c := newClient(conn)
	if !b.add(c) {
		_ = c.close(websocket.CloseGoingAway, "bridge closing")
		return
	}
	defer b.wg.Done()
	defer b.remove(c)

	b.log.Info("pointer_ws_connected", "remote_addr", r.RemoteAddr)
	defer b.log.Info("pointer_ws_disconnected", "remote_addr", r.RemoteAddr)

	go func() {
		defer b.wg.Done()
		c.writeLoop()
	}()
	b.readLoop(c)
}

// add registers c and accounts for its read and write goroutines.
func (b *Bridge) add(c *client) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.clients[c] = struct{}{}
	b.wg.Add(2)
	return true
}

func (b *Bridge) remove(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	_ = c.close(websocket.CloseNormalClosure, "")
}

func (b *Bridge) readLoop(c *client) {
	c.conn.SetReadLimit(maxMessageBytes)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage || b.forward == nil {
			continue
		}
		ev, err := pointer.Unmarshal(data)
		if err == nil {
			ev.Normalize()
			err = ev.Validate()
		}
		if err != nil {
			b.log.Warn("pointer_event_rejected", "err", err)
			continue
		}
		if err := b.remap.Remap(&ev); err != nil {
			b.log.Warn("pointer_event_rejected", "err", err)
			continue
		}
		if err := b.forward(b.ctx, ev); err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.log.Debug("pointer_event_dropped", "err", err)
		}
	}
}

// HandleFrame broadcasts pointer frames and ignores every other label. It
// fits handshake.Config.OnFrame.
func (b *Bridge) HandleFrame(f framing.Frame) {
	if f.Label != pointer.Label {
		b.log.Debug("ignoring frame", "label", f.Label)
		return
	}
	var ev pointer.Event
	if err := f.Decode(&ev); err != nil {
		b.log.Warn("pointer_frame_rejected", "err", err)
		return
	}
	ev.Normalize()
	if err := ev.Validate(); err != nil {
		b.log.Warn("pointer_frame_rejected", "err", err)
		return
	}
	b.Broadcast(ev)
}

// Broadcast sends ev to every connected client as one binary message. A
// client whose queue is full is disconnected.
func (b *Bridge) Broadcast(ev pointer.Event) {
	data, err := ev.Marshal()
	if err != nil {
		b.log.Error("encode pointer event", "err", err)
		return
	}
	b.broadcast(websocket.BinaryMessage, data)
}

// Reset clears the id mapping and tells clients to release every contact,
// e.g. when a new direct connection comes up.
func (b *Bridge) Reset() {
	b.remap.Reset()
	data, _ := json.Marshal(controlMessage{Type: "reset"})
	b.broadcast(websocket.TextMessage, data)
}

// Clients is the number of connected websocket clients.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Bridge) broadcast(msgType int, data []byte) {
	var slow []*client
	b.mu.Lock()
	for c := range b.clients {
		if !c.enqueue(outbound{msgType: msgType, data: data}) {
			delete(b.clients, c)
			slow = append(slow, c)
		}
	}
	b.mu.Unlock()

	for _, c := range slow {
		b.log.Warn("pointer_ws_client_too_slow")
		_ = c.close(websocket.CloseTryAgainLater, "too slow")
	}
}

// Close disconnects every client and waits for their goroutines.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	b.cancel()
	var err error
	for _, c := range clients {
		err = multierr.Append(err, c.close(websocket.CloseGoingAway, "bridge closing"))
	}
	b.wg.Wait()
	return err
}

type outbound struct {
	msgType int
	data    []byte
}

type client struct {
	conn *websocket.Conn
	out  chan outbound

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn: conn,
		out:  make(chan outbound, clientQueueSize),
		done: make(chan struct{}),
	}
}

func (c *client) enqueue(m outbound) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- m:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case m := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(m.msgType, m.data); err != nil {
				_ = c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// close sends a close frame when code is not CloseAbnormalClosure and
// closes the connection, which ends the read loop.
func (c *client) close(code int, reason string) error {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != websocket.CloseAbnormalClosure {
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
