package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/omasakun/remote-stylus/internal/framing"
	"github.com/omasakun/remote-stylus/internal/reorder"
)

const DefaultDisposeTimeout = 5 * time.Second

var (
	ErrClosed       = errors.New("handshake: session closed")
	ErrNotConnected = errors.New("handshake: direct channel not connected")
	ErrRunning      = errors.New("handshake: session already started")
)

type Config struct {
	Role      Role
	OpenRoom  RoomOpener
	NewEngine EngineFactory

	// OnStatus and OnFrame run on the session goroutine. They may call Stop
	// but must not call Send.
	OnStatus func(StatusUpdate)
	// OnFrame receives every direct-channel frame not labelled "signal".
	OnFrame func(framing.Frame)

	ChunkSize int
	// DisposeTimeout bounds the room deletion issued on connect and teardown.
	DisposeTimeout time.Duration

	Logger *slog.Logger
}

type eventKind int

const (
	eventSignal eventKind = iota
	eventConnect
	eventData
	eventClose
	eventError
	eventRoomMessage
	eventRoomExpired
	eventSend
)

type event struct {
	kind eventKind

	data  json.RawMessage
	chunk []byte
	body  string
	err   error

	label   string
	payload any
	reply   chan error
}

// Orchestrator runs one handshake session. Every engine and room event is
// funnelled through a channel and handled on the goroutine running Run, so
// session state needs no locking.
type Orchestrator struct {
	role      Role
	openRoom  RoomOpener
	newEngine EngineFactory
	onStatus  func(StatusUpdate)
	onFrame   func(framing.Frame)

	disposeTimeout time.Duration
	encoder        framing.Encoder
	log            *slog.Logger

	events   chan event
	stop     chan struct{}
	stopOnce sync.Once
	// closing is closed when teardown starts; later posts are dropped.
	closing chan struct{}
	done    chan struct{}
	started atomic.Bool

	status atomic.Value // Status

	// Owned by the Run goroutine.
	room      Room
	engine    Engine
	connected bool
	queue     []Envelope
	inbound   *reorder.Buffer[Envelope]
	decoder   framing.Decoder
	signalErr error
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Role != RoleHost && cfg.Role != RoleJoiner {
		return nil, fmt.Errorf("handshake: invalid role %d", int(cfg.Role))
	}
	if cfg.OpenRoom == nil {
		return nil, fmt.Errorf("handshake: OpenRoom is required")
	}
	if cfg.NewEngine == nil {
		return nil, fmt.Errorf("handshake: NewEngine is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	onStatus := cfg.OnStatus
	if onStatus == nil {
		onStatus = func(StatusUpdate) {}
	}
	onFrame := cfg.OnFrame
	if onFrame == nil {
		onFrame = func(framing.Frame) {}
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = framing.DefaultChunkSize
	}
	disposeTimeout := cfg.DisposeTimeout
	if disposeTimeout <= 0 {
		disposeTimeout = DefaultDisposeTimeout
	}

	o := &Orchestrator{
		role:           cfg.Role,
		openRoom:       cfg.OpenRoom,
		newEngine:      cfg.NewEngine,
		onStatus:       onStatus,
		onFrame:        onFrame,
		disposeTimeout: disposeTimeout,
		encoder:        framing.Encoder{ChunkSize: chunkSize},
		log:            logger.With("session", uuid.NewString(), "role", cfg.Role.String()),
		events:         make(chan event, 64),
		stop:           make(chan struct{}),
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	o.inbound = reorder.New(o.deliverSignal)
	return o, nil
}

// Status is the last published status, or "" before Run starts.
func (o *Orchestrator) Status() Status {
	s, _ := o.status.Load().(Status)
	return s
}

// Done is closed when Run returns.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Stop ends the session with StatusClosed. It is idempotent and safe to call
// from OnStatus and OnFrame.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stop) })
}

// Send writes one application frame over the direct channel.
func (o *Orchestrator) Send(ctx context.Context, label string, payload any) error {
	if label == LabelSignal {
		return fmt.Errorf("handshake: label %q is reserved", LabelSignal)
	}
	reply := make(chan error, 1)
	select {
	case o.events <- event{kind: eventSend, label: label, payload: payload, reply: reply}:
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// Run opens the room, starts the engine and handles events until the session
// ends. It returns nil when the session closed cleanly and the fatal error
// otherwise. Cancelling ctx is treated like Stop.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(o.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if o.role == RoleHost {
		o.setStatus(StatusUpdate{Status: StatusCreating})
	}

	room, err := o.openRoom(ctx, RoomHandler{
		OnMessage: func(body string) { o.post(event{kind: eventRoomMessage, body: body}) },
		OnExpired: func(err error) { o.post(event{kind: eventRoomExpired, err: err}) },
	})
	if err != nil {
		return o.finish(StatusError, fmt.Errorf("open room: %w", err))
	}
	o.room = room
	o.log = o.log.With("room", room.Code())

	if o.role == RoleHost {
		o.setStatus(StatusUpdate{Status: StatusWaiting, Code: room.Code()})
	} else {
		o.setStatus(StatusUpdate{Status: StatusConnecting, Code: room.Code()})
	}

	engine, err := o.newEngine(o.role == RoleHost, engineEvents{o})
	if err != nil {
		return o.finish(StatusError, fmt.Errorf("start engine: %w", err))
	}
	o.engine = engine

	for {
		select {
		case <-ctx.Done():
			return o.finish(StatusClosed, nil)
		case <-o.stop:
			return o.finish(StatusClosed, nil)
		case ev := <-o.events:
			status, err := o.handle(ctx, ev)
			if status.Terminal() {
				return o.finish(status, err)
			}
		}
	}
}

// handle processes one event. A terminal status ends the session.
func (o *Orchestrator) handle(ctx context.Context, ev event) (Status, error) {
	switch ev.kind {
	case eventSignal:
		if err := o.sendSignal(ctx, ev.data); err != nil {
			return StatusError, err
		}
	case eventConnect:
		o.onConnect()
	case eventData:
		if err := o.receiveChunk(ev.chunk); err != nil {
			return StatusError, err
		}
	case eventRoomMessage:
		env, err := decodeRoomEnvelope(ev.body)
		if err != nil {
			// Anyone holding the code can post; a stray message is not fatal.
			o.log.Warn("dropping malformed room message", "err", err)
			return "", nil
		}
		if err := o.receiveEnvelope(env); err != nil {
			return StatusError, err
		}
	case eventRoomExpired:
		if o.connected {
			o.log.Debug("room expired after connect", "err", ev.err)
			return "", nil
		}
		return StatusError, ev.err
	case eventSend:
		ev.reply <- o.sendFrame(ev.label, ev.payload)
	case eventClose:
		return StatusClosed, nil
	case eventError:
		return StatusError, ev.err
	}
	return "", nil
}

func (o *Orchestrator) sendSignal(ctx context.Context, data json.RawMessage) error {
	env := Envelope{I: len(o.queue), From: o.role, To: o.role.Peer(), Data: data}
	o.queue = append(o.queue, env)

	if o.engine.Connected() {
		o.log.Debug("sending signal direct", "i", env.I)
		return o.sendFrame(LabelSignal, env)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode signal %d: %w", env.I, err)
	}
	o.log.Debug("sending signal via relay", "i", env.I)
	if err := o.room.Send(ctx, string(body)); err != nil {
		return fmt.Errorf("relay signal %d: %w", env.I, err)
	}
	return nil
}

func (o *Orchestrator) onConnect() {
	if o.connected {
		return
	}
	o.connected = true
	o.setStatus(StatusUpdate{Status: StatusConnected})

	// Signals racing the connect may have gone only to the relay; the
	// receiver discards what it already applied.
	for _, env := range o.queue {
		if err := o.sendFrame(LabelSignal, env); err != nil {
			o.log.Warn("replaying signal", "i", env.I, "err", err)
		}
	}
	o.disposeRoom()
}

func (o *Orchestrator) receiveChunk(chunk []byte) error {
	frames, err := o.decoder.Push(chunk)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if f.Label != LabelSignal {
			o.onFrame(f)
			continue
		}
		var env Envelope
		if err := f.Decode(&env); err != nil {
			return fmt.Errorf("%w: signal frame: %v", framing.ErrMalformed, err)
		}
		if err := o.receiveEnvelope(env); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) receiveEnvelope(env Envelope) error {
	if env.To != o.role {
		return nil
	}
	if !o.inbound.Push(env.I, env) {
		o.log.Debug("discarding stale signal", "i", env.I)
	}
	err := o.signalErr
	o.signalErr = nil
	return err
}

func (o *Orchestrator) deliverSignal(env Envelope) {
	if o.signalErr != nil {
		return
	}
	o.log.Debug("applying signal", "i", env.I)
	if err := o.engine.Signal(env.Data); err != nil {
		o.signalErr = fmt.Errorf("apply signal %d: %w", env.I, err)
	}
}

func (o *Orchestrator) sendFrame(label string, payload any) error {
	if o.engine == nil || !o.engine.Connected() {
		return ErrNotConnected
	}
	chunks, err := o.encoder.Encode(label, payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", label, err)
	}
	for _, c := range chunks {
		if err := o.engine.Send(c); err != nil {
			return fmt.Errorf("send %s frame: %w", label, err)
		}
	}
	return nil
}

func (o *Orchestrator) disposeRoom() error {
	if o.room == nil {
		return nil
	}
	room := o.room
	o.room = nil

	ctx, cancel := context.WithTimeout(context.Background(), o.disposeTimeout)
	defer cancel()
	err := room.Dispose(ctx)
	if err != nil {
		o.log.Warn("disposing room", "err", err)
	}
	return err
}

func (o *Orchestrator) finish(status Status, cause error) error {
	close(o.closing)
	err := o.disposeRoom()
	if o.engine != nil {
		err = multierr.Append(err, o.engine.Close())
	}
	if err != nil {
		o.log.Debug("teardown", "err", err)
	}

	if status == StatusError {
		o.log.Warn("session failed", "err", cause)
	} else {
		o.log.Info("session closed")
	}
	o.setStatus(StatusUpdate{Status: status, Err: cause})
	return cause
}

func (o *Orchestrator) setStatus(u StatusUpdate) {
	o.status.Store(u.Status)
	o.log.Debug("status", "status", u.Status, "code", u.Code)
	o.onStatus(u)
}

func (o *Orchestrator) post(ev event) {
	select {
	case o.events <- ev:
	case <-o.closing:
	}
}

type engineEvents struct{ o *Orchestrator }

func (e engineEvents) OnSignal(data json.RawMessage) {
	e.o.post(event{kind: eventSignal, data: data})
}

func (e engineEvents) OnConnect() { e.o.post(event{kind: eventConnect}) }

func (e engineEvents) OnData(chunk []byte) {
	e.o.post(event{kind: eventData, chunk: chunk})
}

func (e engineEvents) OnClose() { e.o.post(event{kind: eventClose}) }

func (e engineEvents) OnError(err error) { e.o.post(event{kind: eventError, err: err}) }
