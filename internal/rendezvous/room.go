package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omasakun/remote-stylus/internal/clock"
	"github.com/omasakun/remote-stylus/internal/signaling"
)

const (
	DefaultExtendInterval = 60 * time.Second
	DefaultPollInterval   = 2 * time.Second
)

type State int

const (
	StateActive State = iota
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type RoomConfig struct {
	// OnMessage receives each new message body in relay order. It runs on
	// the poll goroutine; a slow handler delays the next poll.
	OnMessage func(body string)
	// OnExpired fires at most once, when an extend or poll call fails. It
	// is not called for Dispose.
	OnExpired func(err error)

	ExtendInterval time.Duration
	PollInterval   time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Room keeps one relay room alive for a peer. The host extends the room on
// a timer; both roles poll it for messages. Any failed call ends the room:
// there is no retry, so a lost room is always surfaced to the owner.
type Room struct {
	client *Client
	code   string
	host   bool

	onMessage      func(string)
	onExpired      func(error)
	extendInterval time.Duration
	pollInterval   time.Duration
	clock          clock.Clock
	log            *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	done    chan struct{}

	mu       sync.Mutex
	state    State
	disposed bool
	err      error

	lastID int64
}

// Create allocates a new room and starts extending and polling it.
func Create(ctx context.Context, client *Client, cfg RoomConfig) (*Room, error) {
	code, err := client.CreateRoom(ctx)
	if err != nil {
		return nil, err
	}
	return start(client, code, true, cfg), nil
}

// Join polls an existing room. Joiners never extend: the room lives only as
// long as its creator keeps it alive.
func Join(client *Client, code string, cfg RoomConfig) (*Room, error) {
	if !signaling.ValidCode(code) {
		return nil, fmt.Errorf("rendezvous: invalid room code %q", code)
	}
	return start(client, code, false, cfg), nil
}

func start(client *Client, code string, host bool, cfg RoomConfig) *Room {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	extendInterval := cfg.ExtendInterval
	if extendInterval <= 0 {
		extendInterval = DefaultExtendInterval
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	onMessage := cfg.OnMessage
	if onMessage == nil {
		onMessage = func(string) {}
	}
	onExpired := cfg.OnExpired
	if onExpired == nil {
		onExpired = func(error) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		client:         client,
		code:           code,
		host:           host,
		onMessage:      onMessage,
		onExpired:      onExpired,
		extendInterval: extendInterval,
		pollInterval:   pollInterval,
		clock:          clk,
		log:            logger.With("room", code, "host", host),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		lastID:         -1,
	}

	if host {
		r.workers.Add(1)
		go r.extendLoop()
	}
	r.workers.Add(1)
	go r.pollLoop()
	go func() {
		r.workers.Wait()
		close(r.done)
	}()
	return r
}

// Code is the 6-digit room code to share with the other peer.
func (r *Room) Code() string { return r.code }

func (r *Room) IsHost() bool { return r.host }

func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err is the failure that expired the room, or nil.
func (r *Room) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done is closed once both background workers have exited.
func (r *Room) Done() <-chan struct{} { return r.done }

// Send posts body to the room's message log.
func (r *Room) Send(ctx context.Context, body string) error {
	if r.State() == StateExpired {
		return ErrExpired
	}
	return r.client.PostMessage(ctx, r.code, body)
}

// Dispose stops both workers and, for the host, deletes the room. It is
// idempotent and safe to call from OnMessage or OnExpired. Once it returns no
// worker issues another relay call; in-flight calls are cancelled.
func (r *Room) Dispose(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.disposed = true
	r.state = StateExpired
	r.mu.Unlock()

	r.cancel()

	if !r.host {
		return nil
	}
	if err := r.client.DeleteRoom(ctx, r.code); err != nil {
		return fmt.Errorf("rendezvous: dispose room %s: %w", r.code, err)
	}
	r.log.Debug("room deleted")
	return nil
}

func (r *Room) extendLoop() {
	defer r.workers.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.clock.After(r.extendInterval):
		}
		if err := r.client.ExtendRoom(r.ctx, r.code); err != nil {
			r.expire(fmt.Errorf("extend: %w", err))
			return
		}
		r.log.Debug("room extended")
	}
}

func (r *Room) pollLoop() {
	defer r.workers.Done()
	for {
		messages, err := r.client.ListMessages(r.ctx, r.code, r.lastID)
		if err != nil {
			r.expire(fmt.Errorf("poll: %w", err))
			return
		}
		for _, m := range messages {
			if r.ctx.Err() != nil {
				return
			}
			r.lastID = m.ID
			r.onMessage(m.Body)
		}

		select {
		case <-r.ctx.Done():
			return
		case <-r.clock.After(r.pollInterval):
		}
	}
}

func (r *Room) expire(cause error) {
	r.mu.Lock()
	if r.state == StateExpired || r.ctx.Err() != nil {
		// Disposed or already expired; a cancelled call is not a failure.
		r.mu.Unlock()
		return
	}
	r.state = StateExpired
	r.err = fmt.Errorf("%w: %w", ErrExpired, cause)
	err := r.err
	r.mu.Unlock()

	r.cancel()
	r.log.Warn("room expired", "err", cause)
	r.onExpired(err)
}
