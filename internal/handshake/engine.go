package handshake

import (
	"context"
	"encoding/json"

	"github.com/omasakun/remote-stylus/internal/rendezvous"
)

// Engine is a negotiation engine producing and consuming opaque signal
// payloads and, once connected, carrying binary chunks.
type Engine interface {
	Signal(data json.RawMessage) error
	Connected() bool
	Send(chunk []byte) error
	Close() error
}

// EngineHandler receives engine events. Implementations may call it from any
// goroutine.
type EngineHandler interface {
	OnSignal(data json.RawMessage)
	OnConnect()
	OnData(chunk []byte)
	OnClose()
	OnError(err error)
}

// EngineFactory builds the engine. The host is the initiator.
type EngineFactory func(initiator bool, h EngineHandler) (Engine, error)

// Room is the relay side of a session. *rendezvous.Room satisfies it.
type Room interface {
	Code() string
	Send(ctx context.Context, body string) error
	Dispose(ctx context.Context) error
}

type RoomHandler struct {
	OnMessage func(body string)
	OnExpired func(err error)
}

type RoomOpener func(ctx context.Context, h RoomHandler) (Room, error)

// HostRoom opens a fresh room on the relay.
func HostRoom(client *rendezvous.Client, cfg rendezvous.RoomConfig) RoomOpener {
	return func(ctx context.Context, h RoomHandler) (Room, error) {
		cfg.OnMessage = h.OnMessage
		cfg.OnExpired = h.OnExpired
		room, err := rendezvous.Create(ctx, client, cfg)
		if err != nil {
			return nil, err
		}
		return room, nil
	}
}

// JoinRoom attaches to the room with the given code.
func JoinRoom(client *rendezvous.Client, code string, cfg rendezvous.RoomConfig) RoomOpener {
	return func(_ context.Context, h RoomHandler) (Room, error) {
		cfg.OnMessage = h.OnMessage
		cfg.OnExpired = h.OnExpired
		room, err := rendezvous.Join(client, code, cfg)
		if err != nil {
			return nil, err
		}
		return room, nil
	}
}
