package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"github.com/omasakun/remote-stylus/internal/handshake"
	"github.com/omasakun/remote-stylus/internal/pointer"
	"github.com/omasakun/remote-stylus/internal/pointerbridge"
	"github.com/omasakun/remote-stylus/internal/rendezvous"
	"github.com/omasakun/remote-stylus/internal/webrtcpeer"
)

const (
	relayRequestTimeout   = 15 * time.Second
	bridgeShutdownTimeout = 2 * time.Second
)

// run drives one session for role until it reaches a terminal status or
// ctx is cancelled. code is only used by the joiner.
func (a *app) run(ctx context.Context, role handshake.Role, code string) (err error) {
	client, err := rendezvous.NewClient(rendezvous.ClientConfig{
		BaseURL:    a.cfg.SignalingURL,
		Namespace:  a.cfg.AppID,
		Origin:     a.cfg.Origin,
		HTTPClient: &http.Client{Timeout: relayRequestTimeout},
	})
	if err != nil {
		return err
	}

	iceServers := a.cfg.ICEServers
	if a.cfg.ICEFromRelay {
		iceServers, err = client.ICEServers(ctx)
		if err != nil {
			return fmt.Errorf("fetch ice servers from relay: %w", err)
		}
		a.log.Debug("using relay ice servers", "count", len(iceServers))
	}

	api, err := webrtcpeer.NewAPI(webrtcpeer.APIConfig{
		Network: a.cfg.Network,
		Logger:  a.log.With("component", "pion"),
	})
	if err != nil {
		return err
	}

	var orch *handshake.Orchestrator
	bridgeCfg := pointerbridge.Config{Logger: a.log.With("component", "pointerbridge")}
	if role == handshake.RoleJoiner {
		bridgeCfg.Forward = func(ctx context.Context, ev pointer.Event) error {
			return orch.Send(ctx, pointer.Label, ev)
		}
	}
	bridge := pointerbridge.New(bridgeCfg)

	roomCfg := rendezvous.RoomConfig{Logger: a.log.With("component", "room")}
	opener := handshake.HostRoom(client, roomCfg)
	if role == handshake.RoleJoiner {
		opener = handshake.JoinRoom(client, code, roomCfg)
	}

	hsCfg := handshake.Config{
		Role:     role,
		OpenRoom: opener,
		NewEngine: webrtcpeer.NewEngineFactory(webrtcpeer.EngineConfig{
			API:        api,
			ICEServers: iceServers,
			Logger:     a.log.With("component", "engine"),
		}),
		OnStatus: func(u handshake.StatusUpdate) {
			fmt.Fprintln(a.stdout, renderStatus(role, u))
			if u.Status == handshake.StatusConnected {
				bridge.Reset()
			}
		},
		ChunkSize: a.cfg.ChunkSize,
		Logger:    a.log,
	}
	if role == handshake.RoleHost {
		hsCfg.OnFrame = bridge.HandleFrame
	}
	orch, err = handshake.New(hsCfg)
	if err != nil {
		_ = bridge.Close()
		return err
	}

	stopBridge, err := a.serveBridge(bridge)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, stopBridge())
	}()

	return orch.Run(ctx)
}

// serveBridge starts the pointer websocket on the configured address. The
// returned func closes the bridge clients before the listener.
func (a *app) serveBridge(bridge *pointerbridge.Bridge) (func() error, error) {
	ln, err := net.Listen("tcp", a.cfg.PointerAddr)
	if err != nil {
		_ = bridge.Close()
		return nil, fmt.Errorf("listen pointer bridge: %w", err)
	}
	a.log.Info("pointer bridge listening",
		"addr", ln.Addr().String(),
		"path", pointerbridge.DefaultPath,
	)

	srv := &http.Server{
		Handler:           bridge.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	return func() error {
		// Hijacked websocket connections are not tracked by Shutdown.
		closeErr := bridge.Close()

		ctx, cancel := context.WithTimeout(context.Background(), bridgeShutdownTimeout)
		defer cancel()
		closeErr = multierr.Append(closeErr, srv.Shutdown(ctx))
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			closeErr = multierr.Append(closeErr, err)
		}
		return closeErr
	}, nil
}
