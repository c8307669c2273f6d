package webrtcpeer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/omasakun/remote-stylus/internal/handshake"
)

const (
	// DefaultGatherTimeout bounds the wait for ICE gathering before a
	// description is published with the candidates found so far.
	DefaultGatherTimeout = 5 * time.Second

	signalQueueSize = 16
)

var (
	ErrClosed           = errors.New("webrtcpeer: engine closed")
	ErrNotConnected     = errors.New("webrtcpeer: data channel not open")
	ErrConnectionFailed = errors.New("webrtcpeer: peer connection failed")
)

// signalMessage is the JSON carried in handshake envelopes: a session
// description, or a single ICE candidate for peers that trickle.
type signalMessage struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

type EngineConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	// GatherTimeout caps non-trickle ICE gathering. Zero means
	// DefaultGatherTimeout.
	GatherTimeout time.Duration
	Logger        *slog.Logger
}

// NewEngineFactory adapts NewEngine to handshake.EngineFactory.
func NewEngineFactory(cfg EngineConfig) handshake.EngineFactory {
	return func(initiator bool, h handshake.EngineHandler) (handshake.Engine, error) {
		e, err := NewEngine(cfg, initiator, h)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// Engine negotiates one PeerConnection without trickle ICE: each side
// publishes a single description once gathering completes. The initiator
// opens the data channel; the engine counts as connected once it is open.
type Engine struct {
	pc            *webrtc.PeerConnection
	h             handshake.EngineHandler
	initiator     bool
	gatherTimeout time.Duration
	log           *slog.Logger

	signals chan signalMessage
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu sync.Mutex
	dc *webrtc.DataChannel

	connected   atomic.Bool
	closing     atomic.Bool
	closeOnce   sync.Once
	closeErr    error
	remoteClose sync.Once
}

func NewEngine(cfg EngineConfig, initiator bool, h handshake.EngineHandler) (*Engine, error) {
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	gatherTimeout := cfg.GatherTimeout
	if gatherTimeout <= 0 {
		gatherTimeout = DefaultGatherTimeout
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		pc:            pc,
		h:             h,
		initiator:     initiator,
		gatherTimeout: gatherTimeout,
		log:           logger,
		signals:       make(chan signalMessage, signalQueueSize),
		ctx:           ctx,
		cancel:        cancel,
	}

	if initiator {
		dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
		if err != nil {
			cancel()
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		e.bindDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if err := validateDataChannel(dc); err != nil {
				e.log.Warn("rejecting data channel", "label", dc.Label(), "err", err)
				_ = dc.Close()
				return
			}
			e.bindDataChannel(dc)
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			e.notify(func() { e.h.OnError(ErrConnectionFailed) })
		case webrtc.PeerConnectionStateClosed:
			e.notifyClose()
		}
	})

	e.wg.Add(1)
	go e.run()
	return e, nil
}

// Signal queues a remote description or candidate. Negotiation errors are
// reported through EngineHandler.OnError.
func (e *Engine) Signal(data json.RawMessage) error {
	if e.closing.Load() {
		return ErrClosed
	}
	var msg signalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}
	switch msg.Type {
	case "offer", "answer":
		if msg.SDP == "" {
			return fmt.Errorf("%s without sdp", msg.Type)
		}
	case "candidate":
		if msg.Candidate == nil {
			return errors.New("candidate signal without candidate")
		}
	default:
		return fmt.Errorf("unknown signal type %q", msg.Type)
	}

	select {
	case e.signals <- msg:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	default:
		return errors.New("signal queue full")
	}
}

func (e *Engine) Connected() bool { return e.connected.Load() }

func (e *Engine) Send(chunk []byte) error {
	if e.closing.Load() {
		return ErrClosed
	}
	e.mu.Lock()
	dc := e.dc
	e.mu.Unlock()
	if dc == nil || !e.connected.Load() {
		return ErrNotConnected
	}
	return dc.Send(chunk)
}

// Close tears the connection down and waits for the negotiation worker. No
// handler method is called once Close has started.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closing.Store(true)
		e.cancel()
		e.closeErr = e.pc.Close()
		e.wg.Wait()
	})
	return e.closeErr
}

func (e *Engine) run() {
	defer e.wg.Done()

	if e.initiator {
		if err := e.offer(); err != nil {
			e.fail(err)
			return
		}
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case msg := <-e.signals:
			if err := e.apply(msg); err != nil {
				e.fail(err)
				return
			}
		}
	}
}

func (e *Engine) offer() error {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	return e.publishLocal(offer)
}

func (e *Engine) apply(msg signalMessage) error {
	switch msg.Type {
	case "offer":
		if e.initiator {
			return errors.New("initiator received an offer")
		}
		if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
			return fmt.Errorf("set remote offer: %w", err)
		}
		answer, err := e.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		return e.publishLocal(answer)
	case "answer":
		if !e.initiator {
			return errors.New("responder received an answer")
		}
		if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
			return fmt.Errorf("set remote answer: %w", err)
		}
		return nil
	case "candidate":
		if err := e.pc.AddICECandidate(*msg.Candidate); err != nil {
			return fmt.Errorf("add ice candidate: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown signal type %q", msg.Type)
}

// publishLocal sets the local description, waits for gathering and emits
// the result as one signal.
func (e *Engine) publishLocal(desc webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(e.pc)
	if err := e.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local %s: %w", desc.Type, err)
	}

	timer := time.NewTimer(e.gatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		e.log.Warn("ice gathering timed out; publishing partial candidates", "timeout", e.gatherTimeout)
	case <-e.ctx.Done():
		return nil
	}

	local := e.pc.LocalDescription()
	if local == nil {
		return errors.New("local description unavailable")
	}
	data, err := json.Marshal(signalMessage{Type: local.Type.String(), SDP: local.SDP})
	if err != nil {
		return err
	}
	e.notify(func() { e.h.OnSignal(data) })
	return nil
}

func (e *Engine) bindDataChannel(dc *webrtc.DataChannel) {
	e.mu.Lock()
	if e.dc != nil {
		e.mu.Unlock()
		e.log.Warn("ignoring extra data channel", "label", dc.Label())
		_ = dc.Close()
		return
	}
	e.dc = dc
	e.mu.Unlock()

	dc.OnOpen(func() {
		e.connected.Store(true)
		e.notify(e.h.OnConnect)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		e.notify(func() { e.h.OnData(data) })
	})
	dc.OnClose(func() {
		e.connected.Store(false)
		e.notifyClose()
	})
}

func (e *Engine) fail(err error) {
	if e.ctx.Err() != nil {
		return
	}
	e.notify(func() { e.h.OnError(err) })
}

func (e *Engine) notifyClose() {
	e.remoteClose.Do(func() { e.notify(e.h.OnClose) })
}

func (e *Engine) notify(fn func()) {
	if e.closing.Load() {
		return
	}
	fn()
}
