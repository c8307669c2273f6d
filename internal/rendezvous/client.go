// Package rendezvous is the peer side of the relay: a stateless HTTP Client
// for the room endpoints and Room, which keeps one room alive and polls it
// for messages.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/omasakun/remote-stylus/internal/signaling"
)

const DefaultNamespace = "remote-stylus"

var (
	ErrNotFound  = errors.New("rendezvous: room not found")
	ErrExhausted = errors.New("rendezvous: could not allocate a room")
	ErrExpired   = errors.New("rendezvous: room expired")
)

// StatusError is an unexpected HTTP status from the relay.
type StatusError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("rendezvous: %s: unexpected status %d", e.Op, e.StatusCode)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

type ClientConfig struct {
	// BaseURL is the relay root, e.g. https://signal.example.net.
	BaseURL   string
	Namespace string
	// Origin, when set, is sent as the Origin header so relays that require
	// one accept non-browser peers.
	Origin     string
	HTTPClient *http.Client
}

// Client maps one call to one relay request. It never retries.
type Client struct {
	base      *url.URL
	namespace string
	origin    string
	http      *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("rendezvous: invalid base url %q", cfg.BaseURL)
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if !signaling.ValidNamespace(namespace) {
		return nil, fmt.Errorf("rendezvous: invalid namespace %q", namespace)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:      base,
		namespace: namespace,
		origin:    cfg.Origin,
		http:      httpClient,
	}, nil
}

func (c *Client) Namespace() string { return c.namespace }

// CreateRoom allocates a room and returns its 6-digit code.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	q := url.Values{"app_id": {c.namespace}}
	resp, err := c.do(ctx, http.MethodPost, "/rooms", q, nil)
	if err != nil {
		return "", fmt.Errorf("rendezvous: create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusInternalServerError {
		return "", ErrExhausted
	}
	if resp.StatusCode != http.StatusCreated {
		return "", statusError("create room", resp)
	}

	var out signaling.CreateRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("rendezvous: create room: decode response: %w", err)
	}
	code, ok := signaling.SplitRoomID(c.namespace, out.Room)
	if !ok {
		return "", fmt.Errorf("rendezvous: create room: unexpected room id %q", out.Room)
	}
	return code, nil
}

func (c *Client) ExtendRoom(ctx context.Context, code string) error {
	return c.expectNoBody(ctx, "extend room", http.MethodPost, c.roomPath(code)+"/extend", nil, http.StatusNoContent)
}

func (c *Client) DeleteRoom(ctx context.Context, code string) error {
	return c.expectNoBody(ctx, "delete room", http.MethodDelete, c.roomPath(code), nil, http.StatusNoContent)
}

func (c *Client) PostMessage(ctx context.Context, code, body string) error {
	return c.expectNoBody(ctx, "post message", http.MethodPost, c.roomPath(code)+"/messages", strings.NewReader(body), http.StatusCreated)
}

// ListMessages returns the messages after since, oldest first. Pass -1 for
// all of them.
func (c *Client) ListMessages(ctx context.Context, code string, since int64) ([]signaling.Message, error) {
	q := url.Values{"since": {strconv.FormatInt(since, 10)}}
	resp, err := c.do(ctx, http.MethodGet, c.roomPath(code)+"/messages", q, nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: list messages: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("list messages", resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out signaling.ListMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("rendezvous: list messages: decode response: %w", err)
	}
	return out.Messages, nil
}

// ICEServers fetches the relay's ICE configuration, including any
// ephemeral TURN credentials it mints per request.
func (c *Client) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	resp, err := c.do(ctx, http.MethodGet, "/webrtc/ice", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: ice servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("ice servers", resp)
	}
	var out struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("rendezvous: ice servers: decode response: %w", err)
	}
	return out.ICEServers, nil
}

func (c *Client) roomPath(code string) string {
	return "/rooms/" + url.PathEscape(signaling.RoomID(c.namespace, code))
}

func (c *Client) expectNoBody(ctx context.Context, op, method, path string, body io.Reader, want int) error {
	resp, err := c.do(ctx, method, path, nil, body)
	if err != nil {
		return fmt.Errorf("rendezvous: %s: %w", op, err)
	}
	defer resp.Body.Close()

	err = checkStatus(op, resp, want)
	_, _ = io.Copy(io.Discard, resp.Body)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	u := *c.base
	u.Path = c.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
	}
	return c.http.Do(req)
}

func checkStatus(op string, resp *http.Response, want int) error {
	switch resp.StatusCode {
	case want:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return statusError(op, resp)
	}
}

func statusError(op string, resp *http.Response) error {
	e := &StatusError{Op: op, StatusCode: resp.StatusCode}
	var body signaling.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		e.Code = body.Code
		e.Message = body.Message
	}
	return e
}
