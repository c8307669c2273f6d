package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/omasakun/remote-stylus/internal/metrics"
	"github.com/omasakun/remote-stylus/internal/ratelimit"
	"github.com/omasakun/remote-stylus/internal/roomstore"
)

const DefaultMaxMessageBytes int64 = 100 * 1024

// Store is the room persistence used by Server. *roomstore.Store satisfies it.
type Store interface {
	CreateRoom(ctx context.Context, namespace string) (string, error)
	ExtendRoom(ctx context.Context, id string) error
	DeleteRoom(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, room, body string) (int64, error)
	ListMessages(ctx context.Context, room string, since int64) ([]roomstore.Message, error)
}

type Config struct {
	Store   Store
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// MaxMessageBytes caps POST /rooms/{room}/messages bodies. Zero means
	// DefaultMaxMessageBytes.
	MaxMessageBytes int64

	// CreateLimiter throttles room creation per client IP. Nil disables it.
	CreateLimiter *ratelimit.KeyedLimiter
}

type Server struct {
	store   Store
	metrics *metrics.Metrics
	log     *slog.Logger

	maxMessageBytes int64
	createLimiter   *ratelimit.KeyedLimiter
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	return &Server{
		store:           cfg.Store,
		metrics:         cfg.Metrics,
		log:             logger,
		maxMessageBytes: maxMessageBytes,
		createLimiter:   cfg.CreateLimiter,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /rooms", s.handleCreateRoom)
	mux.HandleFunc("POST /rooms/{room}/extend", s.withRoom(s.handleExtendRoom))
	mux.HandleFunc("DELETE /rooms/{room}", s.withRoom(s.handleDeleteRoom))
	mux.HandleFunc("GET /rooms/{room}/messages", s.withRoom(s.handleListMessages))
	mux.HandleFunc("POST /rooms/{room}/messages", s.withRoom(s.handlePostMessage))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

type roomHandler func(w http.ResponseWriter, r *http.Request, room string)

// withRoom rejects malformed room ids before the handler can reach the store.
func (s *Server) withRoom(next roomHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := r.PathValue("room")
		if !ValidRoomID(room) {
			s.metrics.Inc(metrics.InvalidRequest)
			writeJSONError(w, http.StatusBadRequest, ErrorCodeBadRequest, "invalid room id")
			return
		}
		next(w, r, room)
	}
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("app_id")
	if !ValidNamespace(namespace) {
		s.metrics.Inc(metrics.InvalidRequest)
		writeJSONError(w, http.StatusBadRequest, ErrorCodeBadRequest, "invalid app_id")
		return
	}

	if !s.createLimiter.Allow(clientIP(r)) {
		s.metrics.Inc(metrics.RoomCreateRateLimited)
		writeJSONError(w, http.StatusTooManyRequests, ErrorCodeRateLimited, "too many rooms created")
		return
	}

	room, err := s.store.CreateRoom(r.Context(), namespace)
	if errors.Is(err, roomstore.ErrExhausted) {
		s.metrics.Inc(metrics.RoomCreateExhausted)
		s.log.Warn("room id space exhausted", "app_id", namespace)
		writeJSONError(w, http.StatusInternalServerError, ErrorCodeExhausted, "failed to create a new room")
		return
	}
	if err != nil {
		s.storeError(w, "create room", err)
		return
	}

	s.metrics.Inc(metrics.RoomCreated)
	s.log.Debug("room created", "room", room)
	writeJSON(w, http.StatusCreated, CreateRoomResponse{Room: room})
}

func (s *Server) handleExtendRoom(w http.ResponseWriter, r *http.Request, room string) {
	if err := s.store.ExtendRoom(r.Context(), room); err != nil {
		s.roomError(w, "extend room", err)
		return
	}
	s.metrics.Inc(metrics.RoomExtended)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteRoom(w http.ResponseWriter, r *http.Request, room string) {
	if err := s.store.DeleteRoom(r.Context(), room); err != nil {
		s.storeError(w, "delete room", err)
		return
	}
	s.metrics.Inc(metrics.RoomDeleted)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, room string) {
	since, ok := parseSince(r.URL.Query())
	if !ok {
		s.metrics.Inc(metrics.InvalidRequest)
		writeJSONError(w, http.StatusBadRequest, ErrorCodeBadRequest, "invalid since")
		return
	}

	stored, err := s.store.ListMessages(r.Context(), room, since)
	if err != nil {
		s.roomError(w, "list messages", err)
		return
	}

	resp := ListMessagesResponse{Messages: make([]Message, 0, len(stored))}
	for _, m := range stored {
		resp.Messages = append(resp.Messages, Message{ID: m.ID, Body: m.Body})
	}
	s.metrics.Inc(metrics.MessagesListed)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request, room string) {
	if r.ContentLength > s.maxMessageBytes {
		s.tooLarge(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.tooLarge(w)
			return
		}
		s.metrics.Inc(metrics.InvalidRequest)
		writeJSONError(w, http.StatusBadRequest, ErrorCodeBadRequest, "failed to read body")
		return
	}

	if _, err := s.store.AppendMessage(r.Context(), room, string(body)); err != nil {
		s.roomError(w, "append message", err)
		return
	}
	s.metrics.Inc(metrics.MessageAppended)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) tooLarge(w http.ResponseWriter) {
	s.metrics.Inc(metrics.MessageTooLarge)
	writeJSONError(w, http.StatusRequestEntityTooLarge, ErrorCodeTooLarge, "message too large")
}

func (s *Server) roomError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, roomstore.ErrNotFound) {
		s.metrics.Inc(metrics.RoomNotFound)
		writeJSONError(w, http.StatusNotFound, ErrorCodeNotFound, "room not found")
		return
	}
	s.storeError(w, op, err)
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.metrics.Inc(metrics.StoreError)
	s.log.Error("room store failure", "op", op, "err", err)
	writeJSONError(w, http.StatusInternalServerError, ErrorCodeInternal, "internal error")
}

// parseSince reads the message cursor. Absent means -1 (everything).
func parseSince(q url.Values) (int64, bool) {
	raw := q.Get("since")
	if raw == "" {
		return -1, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < -1 {
		return 0, false
	}
	return n, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
