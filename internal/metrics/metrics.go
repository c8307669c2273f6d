package metrics

import "sync"

// Relay event names. Each is exported as a value of the `event` label.
const (
	RoomCreated           = "room_created"
	RoomCreateExhausted   = "room_create_exhausted"
	RoomCreateRateLimited = "room_create_rate_limited"
	RoomExtended          = "room_extended"
	RoomDeleted           = "room_deleted"
	RoomNotFound          = "room_not_found"
	MessageAppended       = "message_appended"
	MessagesListed        = "messages_listed"
	MessageTooLarge       = "message_too_large"
	InvalidRequest        = "invalid_request"
	StoreError            = "store_error"
	OriginRejected        = "origin_rejected"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics discards
// every update.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
