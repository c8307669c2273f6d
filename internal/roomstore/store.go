// Package roomstore persists rendezvous rooms and their message logs in
// SQLite. A room is live while its expires_at is in the future; every
// operation treats an expired row as absent even before it is vacuumed.
package roomstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/omasakun/remote-stylus/internal/clock"
)

var (
	ErrNotFound  = errors.New("room not found")
	ErrExhausted = errors.New("room id space exhausted")
)

const (
	DefaultTTL               = 10 * time.Minute
	DefaultCreateAttempts    = 3
	DefaultVacuumProbability = 0.01

	// CodeDigits is the width of the numeric room suffix.
	CodeDigits = 6
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	room TEXT NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_room_id ON messages (room, id);
`

type Config struct {
	// Path is the database file. ":memory:" is accepted and forces a single
	// connection, since every in-memory connection is its own database.
	Path     string
	PoolSize int

	TTL               time.Duration
	CreateAttempts    int
	VacuumProbability float64

	Clock  clock.Clock
	Logger *slog.Logger
	// Rand drives room codes and vacuum draws. Nil uses the runtime's
	// randomly seeded generator.
	Rand *rand.Rand
}

type Message struct {
	ID   int64
	Body string
}

type Store struct {
	pool   *sqlitex.Pool
	path   string
	clock  clock.Clock
	logger *slog.Logger

	ttl               time.Duration
	createAttempts    int
	vacuumProbability float64

	randMu sync.Mutex
	rand   *rand.Rand
}

func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("roomstore: Path is required")
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}
	if cfg.Path == ":memory:" {
		poolSize = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	attempts := cfg.CreateAttempts
	if attempts <= 0 {
		attempts = DefaultCreateAttempts
	}
	vacuumProbability := cfg.VacuumProbability
	if vacuumProbability < 0 {
		vacuumProbability = 0
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("roomstore: opening %s: %w", cfg.Path, err)
	}

	logger.Info("room store opened", "path", cfg.Path, "pool_size", poolSize, "ttl", ttl)

	return &Store{
		pool:              pool,
		path:              cfg.Path,
		clock:             clk,
		logger:            logger,
		ttl:               ttl,
		createAttempts:    attempts,
		vacuumProbability: vacuumProbability,
		rand:              cfg.Rand,
	}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("roomstore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("roomstore: schema: %w", err)
	}
	return nil
}

func (s *Store) TTL() time.Duration { return s.ttl }

func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("roomstore: closing %s: %w", s.path, err)
	}
	s.logger.Info("room store closed", "path", s.path)
	return nil
}

// CreateRoom inserts a new room named "{namespace}-{6 digits}". A collision
// with any existing row, live or not yet vacuumed, consumes one attempt.
func (s *Store) CreateRoom(ctx context.Context, namespace string) (string, error) {
	if s.randFloat64() < s.vacuumProbability {
		if n, err := s.Vacuum(ctx); err != nil {
			s.logger.Warn("room vacuum failed", "err", err)
		} else if n > 0 {
			s.logger.Debug("vacuumed expired rooms", "count", n)
		}
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", fmt.Errorf("roomstore: create room: %w", err)
	}
	defer s.pool.Put(conn)

	expiresAt := s.nowMillis() + s.ttl.Milliseconds()
	for attempt := 0; attempt < s.createAttempts; attempt++ {
		id := namespace + "-" + s.randomCode()
		err := sqlitex.Execute(conn, `INSERT INTO rooms (id, expires_at) VALUES (?, ?)`, &sqlitex.ExecOptions{
			Args: []any{id, expiresAt},
		})
		if err == nil {
			return id, nil
		}
		if sqlite.ErrCode(err) != sqlite.ResultConstraintPrimaryKey {
			return "", fmt.Errorf("roomstore: create room: %w", err)
		}
		s.logger.Debug("room id collision", "room", id, "attempt", attempt+1)
	}
	return "", ErrExhausted
}

// ExtendRoom pushes expiry to now+TTL. Only a live row is updated, so an
// expired room can never be brought back.
func (s *Store) ExtendRoom(ctx context.Context, id string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("roomstore: extend room: %w", err)
	}
	defer s.pool.Put(conn)

	now := s.nowMillis()
	err = sqlitex.Execute(conn, `UPDATE rooms SET expires_at = ? WHERE id = ? AND expires_at > ?`, &sqlitex.ExecOptions{
		Args: []any{now + s.ttl.Milliseconds(), id, now},
	})
	if err != nil {
		return fmt.Errorf("roomstore: extend room: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteRoom(ctx context.Context, id string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("roomstore: delete room: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("roomstore: delete room: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn, `DELETE FROM rooms WHERE id = ?`, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("roomstore: delete room: %w", err)
	}
	if err = sqlitex.Execute(conn, `DELETE FROM messages WHERE room = ?`, &sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("roomstore: delete room messages: %w", err)
	}
	return nil
}

// AppendMessage stores body in the room's log and returns its id.
//
// The existence check and the insert are separate statements. A room that
// expires or is deleted between the two still receives the message; the
// orphan row is dropped by the next vacuum and the peers observe the room as
// gone on their next call.
func (s *Store) AppendMessage(ctx context.Context, room, body string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("roomstore: append message: %w", err)
	}
	defer s.pool.Put(conn)

	if err := s.checkRoomExists(conn, room); err != nil {
		return 0, err
	}

	err = sqlitex.Execute(conn, `INSERT INTO messages (room, body) VALUES (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{room, body},
	})
	if err != nil {
		return 0, fmt.Errorf("roomstore: append message: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// ListMessages returns every message with id greater than since, oldest
// first. The same check-then-act caveat as AppendMessage applies.
func (s *Store) ListMessages(ctx context.Context, room string, since int64) ([]Message, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("roomstore: list messages: %w", err)
	}
	defer s.pool.Put(conn)

	if err := s.checkRoomExists(conn, room); err != nil {
		return nil, err
	}

	messages := []Message{}
	err = sqlitex.Execute(conn, `SELECT id, body FROM messages WHERE room = ? AND id > ? ORDER BY id ASC`, &sqlitex.ExecOptions{
		Args: []any{room, since},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			messages = append(messages, Message{
				ID:   stmt.ColumnInt64(0),
				Body: stmt.ColumnText(1),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("roomstore: list messages: %w", err)
	}
	return messages, nil
}

// Vacuum removes expired rooms and any messages whose room is gone. It
// returns the number of rooms removed.
func (s *Store) Vacuum(ctx context.Context) (removed int, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("roomstore: vacuum: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("roomstore: vacuum: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(conn, `DELETE FROM rooms WHERE expires_at < ?`, &sqlitex.ExecOptions{
		Args: []any{s.nowMillis()},
	}); err != nil {
		return 0, fmt.Errorf("roomstore: vacuum rooms: %w", err)
	}
	removed = conn.Changes()

	if err = sqlitex.Execute(conn, `DELETE FROM messages WHERE room NOT IN (SELECT id FROM rooms)`, nil); err != nil {
		return 0, fmt.Errorf("roomstore: vacuum messages: %w", err)
	}
	return removed, nil
}

func (s *Store) checkRoomExists(conn *sqlite.Conn, room string) error {
	found := false
	err := sqlitex.Execute(conn, `SELECT 1 FROM rooms WHERE id = ? AND expires_at > ?`, &sqlitex.ExecOptions{
		Args: []any{room, s.nowMillis()},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("roomstore: check room: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (s *Store) nowMillis() int64 {
	return s.clock.Now().UnixMilli()
}

func (s *Store) randomCode() string {
	var b strings.Builder
	b.Grow(CodeDigits)
	for i := 0; i < CodeDigits; i++ {
		b.WriteByte(byte('0' + s.randIntN(10)))
	}
	return b.String()
}

func (s *Store) randIntN(n int) int {
	if s.rand == nil {
		return rand.IntN(n)
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rand.IntN(n)
}

func (s *Store) randFloat64() float64 {
	if s.rand == nil {
		return rand.Float64()
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rand.Float64()
}
