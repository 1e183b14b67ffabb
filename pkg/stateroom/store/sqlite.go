package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists events and state deltas to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS room_events (
	event_id         TEXT PRIMARY KEY,
	room_id          TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	state_key        TEXT,
	origin_server_ts INTEGER NOT NULL,
	depth            INTEGER NOT NULL,
	soft_failed      INTEGER NOT NULL DEFAULT 0,
	state_delta_id   TEXT NOT NULL DEFAULT '',
	json             BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_room_events_room_ts
	ON room_events(room_id, origin_server_ts, event_id);

CREATE TABLE IF NOT EXISTS event_edges (
	event_id TEXT NOT NULL,
	prev_id  TEXT NOT NULL,
	room_id  TEXT NOT NULL,
	PRIMARY KEY (event_id, prev_id)
);
CREATE INDEX IF NOT EXISTS idx_event_edges_room_prev
	ON event_edges(room_id, prev_id);

CREATE TABLE IF NOT EXISTS state_deltas (
	delta_id      TEXT PRIMARY KEY,
	room_id       TEXT NOT NULL,
	event_id      TEXT NOT NULL,
	map_key       TEXT NOT NULL,
	prev_delta_id TEXT NOT NULL DEFAULT '',
	chain_id      TEXT NOT NULL,
	chain_depth   INTEGER NOT NULL,
	partial       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_state_deltas_room_depth
	ON state_deltas(room_id, chain_depth, delta_id);
`

// NewSQLiteStore opens (creating if needed) a SQLite-backed store at
// path. Use ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// PutEvent implements Adapter.
func (s *SQLiteStore) PutEvent(ctx context.Context, rec *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	body, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var stateKey any
	if rec.Event.StateKey != nil {
		stateKey = *rec.Event.StateKey
	}
	// INSERT OR IGNORE keeps redelivered events idempotent no-ops.
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO room_events
			(event_id, room_id, event_type, state_key, origin_server_ts,
			 depth, soft_failed, state_delta_id, json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.Event.EventID, rec.Event.RoomID, rec.Event.Type, stateKey,
		rec.Event.OriginServerTS, rec.Event.Depth,
		boolToInt(rec.SoftFailed), rec.StateDeltaID, body); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	for _, prev := range rec.Event.PrevEvents {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO event_edges (event_id, prev_id, room_id)
			VALUES (?, ?, ?)
		`, rec.Event.EventID, prev, rec.Event.RoomID); err != nil {
			return fmt.Errorf("insert edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetEvent implements Adapter.
func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT json, soft_failed, state_delta_id
		FROM room_events WHERE event_id = ?
	`, eventID)
	return scanRecord(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*EventRecord, error) {
	var (
		body       []byte
		softFailed int
		deltaID    string
	)
	err := row.Scan(&body, &softFailed, &deltaID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	var ev pdu.Pdu
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &EventRecord{
		Event:        &ev,
		SoftFailed:   softFailed != 0,
		StateDeltaID: deltaID,
	}, nil
}

// GetEvents implements Adapter.
func (s *SQLiteStore) GetEvents(ctx context.Context, eventIDs []string) ([]*pdu.Pdu, error) {
	out := make([]*pdu.Pdu, 0, len(eventIDs))
	for _, id := range eventIDs {
		rec, err := s.GetEvent(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec.Event)
	}
	return out, nil
}

// MissingEvents implements Adapter.
func (s *SQLiteStore) MissingEvents(ctx context.Context, eventIDs []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	var missing []string
	for _, id := range eventIDs {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM room_events WHERE event_id = ?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			missing = append(missing, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("probe event: %w", err)
		}
	}
	return missing, nil
}

// FindPrevEvents implements Adapter.
func (s *SQLiteStore) FindPrevEvents(ctx context.Context, roomID string) ([]*pdu.Pdu, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT json FROM room_events
		WHERE room_id = ?
		  AND event_id NOT IN (SELECT prev_id FROM event_edges WHERE room_id = ?)
		ORDER BY origin_server_ts, event_id
	`, roomID, roomID)
	if err != nil {
		return nil, fmt.Errorf("query extremities: %w", err)
	}
	defer rows.Close()

	var out []*pdu.Pdu
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan extremity: %w", err)
		}
		var ev pdu.Pdu
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("decode extremity: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// LatestEventBefore implements Adapter.
func (s *SQLiteStore) LatestEventBefore(ctx context.Context, roomID string, ts int64) (*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT json, soft_failed, state_delta_id
		FROM room_events
		WHERE room_id = ? AND origin_server_ts < ?
		ORDER BY origin_server_ts DESC, event_id DESC
		LIMIT 1
	`, roomID, ts)
	return scanRecord(row)
}

// EventsAfter implements Adapter.
func (s *SQLiteStore) EventsAfter(ctx context.Context, roomID string, ts int64) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT json, soft_failed, state_delta_id
		FROM room_events
		WHERE room_id = ? AND origin_server_ts > ?
		ORDER BY origin_server_ts, event_id
	`, roomID, ts)
	if err != nil {
		return nil, fmt.Errorf("query later events: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutStateDelta implements Adapter.
func (s *SQLiteStore) PutStateDelta(ctx context.Context, delta *StateDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO state_deltas
			(delta_id, room_id, event_id, map_key, prev_delta_id,
			 chain_id, chain_depth, partial)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, delta.ID, delta.RoomID, delta.EventID, string(delta.Key),
		delta.PrevID, delta.ChainID, delta.Depth, boolToInt(delta.Partial))
	if err != nil {
		return fmt.Errorf("insert delta: %w", err)
	}
	return nil
}

// GetStateDelta implements Adapter.
func (s *SQLiteStore) GetStateDelta(ctx context.Context, deltaID string) (*StateDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.scanDelta(s.db.QueryRowContext(ctx, `
		SELECT delta_id, room_id, event_id, map_key, prev_delta_id,
		       chain_id, chain_depth, partial
		FROM state_deltas WHERE delta_id = ?
	`, deltaID))
}

// LatestStateDelta implements Adapter.
func (s *SQLiteStore) LatestStateDelta(ctx context.Context, roomID string) (*StateDelta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.scanDelta(s.db.QueryRowContext(ctx, `
		SELECT delta_id, room_id, event_id, map_key, prev_delta_id,
		       chain_id, chain_depth, partial
		FROM state_deltas
		WHERE room_id = ?
		ORDER BY chain_depth DESC, delta_id DESC
		LIMIT 1
	`, roomID))
}

func (s *SQLiteStore) scanDelta(row rowScanner) (*StateDelta, error) {
	var (
		delta   StateDelta
		mapKey  string
		partial int
	)
	err := row.Scan(&delta.ID, &delta.RoomID, &delta.EventID, &mapKey,
		&delta.PrevID, &delta.ChainID, &delta.Depth, &partial)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delta: %w", err)
	}
	delta.Key = pdu.MapKey(mapKey)
	delta.Partial = partial != 0
	return &delta, nil
}

// SetEventStateDelta implements Adapter.
func (s *SQLiteStore) SetEventStateDelta(ctx context.Context, eventID, deltaID string) error {
	return s.updateEvent(ctx, eventID,
		`UPDATE room_events SET state_delta_id = ? WHERE event_id = ?`, deltaID)
}

// SetSoftFailed implements Adapter.
func (s *SQLiteStore) SetSoftFailed(ctx context.Context, eventID string, softFailed bool) error {
	return s.updateEvent(ctx, eventID,
		`UPDATE room_events SET soft_failed = ? WHERE event_id = ?`, boolToInt(softFailed))
}

func (s *SQLiteStore) updateEvent(ctx context.Context, eventID, query string, arg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	res, err := s.db.ExecContext(ctx, query, arg, eventID)
	if err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close implements Adapter.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
