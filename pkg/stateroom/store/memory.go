package store

import (
	"context"
	"sort"
	"sync"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

// MemoryStore is an in-memory Adapter for tests and embedding.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*EventRecord            // event id -> record
	byRoom map[string][]string                // room id -> event ids, (ts, id) ascending
	refs   map[string]map[string]struct{}     // room id -> event ids referenced as prev
	deltas map[string]*StateDelta             // delta id -> node
	latest map[string]*StateDelta             // room id -> newest delta
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*EventRecord),
		byRoom: make(map[string][]string),
		refs:   make(map[string]map[string]struct{}),
		deltas: make(map[string]*StateDelta),
		latest: make(map[string]*StateDelta),
	}
}

// PutEvent implements Adapter.
func (m *MemoryStore) PutEvent(_ context.Context, rec *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	id := rec.Event.EventID
	if _, exists := m.events[id]; exists {
		return nil
	}

	stored := *rec
	m.events[id] = &stored

	roomID := rec.Event.RoomID
	m.byRoom[roomID] = insertOrdered(m.byRoom[roomID], m.events, id)
	if m.refs[roomID] == nil {
		m.refs[roomID] = make(map[string]struct{})
	}
	for _, prev := range rec.Event.PrevEvents {
		m.refs[roomID][prev] = struct{}{}
	}
	return nil
}

// insertOrdered keeps the room's event ids sorted by
// (origin_server_ts, event id) so range scans are deterministic.
func insertOrdered(ids []string, events map[string]*EventRecord, id string) []string {
	ev := events[id].Event
	at := sort.Search(len(ids), func(i int) bool {
		other := events[ids[i]].Event
		if other.OriginServerTS != ev.OriginServerTS {
			return other.OriginServerTS > ev.OriginServerTS
		}
		return other.EventID > ev.EventID
	})
	ids = append(ids, "")
	copy(ids[at+1:], ids[at:])
	ids[at] = id
	return ids
}

// GetEvent implements Adapter.
func (m *MemoryStore) GetEvent(_ context.Context, eventID string) (*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := m.events[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// GetEvents implements Adapter.
func (m *MemoryStore) GetEvents(_ context.Context, eventIDs []string) ([]*pdu.Pdu, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*pdu.Pdu, 0, len(eventIDs))
	for _, id := range eventIDs {
		if rec, ok := m.events[id]; ok {
			out = append(out, rec.Event)
		}
	}
	return out, nil
}

// MissingEvents implements Adapter.
func (m *MemoryStore) MissingEvents(_ context.Context, eventIDs []string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	var missing []string
	for _, id := range eventIDs {
		if _, ok := m.events[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// FindPrevEvents implements Adapter.
func (m *MemoryStore) FindPrevEvents(_ context.Context, roomID string) ([]*pdu.Pdu, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []*pdu.Pdu
	for _, id := range m.byRoom[roomID] {
		if _, referenced := m.refs[roomID][id]; !referenced {
			out = append(out, m.events[id].Event)
		}
	}
	return out, nil
}

// LatestEventBefore implements Adapter.
func (m *MemoryStore) LatestEventBefore(_ context.Context, roomID string, ts int64) (*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	ids := m.byRoom[roomID]
	for i := len(ids) - 1; i >= 0; i-- {
		rec := m.events[ids[i]]
		if rec.Event.OriginServerTS < ts {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// EventsAfter implements Adapter.
func (m *MemoryStore) EventsAfter(_ context.Context, roomID string, ts int64) ([]*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	var out []*EventRecord
	for _, id := range m.byRoom[roomID] {
		rec := m.events[id]
		if rec.Event.OriginServerTS > ts {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// PutStateDelta implements Adapter.
func (m *MemoryStore) PutStateDelta(_ context.Context, delta *StateDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if _, exists := m.deltas[delta.ID]; exists {
		return nil
	}
	stored := *delta
	m.deltas[delta.ID] = &stored

	newest := m.latest[delta.RoomID]
	if newest == nil || stored.Depth > newest.Depth ||
		(stored.Depth == newest.Depth && stored.ID > newest.ID) {
		m.latest[delta.RoomID] = &stored
	}
	return nil
}

// GetStateDelta implements Adapter.
func (m *MemoryStore) GetStateDelta(_ context.Context, deltaID string) (*StateDelta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	delta, ok := m.deltas[deltaID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *delta
	return &cp, nil
}

// LatestStateDelta implements Adapter.
func (m *MemoryStore) LatestStateDelta(_ context.Context, roomID string) (*StateDelta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	delta, ok := m.latest[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *delta
	return &cp, nil
}

// SetEventStateDelta implements Adapter.
func (m *MemoryStore) SetEventStateDelta(_ context.Context, eventID, deltaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	rec, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	rec.StateDeltaID = deltaID
	return nil
}

// SetSoftFailed implements Adapter.
func (m *MemoryStore) SetSoftFailed(_ context.Context, eventID string, softFailed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	rec, ok := m.events[eventID]
	if !ok {
		return ErrNotFound
	}
	rec.SoftFailed = softFailed
	return nil
}

// Close implements Adapter.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.events = nil
	m.byRoom = nil
	m.refs = nil
	m.deltas = nil
	m.latest = nil
	return nil
}
