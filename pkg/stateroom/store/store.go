// Package store defines the storage adapter the state core runs
// against, plus two implementations: an in-memory store for tests and
// embedding, and a SQLite store for durable single-process use.
//
// All write operations are idempotent: inserting an event or delta
// that already exists is a no-op, never an error. The pipeline leans
// on this for redelivered federation transactions.
package store

import (
	"context"
	"errors"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

// ErrNotFound is returned when a requested event or delta does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrStoreClosed is returned when operations are attempted on a closed store.
var ErrStoreClosed = errors.New("store: closed")

// EventRecord is a stored event plus the bookkeeping the state engine
// keeps alongside it. The Pdu itself never changes after insert;
// SoftFailed and StateDeltaID are the only mutable columns.
type EventRecord struct {
	Event *pdu.Pdu

	// SoftFailed marks an event stored for audit but excluded from
	// visible room state after losing conflict resolution.
	SoftFailed bool

	// StateDeltaID points at the delta node describing room state at
	// this event (including its own contribution when it won its
	// slot). Late-arrival correction retargets this pointer; nothing
	// else about a committed event ever changes.
	StateDeltaID string
}

// StateDelta is one node in a room's state-delta chain. Walking PrevID
// from newest to oldest and merging (first writer per key wins, since
// the walk runs newest-first) reconstructs the full state map.
type StateDelta struct {
	ID      string
	RoomID  string
	EventID string
	Key     pdu.MapKey

	// PrevID is the previous node, "" at the chain root.
	PrevID string

	// ChainID groups an unbroken linear run of nodes; a divergence
	// (two nodes sharing a PrevID) starts a new chain.
	ChainID string

	// Depth increases monotonically per room across all chains, which
	// makes "latest delta" well defined even after forks.
	Depth int64

	// Partial marks a node written while upstream history was still
	// incomplete.
	Partial bool
}

// Adapter is the storage surface the state core consumes. Callers
// outside tests supply their own implementation or use one of the two
// in this package.
type Adapter interface {
	// PutEvent stores an event record. Idempotent on event id.
	PutEvent(ctx context.Context, rec *EventRecord) error

	// GetEvent returns the record for one event, or ErrNotFound.
	GetEvent(ctx context.Context, eventID string) (*EventRecord, error)

	// GetEvents returns the Pdus that exist among ids; unknown ids
	// are skipped, not errors.
	GetEvents(ctx context.Context, eventIDs []string) ([]*pdu.Pdu, error)

	// MissingEvents returns the subset of ids not present locally.
	MissingEvents(ctx context.Context, eventIDs []string) ([]string, error)

	// FindPrevEvents returns the room's forward extremities: stored
	// events no other stored event lists in prev_events.
	FindPrevEvents(ctx context.Context, roomID string) ([]*pdu.Pdu, error)

	// LatestEventBefore returns the stored event with the greatest
	// origin_server_ts strictly before ts, or ErrNotFound when the
	// room has no earlier history. Ties break by event id so every
	// server anchors the same snapshot.
	LatestEventBefore(ctx context.Context, roomID string, ts int64) (*EventRecord, error)

	// EventsAfter returns event records, state and timeline both, with
	// origin_server_ts strictly after ts, ascending by (ts, event id).
	EventsAfter(ctx context.Context, roomID string, ts int64) ([]*EventRecord, error)

	// PutStateDelta stores a delta node. Idempotent on delta id.
	PutStateDelta(ctx context.Context, delta *StateDelta) error

	// GetStateDelta returns one delta node, or ErrNotFound.
	GetStateDelta(ctx context.Context, deltaID string) (*StateDelta, error)

	// LatestStateDelta returns the room's newest delta node, or
	// ErrNotFound for a room with no state yet.
	LatestStateDelta(ctx context.Context, roomID string) (*StateDelta, error)

	// SetEventStateDelta retargets an event's state-delta pointer.
	SetEventStateDelta(ctx context.Context, eventID, deltaID string) error

	// SetSoftFailed updates an event's soft-fail marker.
	SetSoftFailed(ctx context.Context, eventID string, softFailed bool) error

	Close() error
}
