// Package state implements the persistence engine: it detects
// conflicts against the last known state snapshot, invokes the
// resolver when needed, persists winning deltas, and corrects state
// for out-of-order arrivals.
//
// Each room's state history is one delta chain. Persisting a state
// event appends a node; a late arrival appends to a mid-chain node,
// forking a new chain, and the correction pass rebuilds the suffix so
// later events' state pointers walk the corrected history. Committed
// events never change identity or signature; corrections only
// retarget which delta an event's state pointer walks.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/auth"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/observability"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/resolve"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/signing"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/store"
)

// DeniedError reports that an event failed authorization at the
// persistence boundary. Terminal: never retried, never softened.
type DeniedError struct {
	EventID string
	Reason  string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authorization denied for %s: %s", e.EventID, e.Reason)
}

// VersionError reports that a room's version could not be determined
// because no create event is reachable.
type VersionError struct {
	RoomID string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("room version unknown for %s: no create event in visible state", e.RoomID)
}

// Config tunes the Persister.
type Config struct {
	// Checker evaluates authorization rules.
	Checker auth.Checker

	// Signer, when set, signs locally-originated events before they
	// are stored. Remote events keep their origin signatures.
	Signer signing.Signer

	// Logger for structured logging. Nil disables logging.
	Logger *slog.Logger

	// Metrics records conflict-resolution invocations. Nil disables
	// recording.
	Metrics observability.MetricsRecorder
}

// Persister is the state persistence engine for all rooms. Per-room
// mutual exclusion is internal: concurrent persists for the same room
// serialize, different rooms proceed in parallel.
type Persister struct {
	store    store.Adapter
	resolver *resolve.Resolver
	fetch    resolve.Fetcher
	cfg      Config

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

// New creates a Persister over the given store. The fetcher supplies
// auth-chain events the store does not hold (remote fallback).
func New(adapter store.Adapter, resolver *resolve.Resolver, fetch resolve.Fetcher, cfg Config) *Persister {
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	return &Persister{
		store:    adapter,
		resolver: resolver,
		fetch:    fetch,
		cfg:      cfg,
		rooms:    make(map[string]*sync.Mutex),
	}
}

// resolveBranches invokes the resolver and records the invocation
// with its conflicted key count and latency.
func (p *Persister) resolveBranches(ctx context.Context, branches []pdu.StateMap) (pdu.StateMap, error) {
	start := time.Now()
	resolved, err := p.resolver.Resolve(ctx, branches, p.fetch)
	p.cfg.Metrics.RecordResolution(ctx, conflictedKeys(branches), time.Since(start))
	return resolved, err
}

// conflictedKeys counts keys bound to different events across the
// branches.
func conflictedKeys(branches []pdu.StateMap) int {
	seen := make(map[pdu.MapKey]string)
	conflicted := make(map[pdu.MapKey]struct{})
	for _, b := range branches {
		for k, ev := range b {
			if prev, ok := seen[k]; ok && prev != ev.EventID {
				conflicted[k] = struct{}{}
			}
			seen[k] = ev.EventID
		}
	}
	return len(conflicted)
}

// lockRoom acquires the room's mutex, creating it on first use.
// The snapshot anchor read and the delta write must sit inside one
// critical section or a concurrent persist makes the anchor stale.
func (p *Persister) lockRoom(roomID string) func() {
	p.mu.Lock()
	m, ok := p.rooms[roomID]
	if !ok {
		m = &sync.Mutex{}
		p.rooms[roomID] = m
	}
	p.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// PersistStateEvent runs the full persistence algorithm for a state
// event: no-op if stored, snapshot anchoring, direct authorization or
// conflict resolution, delta append, and the late-arrival correction
// pass.
func (p *Persister) PersistStateEvent(ctx context.Context, ev *pdu.Pdu) error {
	if !ev.IsState() {
		return &pdu.ValidationError{Field: "state_key", Message: "required for state events"}
	}
	unlock := p.lockRoom(ev.RoomID)
	defer unlock()

	if _, err := p.store.GetEvent(ctx, ev.EventID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	version, err := p.roomVersionFor(ctx, ev)
	if err != nil {
		return err
	}

	anchorDeltaID, err := p.anchorDelta(ctx, ev)
	if err != nil {
		return err
	}
	snapshot, err := p.reconstruct(ctx, anchorDeltaID)
	if err != nil {
		return err
	}

	key := ev.Key()
	_, conflict := snapshot[key]

	var delta *store.StateDelta
	if !conflict {
		allowed, aerr := p.cfg.Checker.Allowed(ev, snapshot)
		if aerr != nil {
			return &DeniedError{EventID: ev.EventID, Reason: aerr.Error()}
		}
		if !allowed {
			return &DeniedError{EventID: ev.EventID, Reason: "rejected by authorization rules"}
		}
		delta, err = p.commitWinner(ctx, ev, version, anchorDeltaID)
		if err != nil {
			return err
		}
	} else {
		overlaid := snapshot.Clone()
		overlaid[key] = ev
		resolved, rerr := p.resolveBranches(ctx, []pdu.StateMap{snapshot, overlaid})
		if rerr != nil {
			return rerr
		}
		winner := resolved[key]
		if winner == nil {
			return &resolve.InvariantError{Message: fmt.Sprintf("resolved state lost key %s", key)}
		}
		if winner.EventID == ev.EventID {
			delta, err = p.commitWinner(ctx, ev, version, anchorDeltaID)
			if err != nil {
				return err
			}
		} else {
			// Soft-fail: stored for audit, excluded from visible state.
			p.logEvent(ev, "event soft-failed", slog.String("winner", winner.EventID))
			rec := &store.EventRecord{Event: ev, SoftFailed: true, StateDeltaID: anchorDeltaID}
			if err := p.store.PutEvent(ctx, rec); err != nil {
				return err
			}
		}
	}

	return p.correctLater(ctx, ev, delta, anchorDeltaID, snapshot)
}

// commitWinner signs (when local), appends the delta node and stores
// the event referencing it.
func (p *Persister) commitWinner(ctx context.Context, ev *pdu.Pdu, version pdu.Version, anchorDeltaID string) (*store.StateDelta, error) {
	if err := p.signIfLocal(ev, version); err != nil {
		return nil, err
	}
	delta, err := p.appendDelta(ctx, ev, anchorDeltaID)
	if err != nil {
		return nil, err
	}
	rec := &store.EventRecord{Event: ev, StateDeltaID: delta.ID}
	if err := p.store.PutEvent(ctx, rec); err != nil {
		return nil, err
	}
	p.logEvent(ev, "state event committed", slog.String("delta_id", delta.ID))
	return delta, nil
}

// PersistTimelineEvent stores a non-state event. Its referenced auth
// events must still match currently visible state; stale references
// are rejected rather than persisted against history that has since
// been corrected.
func (p *Persister) PersistTimelineEvent(ctx context.Context, ev *pdu.Pdu) error {
	if ev.IsState() {
		return &pdu.ValidationError{Field: "state_key", Message: "must be absent for timeline events"}
	}
	unlock := p.lockRoom(ev.RoomID)
	defer unlock()

	if _, err := p.store.GetEvent(ctx, ev.EventID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	version, err := p.roomVersionFor(ctx, ev)
	if err != nil {
		return err
	}

	current, latestDeltaID, err := p.currentState(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	for _, id := range ev.AuthEvents {
		rec, err := p.store.GetEvent(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		if !rec.Event.IsState() {
			continue
		}
		if visible, ok := current[rec.Event.Key()]; ok && visible.EventID != id {
			return &DeniedError{
				EventID: ev.EventID,
				Reason:  fmt.Sprintf("auth event %s superseded by %s", id, visible.EventID),
			}
		}
	}

	if err := p.signIfLocal(ev, version); err != nil {
		return err
	}
	rec := &store.EventRecord{Event: ev, StateDeltaID: latestDeltaID}
	if err := p.store.PutEvent(ctx, rec); err != nil {
		return err
	}
	p.logEvent(ev, "timeline event committed")
	return nil
}

// StateAtEvent returns room state at the event, including its own
// contribution when it won its slot.
func (p *Persister) StateAtEvent(ctx context.Context, eventID string) (pdu.StateMap, error) {
	rec, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	unlock := p.lockRoom(rec.Event.RoomID)
	defer unlock()
	// Re-read under the lock: the correction pass may have retargeted
	// the pointer between the two reads.
	rec, err = p.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return p.reconstruct(ctx, rec.StateDeltaID)
}

// StateBeforeEvent returns room state just before the event: its
// state pointer walked with the event's own contribution skipped.
func (p *Persister) StateBeforeEvent(ctx context.Context, eventID string) (pdu.StateMap, error) {
	rec, err := p.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	unlock := p.lockRoom(rec.Event.RoomID)
	defer unlock()
	rec, err = p.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return p.reconstructSkipping(ctx, rec.StateDeltaID, eventID)
}

// FullRoomState returns the room's current visible state.
func (p *Persister) FullRoomState(ctx context.Context, roomID string) (pdu.StateMap, error) {
	unlock := p.lockRoom(roomID)
	defer unlock()
	current, _, err := p.currentState(ctx, roomID)
	return current, err
}

// RoomVersion resolves the room's version from its stored create
// event.
func (p *Persister) RoomVersion(ctx context.Context, roomID string) (pdu.Version, error) {
	unlock := p.lockRoom(roomID)
	defer unlock()
	current, _, err := p.currentState(ctx, roomID)
	if err != nil {
		return "", err
	}
	create := current[pdu.KeyOf(pdu.TypeCreate, "")]
	if create == nil {
		return "", &VersionError{RoomID: roomID}
	}
	return pdu.VersionOf(create)
}

func (p *Persister) roomVersionFor(ctx context.Context, ev *pdu.Pdu) (pdu.Version, error) {
	if ev.IsCreate() {
		return pdu.VersionOf(ev)
	}
	current, _, err := p.currentState(ctx, ev.RoomID)
	if err != nil {
		return "", err
	}
	create := current[pdu.KeyOf(pdu.TypeCreate, "")]
	if create == nil {
		return "", &VersionError{RoomID: ev.RoomID}
	}
	return pdu.VersionOf(create)
}

func (p *Persister) signIfLocal(ev *pdu.Pdu, version pdu.Version) error {
	signer := p.cfg.Signer
	if signer == nil || pdu.Domain(ev.Sender) != signer.ServerName() {
		return nil
	}
	return signing.SignEvent(ev, version, signer)
}

func (p *Persister) logEvent(ev *pdu.Pdu, msg string, attrs ...slog.Attr) {
	if p.cfg.Logger == nil {
		return
	}
	base := []slog.Attr{
		slog.String("event_id", ev.EventID),
		slog.String("room_id", ev.RoomID),
		slog.String("type", ev.Type),
	}
	p.cfg.Logger.LogAttrs(context.Background(), slog.LevelDebug, msg, append(base, attrs...)...)
}
