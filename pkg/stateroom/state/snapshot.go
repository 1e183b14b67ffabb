package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/resolve"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/store"
)

// anchorDelta locates the state snapshot for an incoming event: the
// delta pointer of the latest stored event strictly before its
// origin_server_ts. Timestamp, not depth, is the ordering key here:
// remote delivery order says nothing about causal order, but every
// server sees the same timestamps and so anchors the same snapshot.
func (p *Persister) anchorDelta(ctx context.Context, ev *pdu.Pdu) (string, error) {
	anchor, err := p.store.LatestEventBefore(ctx, ev.RoomID, ev.OriginServerTS)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return anchor.StateDeltaID, nil
}

// reconstruct rebuilds a full state map by walking the delta chain
// from the given node back to the root. The walk runs newest to
// oldest, so the first node seen for a key is the winner.
func (p *Persister) reconstruct(ctx context.Context, deltaID string) (pdu.StateMap, error) {
	return p.reconstructSkipping(ctx, deltaID, "")
}

func (p *Persister) reconstructSkipping(ctx context.Context, deltaID, skipEventID string) (pdu.StateMap, error) {
	state := make(pdu.StateMap)
	id := deltaID
	for id != "" {
		node, err := p.store.GetStateDelta(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("walk delta chain at %s: %w", id, err)
		}
		id = node.PrevID
		if node.EventID == skipEventID {
			continue
		}
		if _, taken := state[node.Key]; taken {
			continue
		}
		rec, err := p.store.GetEvent(ctx, node.EventID)
		if err != nil {
			return nil, fmt.Errorf("event %s referenced by delta %s: %w", node.EventID, node.ID, err)
		}
		state[node.Key] = rec.Event
	}
	return state, nil
}

// currentState returns the room's visible state and the delta id it
// was walked from ("" for a room with no state yet).
func (p *Persister) currentState(ctx context.Context, roomID string) (pdu.StateMap, string, error) {
	latest, err := p.store.LatestStateDelta(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return pdu.StateMap{}, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	state, err := p.reconstruct(ctx, latest.ID)
	return state, latest.ID, err
}

// appendDelta adds one node for a winning state event. Appending to
// the chain tip extends the current chain; appending to a mid-chain
// node (a late arrival) forks a new chain. Depth stays monotonic per
// room across forks so "latest delta" remains well defined.
func (p *Persister) appendDelta(ctx context.Context, ev *pdu.Pdu, prevID string) (*store.StateDelta, error) {
	var (
		chainID string
		depth   int64 = 1
	)
	latest, err := p.store.LatestStateDelta(ctx, ev.RoomID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		chainID = uuid.NewString()
	case err != nil:
		return nil, err
	case latest.ID == prevID:
		chainID = latest.ChainID
		depth = latest.Depth + 1
	default:
		chainID = uuid.NewString()
		depth = latest.Depth + 1
	}

	delta := &store.StateDelta{
		ID:      uuid.NewString(),
		RoomID:  ev.RoomID,
		EventID: ev.EventID,
		Key:     ev.Key(),
		PrevID:  prevID,
		ChainID: chainID,
		Depth:   depth,
	}
	if err := p.store.PutStateDelta(ctx, delta); err != nil {
		return nil, err
	}
	return delta, nil
}

// correctLater is the retroactive correction pass: events persisted
// with timestamps later than the just-inserted event were built
// against a snapshot that did not include it. It re-resolves any
// state-map collision the insertion introduces and rebuilds the delta
// suffix so later events' state pointers walk the corrected history.
// It runs on every persist; skipping it when it "obviously" finds
// nothing is how servers drift apart.
func (p *Persister) correctLater(ctx context.Context, ev *pdu.Pdu, evDelta *store.StateDelta, anchorDeltaID string, snapshot pdu.StateMap) error {
	later, err := p.store.EventsAfter(ctx, ev.RoomID, ev.OriginServerTS)
	if err != nil {
		return err
	}
	remaining := later[:0]
	for _, rec := range later {
		if rec.Event.EventID != ev.EventID {
			remaining = append(remaining, rec)
		}
	}
	later = remaining
	if len(later) == 0 || evDelta == nil {
		// Nothing was built on a stale snapshot (in-order arrival), or
		// the new event lost immediately and visible state is
		// untouched.
		return nil
	}

	key := ev.Key()
	var collisions []*store.EventRecord
	for _, rec := range later {
		if rec.Event.IsState() && rec.Event.Key() == key && !rec.SoftFailed {
			collisions = append(collisions, rec)
		}
	}

	if len(collisions) > 0 {
		views := make([]pdu.StateMap, 0, len(collisions)+1)
		mine := snapshot.Clone()
		mine[key] = ev
		views = append(views, mine)
		for _, rec := range collisions {
			theirs := snapshot.Clone()
			theirs[key] = rec.Event
			views = append(views, theirs)
		}
		resolved, err := p.resolveBranches(ctx, views)
		if err != nil {
			return err
		}
		winner := resolved[key]
		if winner == nil {
			return &resolve.InvariantError{Message: fmt.Sprintf("correction pass lost key %s", key)}
		}
		if winner.EventID != ev.EventID {
			// The late arrival loses retroactively. Its delta node
			// stays in the chain but the winner's rebuilt node sits
			// above it, so the newest-first walk shadows it.
			if err := p.store.SetSoftFailed(ctx, ev.EventID, true); err != nil {
				return err
			}
			if err := p.store.SetEventStateDelta(ctx, ev.EventID, anchorDeltaID); err != nil {
				return err
			}
			p.logEvent(ev, "late arrival soft-failed by correction pass",
				slog.String("winner", winner.EventID))
		} else {
			for _, rec := range collisions {
				if err := p.store.SetSoftFailed(ctx, rec.Event.EventID, true); err != nil {
					return err
				}
				rec.SoftFailed = true
				p.logEvent(rec.Event, "event soft-failed by correction pass",
					slog.String("winner", ev.EventID))
			}
		}
	}
	// Rebuild the suffix on the fork: every later state event gets a
	// fresh node chained on top of the inserted one, and its state
	// pointer retargeted. Timeline and soft-failed events carry a
	// pointer but no node, so they retarget onto the tip as of their
	// position in the timestamp order. Identity and signatures are
	// untouched. This runs whether the insertion won or lost its
	// collisions; losing still leaves its node in the chain, and only
	// the rebuilt suffix keeps the chain tip pointing at correct
	// visible state.
	tip := evDelta.ID
	chainID := evDelta.ChainID
	depth := evDelta.Depth
	for _, rec := range later {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !rec.Event.IsState() || rec.SoftFailed {
			if err := p.store.SetEventStateDelta(ctx, rec.Event.EventID, tip); err != nil {
				return err
			}
			continue
		}
		depth++
		node := &store.StateDelta{
			ID:      uuid.NewString(),
			RoomID:  ev.RoomID,
			EventID: rec.Event.EventID,
			Key:     rec.Event.Key(),
			PrevID:  tip,
			ChainID: chainID,
			Depth:   depth,
		}
		if err := p.store.PutStateDelta(ctx, node); err != nil {
			return err
		}
		if err := p.store.SetEventStateDelta(ctx, rec.Event.EventID, node.ID); err != nil {
			return err
		}
		tip = node.ID
	}
	return nil
}
