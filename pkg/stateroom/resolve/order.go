package resolve

import (
	"context"
	"sort"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/auth"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

// orderPowerEvents sorts the power-event subset into reverse
// topological power ordering: auth ancestors before descendants
// (Kahn's algorithm over the auth DAG restricted to the subset), ties
// broken by higher sender power first, then smaller origin_server_ts,
// then smaller event id. Sender power is computed from each event's
// own auth events, the power structure it was created under.
func (r *Resolver) orderPowerEvents(ctx context.Context, s *session, powers []*pdu.Pdu) ([]*pdu.Pdu, error) {
	if len(powers) == 0 {
		return nil, nil
	}

	subset := make(map[string]*pdu.Pdu, len(powers))
	for _, ev := range powers {
		subset[ev.EventID] = ev
	}

	// deps[id] holds the not-yet-emitted subset members of id's auth
	// chain. Closure edges rather than direct ones: two subset
	// members may be related only through events outside the subset.
	deps := make(map[string]map[string]struct{}, len(powers))
	power := make(map[string]int64, len(powers))
	for id, ev := range subset {
		d := make(map[string]struct{})
		for ancestor := range s.chain(ctx, id) {
			if _, ok := subset[ancestor]; ok && ancestor != id {
				d[ancestor] = struct{}{}
			}
		}
		deps[id] = d
		power[id] = r.senderPower(ctx, s, ev)
	}

	less := func(a, b *pdu.Pdu) bool {
		if power[a.EventID] != power[b.EventID] {
			return power[a.EventID] > power[b.EventID]
		}
		if a.OriginServerTS != b.OriginServerTS {
			return a.OriginServerTS < b.OriginServerTS
		}
		return a.EventID < b.EventID
	}

	ordered := make([]*pdu.Pdu, 0, len(powers))
	emitted := make(map[string]bool, len(powers))
	for len(ordered) < len(powers) {
		var ready []*pdu.Pdu
		for id, d := range deps {
			if emitted[id] {
				continue
			}
			if len(d) == 0 {
				ready = append(ready, subset[id])
			}
		}
		if len(ready) == 0 {
			// Cycles cannot occur in a hash-linked DAG; hitting this
			// means the inputs are corrupt.
			return nil, &InvariantError{Message: "cycle in power-event auth graph"}
		}
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		next := ready[0]
		ordered = append(ordered, next)
		emitted[next.EventID] = true
		for _, d := range deps {
			delete(d, next.EventID)
		}
	}
	return ordered, nil
}

func (r *Resolver) senderPower(ctx context.Context, s *session, ev *pdu.Pdu) int64 {
	authEvents := make(map[string]*pdu.Pdu, len(ev.AuthEvents))
	for _, id := range ev.AuthEvents {
		if ae := s.get(ctx, id); ae != nil {
			authEvents[id] = ae
		}
	}
	return auth.SenderPower(ev, authEvents)
}

// mainlineOf builds mainline positions from the resolved power_levels
// event's power_levels ancestry; oldest ancestor gets position 0. A
// room without any power_levels event anchors its mainline at the
// create event instead. No create event at all breaks the core room
// invariant, so that is an error, not an empty result.
func (r *Resolver) mainlineOf(ctx context.Context, s *session, working pdu.StateMap) (map[string]int, error) {
	cur := working[pdu.KeyOf(pdu.TypePowerLevels, "")]
	if cur == nil {
		create := working[pdu.KeyOf(pdu.TypeCreate, "")]
		if create == nil {
			return nil, &InvariantError{Message: "empty mainline: resolved state has no power_levels or create event"}
		}
		return map[string]int{create.EventID: 0}, nil
	}

	var newestFirst []string
	seen := make(map[string]bool)
	for cur != nil && !seen[cur.EventID] {
		seen[cur.EventID] = true
		newestFirst = append(newestFirst, cur.EventID)
		cur = r.powerAncestor(ctx, s, cur)
	}

	positions := make(map[string]int, len(newestFirst))
	for i, id := range newestFirst {
		positions[id] = len(newestFirst) - 1 - i
	}
	return positions, nil
}

// powerAncestor returns the power_levels event among ev's auth
// events, falling back to the create event at the mainline root.
func (r *Resolver) powerAncestor(ctx context.Context, s *session, ev *pdu.Pdu) *pdu.Pdu {
	var create *pdu.Pdu
	for _, id := range ev.AuthEvents {
		ae := s.get(ctx, id)
		if ae == nil || !ae.IsState() {
			continue
		}
		if ae.Type == pdu.TypePowerLevels {
			return ae
		}
		if ae.IsCreate() {
			create = ae
		}
	}
	return create
}

// orderByMainline sorts the non-power conflicted events by the
// mainline position of their nearest power_levels ancestor, then
// origin_server_ts, then event id.
func (r *Resolver) orderByMainline(ctx context.Context, s *session, mainline map[string]int, others []*pdu.Pdu) ([]*pdu.Pdu, error) {
	positions := make(map[string]int, len(others))
	for _, ev := range others {
		positions[ev.EventID] = r.mainlinePosition(ctx, s, mainline, ev)
	}
	sorted := make([]*pdu.Pdu, len(others))
	copy(sorted, others)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if positions[a.EventID] != positions[b.EventID] {
			return positions[a.EventID] < positions[b.EventID]
		}
		if a.OriginServerTS != b.OriginServerTS {
			return a.OriginServerTS < b.OriginServerTS
		}
		return a.EventID < b.EventID
	})
	return sorted, nil
}

// mainlinePosition walks an event's power ancestry until it meets the
// mainline. Events whose ancestry never reaches it sort first.
func (r *Resolver) mainlinePosition(ctx context.Context, s *session, mainline map[string]int, ev *pdu.Pdu) int {
	cur := ev
	seen := make(map[string]bool)
	for cur != nil && !seen[cur.EventID] {
		seen[cur.EventID] = true
		if pos, ok := mainline[cur.EventID]; ok {
			return pos
		}
		cur = r.powerAncestor(ctx, s, cur)
	}
	return -1
}
