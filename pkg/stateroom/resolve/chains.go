package resolve

import (
	"context"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

// session holds the per-resolution caches: fetched events (including
// negative entries for unreachable ids) and memoized auth-chain
// closures. A session lives for exactly one Resolve call.
type session struct {
	fetch  Fetcher
	events map[string]*pdu.Pdu // nil value = known unreachable
	chains map[string]map[string]struct{}
}

func newSession(fetch Fetcher) *session {
	return &session{
		fetch:  fetch,
		events: make(map[string]*pdu.Pdu),
		chains: make(map[string]map[string]struct{}),
	}
}

func (s *session) seed(ev *pdu.Pdu) {
	if ev != nil {
		s.events[ev.EventID] = ev
	}
}

// get returns the event or nil when it is unreachable both locally
// and remotely. Fetch errors degrade to unreachable: resolution must
// treat such events as unauthorizable, never crash.
func (s *session) get(ctx context.Context, eventID string) *pdu.Pdu {
	if ev, ok := s.events[eventID]; ok {
		return ev
	}
	var ev *pdu.Pdu
	if s.fetch != nil {
		ev, _ = s.fetch.FetchEvent(ctx, eventID)
	}
	s.events[eventID] = ev
	return ev
}

// chain computes the auth chain of one event: the transitive closure
// over auth_events, excluding the event itself. Iterative with an
// explicit work stack: auth chains grow with room lifetime, and a
// years-old room must not overflow the goroutine stack. Closures are
// memoized for the life of the session.
func (s *session) chain(ctx context.Context, rootID string) map[string]struct{} {
	if c, ok := s.chains[rootID]; ok {
		return c
	}
	result := make(map[string]struct{})
	var stack []string
	if root := s.get(ctx, rootID); root != nil {
		stack = append(stack, root.AuthEvents...)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := result[id]; seen {
			continue
		}
		result[id] = struct{}{}
		if memo, ok := s.chains[id]; ok {
			for m := range memo {
				result[m] = struct{}{}
			}
			continue
		}
		if ev := s.get(ctx, id); ev != nil {
			stack = append(stack, ev.AuthEvents...)
		}
	}
	s.chains[rootID] = result
	return result
}

// conflictedSet builds the full conflicted set: the conflicted events
// themselves plus the auth-chain difference across the input state
// maps (ids in at least one view's chain union but not all of them).
// Unreachable members are dropped here; they cannot win a slot.
func (s *session) conflictedSet(ctx context.Context, states []pdu.StateMap, conflicted map[pdu.MapKey][]*pdu.Pdu) (map[string]*pdu.Pdu, error) {
	unions := make([]map[string]struct{}, len(states))
	for i, state := range states {
		union := make(map[string]struct{})
		for _, ev := range state {
			for id := range s.chain(ctx, ev.EventID) {
				union[id] = struct{}{}
			}
		}
		unions[i] = union
	}

	full := make(map[string]*pdu.Pdu)
	for _, candidates := range conflicted {
		for _, ev := range candidates {
			full[ev.EventID] = ev
		}
	}
	for _, union := range unions {
		for id := range union {
			if inEveryUnion(unions, id) {
				continue
			}
			if ev := s.get(ctx, id); ev != nil && ev.IsState() {
				full[id] = ev
			}
		}
	}
	return full, nil
}

func inEveryUnion(unions []map[string]struct{}, id string) bool {
	for _, union := range unions {
		if _, ok := union[id]; !ok {
			return false
		}
	}
	return true
}
