// Package resolve implements state conflict resolution (state
// resolution v2): given multiple conflicting views of a room's current
// state, it deterministically computes one canonical winner per state
// key. Every server running this algorithm over the same inputs must
// produce byte-identical results; anything less forks the room.
//
// The algorithm:
//  1. Partition the input maps into unconflicted and conflicted keys.
//  2. Compute the auth-chain difference across the inputs; conflicted
//     events plus that difference form the full conflicted set.
//  3. Order the power events in the set by reverse topological power
//     ordering and apply them through the iterative auth check.
//  4. Order the remaining events by mainline position against the
//     resolved power_levels event and apply them the same way.
//
// Events whose auth chains cannot be fetched locally or remotely are
// treated as unauthorizable and dropped; resolution itself never
// fails on missing data, only on broken invariants.
package resolve

import (
	"context"
	"log/slog"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/auth"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

// Fetcher resolves event ids to Pdus, consulting local storage first
// and the origin server as a fallback. A nil Pdu with nil error means
// the event is unreachable both ways.
type Fetcher interface {
	FetchEvent(ctx context.Context, eventID string) (*pdu.Pdu, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, eventID string) (*pdu.Pdu, error)

// FetchEvent implements Fetcher.
func (f FetcherFunc) FetchEvent(ctx context.Context, eventID string) (*pdu.Pdu, error) {
	return f(ctx, eventID)
}

// InvariantError reports a broken resolution invariant, such as an
// empty mainline in a room that must contain a create event. It is
// fatal: committing state after one would silently diverge from other
// servers.
type InvariantError struct {
	Message string
}

func (e *InvariantError) Error() string {
	return "state resolution invariant violated: " + e.Message
}

// Resolver resolves state conflicts. The zero value is not usable;
// call New.
type Resolver struct {
	checker auth.Checker
	logger  *slog.Logger
}

// New creates a Resolver. A nil logger disables logging.
func New(checker auth.Checker, logger *slog.Logger) *Resolver {
	return &Resolver{checker: checker, logger: logger}
}

// Resolve computes the canonical state from conflicting views. The
// fetcher supplies auth-chain events not present in the inputs.
func (r *Resolver) Resolve(ctx context.Context, states []pdu.StateMap, fetch Fetcher) (pdu.StateMap, error) {
	switch len(states) {
	case 0:
		return pdu.StateMap{}, nil
	case 1:
		return states[0].Clone(), nil
	}

	s := newSession(fetch)
	for _, state := range states {
		for _, ev := range state {
			s.seed(ev)
		}
	}

	unconflicted, conflicted := partition(states)
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	fullConflicted, err := s.conflictedSet(ctx, states, conflicted)
	if err != nil {
		return nil, err
	}

	powers, others := splitPowerEvents(ctx, s, fullConflicted)
	ordered, err := r.orderPowerEvents(ctx, s, powers)
	if err != nil {
		return nil, err
	}

	working := unconflicted.Clone()
	working = r.iterativeAuthCheck(ctx, s, working, ordered)

	mainline, err := r.mainlineOf(ctx, s, working)
	if err != nil {
		return nil, err
	}
	remaining, err := r.orderByMainline(ctx, s, mainline, others)
	if err != nil {
		return nil, err
	}
	working = r.iterativeAuthCheck(ctx, s, working, remaining)

	// Unconflicted entries always win over anything resolution let
	// through for the same key.
	for k, v := range unconflicted {
		working[k] = v
	}
	return working, nil
}

// partition splits the inputs into entries every view agrees on and
// the candidate lists for keys they disagree on. A key missing from
// one view but present in another counts as conflicted.
func partition(states []pdu.StateMap) (pdu.StateMap, map[pdu.MapKey][]*pdu.Pdu) {
	candidates := make(map[pdu.MapKey]map[string]*pdu.Pdu)
	for _, state := range states {
		for key, ev := range state {
			if candidates[key] == nil {
				candidates[key] = make(map[string]*pdu.Pdu)
			}
			candidates[key][ev.EventID] = ev
		}
	}

	unconflicted := make(pdu.StateMap)
	conflicted := make(map[pdu.MapKey][]*pdu.Pdu)
	for key, byID := range candidates {
		if len(byID) == 1 && presentInAll(states, key) {
			for _, ev := range byID {
				unconflicted[key] = ev
			}
			continue
		}
		for _, ev := range byID {
			conflicted[key] = append(conflicted[key], ev)
		}
	}
	return unconflicted, conflicted
}

func presentInAll(states []pdu.StateMap, key pdu.MapKey) bool {
	for _, state := range states {
		if _, ok := state[key]; !ok {
			return false
		}
	}
	return true
}

// splitPowerEvents selects the power events from the full conflicted
// set: power_levels, join_rules, and leave/ban memberships sent by
// someone other than their target, plus each power event's auth-chain
// members inside the set. Everything else lands in others.
func splitPowerEvents(ctx context.Context, s *session, fullConflicted map[string]*pdu.Pdu) (powers, others []*pdu.Pdu) {
	inPower := make(map[string]bool, len(fullConflicted))
	var roots []string
	for id, ev := range fullConflicted {
		if isPowerEvent(ev) {
			inPower[id] = true
			roots = append(roots, id)
		}
	}
	// Auth-chain members of power events that are themselves in the
	// conflicted set join the power ordering. The chain closures are
	// transitive, so ancestors of ancestors need no second pass.
	for _, id := range roots {
		for ancestor := range s.chain(ctx, id) {
			if _, ok := fullConflicted[ancestor]; ok {
				inPower[ancestor] = true
			}
		}
	}

	for id, ev := range fullConflicted {
		if inPower[id] {
			powers = append(powers, ev)
		} else {
			others = append(others, ev)
		}
	}
	return powers, others
}

func isPowerEvent(ev *pdu.Pdu) bool {
	switch ev.Type {
	case pdu.TypePowerLevels, pdu.TypeJoinRules:
		return ev.IsState()
	case pdu.TypeMember:
		m := ev.Membership()
		if m != pdu.MembershipLeave && m != pdu.MembershipBan {
			return false
		}
		return ev.StateKey != nil && *ev.StateKey != ev.Sender
	default:
		return false
	}
}

// iterativeAuthCheck walks the ordered events, tentatively applying
// each against the growing state. A rule violation or missing auth
// data drops that event and keeps the prior entry; resolution never
// aborts mid-walk.
func (r *Resolver) iterativeAuthCheck(ctx context.Context, s *session, working pdu.StateMap, ordered []*pdu.Pdu) pdu.StateMap {
	for _, ev := range ordered {
		authState := r.authStateFor(ctx, s, working, ev)
		ok, err := r.checker.Allowed(ev, authState)
		if err != nil || !ok {
			if r.logger != nil {
				r.logger.Debug("resolution dropped event",
					slog.String("event_id", ev.EventID),
					slog.String("type", ev.Type),
					slog.Any("error", err),
				)
			}
			continue
		}
		working[ev.Key()] = ev
	}
	return working
}

// authStateFor assembles the auth view for one candidate: the growing
// state where it has an entry for a relevant key, the candidate's own
// auth events where it does not. The fallback matters early in the
// walk, before power and membership slots have been decided.
func (r *Resolver) authStateFor(ctx context.Context, s *session, working pdu.StateMap, ev *pdu.Pdu) pdu.StateMap {
	authState := make(pdu.StateMap, len(ev.AuthEvents)+1)
	for _, id := range ev.AuthEvents {
		ae := s.get(ctx, id)
		if ae == nil || !ae.IsState() {
			continue
		}
		authState[ae.Key()] = ae
	}
	for _, key := range relevantAuthKeys(ev) {
		if cur, ok := working[key]; ok {
			authState[key] = cur
		}
	}
	return authState
}

func relevantAuthKeys(ev *pdu.Pdu) []pdu.MapKey {
	keys := []pdu.MapKey{
		pdu.KeyOf(pdu.TypeCreate, ""),
		pdu.KeyOf(pdu.TypePowerLevels, ""),
		pdu.KeyOf(pdu.TypeJoinRules, ""),
		pdu.KeyOf(pdu.TypeMember, ev.Sender),
	}
	if ev.Type == pdu.TypeMember && ev.StateKey != nil {
		keys = append(keys, pdu.KeyOf(pdu.TypeMember, *ev.StateKey))
	}
	return keys
}
