package auth

import (
	"encoding/json"
	"strconv"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

// Default action levels when the power_levels event omits them.
const (
	defaultInviteLevel = 0
	defaultKickLevel   = 50
	defaultBanLevel    = 50
	creatorLevel       = 100
)

// powerLevels is the decoded power table for one room state.
type powerLevels struct {
	users        map[string]int64
	usersDefault int64
	invite       int64
	kick         int64
	ban          int64

	// creator gets 100 only when the room has no power_levels event at
	// all; once one exists its tables are authoritative.
	hasEvent bool
	creator  string
}

// levelsFrom decodes the power table from the auth state, falling back
// to the create-event defaults (creator 100, everyone else 0) when the
// room has no power_levels event yet.
func levelsFrom(create *pdu.Pdu, authState pdu.StateMap) powerLevels {
	levels := powerLevels{
		invite:  defaultInviteLevel,
		kick:    defaultKickLevel,
		ban:     defaultBanLevel,
		creator: creatorOf(create),
	}

	event := authState[pdu.KeyOf(pdu.TypePowerLevels, "")]
	if event == nil {
		return levels
	}
	levels.hasEvent = true

	if users, ok := event.Content["users"].(map[string]any); ok {
		levels.users = make(map[string]int64, len(users))
		for id, v := range users {
			if n, ok := asInt(v); ok {
				levels.users[id] = n
			}
		}
	}
	if n, ok := asInt(event.Content["users_default"]); ok {
		levels.usersDefault = n
	}
	if n, ok := asInt(event.Content["invite"]); ok {
		levels.invite = n
	}
	if n, ok := asInt(event.Content["kick"]); ok {
		levels.kick = n
	}
	if n, ok := asInt(event.Content["ban"]); ok {
		levels.ban = n
	}
	return levels
}

// userLevel resolves a user's power: users[id] ?? users_default, with
// the creator defaulting to 100 when no power_levels event exists.
func (l powerLevels) userLevel(userID string) int64 {
	if !l.hasEvent {
		if userID == l.creator {
			return creatorLevel
		}
		return 0
	}
	if n, ok := l.users[userID]; ok {
		return n
	}
	return l.usersDefault
}

func creatorOf(create *pdu.Pdu) string {
	if create == nil {
		return ""
	}
	if c := create.ContentString("creator"); c != "" {
		return c
	}
	return create.Sender
}

// SenderPower computes the sender's power level for an event from the
// event's own auth events, which is how the resolver breaks power
// ordering ties: each event is weighed by the power structure it was
// created under, not the final one.
func SenderPower(event *pdu.Pdu, authEvents map[string]*pdu.Pdu) int64 {
	state := make(pdu.StateMap, len(event.AuthEvents))
	var create *pdu.Pdu
	for _, id := range event.AuthEvents {
		ae := authEvents[id]
		if ae == nil || !ae.IsState() {
			continue
		}
		state[ae.Key()] = ae
		if ae.IsCreate() {
			create = ae
		}
	}
	return levelsFrom(create, state).userLevel(event.Sender)
}

// LevelForUser resolves a user's power level against a full state map,
// for callers outside the rule engine (notification deltas, tests).
func LevelForUser(state pdu.StateMap, userID string) int64 {
	create := state[pdu.KeyOf(pdu.TypeCreate, "")]
	return levelsFrom(create, state).userLevel(userID)
}

// asInt coerces the number encodings seen in real power_levels
// content: canonical integers arrive as float64 from encoding/json,
// and pre-v6 rooms contain stringly-typed levels.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}
