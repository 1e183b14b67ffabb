// Package pdu defines the immutable room event model shared by every
// other component: the Pdu itself, deterministic content-hash-derived
// event identifiers, redaction, canonical JSON encoding, and the
// federation wire codec.
//
// A Pdu is never mutated after construction. Redaction produces a new
// value; conflict resolution and persistence only ever decide whether a
// Pdu is part of visible state, never change what it says.
package pdu

import (
	"fmt"
	"strings"
)

// MaxEventBytes is the federation cap on the canonical encoding of a
// single event.
const MaxEventBytes = 65535

// Well-known state event types the authorization and resolution rules
// dispatch on.
const (
	TypeCreate            = "m.room.create"
	TypeMember            = "m.room.member"
	TypePowerLevels       = "m.room.power_levels"
	TypeJoinRules         = "m.room.join_rules"
	TypeAliases           = "m.room.aliases"
	TypeCanonicalAlias    = "m.room.canonical_alias"
	TypeName              = "m.room.name"
	TypeTopic             = "m.room.topic"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeRedaction         = "m.room.redaction"
	TypeMessage           = "m.room.message"
	TypeReaction          = "m.reaction"
)

// Membership values carried in m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// MapKey identifies one slot in a room's state map: "type:stateKey",
// with an empty stateKey for room-unique types such as m.room.create.
type MapKey string

// KeyOf builds the state-map key for an event type and state key.
func KeyOf(eventType, stateKey string) MapKey {
	return MapKey(eventType + ":" + stateKey)
}

// Type returns the event-type half of the key.
func (k MapKey) Type() string {
	s := string(k)
	if i := strings.Index(s, ":"); i >= 0 {
		return s[:i]
	}
	return s
}

// StateKey returns the state-key half of the key.
func (k MapKey) StateKey() string {
	s := string(k)
	if i := strings.Index(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// StateMap is one view of "current state": the winning event per key.
// Two servers with identical history must build identical StateMaps.
type StateMap map[MapKey]*Pdu

// Clone returns a shallow copy. The Pdus themselves are immutable so
// sharing them is safe.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EventIDs returns the winning event id per key.
func (m StateMap) EventIDs() map[MapKey]string {
	out := make(map[MapKey]string, len(m))
	for k, v := range m {
		out[k] = v.EventID
	}
	return out
}

// Pdu is an immutable signed room event. EventID derives from the
// redacted canonical encoding, so identity survives redaction and no
// field may change after the id is assigned.
type Pdu struct {
	EventID        string                       `json:"event_id,omitempty"`
	RoomID         string                       `json:"room_id"`
	Type           string                       `json:"type"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Sender         string                       `json:"sender"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Depth          int64                        `json:"depth"`
	Content        map[string]any               `json:"content"`
	AuthEvents     []string                     `json:"auth_events"`
	PrevEvents     []string                     `json:"prev_events"`
	Hashes         map[string]string            `json:"hashes,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       map[string]any               `json:"unsigned,omitempty"`

	// provisionalID marks an id derived at parse time before the room
	// version was known. The real version replaces it downstream.
	provisionalID bool
}

// ProvisionalEventID reports whether the event id was derived before
// the room version was known rather than supplied on the wire. A
// provisional id is a placeholder until the room version is resolved.
func (p *Pdu) ProvisionalEventID() bool {
	return p.provisionalID
}

// ConfirmEventID installs the version-correct id for a provisionally
// identified event.
func (p *Pdu) ConfirmEventID(id string) {
	p.EventID = id
	p.provisionalID = false
}

// IsState reports whether the event carries a state key (including the
// empty one) and therefore occupies a state-map slot.
func (p *Pdu) IsState() bool {
	return p.StateKey != nil
}

// StateKeyValue returns the state key, or "" for timeline events.
func (p *Pdu) StateKeyValue() string {
	if p.StateKey == nil {
		return ""
	}
	return *p.StateKey
}

// Key returns the state-map key this event occupies. Only meaningful
// when IsState is true.
func (p *Pdu) Key() MapKey {
	return KeyOf(p.Type, p.StateKeyValue())
}

// IsCreate reports whether this is the room's create event.
func (p *Pdu) IsCreate() bool {
	return p.Type == TypeCreate && p.StateKey != nil && *p.StateKey == ""
}

// Membership returns content.membership for m.room.member events, ""
// otherwise.
func (p *Pdu) Membership() string {
	if p.Type != TypeMember {
		return ""
	}
	s, _ := p.Content["membership"].(string)
	return s
}

// ContentString returns a string field from content, "" when absent or
// of another type.
func (p *Pdu) ContentString(key string) string {
	s, _ := p.Content[key].(string)
	return s
}

// Domain returns the server part of a Matrix identifier such as
// "@user:example.org" or "#alias:example.org", or "" when the
// identifier carries none.
func Domain(id string) string {
	if i := strings.Index(id, ":"); i >= 0 {
		return id[i+1:]
	}
	return ""
}

// ValidationError reports a structurally malformed event. It is
// terminal: malformed events are never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed event: %s: %s", e.Field, e.Message)
	}
	return "malformed event: " + e.Message
}

// Validate checks structural well-formedness. It does not verify
// hashes or signatures; those need the room version and run in the
// pipeline's authorization stage.
func (p *Pdu) Validate() error {
	switch {
	case p.RoomID == "":
		return &ValidationError{Field: "room_id", Message: "required"}
	case !strings.HasPrefix(p.RoomID, "!"):
		return &ValidationError{Field: "room_id", Message: "must start with '!'"}
	case p.Type == "":
		return &ValidationError{Field: "type", Message: "required"}
	case p.Sender == "":
		return &ValidationError{Field: "sender", Message: "required"}
	case !strings.HasPrefix(p.Sender, "@"):
		return &ValidationError{Field: "sender", Message: "must start with '@'"}
	case p.Depth < 0:
		return &ValidationError{Field: "depth", Message: "must not be negative"}
	case len(p.PrevEvents) == 0 && p.Depth != 0 && !p.IsCreate():
		return &ValidationError{Field: "depth", Message: "must be 0 without prev_events"}
	}
	if p.IsCreate() && len(p.PrevEvents) > 0 {
		return &ValidationError{Field: "prev_events", Message: "create event must not have prev_events"}
	}
	m, err := p.wireMap(true)
	if err != nil {
		return &ValidationError{Message: err.Error()}
	}
	if enc, err := Canonical(m); err != nil {
		return &ValidationError{Message: err.Error()}
	} else if len(enc) > MaxEventBytes {
		return &ValidationError{Message: fmt.Sprintf("canonical form is %d bytes, limit %d", len(enc), MaxEventBytes)}
	}
	return nil
}

// NextDepth computes the depth for a new event extending the given
// prev events: 1 + max(depth), or 0 with no prev events.
func NextDepth(prevs []*Pdu) int64 {
	if len(prevs) == 0 {
		return 0
	}
	var max int64
	for _, p := range prevs {
		if p.Depth > max {
			max = p.Depth
		}
	}
	return max + 1
}
