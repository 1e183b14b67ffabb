// Package notify turns committed room events into typed
// notifications and fans them out to local subscribers. The
// notification kinds form a closed union: every consumer switch over
// Kind can be checked for exhaustiveness, and adding a kind is a
// compile-visible change rather than a new magic string.
package notify

import (
	"context"
	"sort"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/auth"
	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

// Kind enumerates the notification types.
type Kind int

const (
	KindMessage Kind = iota
	KindReaction
	KindRedaction
	KindMembership
	KindRoomName
	KindRoomTopic
	KindPowerLevels
)

// String returns the kind's wire-ish name, for logging.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindReaction:
		return "reaction"
	case KindRedaction:
		return "redaction"
	case KindMembership:
		return "membership"
	case KindRoomName:
		return "room_name"
	case KindRoomTopic:
		return "room_topic"
	case KindPowerLevels:
		return "power_levels"
	default:
		return "unknown"
	}
}

// Notification is the sealed union of committed-event notifications.
type Notification interface {
	Kind() Kind
	Room() string
	sealed()
}

// Base carries the fields every notification shares.
type Base struct {
	RoomID  string
	EventID string
	Sender  string
	// OriginServerTS of the committed event, milliseconds.
	Timestamp int64
}

func (b Base) Room() string { return b.RoomID }
func (Base) sealed()        {}

// Message is a room message (m.room.message).
type Message struct {
	Base
	MsgType string
	Body    string
}

func (Message) Kind() Kind { return KindMessage }

// Reaction is an m.reaction annotation.
type Reaction struct {
	Base
	TargetEventID string
	Key           string
}

func (Reaction) Kind() Kind { return KindReaction }

// Redaction strips a prior event's visible content.
type Redaction struct {
	Base
	RedactsEventID string
	Reason         string
}

func (Redaction) Kind() Kind { return KindRedaction }

// Membership is a membership transition for one user.
type Membership struct {
	Base
	Target     string
	Membership string
	Previous   string
}

func (Membership) Kind() Kind { return KindMembership }

// RoomName is a room name change.
type RoomName struct {
	Base
	Name string
}

func (RoomName) Kind() Kind { return KindRoomName }

// RoomTopic is a room topic change.
type RoomTopic struct {
	Base
	Topic string
}

func (RoomTopic) Kind() Kind { return KindRoomTopic }

// PowerChange is one user's level moving.
type PowerChange struct {
	UserID string
	Old    int64
	New    int64
}

// PowerLevels reports the per-user deltas a power_levels event
// introduced relative to the state before it.
type PowerLevels struct {
	Base
	Changes []PowerChange
}

func (PowerLevels) Kind() Kind { return KindPowerLevels }

// FromPdu classifies a committed event into a notification. Unknown
// event kinds return ok=false; the pipeline logs and skips them.
// prevState is the room state before the event, used for membership
// transitions and power-level deltas; nil is tolerated.
func FromPdu(ev *pdu.Pdu, prevState pdu.StateMap) (Notification, bool) {
	base := Base{
		RoomID:    ev.RoomID,
		EventID:   ev.EventID,
		Sender:    ev.Sender,
		Timestamp: ev.OriginServerTS,
	}
	switch ev.Type {
	case pdu.TypeMessage:
		return Message{
			Base:    base,
			MsgType: ev.ContentString("msgtype"),
			Body:    ev.ContentString("body"),
		}, true
	case pdu.TypeReaction:
		rel, _ := ev.Content["m.relates_to"].(map[string]any)
		target, _ := rel["event_id"].(string)
		key, _ := rel["key"].(string)
		return Reaction{Base: base, TargetEventID: target, Key: key}, true
	case pdu.TypeRedaction:
		redacts := ev.ContentString("redacts")
		return Redaction{
			Base:           base,
			RedactsEventID: redacts,
			Reason:         ev.ContentString("reason"),
		}, true
	case pdu.TypeMember:
		prev := ""
		if prevState != nil {
			if m := prevState[pdu.KeyOf(pdu.TypeMember, ev.StateKeyValue())]; m != nil {
				prev = m.Membership()
			}
		}
		return Membership{
			Base:       base,
			Target:     ev.StateKeyValue(),
			Membership: ev.Membership(),
			Previous:   prev,
		}, true
	case pdu.TypeName:
		return RoomName{Base: base, Name: ev.ContentString("name")}, true
	case pdu.TypeTopic:
		return RoomTopic{Base: base, Topic: ev.ContentString("topic")}, true
	case pdu.TypePowerLevels:
		return PowerLevels{Base: base, Changes: powerChanges(ev, prevState)}, true
	default:
		return nil, false
	}
}

// powerChanges diffs the explicit user table of the new power_levels
// event against the levels users held before it.
func powerChanges(ev *pdu.Pdu, prevState pdu.StateMap) []PowerChange {
	users, _ := ev.Content["users"].(map[string]any)
	var changes []PowerChange
	for userID := range users {
		newState := pdu.StateMap{
			pdu.KeyOf(pdu.TypePowerLevels, ""): ev,
		}
		if prevState != nil {
			if create := prevState[pdu.KeyOf(pdu.TypeCreate, "")]; create != nil {
				newState[pdu.KeyOf(pdu.TypeCreate, "")] = create
			}
		}
		old := auth.LevelForUser(prevState, userID)
		now := auth.LevelForUser(newState, userID)
		if old != now {
			changes = append(changes, PowerChange{UserID: userID, Old: old, New: now})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].UserID < changes[j].UserID })
	return changes
}

// Sink receives notifications, fire-and-forget: the pipeline never
// waits on emission and swallows (but logs) its failures.
type Sink interface {
	Emit(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

// Emit implements Sink.
func (f SinkFunc) Emit(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
