package pdu

import "fmt"

// Version is a room version: a versioned ruleset governing event
// format, identifier derivation and redaction.
type Version string

// Known room versions.
const (
	V1  Version = "1"
	V2  Version = "2"
	V3  Version = "3"
	V4  Version = "4"
	V5  Version = "5"
	V6  Version = "6"
	V7  Version = "7"
	V8  Version = "8"
	V9  Version = "9"
	V10 Version = "10"
	V11 Version = "11"
)

// DefaultVersion is used when a create event carries no
// content.room_version, per the federation contract.
const DefaultVersion = V1

type versionCaps struct {
	// wireEventID: the event id travels on the wire instead of being
	// derived from the reference hash.
	wireEventID bool
	// tupleRefs: prev_events/auth_events are [eventId, {}] two-tuples.
	tupleRefs bool
	// urlSafeID: derived ids use the URL-safe base64 alphabet.
	urlSafeID bool
	// redactsInContent: m.room.redaction carries its target in
	// content.redacts rather than a top-level field, and the create
	// event's content survives redaction.
	redactsInContent bool
}

var versions = map[Version]versionCaps{
	V1:  {wireEventID: true, tupleRefs: true},
	V2:  {wireEventID: true, tupleRefs: true},
	V3:  {},
	V4:  {urlSafeID: true},
	V5:  {urlSafeID: true},
	V6:  {urlSafeID: true},
	V7:  {urlSafeID: true},
	V8:  {urlSafeID: true},
	V9:  {urlSafeID: true},
	V10: {urlSafeID: true},
	V11: {urlSafeID: true, redactsInContent: true},
}

// Supported reports whether this server implements the version.
func (v Version) Supported() bool {
	_, ok := versions[v]
	return ok
}

// UsesWireEventID reports whether events of this version arrive with a
// server-assigned id instead of a hash-derived one.
func (v Version) UsesWireEventID() bool {
	return versions[v].wireEventID
}

// UsesTupleRefs reports whether prev_events/auth_events use the legacy
// [eventId, {}] two-tuple form on the wire.
func (v Version) UsesTupleRefs() bool {
	return versions[v].tupleRefs
}

// VersionOf extracts the room version from a create event, or returns
// an error for any other event.
func VersionOf(create *Pdu) (Version, error) {
	if !create.IsCreate() {
		return "", fmt.Errorf("room version: %q is not a create event", create.Type)
	}
	raw, ok := create.Content["room_version"]
	if !ok {
		return DefaultVersion, nil
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", &ValidationError{Field: "content.room_version", Message: "must be a non-empty string"}
	}
	return Version(s), nil
}
