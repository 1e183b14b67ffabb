package pdu_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestry-chat/tapestry/pkg/stateroom/pdu"
)

func strPtr(s string) *string { return &s }

// TestCanonical verifies canonical JSON encoding: sorted keys, minimal
// escapes, integer number formatting.
func TestCanonical(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"empty object", map[string]any{}, `{}`},
		{"sorted keys", map[string]any{"b": 2, "a": 1}, `{"a":1,"b":2}`},
		{
			"nested sorting",
			map[string]any{"z": map[string]any{"y": 1, "x": 2}, "a": true},
			`{"a":true,"z":{"x":2,"y":1}}`,
		},
		{"null", map[string]any{"k": nil}, `{"k":null}`},
		{"array order preserved", map[string]any{"a": []any{3, 1, 2}}, `{"a":[3,1,2]}`},
		{"float with integral value", map[string]any{"n": float64(50)}, `{"n":50}`},
		{"unicode passthrough", map[string]any{"k": "日本"}, `{"k":"日本"}`},
		{"no html escaping", map[string]any{"k": "<&>"}, `{"k":"<&>"}`},
		{"quote and backslash escaped", map[string]any{"k": `a"\b`}, `{"k":"a\"\\b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pdu.Canonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

// TestCanonicalRange verifies the canonical-JSON integer range: values
// outside ±2^53-1 are rejected, the bounds themselves pass.
func TestCanonicalRange(t *testing.T) {
	maxSafe := int64(1)<<53 - 1

	_, err := pdu.Canonical(map[string]any{"n": maxSafe})
	require.NoError(t, err)
	_, err = pdu.Canonical(map[string]any{"n": -maxSafe})
	require.NoError(t, err)

	_, err = pdu.Canonical(map[string]any{"n": maxSafe + 1})
	assert.Error(t, err)
	_, err = pdu.Canonical(map[string]any{"n": float64(1) * 1e300})
	assert.Error(t, err)
	_, err = pdu.Canonical(map[string]any{"n": 1.5})
	assert.Error(t, err, "non-integral floats are not canonical")
}

func testEvent() *pdu.Pdu {
	return &pdu.Pdu{
		RoomID:         "!room:example.org",
		Type:           pdu.TypeMessage,
		Sender:         "@alice:example.org",
		OriginServerTS: 1_700_000_000_000,
		Depth:          3,
		Content:        map[string]any{"body": "hello", "msgtype": "m.text"},
		PrevEvents:     []string{"$prev"},
		AuthEvents:     []string{"$create", "$alice-join"},
	}
}

// TestDeriveEventID verifies deterministic id derivation across room
// versions.
func TestDeriveEventID(t *testing.T) {
	ev := testEvent()

	id3, err := ev.DeriveEventID(pdu.V3)
	require.NoError(t, err)
	id4, err := ev.DeriveEventID(pdu.V4)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(id3, "$"))
	assert.True(t, strings.HasPrefix(id4, "$"))
	assert.NotContains(t, id4, "+")
	assert.NotContains(t, id4, "/")
	assert.NotContains(t, id4, "=", "derived ids are unpadded")

	// Same input, same id.
	again, err := testEvent().DeriveEventID(pdu.V4)
	require.NoError(t, err)
	assert.Equal(t, id4, again)

	// Redaction-surviving fields feed the hash; free content does not.
	tweaked := testEvent()
	tweaked.Content["body"] = "changed"
	tid, err := tweaked.DeriveEventID(pdu.V4)
	require.NoError(t, err)
	assert.Equal(t, id4, tid, "message body is stripped by redaction")

	moved := testEvent()
	moved.Sender = "@bob:example.org"
	mid, err := moved.DeriveEventID(pdu.V4)
	require.NoError(t, err)
	assert.NotEqual(t, id4, mid)
}

// TestDeriveEventIDLegacy verifies wire-assigned ids for room v1/v2.
func TestDeriveEventIDLegacy(t *testing.T) {
	ev := testEvent()
	ev.EventID = "$abc:example.org"

	id, err := ev.DeriveEventID(pdu.V1)
	require.NoError(t, err)
	assert.Equal(t, "$abc:example.org", id)

	ev.EventID = ""
	_, err = ev.DeriveEventID(pdu.V2)
	assert.Error(t, err, "legacy versions require a wire id")
}

// TestRedact verifies the redaction tables: identity fields survive,
// free content is stripped, power levels keep their numeric fields.
func TestRedact(t *testing.T) {
	ev := testEvent()
	ev.EventID = "$e"
	red, err := ev.Redact(pdu.V6)
	require.NoError(t, err)

	content, ok := red["content"].(map[string]any)
	require.True(t, ok)
	assert.Empty(t, content, "message content is fully stripped")
	assert.Equal(t, "!room:example.org", red["room_id"])
	assert.Equal(t, "@alice:example.org", red["sender"])

	pl := &pdu.Pdu{
		RoomID:   "!room:example.org",
		Type:     pdu.TypePowerLevels,
		StateKey: strPtr(""),
		Sender:   "@alice:example.org",
		Content: map[string]any{
			"users":       map[string]any{"@alice:example.org": 100},
			"custom_note": "stripped",
		},
	}
	red, err = pl.Redact(pdu.V6)
	require.NoError(t, err)
	content = red["content"].(map[string]any)
	assert.Contains(t, content, "users")
	assert.NotContains(t, content, "custom_note")
}

// TestContentHash verifies hash set/verify round-trip and tamper
// detection.
func TestContentHash(t *testing.T) {
	ev := testEvent()
	require.NoError(t, ev.SetContentHash())
	require.NoError(t, ev.VerifyContentHash())

	ev.Content["body"] = "tampered"
	err := ev.VerifyContentHash()
	require.Error(t, err)
	var verr *pdu.ValidationError
	assert.ErrorAs(t, err, &verr)
}

// TestFromWire verifies wire parsing for legacy tuple references and
// modern flat references.
func TestFromWire(t *testing.T) {
	legacy := []byte(`{
		"event_id": "$legacy:example.org",
		"room_id": "!room:example.org",
		"type": "m.room.message",
		"sender": "@alice:example.org",
		"origin_server_ts": 1700000000000,
		"depth": 2,
		"content": {"body": "hi"},
		"prev_events": [["$p1", {"sha256": "x"}], ["$p2", {}]],
		"auth_events": [["$create", {}]]
	}`)

	ev, err := pdu.FromWire(legacy, pdu.V1)
	require.NoError(t, err)
	assert.Equal(t, "$legacy:example.org", ev.EventID)
	assert.Equal(t, []string{"$p1", "$p2"}, ev.PrevEvents)
	assert.Equal(t, []string{"$create"}, ev.AuthEvents)
	assert.Equal(t, int64(2), ev.Depth)

	modern := []byte(`{
		"room_id": "!room:example.org",
		"type": "m.room.message",
		"sender": "@alice:example.org",
		"origin_server_ts": 1700000000000,
		"depth": 2,
		"content": {"body": "hi"},
		"prev_events": ["$p1"],
		"auth_events": ["$create"]
	}`)

	ev, err = pdu.FromWire(modern, pdu.V6)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ev.EventID, "$"))
	assert.Equal(t, []string{"$p1"}, ev.PrevEvents)

	_, err = pdu.FromWire([]byte(`not json`), pdu.V6)
	assert.Error(t, err)

	// A wire id that disagrees with the derived one is rejected.
	withBadID := []byte(`{
		"event_id": "$forged",
		"room_id": "!room:example.org",
		"type": "m.room.message",
		"sender": "@alice:example.org",
		"origin_server_ts": 1700000000000,
		"depth": 2,
		"content": {"body": "hi"},
		"prev_events": ["$p1"],
		"auth_events": ["$create"]
	}`)
	_, err = pdu.FromWire(withBadID, pdu.V6)
	assert.Error(t, err)
}

// TestParseUntrusted verifies parsing before the room version is
// known: wire ids are kept, absent ids get a provisional derivation.
func TestParseUntrusted(t *testing.T) {
	withID := []byte(`{
		"event_id": "$wire:example.org",
		"room_id": "!room:example.org",
		"type": "m.room.message",
		"sender": "@alice:example.org",
		"origin_server_ts": 1,
		"content": {"body": "hi"},
		"prev_events": ["$p"],
		"depth": 1
	}`)
	ev, err := pdu.ParseUntrusted(withID)
	require.NoError(t, err)
	assert.Equal(t, "$wire:example.org", ev.EventID)
	assert.False(t, ev.ProvisionalEventID())

	withoutID := []byte(`{
		"room_id": "!room:example.org",
		"type": "m.room.message",
		"sender": "@alice:example.org",
		"origin_server_ts": 1,
		"content": {"body": "hi"},
		"prev_events": ["$p"],
		"depth": 1
	}`)
	ev, err = pdu.ParseUntrusted(withoutID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ev.EventID, "$"))
	assert.True(t, ev.ProvisionalEventID())

	ev.ConfirmEventID("$confirmed")
	assert.Equal(t, "$confirmed", ev.EventID)
	assert.False(t, ev.ProvisionalEventID())
}

// TestValidate verifies structural validation.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*pdu.Pdu)
		wantErr bool
	}{
		{"valid", func(p *pdu.Pdu) {}, false},
		{"missing room", func(p *pdu.Pdu) { p.RoomID = "" }, true},
		{"bad room sigil", func(p *pdu.Pdu) { p.RoomID = "room:example.org" }, true},
		{"missing type", func(p *pdu.Pdu) { p.Type = "" }, true},
		{"missing sender", func(p *pdu.Pdu) { p.Sender = "" }, true},
		{"bad sender sigil", func(p *pdu.Pdu) { p.Sender = "alice:example.org" }, true},
		{"negative depth", func(p *pdu.Pdu) { p.Depth = -1 }, true},
		{
			"nonzero depth without prevs",
			func(p *pdu.Pdu) { p.PrevEvents = nil; p.Depth = 5 },
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := testEvent()
			tt.mutate(ev)
			err := ev.Validate()
			if tt.wantErr {
				var verr *pdu.ValidationError
				assert.ErrorAs(t, err, &verr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestValidateCreate verifies that create events must not carry
// prev_events.
func TestValidateCreate(t *testing.T) {
	create := &pdu.Pdu{
		RoomID:   "!room:example.org",
		Type:     pdu.TypeCreate,
		StateKey: strPtr(""),
		Sender:   "@alice:example.org",
		Content:  map[string]any{"creator": "@alice:example.org"},
	}
	require.NoError(t, create.Validate())

	create.PrevEvents = []string{"$impossible"}
	create.Depth = 1
	assert.Error(t, create.Validate())
}

// TestNextDepth verifies depth computation over prev events.
func TestNextDepth(t *testing.T) {
	assert.Equal(t, int64(0), pdu.NextDepth(nil))

	prevs := []*pdu.Pdu{{Depth: 3}, {Depth: 7}, {Depth: 5}}
	assert.Equal(t, int64(8), pdu.NextDepth(prevs))
}

// TestStateMapKeys verifies MapKey construction and splitting.
func TestStateMapKeys(t *testing.T) {
	k := pdu.KeyOf(pdu.TypeMember, "@alice:example.org")
	assert.Equal(t, pdu.TypeMember, k.Type())
	assert.Equal(t, "@alice:example.org", k.StateKey())

	create := pdu.KeyOf(pdu.TypeCreate, "")
	assert.Equal(t, pdu.TypeCreate, create.Type())
	assert.Equal(t, "", create.StateKey())
}

// TestDomain verifies server-name extraction from matrix ids.
func TestDomain(t *testing.T) {
	assert.Equal(t, "example.org", pdu.Domain("@alice:example.org"))
	assert.Equal(t, "example.org", pdu.Domain("!room:example.org"))
	assert.Equal(t, "", pdu.Domain("no-colon"))
}

// TestVersionOf verifies room-version extraction from create events.
func TestVersionOf(t *testing.T) {
	create := &pdu.Pdu{
		RoomID:   "!room:example.org",
		Type:     pdu.TypeCreate,
		StateKey: strPtr(""),
		Sender:   "@alice:example.org",
		Content:  map[string]any{"room_version": "10"},
	}
	v, err := pdu.VersionOf(create)
	require.NoError(t, err)
	assert.Equal(t, pdu.V10, v)
	assert.True(t, v.Supported())

	create.Content = map[string]any{}
	v, err = pdu.VersionOf(create)
	require.NoError(t, err)
	assert.Equal(t, pdu.DefaultVersion, v)

	notCreate := testEvent()
	_, err = pdu.VersionOf(notCreate)
	assert.Error(t, err)
}
