package pdu

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// wireMap renders the event as the generic map all canonical
// encodings run over. Event references stay in the flat form here;
// legacy tuples exist only at the wire boundary.
func (p *Pdu) wireMap(includeEventID bool) (map[string]any, error) {
	m := map[string]any{
		"room_id":          p.RoomID,
		"type":             p.Type,
		"sender":           p.Sender,
		"origin_server_ts": p.OriginServerTS,
		"depth":            p.Depth,
		"content":          p.Content,
		"auth_events":      stringsToAny(p.AuthEvents),
		"prev_events":      stringsToAny(p.PrevEvents),
	}
	if p.Content == nil {
		m["content"] = map[string]any{}
	}
	if p.StateKey != nil {
		m["state_key"] = *p.StateKey
	}
	if includeEventID && p.EventID != "" {
		m["event_id"] = p.EventID
	}
	if len(p.Hashes) > 0 {
		m["hashes"] = p.Hashes
	}
	if len(p.Signatures) > 0 {
		m["signatures"] = p.Signatures
	}
	if len(p.Unsigned) > 0 {
		m["unsigned"] = p.Unsigned
	}
	norm, err := normalize(m)
	if err != nil {
		return nil, err
	}
	out, ok := norm.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("wire map: normalized to %T", norm)
	}
	return out, nil
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// ParseUntrusted parses a raw event before the room version is known:
// structure is validated but the event id is taken from the wire, or
// provisionally derived with the modern alphabet when absent. Once the
// room version is resolved downstream, a provisional id is re-derived
// with the real version and replaced via ConfirmEventID; wire-supplied
// ids are checked instead.
func ParseUntrusted(raw []byte) (*Pdu, error) {
	p, err := parseWire(raw)
	if err != nil {
		return nil, err
	}
	if p.EventID == "" {
		id, err := p.DeriveEventID(V11)
		if err != nil {
			return nil, err
		}
		p.EventID = id
		p.provisionalID = true
	}
	return p, nil
}

// FromWire parses a raw federation event. Both reference formats are
// accepted regardless of version: flat id arrays and the legacy
// [eventId, {}] two-tuples, because remote servers have been observed
// sending either during version upgrades.
func FromWire(raw []byte, version Version) (*Pdu, error) {
	p, err := parseWire(raw)
	if err != nil {
		return nil, err
	}

	if !version.UsesWireEventID() {
		id, err := p.DeriveEventID(version)
		if err != nil {
			return nil, err
		}
		if p.EventID != "" && p.EventID != id {
			return nil, &ValidationError{Field: "event_id", Message: "does not match reference hash"}
		}
		p.EventID = id
	} else if p.EventID == "" {
		return nil, &ValidationError{Field: "event_id", Message: "required for this room version"}
	}
	return p, nil
}

func parseWire(raw []byte) (*Pdu, error) {
	if !gjson.ValidBytes(raw) {
		return nil, &ValidationError{Message: "invalid json"}
	}
	body := gjson.ParseBytes(raw)
	if !body.IsObject() {
		return nil, &ValidationError{Message: "event must be a json object"}
	}

	p := &Pdu{
		EventID:        body.Get("event_id").String(),
		RoomID:         body.Get("room_id").String(),
		Type:           body.Get("type").String(),
		Sender:         body.Get("sender").String(),
		OriginServerTS: body.Get("origin_server_ts").Int(),
		Depth:          body.Get("depth").Int(),
		AuthEvents:     parseEventRefs(body.Get("auth_events")),
		PrevEvents:     parseEventRefs(body.Get("prev_events")),
	}
	if sk := body.Get("state_key"); sk.Exists() {
		v := sk.String()
		p.StateKey = &v
	}

	if content := body.Get("content"); content.Exists() {
		if err := json.Unmarshal([]byte(content.Raw), &p.Content); err != nil {
			return nil, &ValidationError{Field: "content", Message: err.Error()}
		}
	} else {
		p.Content = map[string]any{}
	}
	if hashes := body.Get("hashes"); hashes.Exists() {
		if err := json.Unmarshal([]byte(hashes.Raw), &p.Hashes); err != nil {
			return nil, &ValidationError{Field: "hashes", Message: err.Error()}
		}
	}
	if sigs := body.Get("signatures"); sigs.Exists() {
		if err := json.Unmarshal([]byte(sigs.Raw), &p.Signatures); err != nil {
			return nil, &ValidationError{Field: "signatures", Message: err.Error()}
		}
	}
	if unsigned := body.Get("unsigned"); unsigned.Exists() {
		if err := json.Unmarshal([]byte(unsigned.Raw), &p.Unsigned); err != nil {
			return nil, &ValidationError{Field: "unsigned", Message: err.Error()}
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// parseEventRefs reads auth_events/prev_events in either wire form.
func parseEventRefs(res gjson.Result) []string {
	if !res.IsArray() {
		return nil
	}
	items := res.Array()
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsArray() {
			// Legacy [eventId, {hash}] tuple.
			tuple := item.Array()
			if len(tuple) > 0 {
				out = append(out, tuple[0].String())
			}
			continue
		}
		out = append(out, item.String())
	}
	return out
}

// ToWire encodes the event for federation in the canonical form for
// its room version, including legacy reference tuples where required.
func (p *Pdu) ToWire(version Version) ([]byte, error) {
	m, err := p.wireMap(version.UsesWireEventID())
	if err != nil {
		return nil, err
	}
	if version.UsesTupleRefs() {
		m["auth_events"] = refsToTuples(p.AuthEvents)
		m["prev_events"] = refsToTuples(p.PrevEvents)
	}
	return Canonical(m)
}

func refsToTuples(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = []any{id, map[string]any{}}
	}
	return out
}
