package pdu

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Unpadded encoders per the wire contract: content hashes use the
// standard alphabet, derived event ids the URL-safe one (room v4+).
var (
	b64Std = base64.RawStdEncoding
	b64URL = base64.RawURLEncoding
)

// contentKeptKeys lists, per event type, the content fields that
// survive redaction. Everything else is stripped.
var contentKeptKeys = map[string][]string{
	TypeMember:            {"membership"},
	TypeCreate:            {"creator"},
	TypeJoinRules:         {"join_rule"},
	TypeHistoryVisibility: {"history_visibility"},
	TypePowerLevels: {
		"ban", "events", "events_default", "invite", "kick", "redact",
		"state_default", "users", "users_default",
	},
	TypeAliases: {"aliases"},
}

// topLevelKeptKeys are the event fields that survive redaction for
// every event type.
var topLevelKeptKeys = []string{
	"event_id", "type", "room_id", "sender", "state_key", "content",
	"hashes", "signatures", "depth", "prev_events", "auth_events",
	"origin_server_ts", "membership",
}

// Redact returns the redacted form of the event for the given room
// version, as the generic map the hash and signature computations run
// over. Identity-bearing fields survive; free content is stripped.
func (p *Pdu) Redact(version Version) (map[string]any, error) {
	full, err := p.wireMap(false)
	if err != nil {
		return nil, err
	}

	out := make(map[string]any, len(topLevelKeptKeys))
	for _, k := range topLevelKeptKeys {
		if v, ok := full[k]; ok {
			out[k] = v
		}
	}

	content, _ := full["content"].(map[string]any)
	kept := contentKeptKeys[p.Type]
	if p.IsCreate() && versions[version].redactsInContent {
		// v11 keeps the whole create content so room_version survives.
		out["content"] = content
		return out, nil
	}
	redacted := make(map[string]any, len(kept))
	for _, k := range kept {
		if v, ok := content[k]; ok {
			redacted[k] = v
		}
	}
	out["content"] = redacted
	return out, nil
}

// ContentHash computes the sha256 content hash over the canonical
// encoding with unsigned, signatures and hashes removed, encoded
// unpadded standard base64 for the hashes.sha256 slot.
func (p *Pdu) ContentHash() (string, error) {
	m, err := p.wireMap(false)
	if err != nil {
		return "", err
	}
	delete(m, "unsigned")
	delete(m, "signatures")
	delete(m, "hashes")
	enc, err := Canonical(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(enc)
	return b64Std.EncodeToString(sum[:]), nil
}

// ReferenceHash computes the sha256 over the redacted canonical form
// with unsigned and signatures removed. Event identity for room v3+
// derives from this, which is why redaction can never change identity.
func (p *Pdu) ReferenceHash(version Version) ([32]byte, error) {
	m, err := p.Redact(version)
	if err != nil {
		return [32]byte{}, err
	}
	delete(m, "unsigned")
	delete(m, "signatures")
	delete(m, "event_id")
	enc, err := Canonical(m)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(enc), nil
}

// DeriveEventID computes the deterministic event id for the version.
// For legacy versions the wire-assigned id is returned unchanged; it
// must already be present.
func (p *Pdu) DeriveEventID(version Version) (string, error) {
	if version.UsesWireEventID() {
		if p.EventID == "" {
			return "", &ValidationError{Field: "event_id", Message: fmt.Sprintf("required for room version %s", version)}
		}
		return p.EventID, nil
	}
	sum, err := p.ReferenceHash(version)
	if err != nil {
		return "", err
	}
	if versions[version].urlSafeID {
		return "$" + b64URL.EncodeToString(sum[:]), nil
	}
	return "$" + b64Std.EncodeToString(sum[:]), nil
}

// SetContentHash computes and stores hashes.sha256. Call before
// signing; the signature covers the hash.
func (p *Pdu) SetContentHash() error {
	h, err := p.ContentHash()
	if err != nil {
		return err
	}
	if p.Hashes == nil {
		p.Hashes = make(map[string]string, 1)
	}
	p.Hashes["sha256"] = h
	return nil
}

// VerifyContentHash recomputes hashes.sha256 and compares it with the
// stored value.
func (p *Pdu) VerifyContentHash() error {
	want, ok := p.Hashes["sha256"]
	if !ok {
		return &ValidationError{Field: "hashes.sha256", Message: "missing"}
	}
	got, err := p.ContentHash()
	if err != nil {
		return err
	}
	if got != want {
		return &ValidationError{Field: "hashes.sha256", Message: "content hash mismatch"}
	}
	return nil
}

// SigningBytes returns the canonical redacted encoding a server
// signature covers (unsigned and signatures stripped, event id
// stripped for derived-id versions).
func (p *Pdu) SigningBytes(version Version) ([]byte, error) {
	m, err := p.Redact(version)
	if err != nil {
		return nil, err
	}
	delete(m, "unsigned")
	delete(m, "signatures")
	if !version.UsesWireEventID() {
		delete(m, "event_id")
	}
	return Canonical(m)
}
