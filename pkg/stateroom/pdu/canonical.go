package pdu

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Canonical JSON integer range: IEEE-754 doubles represent integers
// exactly only inside [-(2^53)+1, (2^53)-1], and the wire contract
// forbids anything outside it.
const (
	maxCanonicalInt = 1<<53 - 1
	minCanonicalInt = -(1<<53 - 1)
)

// Canonical encodes v as canonical JSON: object keys sorted
// lexicographically by codepoint, minimal separators, no HTML escaping,
// and integers only. The output is the byte-exact form hashed and
// signed across the federation, so any deviation breaks event identity.
func Canonical(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := appendCanonical(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize round-trips v through encoding/json so structs, typed maps
// and slices all collapse into the small set of shapes appendCanonical
// handles. Numbers come back as json.Number to keep integer precision.
func normalize(v any) (any, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return out, nil
}

func appendCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		appendString(buf, val)
	case json.Number:
		return appendNumber(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := appendCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendString(buf, k)
			buf.WriteByte(':')
			if err := appendCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical json: unsupported type %T", v)
	}
	return nil
}

func appendNumber(buf *bytes.Buffer, n json.Number) error {
	i, err := n.Int64()
	if err != nil {
		// Tolerate float forms that are exactly integral; anything
		// else is outside canonical JSON.
		f, ferr := n.Float64()
		if ferr != nil || f != math.Trunc(f) {
			return fmt.Errorf("canonical json: non-integer number %q", n.String())
		}
		i = int64(f)
	}
	if i > maxCanonicalInt || i < minCanonicalInt {
		return fmt.Errorf("canonical json: integer %d out of range", i)
	}
	buf.WriteString(strconv.FormatInt(i, 10))
	return nil
}

// appendString writes a JSON string without HTML escaping. Control
// characters use the short escapes where JSON defines them and \u00XX
// otherwise; everything else passes through as UTF-8.
func appendString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
