package covalue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Canonicalize renders v as the canonical transaction encoding of §6: an
// object with sorted keys, UTF-8, no insignificant whitespace, numbers in
// their shortest round-trip decimal form, and no NaN/±Infinity. This is the
// single normative interop surface — the chain hash (internal/sessionlog)
// is computed over exactly this byte sequence.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("covalue: marshal for canonicalization: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("covalue: decode for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalEqual reports whether a and b encode to byte-identical canonical
// forms.
func CanonicalEqual(a, b any) (bool, error) {
	ca, err := Canonicalize(a)
	if err != nil {
		return false, err
	}
	cb, err := Canonicalize(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ca, cb), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return writeCanonicalNumber(buf, val)
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
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
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("covalue: cannot canonicalize value of type %T", v)
	}
}

// writeCanonicalNumber rejects NaN/±Infinity (never produced by
// encoding/json's own decoder, but guarded here since canonical encoding is
// the normative interop surface and must reject them explicitly) and writes
// the number's shortest round-trip decimal form, which json.Number already
// preserves verbatim from the source text.
func writeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	switch s {
	case "NaN", "Infinity", "-Infinity":
		return fmt.Errorf("covalue: canonical encoding forbids non-finite number %q", s)
	}
	buf.WriteString(s)
	return nil
}
