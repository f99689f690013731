package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON for storage in the log.
//
// Strings and object keys are NFC normalized before encoding so that two
// payloads that render identically also serialize identically. Keys are
// emitted in UTF-16 order and string literals are canonicalized by jcs.
// Integers are written in full decimal; jcs would round anything past 2^53
// through float64.
func MarshalCanonical(v IRValue) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, normalizeValue(v)); err != nil {
		return nil, fmt.Errorf("marshal canonical: %w", err)
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v IRValue) error {
	switch val := v.(type) {
	case nil, IRNull:
		buf.WriteString("null")
	case IRBool:
		buf.WriteString(strconv.FormatBool(bool(val)))
	case IRInt:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case IRString:
		return writeCanonicalString(buf, string(val))
	case IRArray:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case IRObject:
		buf.WriteByte('{')
		for i, k := range val.SortedKeys() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown IRValue type: %T", v)
	}
	return nil
}

// writeCanonicalString re-escapes a JSON string literal the RFC 8785 way.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	lit, err := json.Marshal(s)
	if err != nil {
		return err
	}
	out, err := jcs.Transform(lit)
	if err != nil {
		return fmt.Errorf("canonicalize string: %w", err)
	}
	buf.Write(out)
	return nil
}

// normalizeValue returns a copy of v with every string NFC normalized.
func normalizeValue(v IRValue) IRValue {
	switch val := v.(type) {
	case IRString:
		return IRString(norm.NFC.String(string(val)))
	case IRArray:
		out := make(IRArray, len(val))
		for i, elem := range val {
			out[i] = normalizeValue(elem)
		}
		return out
	case IRObject:
		out := make(IRObject, len(val))
		for k, elem := range val {
			out[norm.NFC.String(k)] = normalizeValue(elem)
		}
		return out
	default:
		return v
	}
}
