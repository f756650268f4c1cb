package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces the canonical JSON byte form of a Value.
// This is the ONLY serialization used for content-hash computation.
//
// Rules:
//  1. Object keys are NFC-normalized, then sorted by UTF-8 byte order.
//  2. Arrays preserve element order.
//  3. No insignificant whitespace.
//  4. Strings are NFC-normalized; no HTML escaping.
//  5. Integers render without a decimal point; other numbers render in
//     shortest round-trip form. NaN and infinities are rejected.
func MarshalCanonical(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return canonicalString(string(val)), nil
	case Int:
		return strconv.AppendInt(nil, int64(val), 10), nil
	case Float:
		return canonicalFloat(float64(val))
	case Bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case Array:
		return canonicalArray(val)
	case Object:
		return canonicalObject(val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

// Hash returns the lowercase-hex SHA-256 of the canonical byte form.
// Defined in hash.go; declared here in the doc flow for discoverability.

// canonicalString encodes a string with NFC normalization and without
// HTML escaping. Only control characters, backslash, and quote are
// escaped, matching the encoding/json encoder with SetEscapeHTML(false).
func canonicalString(s string) []byte {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode of a string cannot fail.
	_ = enc.Encode(normalized)

	result := buf.Bytes()
	// json.Encoder appends a trailing newline.
	if len(result) > 0 && result[len(result)-1] == '\n' {
		result = result[:len(result)-1]
	}
	return result
}

// canonicalFloat renders a non-integer number in shortest form that
// round-trips through float64. The rendering is fixed: strconv 'g'
// with precision -1, the same on every platform.
func canonicalFloat(f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number cannot be canonicalized: %v", f)
	}
	return strconv.AppendFloat(nil, f, 'g', -1, 64), nil
}

func canonicalArray(arr Array) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := MarshalCanonical(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func canonicalObject(obj Object) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(canonicalString(k))
		buf.WriteByte(':')

		valBytes, err := MarshalCanonical(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SortedKeys returns the object's keys sorted by the UTF-8 byte order of
// their NFC-normalized form. Two distinct keys that NFC-normalize to the
// same bytes tie-break on their raw form so the order stays total.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, nj := norm.NFC.String(keys[i]), norm.NFC.String(keys[j])
		if ni != nj {
			return ni < nj
		}
		return keys[i] < keys[j]
	})
	return keys
}
