// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) style
// deterministic serialization for signing and hashing of Sentinel envelopes.
//
// This is the only encoder permitted on the signing and hashing paths: two
// semantically equal values always produce identical bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Error reports a value that cannot be canonicalized (unsupported type,
// cycle, non-finite number, invalid UTF-8).
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("canonical: %s: %v", e.Reason, e.Err)
	}
	return "canonical: " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Canonicalize returns the canonical JSON representation of v.
//
// Key properties:
//  1. Map keys are sorted lexicographically by UTF-8 bytes.
//  2. HTML escaping is DISABLED (unlike standard json.Marshal).
//  3. Numbers are emitted in integer form when exactly integral.
//  4. NaN, ±Inf, cycles, and invalid UTF-8 strings are rejected.
//
// Strategy: marshal to intermediate JSON (standard, respects json tags),
// decode to interface{} with UseNumber, then recursively re-marshal with
// deterministic ordering. Cycles and unsupported types surface as errors
// from the pre-marshal step.
func Canonicalize(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, &Error{Reason: "pre-marshal failed", Err: err}
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, &Error{Reason: "intermediate decode failed", Err: err}
	}

	return marshalRecursive(generic)
}

// Hash returns the "sha256:<hex>" digest of the canonical form of v.
func Hash(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes as "sha256:<hex>".
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// HexHash computes the bare hex SHA-256 digest of the canonical form of v.
func HexHash(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func marshalRecursive(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // RFC 8785 requires no HTML escaping

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return normalizeNumber(t)
	case string:
		if !utf8.ValidString(t) {
			return nil, &Error{Reason: fmt.Sprintf("string %q is not valid UTF-8", t)}
		}
		if err := enc.Encode(t); err != nil {
			return nil, &Error{Reason: "string encode failed", Err: err}
		}
		// json.Encoder adds a newline, trim it
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	case []interface{}:
		buf.Reset()
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalRecursive(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]interface{}:
		buf.Reset()
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := marshalRecursive(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')

			vb, err := marshalRecursive(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		return nil, &Error{Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

// normalizeNumber emits integers without fraction or exponent and leaves
// everything else to strconv's shortest round-trip formatting. Non-finite
// values cannot appear here (json forbids them), but are rejected anyway.
func normalizeNumber(n json.Number) ([]byte, error) {
	s := n.String()
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return []byte(strconv.FormatInt(i, 10)), nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("malformed number %q", s), Err: err}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &Error{Reason: fmt.Sprintf("non-finite number %q", s)}
	}
	// Integral floats collapse to integer form ("2.0" and "2" hash equal).
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return []byte(strconv.FormatInt(int64(f), 10)), nil
	}
	return []byte(strconv.FormatFloat(f, 'g', -1, 64)), nil
}
