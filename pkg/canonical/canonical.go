// Package canonical provides the deterministic serializations used for
// hashing and signature bases: a sorted-key compact JSON form, and RFC 8785
// (JCS) as a selectable alternative.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Mode selects the canonicalization used for a signature base.
type Mode string

const (
	// ModePipe is the default pipe-joined field tuple.
	ModePipe Mode = "pipe"
	// ModeJCS is RFC 8785 JSON canonicalization.
	ModeJCS Mode = "jcs"
)

// ParseMode validates a caller-declared canonicalization mode. An empty
// string selects the deployment default (pipe).
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePipe:
		return ModePipe, nil
	case ModeJCS:
		return ModeJCS, nil
	default:
		return "", fmt.Errorf("unknown canonicalization mode %q", s)
	}
}

// Compact returns the sorted-key, compact-separator JSON encoding of v.
// Map keys sort lexicographically by UTF-8 bytes, numbers pass through as
// json.Number, and HTML escaping is disabled.
func Compact(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: intermediate decode failed: %w", err)
	}

	return marshalSorted(generic)
}

// JCS returns the RFC 8785 canonical form of v.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// Marshal returns the canonical bytes of v under the given mode. For
// signature bases over structured objects, ModePipe also uses the compact
// sorted form; the pipe tuple applies only to payment-mandate bases.
func Marshal(mode Mode, v any) ([]byte, error) {
	if mode == ModeJCS {
		return JCS(v)
	}
	return Compact(v)
}

// Hash returns the SHA-256 hex digest of the compact canonical form of v.
func Hash(v any) (string, error) {
	b, err := Compact(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NFC normalizes a string to Unicode NFC. Identifier-like strings are
// normalized before entering any canonical form so visually identical
// inputs hash identically.
func NFC(s string) string {
	return norm.NFC.String(s)
}

func marshalSorted(v any) ([]byte, error) {
	var buf bytes.Buffer

	switch t := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if t {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case json.Number:
		return []byte(t.String()), nil
	case string:
		return encodeString(t)
	case []any:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, err := marshalSorted(elem)
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case map[string]any:
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
			kb, err := encodeString(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	default:
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}
}

func encodeString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
