// Package canonical provides deterministic serialization and content
// hashing for snapshot documents. Two structurally equal values always
// serialize to the same string regardless of map iteration order or
// struct field insertion order, so the digest is usable as a strong
// HTTP validator.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/big"
	"sort"
	"strings"
)

// BigInt wraps big.Int so arbitrary-precision values survive JSON
// round-trips as tagged decimal strings instead of lossy floats.
type BigInt struct {
	*big.Int
}

// NewBigInt wraps v, treating nil as zero.
func NewBigInt(v *big.Int) BigInt {
	if v == nil {
		v = new(big.Int)
	}
	return BigInt{v}
}

// MarshalJSON renders the value as "bi:<decimal>".
func (b BigInt) MarshalJSON() ([]byte, error) {
	if b.Int == nil {
		return []byte(`"bi:0"`), nil
	}
	return []byte(`"bi:` + b.Int.String() + `"`), nil
}

// UnmarshalJSON accepts the tagged decimal form and bare JSON numbers.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	s = strings.TrimPrefix(s, "bi:")
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("canonical: invalid bigint literal %q", s)
	}
	b.Int = v
	return nil
}

// Serialize renders v as a canonical JSON string: object keys sorted
// lexicographically, arrays in given order, primitives in their
// standard JSON textual form. v must be JSON-marshalable.
func Serialize(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical: marshal: %w", err)
	}

	// Re-decode with UseNumber so numeric literals keep their exact
	// textual form instead of collapsing to float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return "", fmt.Errorf("canonical: decode: %w", err)
	}

	var sb strings.Builder
	if err := writeValue(&sb, tree); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeValue(sb *strings.Builder, v any) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if t {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case json.Number:
		sb.WriteString(t.String())
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canonical: encode string: %w", err)
		}
		sb.Write(enc)
	case []any:
		sb.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeValue(sb, el); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("canonical: encode key: %w", err)
			}
			sb.Write(enc)
			sb.WriteByte(':')
			if err := writeValue(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported value type %T", v)
	}
	return nil
}

// Digest returns a stable non-cryptographic 64-bit FNV-1a digest of s,
// hex encoded.
func Digest(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}

// DigestValue serializes v canonically and digests the result.
func DigestValue(v any) (string, error) {
	s, err := Serialize(v)
	if err != nil {
		return "", err
	}
	return Digest(s), nil
}

// ETag wraps a digest in the strong-validator quoting convention
// required by If-None-Match handling.
func ETag(hash string) string {
	return `"` + hash + `"`
}
