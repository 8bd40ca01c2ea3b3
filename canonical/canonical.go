// Package canonical implements ELSPETH's canonical JSON serialization and
// stable hashing primitive. Every hash, fingerprint, and content address in
// the engine — row hashes, call request/response hashes, contract version
// hashes, graph fingerprints — goes through Marshal or Hash in this package.
//
// The algorithm is versioned via Version so that a future format change is
// detectable by comparing the canonical_version recorded on a Run against
// the running binary's version.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"time"
)

// Version identifies the canonicalization algorithm. Bump it whenever the
// normalization rules below change in a way that would alter a hash for
// previously-identical input.
const Version = "elspeth-canonical-v1"

// ErrNonFinite is returned when a NaN or +/-Infinity value is encountered
// anywhere in the value graph, at any depth. The canonical form has no way
// to represent non-finite numerics, so callers must reject them rather than
// coerce them to null or a sentinel string.
var ErrNonFinite = errors.New("canonical: non-finite numeric value")

// Nullable lets callers plug in their own "missing value" sentinel types
// (e.g. a source plugin's DB-NULL marker) without canonical needing to know
// about them. Any value implementing Nullable with IsNull() == true
// normalizes to JSON null.
type Nullable interface {
	IsNull() bool
}

// Decimal carries an exact decimal or bignum textual representation through
// canonicalization without float conversion. Construct it directly from the
// source value's exact string form: Decimal("19.99"), Decimal(bigRat.String()).
type Decimal string

// Date represents a date-only value (no time-of-day, no zone). It
// canonicalizes to "YYYY-MM-DD".
type Date time.Time

func (d Date) String() string {
	return time.Time(d).Format("2006-01-02")
}

// Marshal renders v as minimized (no whitespace), UTF-8, sorted-key JSON
// following the normalization rules implemented by normalize. The same
// value produces byte-identical output across processes and Go versions for
// a fixed Version.
func Marshal(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonical: encode: %w", err)
	}

	// json.Encoder.Encode always appends a trailing newline; canonical
	// output must be exactly the minimized document.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the lowercase hex SHA-256 of Marshal(v). This is the "stable
// hash" referenced throughout the landscape schema.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// normalize recursively converts v into a tree of map[string]interface{},
// []interface{}, string, float64, Go integer kinds, bool, and nil — the only shapes Marshal's
// encoder needs to see. Go's encoding/json always emits map[string]T keys in
// sorted order, so producing map[string]interface{} here is sufficient to
// satisfy the "keys sorted by code-point ordering" rule without any manual
// sort step.
func normalize(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case Nullable:
		if x.IsNull() {
			return nil, nil
		}
		return nil, fmt.Errorf("canonical: Nullable value with IsNull()==false must be unwrapped by caller: %T", v)
	case bool:
		return x, nil
	case string:
		return x, nil
	case Decimal:
		return string(x), nil
	case Date:
		return x.String(), nil
	case time.Time:
		return formatTime(x), nil
	case []byte:
		return map[string]interface{}{"__bytes__": base64.StdEncoding.EncodeToString(x)}, nil
	case *big.Int:
		if x == nil {
			return nil, nil
		}
		return x.String(), nil
	case big.Int:
		return x.String(), nil
	case json.Number:
		return normalizeJSONNumber(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return x, nil
	case map[string]interface{}:
		return normalizeMap(x)
	case []interface{}:
		return normalizeSlice(x)
	}

	return normalizeReflect(v)
}

func formatTime(t time.Time) string {
	// RFC 3339 with an explicit "+00:00" offset rather than Go's "Z"
	// shorthand. Naive (unzoned) datetimes are treated as already UTC.
	zeroUTC := time.FixedZone("", 0)
	return t.UTC().In(zeroUTC).Format("2006-01-02T15:04:05.999999999-07:00")
}

func normalizeFloat(f float64) (interface{}, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ErrNonFinite
	}
	return f, nil
}

func normalizeJSONNumber(n json.Number) (interface{}, error) {
	f, err := n.Float64()
	if err == nil && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil, ErrNonFinite
	}
	// Preserve the exact textual form (covers integers wider than float64's
	// exact-integer range) rather than round-tripping through float64.
	return n.String(), nil
}

func normalizeMap(m map[string]interface{}) (interface{}, error) {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		nv, err := normalize(v)
		if err != nil {
			return nil, err
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeSlice(s []interface{}) (interface{}, error) {
	out := make([]interface{}, len(s))
	for i, v := range s {
		nv, err := normalize(v)
		if err != nil {
			return nil, err
		}
		out[i] = nv
	}
	return out, nil
}

// normalizeReflect handles everything normalize's type switch didn't:
// arbitrary structs, named map/slice types, pointers, and interfaces. Structs
// are walked field by field by normalizeStruct (honoring json tags) and each
// field value is normalized again; this is how declared Go types fall back to
// "its runtime type" per the field-inference algorithm in the schema
// contract.
func normalizeReflect(v interface{}) (interface{}, error) {
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Invalid:
		return nil, nil
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface())
	case reflect.Map:
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprint(iter.Key().Interface())
			nv, err := normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[key] = nv
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		out := make([]interface{}, n)
		for i := 0; i < n; i++ {
			nv, err := normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case reflect.Struct:
		return normalizeStruct(rv)
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Float32, reflect.Float64:
		return normalizeFloat(rv.Float())
	default:
		return nil, fmt.Errorf("canonical: unsupported type %T", v)
	}
}

// normalizeStruct walks exported fields directly via reflection (honoring
// `json:"name,omitempty"` / `json:"-"` tags) rather than bouncing through
// encoding/json, so that struct-nested time.Time, Decimal, and []byte fields
// still pass through this package's own normalization instead of their
// standard library MarshalJSON.
func normalizeStruct(rv reflect.Value) (interface{}, error) {
	t := rv.Type()
	out := make(map[string]interface{}, t.NumField())

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" && !field.Anonymous {
			continue // unexported
		}

		name := field.Name
		omitempty := false
		if tag, ok := field.Tag.Lookup("json"); ok {
			parts := bytes.Split([]byte(tag), []byte(","))
			if string(parts[0]) == "-" {
				continue
			}
			if len(parts[0]) > 0 {
				name = string(parts[0])
			}
			for _, opt := range parts[1:] {
				if string(opt) == "omitempty" {
					omitempty = true
				}
			}
		}

		fv := rv.Field(i)
		if omitempty && fv.IsZero() {
			continue
		}

		nv, err := normalize(fv.Interface())
		if err != nil {
			return nil, err
		}
		out[name] = nv
	}

	return out, nil
}
