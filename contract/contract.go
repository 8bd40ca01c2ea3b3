// Package contract implements ELSPETH's typed schema contract system:
// FieldContract cells, the SchemaContract record, first-row inference and
// locking, post-lock validation, and the PipelineRow carrier.
//
// Grounded on the "dynamic typing in the source language" design note
// (spec.md §9): a tagged, immutable SchemaContract replaces the original's
// duck-typed row shape, and PipelineRow is a thin contract-aware carrier
// rather than a raw dict.
package contract

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/tachyon-beep/elspeth-sub014/canonical"
	"github.com/tachyon-beep/elspeth-sub014/errs"
)

// Mode is the schema discipline a stage enforces.
type Mode string

const (
	ModeFixed    Mode = "FIXED"
	ModeFlexible Mode = "FLEXIBLE"
	ModeObserved Mode = "OBSERVED"
)

// FieldSource records whether a field was declared ahead of time or
// discovered by inference from the first row.
type FieldSource string

const (
	SourceDeclared FieldSource = "declared"
	SourceInferred FieldSource = "inferred"
)

// ValueKind is the runtime-type-equivalent of spec.md's "python_type":
// a small closed vocabulary for primitive kinds, plus KindAny (accepts
// everything) and a fallback to the Go type name for anything else.
type ValueKind string

const (
	KindString   ValueKind = "string"
	KindInt      ValueKind = "int"
	KindFloat    ValueKind = "float"
	KindBool     ValueKind = "bool"
	KindDatetime ValueKind = "datetime"
	KindDate     ValueKind = "date"
	KindBytes    ValueKind = "bytes"
	KindDecimal  ValueKind = "decimal"
	KindNull     ValueKind = "null" // nullable-only field: valid only when the value is nil
	KindAny      ValueKind = "any"  // declared type "any"/object: accepts everything
)

// FieldContract is the single schema cell: one field's normalized identity,
// original on-the-wire name, type, required-ness, and provenance.
type FieldContract struct {
	NormalizedName string      `json:"normalized_name"`
	OriginalName   string      `json:"original_name"`
	ValueKind      ValueKind   `json:"value_kind"`
	Required       bool        `json:"required"`
	Source         FieldSource `json:"source"`
}

// ResolutionMap maps a row's original field name to its normalized name.
// Supplied by the caller (the source plugin); a row field absent from this
// map is a source-plugin bug, not a contract violation.
type ResolutionMap map[string]string

// SchemaContract is the immutable, typed row shape for one stage. Fields are
// kept in a stable order (declared fields first in declaration order,
// inferred fields appended in sorted original-name order) so VersionHash is
// reproducible.
type SchemaContract struct {
	Mode        Mode            `json:"mode"`
	Locked      bool            `json:"locked"`
	Fields      []FieldContract `json:"fields"`
	VersionHash string          `json:"version_hash"`
}

// New constructs an unlocked contract from a mode and its pre-declared
// fields. FIXED and FLEXIBLE contracts start with declared fields; OBSERVED
// starts empty. The contract is not usable for validation until Lock is
// called against the first row.
func New(mode Mode, declared []FieldContract) *SchemaContract {
	fields := make([]FieldContract, len(declared))
	copy(fields, declared)
	for i := range fields {
		fields[i].Source = SourceDeclared
	}
	return &SchemaContract{Mode: mode, Fields: fields}
}

// Lock implements the ContractBuilder algorithm (spec §4.2) for the first
// row: if already locked it is a no-op; otherwise it resolves every row
// field via resolution, preserves declared fields as-is, infers the type of
// every undeclared field, and returns a new locked contract with a computed
// VersionHash. The receiver is never mutated; callers replace their stored
// contract with the return value.
func (c *SchemaContract) Lock(row map[string]interface{}, resolution ResolutionMap) (*SchemaContract, error) {
	if c.Locked {
		return c, nil
	}

	declaredByNormalized := make(map[string]FieldContract, len(c.Fields))
	for _, f := range c.Fields {
		declaredByNormalized[f.NormalizedName] = f
	}

	ordered := make([]FieldContract, len(c.Fields))
	copy(ordered, c.Fields)
	seen := make(map[string]bool, len(ordered))
	for _, f := range ordered {
		seen[f.NormalizedName] = true
	}

	// Iterate the row's own keys in a stable (sorted) order so inferred
	// field order is deterministic across runs even though Go map iteration
	// is not.
	originalNames := make([]string, 0, len(row))
	for k := range row {
		originalNames = append(originalNames, k)
	}
	sort.Strings(originalNames)

	for _, original := range originalNames {
		value := row[original]
		normalized, ok := resolution[original]
		if !ok {
			return nil, errs.New("contract.Lock", "contract", errs.ErrSourcePluginBug).WithID(original)
		}
		if seen[normalized] {
			continue // declared field: type and source are preserved as-is
		}
		ordered = append(ordered, FieldContract{
			NormalizedName: normalized,
			OriginalName:   original,
			ValueKind:      kindOf(value),
			Required:       false,
			Source:         SourceInferred,
		})
		seen[normalized] = true
	}

	locked := &SchemaContract{Mode: c.Mode, Locked: true, Fields: ordered}
	hash, err := locked.computeVersionHash()
	if err != nil {
		return nil, fmt.Errorf("contract.Lock: compute version hash: %w", err)
	}
	locked.VersionHash = hash
	return locked, nil
}

// computeVersionHash hashes the canonicalized field tuple plus mode. It
// intentionally excludes VersionHash itself (which doesn't exist yet) and
// Locked (constant true for any hash-bearing contract).
func (c *SchemaContract) computeVersionHash() (string, error) {
	fields := make([]interface{}, len(c.Fields))
	for i, f := range c.Fields {
		fields[i] = map[string]interface{}{
			"normalized_name": f.NormalizedName,
			"original_name":   f.OriginalName,
			"value_kind":      string(f.ValueKind),
			"required":        f.Required,
			"source":          string(f.Source),
		}
	}
	return canonical.Hash(map[string]interface{}{
		"mode":   string(c.Mode),
		"fields": fields,
	})
}

// VerifyIntegrity recomputes VersionHash and compares it against the stored
// value, as required on resume (spec §4.2, §4.8). A mismatch means the
// stored contract JSON was tampered with or corrupted.
func (c *SchemaContract) VerifyIntegrity(runID string) error {
	if !c.Locked {
		return nil // unlocked contracts carry no version hash to verify
	}
	recomputed, err := c.computeVersionHash()
	if err != nil {
		return fmt.Errorf("contract.VerifyIntegrity: %w", err)
	}
	if recomputed != c.VersionHash {
		return &errs.CheckpointCorruptionError{
			RunID:  runID,
			Reason: fmt.Sprintf("schema contract version_hash mismatch: stored=%s recomputed=%s", c.VersionHash, recomputed),
		}
	}
	return nil
}

// Field looks up a field by normalized name.
func (c *SchemaContract) Field(normalizedName string) (FieldContract, bool) {
	for _, f := range c.Fields {
		if f.NormalizedName == normalizedName {
			return f, true
		}
	}
	return FieldContract{}, false
}

// Violation is a typed contract validation failure. Both concrete types
// below implement it; callers type-switch to decide quarantine vs drop
// policy per spec §4.2 / §7.
type Violation interface {
	error
	FieldName() string
}

// MissingFieldViolation reports that a required field was absent or nil.
type MissingFieldViolation struct {
	Field string
}

func (v *MissingFieldViolation) Error() string {
	return fmt.Sprintf("missing required field %q", v.Field)
}
func (v *MissingFieldViolation) FieldName() string { return v.Field }

// TypeMismatchViolation reports that a present field's value does not match
// its declared or inferred ValueKind.
type TypeMismatchViolation struct {
	Field    string
	Expected ValueKind
	Got      string
}

func (v *TypeMismatchViolation) Error() string {
	return fmt.Sprintf("field %q: expected %s, got %s", v.Field, v.Expected, v.Got)
}
func (v *TypeMismatchViolation) FieldName() string { return v.Field }

// Validate checks a normalized-name-keyed row against the locked contract
// per the post-lock validation rule in spec §4.2. It returns every
// violation found (not just the first), so a quarantine policy can record a
// complete diagnostic.
func (c *SchemaContract) Validate(row map[string]interface{}) []Violation {
	var violations []Violation
	for _, f := range c.Fields {
		value, present := row[f.NormalizedName]

		if f.Required && (!present || value == nil) {
			violations = append(violations, &MissingFieldViolation{Field: f.NormalizedName})
			continue
		}
		if !present || value == nil {
			continue
		}
		if f.ValueKind == KindAny {
			continue
		}
		if f.ValueKind == KindNull {
			violations = append(violations, &TypeMismatchViolation{Field: f.NormalizedName, Expected: KindNull, Got: string(kindOf(value))})
			continue
		}
		if got := kindOf(value); got != f.ValueKind {
			violations = append(violations, &TypeMismatchViolation{Field: f.NormalizedName, Expected: f.ValueKind, Got: string(got)})
		}
	}
	return violations
}

// PipelineRow is the in-flight row carrier: a contract-aware wrapper around
// a normalized-name-keyed value map, tracking the original on-the-wire names
// alongside it so a sink or error report can recover both. It is never
// constructed from a quarantined-row representation; quarantine is a
// terminal outcome, not a row shape this type round-trips through.
type PipelineRow struct {
	contract *SchemaContract
	values   map[string]interface{}
	original map[string]string // normalized name -> original name, for diagnostics
}

// NewPipelineRow builds a PipelineRow from a raw row keyed by original field
// names, given the contract it is shaped by and the resolution map used to
// normalize those names.
func NewPipelineRow(c *SchemaContract, raw map[string]interface{}, resolution ResolutionMap) *PipelineRow {
	values := make(map[string]interface{}, len(raw))
	original := make(map[string]string, len(raw))
	for name, value := range raw {
		normalized, ok := resolution[name]
		if !ok {
			normalized = name
		}
		values[normalized] = value
		original[normalized] = name
	}
	return &PipelineRow{contract: c, values: values, original: original}
}

// Contract returns the schema contract this row is shaped by.
func (r *PipelineRow) Contract() *SchemaContract { return r.contract }

// Get returns a field's value by normalized name.
func (r *PipelineRow) Get(normalizedName string) (interface{}, bool) {
	v, ok := r.values[normalizedName]
	return v, ok
}

// Set assigns a field's value by normalized name, for transform stages that
// mutate a row in place before handing it to the next node.
func (r *PipelineRow) Set(normalizedName string, value interface{}) {
	r.values[normalizedName] = value
}

// OriginalName returns the on-the-wire name a normalized field came from, if
// known.
func (r *PipelineRow) OriginalName(normalizedName string) (string, bool) {
	name, ok := r.original[normalizedName]
	return name, ok
}

// Map returns the row's normalized-name-keyed value view. The returned map
// is owned by the caller's read; mutate the row through Set, not this map.
func (r *PipelineRow) Map() map[string]interface{} {
	out := make(map[string]interface{}, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Validate runs the row against its contract.
func (r *PipelineRow) Validate() []Violation {
	return r.contract.Validate(r.values)
}

// kindOf determines the ValueKind of a runtime value per step 4 of the
// ContractBuilder algorithm: nil and missing-sentinels normalize to the null
// type, well-known scalar types map to their ValueKind, everything else
// falls back to its Go runtime type name so drift is still observable even
// for types this package doesn't special-case.
func kindOf(value interface{}) ValueKind {
	switch v := value.(type) {
	case nil:
		return KindNull
	case canonical.Nullable:
		if v.IsNull() {
			return KindNull
		}
	case string:
		return KindString
	case bool:
		return KindBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return KindInt
	case float32, float64:
		return KindFloat
	case canonical.Decimal:
		return KindDecimal
	case []byte:
		return KindBytes
	case time.Time:
		return KindDatetime
	case canonical.Date:
		return KindDate
	}
	return ValueKind(reflect.TypeOf(value).String())
}
