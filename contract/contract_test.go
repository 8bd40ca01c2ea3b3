package contract

import (
	"errors"
	"testing"
	"time"

	"github.com/tachyon-beep/elspeth-sub014/errs"
)

func TestLockInfersUndeclaredFields(t *testing.T) {
	c := New(ModeFlexible, []FieldContract{
		{NormalizedName: "id", OriginalName: "ID", ValueKind: KindString, Required: true},
	})

	row := map[string]interface{}{
		"ID":     "row-1",
		"Amount": 19.99,
		"Active": true,
	}
	resolution := ResolutionMap{"ID": "id", "Amount": "amount", "Active": "active"}

	locked, err := c.Lock(row, resolution)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !locked.Locked {
		t.Fatal("expected locked contract")
	}

	id, ok := locked.Field("id")
	if !ok || id.Source != SourceDeclared || id.ValueKind != KindString {
		t.Fatalf("declared field id not preserved: %+v ok=%v", id, ok)
	}

	amount, ok := locked.Field("amount")
	if !ok || amount.Source != SourceInferred || amount.ValueKind != KindFloat {
		t.Fatalf("inferred field amount wrong: %+v ok=%v", amount, ok)
	}

	active, ok := locked.Field("active")
	if !ok || active.ValueKind != KindBool {
		t.Fatalf("inferred field active wrong: %+v ok=%v", active, ok)
	}

	if locked.VersionHash == "" {
		t.Fatal("expected non-empty version hash")
	}
}

func TestLockIsIdempotent(t *testing.T) {
	c := New(ModeObserved, nil)
	row := map[string]interface{}{"x": 1}
	resolution := ResolutionMap{"x": "x"}

	locked, err := c.Lock(row, resolution)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	again, err := locked.Lock(map[string]interface{}{"y": 2}, ResolutionMap{"y": "y"})
	if err != nil {
		t.Fatalf("Lock on already-locked: %v", err)
	}
	if again != locked {
		t.Fatal("expected Lock on a locked contract to be a no-op returning the same pointer")
	}
}

func TestLockUnresolvedFieldIsSourcePluginBug(t *testing.T) {
	c := New(ModeObserved, nil)
	row := map[string]interface{}{"mystery": 1}

	_, err := c.Lock(row, ResolutionMap{})
	if !errors.Is(err, errs.ErrSourcePluginBug) {
		t.Fatalf("expected ErrSourcePluginBug, got %v", err)
	}
}

func TestVersionHashStableAcrossReinferenceOfSameFirstRow(t *testing.T) {
	row := map[string]interface{}{"b": 2, "a": 1}
	resolution := ResolutionMap{"a": "a", "b": "b"}

	c1, err := New(ModeObserved, nil).Lock(row, resolution)
	if err != nil {
		t.Fatalf("lock 1: %v", err)
	}
	c2, err := New(ModeObserved, nil).Lock(row, resolution)
	if err != nil {
		t.Fatalf("lock 2: %v", err)
	}
	if c1.VersionHash != c2.VersionHash {
		t.Fatalf("version hash not stable: %s != %s", c1.VersionHash, c2.VersionHash)
	}
}

func TestVerifyIntegrityDetectsTamperedContract(t *testing.T) {
	c, err := New(ModeFixed, []FieldContract{
		{NormalizedName: "id", OriginalName: "id", ValueKind: KindString, Required: true},
	}).Lock(map[string]interface{}{"id": "x"}, ResolutionMap{"id": "id"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	if err := c.VerifyIntegrity("run-1"); err != nil {
		t.Fatalf("expected fresh contract to verify, got %v", err)
	}

	c.VersionHash = "tampered"
	err = c.VerifyIntegrity("run-1")
	var corrupt *errs.CheckpointCorruptionError
	if !errors.As(err, &corrupt) {
		t.Fatalf("expected CheckpointCorruptionError, got %v", err)
	}
	if corrupt.RunID != "run-1" {
		t.Fatalf("expected run id in error, got %q", corrupt.RunID)
	}
}

func TestValidateReportsMissingAndMismatchedFields(t *testing.T) {
	c, err := New(ModeFixed, []FieldContract{
		{NormalizedName: "id", OriginalName: "id", ValueKind: KindString, Required: true},
		{NormalizedName: "amount", OriginalName: "amount", ValueKind: KindFloat, Required: false},
	}).Lock(map[string]interface{}{"id": "x", "amount": 1.0}, ResolutionMap{"id": "id", "amount": "amount"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	violations := c.Validate(map[string]interface{}{"amount": "not-a-float"})

	var missing *MissingFieldViolation
	var mismatch *TypeMismatchViolation
	for _, v := range violations {
		switch vv := v.(type) {
		case *MissingFieldViolation:
			missing = vv
		case *TypeMismatchViolation:
			mismatch = vv
		}
	}

	if missing == nil || missing.FieldName() != "id" {
		t.Fatalf("expected missing-field violation for id, got %+v", violations)
	}
	if mismatch == nil || mismatch.FieldName() != "amount" || mismatch.Expected != KindFloat {
		t.Fatalf("expected type-mismatch violation for amount, got %+v", violations)
	}
}

func TestValidateAllowsNilOptionalFieldAndAnyKind(t *testing.T) {
	c, err := New(ModeFlexible, []FieldContract{
		{NormalizedName: "note", OriginalName: "note", ValueKind: KindString, Required: false},
		{NormalizedName: "meta", OriginalName: "meta", ValueKind: KindAny, Required: false},
	}).Lock(map[string]interface{}{"note": "hi", "meta": 1}, ResolutionMap{"note": "note", "meta": "meta"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	violations := c.Validate(map[string]interface{}{"meta": []interface{}{"anything"}})
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %+v", violations)
	}
}

func TestKindOfCoversScalarAndTemporalTypes(t *testing.T) {
	cases := []struct {
		value interface{}
		want  ValueKind
	}{
		{"s", KindString},
		{true, KindBool},
		{42, KindInt},
		{int64(42), KindInt},
		{3.14, KindFloat},
		{[]byte("x"), KindBytes},
		{time.Now(), KindDatetime},
		{nil, KindNull},
	}
	for _, c := range cases {
		if got := kindOf(c.value); got != c.want {
			t.Errorf("kindOf(%#v) = %s, want %s", c.value, got, c.want)
		}
	}
}

func TestPipelineRowDualNameAccess(t *testing.T) {
	c, err := New(ModeObserved, nil).Lock(map[string]interface{}{"Full Name": "Ada"}, ResolutionMap{"Full Name": "full_name"})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	row := NewPipelineRow(c, map[string]interface{}{"Full Name": "Ada"}, ResolutionMap{"Full Name": "full_name"})

	v, ok := row.Get("full_name")
	if !ok || v != "Ada" {
		t.Fatalf("Get(full_name) = %v, %v", v, ok)
	}
	orig, ok := row.OriginalName("full_name")
	if !ok || orig != "Full Name" {
		t.Fatalf("OriginalName(full_name) = %q, %v", orig, ok)
	}

	row.Set("full_name", "Ada Lovelace")
	v, _ = row.Get("full_name")
	if v != "Ada Lovelace" {
		t.Fatalf("Set did not update value, got %v", v)
	}

	if row.Contract() != c {
		t.Fatal("Contract() did not return the row's contract")
	}
}
