package postgres

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNumericFromDecimal(t *testing.T) {
	n, err := numericFromDecimal(decimal.RequireFromString("42.125"))
	if err != nil {
		t.Fatalf("numericFromDecimal: %v", err)
	}
	if !n.Valid {
		t.Fatalf("expected valid numeric")
	}
	f, err := n.Float64Value()
	if err != nil || f.Float64 != 42.125 {
		t.Fatalf("unexpected value %v %v", f, err)
	}
}

func TestNumericFromOptionalNil(t *testing.T) {
	n, err := numericFromOptional(nil)
	if err != nil {
		t.Fatalf("numericFromOptional: %v", err)
	}
	if n.Valid {
		t.Fatalf("nil decimal must map to NULL")
	}
}

func TestTextOrNull(t *testing.T) {
	if textOrNull("").Valid {
		t.Fatalf("empty text must be NULL")
	}
	if v := textOrNull("EUR"); !v.Valid || v.String != "EUR" {
		t.Fatalf("unexpected text %+v", v)
	}
}
