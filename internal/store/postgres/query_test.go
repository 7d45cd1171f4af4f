package postgres

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFilter_WhereAndPage(t *testing.T) {
	var f filter
	if got := f.where(); got != "" {
		t.Errorf("empty where = %q, want empty", got)
	}

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	f.add("instrument = $%d", "ESZ4")
	f.add("(status = 'open' OR last_activity >= $%d)", since)

	if got, want := f.where(), " WHERE instrument = $1 AND (status = 'open' OR last_activity >= $2)"; got != want {
		t.Errorf("where = %q, want %q", got, want)
	}
	if got, want := f.page(50, 100), " LIMIT $3 OFFSET $4"; got != want {
		t.Errorf("page = %q, want %q", got, want)
	}
	if len(f.args) != 4 {
		t.Fatalf("args = %d, want 4", len(f.args))
	}
	if f.args[2] != 50 || f.args[3] != 100 {
		t.Errorf("page args = %v, want [50 100]", f.args[2:])
	}
}

func TestFilter_PageOmitsZero(t *testing.T) {
	var f filter
	if got := f.page(0, 0); got != "" {
		t.Errorf("page(0,0) = %q, want empty", got)
	}
	if got := f.page(10, 0); got != " LIMIT $1" {
		t.Errorf("page(10,0) = %q, want %q", got, " LIMIT $1")
	}
}

func TestParseNumeric(t *testing.T) {
	d, err := parseNumeric("4500.25000000")
	if err != nil {
		t.Fatalf("parseNumeric: %v", err)
	}
	if !d.Equal(decimal.RequireFromString("4500.25")) {
		t.Errorf("parseNumeric = %s, want 4500.25", d)
	}
	if numeric(d) != d.String() {
		t.Errorf("numeric round trip mismatch")
	}
	if _, err := parseNumeric("NaN-ish"); err == nil {
		t.Error("expected error for malformed numeric")
	}
}
