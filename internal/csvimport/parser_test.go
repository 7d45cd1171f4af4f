package csvimport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/shopspring/decimal"
)

const header = "instrument,account,side,quantity,price,timestamp\n"

func validRows(n int) string {
	var b strings.Builder
	base := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		side := "buy"
		if i%2 == 1 {
			side = "sell"
		}
		fmt.Fprintf(&b, "ES,SIM101,%s,1,%d.25,%s\n", side, 5000+i, base.Add(time.Duration(i)*time.Minute).Format(time.RFC3339))
	}
	return b.String()
}

func TestParse_ValidFile(t *testing.T) {
	data := header +
		"es,SIM101,Buy,2,5000.25,2024-03-04T14:30:00Z\n" +
		"ES,SIM101,SELL,2,5001.50,2024-03-04 14:35:10\n"

	pf, err := Parse("a.csv", []byte(data), PolicyDeferFile)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(pf.Rows) != 2 {
		t.Fatalf("len(Rows) = %d, want 2", len(pf.Rows))
	}
	first := pf.Rows[0]
	if first.Instrument != "ES" {
		t.Errorf("Instrument = %q, want ES", first.Instrument)
	}
	if first.Side != domain.SideBuy {
		t.Errorf("Side = %q, want buy", first.Side)
	}
	if first.Quantity != 2 {
		t.Errorf("Quantity = %d, want 2", first.Quantity)
	}
	if !first.Price.Equal(decimal.RequireFromString("5000.25")) {
		t.Errorf("Price = %s, want 5000.25", first.Price)
	}
	if first.SourceLine != 2 {
		t.Errorf("SourceLine = %d, want 2", first.SourceLine)
	}
	want := time.Date(2024, 3, 4, 14, 35, 10, 0, time.UTC)
	if !pf.Rows[1].Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", pf.Rows[1].Timestamp, want)
	}
	if first.SourceRowKey == "" || first.SourceRowKey == pf.Rows[1].SourceRowKey {
		t.Errorf("row keys not distinct: %q %q", first.SourceRowKey, pf.Rows[1].SourceRowKey)
	}
	if pf.Truncated != nil {
		t.Errorf("Truncated = %v, want nil", pf.Truncated)
	}
}

func TestParse_HeaderAliasesAnyOrder(t *testing.T) {
	data := "\ufeffTime,Qty,Symbol,Action,Fill Price,Account,Exec ID\n" +
		"2024-03-04T14:30:00Z,3,NQ,S,18000,ACC,X-1\n"

	pf, err := Parse("b.csv", []byte(data), PolicyDeferFile)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	got := pf.Rows[0]
	if got.Instrument != "NQ" || got.Account != "ACC" || got.Side != domain.SideSell || got.Quantity != 3 {
		t.Errorf("row = %+v", got)
	}
	if got.BrokerExecID != "X-1" {
		t.Errorf("BrokerExecID = %q, want X-1", got.BrokerExecID)
	}
	if got.SourceRowKey != "x:ACC:X-1" {
		t.Errorf("SourceRowKey = %q, want x:ACC:X-1", got.SourceRowKey)
	}
}

func TestParse_StructuralErrors(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		line   int
		column string
	}{
		{"missing column", "instrument,account,side,quantity,timestamp\nES,A,buy,1,2024-03-04T14:30:00Z\n", 1, colPrice},
		{"non-numeric price", header + "ES,A,buy,1,abc,2024-03-04T14:30:00Z\n", 2, colPrice},
		{"zero quantity", header + "ES,A,buy,0,1,2024-03-04T14:30:00Z\n", 2, colQuantity},
		{"negative quantity", header + "ES,A,buy,-1,1,2024-03-04T14:30:00Z\n", 2, colQuantity},
		{"fractional quantity", header + "ES,A,buy,1.5,1,2024-03-04T14:30:00Z\n", 2, colQuantity},
		{"bad side", header + "ES,A,hold,1,1,2024-03-04T14:30:00Z\n", 2, colSide},
		{"bad timestamp", header + "ES,A,buy,1,1,yesterday\n", 2, colTimestamp},
		{"column count", header + "ES,A,buy,1,1\nES,A,buy,1,1,2024-03-04T14:30:00Z\n", 2, ""},
		// A bad last row is structural when the file ends in a newline.
		{"bad last row", header + validRows(2) + "ES,A,buy,1,1,2024-03-0\n", 4, colTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.csv", []byte(tt.data), PolicyDeferFile)
			var pe *domain.ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Parse() error = %v, want *ParseError", err)
			}
			if pe.Line != tt.line {
				t.Errorf("Line = %d, want %d", pe.Line, tt.line)
			}
			if pe.Column != tt.column {
				t.Errorf("Column = %q, want %q", pe.Column, tt.column)
			}
			if got := domain.Classify(err); got != domain.KindParse {
				t.Errorf("Classify() = %q, want %q", got, domain.KindParse)
			}
		})
	}
}

func TestParse_TruncatedLastRow(t *testing.T) {
	data := header + validRows(10) + "ES,SIM101,buy,1,5010.25,2024-03-0"

	t.Run("defer file", func(t *testing.T) {
		pf, err := Parse("t.csv", []byte(data), PolicyDeferFile)
		var inc *domain.IncompleteFileError
		if !errors.As(err, &inc) {
			t.Fatalf("Parse() error = %v, want *IncompleteFileError", err)
		}
		if inc.ValidRows != 10 {
			t.Errorf("ValidRows = %d, want 10", inc.ValidRows)
		}
		if inc.Line != 12 {
			t.Errorf("Line = %d, want 12", inc.Line)
		}
		if len(pf.Rows) != 0 {
			t.Errorf("len(Rows) = %d, want 0", len(pf.Rows))
		}
		if !domain.IsTransient(err) {
			t.Error("IsTransient() = false, want true")
		}
	})

	t.Run("valid prefix", func(t *testing.T) {
		pf, err := Parse("t.csv", []byte(data), PolicyValidPrefix)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if len(pf.Rows) != 10 {
			t.Errorf("len(Rows) = %d, want 10", len(pf.Rows))
		}
		if pf.Truncated == nil || pf.Truncated.ValidRows != 10 {
			t.Errorf("Truncated = %+v, want ValidRows 10", pf.Truncated)
		}
	})

	t.Run("short row", func(t *testing.T) {
		_, err := Parse("t.csv", []byte(header+validRows(3)+"ES,SIM1"), PolicyDeferFile)
		var inc *domain.IncompleteFileError
		if !errors.As(err, &inc) {
			t.Fatalf("Parse() error = %v, want *IncompleteFileError", err)
		}
	})

	t.Run("unterminated quote", func(t *testing.T) {
		_, err := Parse("t.csv", []byte(header+validRows(3)+`ES,"SIM`), PolicyDeferFile)
		var inc *domain.IncompleteFileError
		if !errors.As(err, &inc) {
			t.Fatalf("Parse() error = %v, want *IncompleteFileError", err)
		}
	})
}

func TestParse_UnterminatedLastRowIsIncomplete(t *testing.T) {
	// Price is the last column, so a row cut inside the price still parses.
	data := "instrument,account,side,quantity,timestamp,price\n" +
		"ES,SIM101,buy,1,2024-03-04T14:30:00Z,4500.25\n" +
		"ES,SIM101,sell,1,2024-03-04T14:31:00Z,45"

	_, err := Parse("c.csv", []byte(data), PolicyDeferFile)
	var inc *domain.IncompleteFileError
	if !errors.As(err, &inc) {
		t.Fatalf("Parse() error = %v, want *IncompleteFileError", err)
	}
	if inc.ValidRows != 1 || inc.Line != 3 {
		t.Errorf("incomplete = %+v, want ValidRows 1 Line 3", inc)
	}

	pf, err := Parse("c.csv", []byte(data), PolicyValidPrefix)
	if err != nil {
		t.Fatalf("Parse(valid prefix) error = %v", err)
	}
	if len(pf.Rows) != 1 || pf.Truncated == nil {
		t.Errorf("rows = %d truncated = %v, want 1 and truncated", len(pf.Rows), pf.Truncated)
	}
}

func TestParseFile_NoTrailingNewlineOnceSettled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.csv")
	data := strings.TrimSuffix(header+validRows(3), "\n")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	// Just written: the last row may still be growing.
	_, err := ParseFile(path, PolicyDeferFile, time.Minute)
	var inc *domain.IncompleteFileError
	if !errors.As(err, &inc) {
		t.Fatalf("ParseFile(fresh) error = %v, want *IncompleteFileError", err)
	}
	if _, err := ParseFile(path, PolicyDeferFile, 0); !errors.As(err, &inc) {
		t.Errorf("ParseFile(no settle age) error = %v, want *IncompleteFileError", err)
	}

	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	pf, err := ParseFile(path, PolicyDeferFile, time.Minute)
	if err != nil {
		t.Fatalf("ParseFile(settled) error = %v", err)
	}
	if len(pf.Rows) != 3 {
		t.Errorf("len(Rows) = %d, want 3", len(pf.Rows))
	}
}

func TestParse_EmptyAndHeaderOnly(t *testing.T) {
	tests := []struct {
		name       string
		data       string
		incomplete bool
	}{
		{"empty", "", true},
		{"partial header", "instrument,acc", true},
		{"header without newline", strings.TrimSuffix(header, "\n"), false},
		{"header only", header, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pf, err := Parse("e.csv", []byte(tt.data), PolicyValidPrefix)
			var inc *domain.IncompleteFileError
			if got := errors.As(err, &inc); got != tt.incomplete {
				t.Fatalf("Parse() error = %v, incomplete = %v, want %v", err, got, tt.incomplete)
			}
			if !tt.incomplete && len(pf.Rows) != 0 {
				t.Errorf("len(Rows) = %d, want 0", len(pf.Rows))
			}
		})
	}
}

func TestParse_RepeatedFillsGetStableKeys(t *testing.T) {
	row := "ES,A,buy,1,5000,2024-03-04T14:30:00Z\n"
	first, err := Parse("day1.csv", []byte(header+row+row), PolicyDeferFile)
	if err != nil {
		t.Fatal(err)
	}
	if first.Rows[0].SourceRowKey == first.Rows[1].SourceRowKey {
		t.Fatal("identical fills in one file share a row key")
	}

	// An overlapping export of the next day repeats both fills.
	second, err := Parse("day2.csv", []byte(header+row+row+"ES,A,sell,2,5001,2024-03-05T14:30:00Z\n"), PolicyDeferFile)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if first.Rows[i].SourceRowKey != second.Rows[i].SourceRowKey {
			t.Errorf("row %d key = %q in day2, want %q", i, second.Rows[i].SourceRowKey, first.Rows[i].SourceRowKey)
		}
	}
}

func TestReader_LazyIteration(t *testing.T) {
	r, err := NewReader("l.csv", []byte(header+validRows(2)))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := r.Next(); err != nil {
			t.Fatalf("Next() #%d error = %v", i, err)
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next() error = %v, want io.EOF", err)
	}
	if r.Rows() != 2 {
		t.Errorf("Rows() = %d, want 2", r.Rows())
	}
}

func TestParseFile_Identity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fills.csv")
	data := header + validRows(4)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	pf, err := ParseFile(path, PolicyDeferFile, time.Minute)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if pf.Identity.Path != path || pf.Identity.Size != int64(len(data)) {
		t.Errorf("Identity = %+v", pf.Identity)
	}
	if len(pf.Rows) != 4 || pf.Rows[0].SourceFile != path {
		t.Errorf("rows = %d, source = %q", len(pf.Rows), pf.Rows[0].SourceFile)
	}
}
