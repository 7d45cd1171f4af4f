// Package csvimport parses broker execution exports.
package csvimport

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/dedup"
	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Policy decides what happens to the valid rows of a file whose last row is
// truncated.
type Policy string

const (
	// PolicyDeferFile imports nothing from a truncated file and leaves it
	// for the next pass.
	PolicyDeferFile Policy = "defer_file"
	// PolicyValidPrefix imports every complete row before the truncated one.
	PolicyValidPrefix Policy = "valid_prefix"
)

// Column names recognised in the header row, after lower-casing and
// replacing spaces and dashes with underscores.
var headerAliases = map[string]string{
	"instrument":   colInstrument,
	"symbol":       colInstrument,
	"contract":     colInstrument,
	"ticker":       colInstrument,
	"account":      colAccount,
	"account_name": colAccount,
	"acct":         colAccount,
	"side":         colSide,
	"action":       colSide,
	"buy_sell":     colSide,
	"quantity":     colQuantity,
	"qty":          colQuantity,
	"filled_qty":   colQuantity,
	"size":         colQuantity,
	"price":        colPrice,
	"fill_price":   colPrice,
	"avg_price":    colPrice,
	"timestamp":    colTimestamp,
	"time":         colTimestamp,
	"fill_time":    colTimestamp,
	"datetime":     colTimestamp,
	"date_time":    colTimestamp,
	"execution_id": colExecID,
	"exec_id":      colExecID,
	"fill_id":      colExecID,
}

const (
	colInstrument = "instrument"
	colAccount    = "account"
	colSide       = "side"
	colQuantity   = "quantity"
	colPrice      = "price"
	colTimestamp  = "timestamp"
	colExecID     = "execution_id"
)

var requiredColumns = []string{colInstrument, colAccount, colSide, colQuantity, colPrice, colTimestamp}

// Timestamps without a zone are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"01/02/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

type record struct {
	fields []string
	line   int
	err    error
	eof    bool
}

// Reader yields the executions of one export file lazily. It looks one
// record ahead so that the last row of a file that does not end in a
// newline can be reported as IncompleteFileError. A writer can stop
// mid-field and still leave a row that parses (a price of 45 cut from
// 4510.75), so an unterminated last row is incomplete unless the file is
// settled.
type Reader struct {
	path     string
	cr       *csv.Reader
	columns  map[string]int
	width    int
	complete bool
	settled  bool

	ahead       record
	rows        int
	occurrences map[string]int
	err         error
}

// NewReader reads the header of data and returns a Reader positioned at the
// first execution. The data is taken as possibly still being written.
func NewReader(path string, data []byte) (*Reader, error) {
	return newReader(path, data, false)
}

func newReader(path string, data []byte, settled bool) (*Reader, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	r := &Reader{
		path:        path,
		cr:          cr,
		complete:    len(data) > 0 && data[len(data)-1] == '\n',
		settled:     settled,
		occurrences: make(map[string]int),
	}

	header := r.read()
	if header.eof {
		return nil, &domain.IncompleteFileError{Path: path, Line: 1}
	}
	r.ahead = r.read()
	headerOnly := r.ahead.eof

	if header.err != nil {
		if headerOnly && !r.complete {
			return nil, &domain.IncompleteFileError{Path: path, Line: 1}
		}
		return nil, &domain.ParseError{Path: path, Line: 1, Reason: header.err.Error()}
	}
	if err := r.mapHeader(header.fields); err != nil {
		if headerOnly && !r.complete {
			return nil, &domain.IncompleteFileError{Path: path, Line: 1}
		}
		return nil, err
	}
	return r, nil
}

func (r *Reader) mapHeader(fields []string) error {
	r.columns = make(map[string]int, len(fields))
	r.width = len(fields)
	for i, f := range fields {
		name := strings.ToLower(strings.TrimSpace(f))
		name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
		col, ok := headerAliases[name]
		if !ok {
			continue
		}
		if _, dup := r.columns[col]; dup {
			return &domain.ParseError{Path: r.path, Line: 1, Column: f, Reason: "duplicate column for " + col}
		}
		r.columns[col] = i
	}
	for _, col := range requiredColumns {
		if _, ok := r.columns[col]; !ok {
			return &domain.ParseError{Path: r.path, Line: 1, Column: col, Reason: "missing required column"}
		}
	}
	return nil
}

func (r *Reader) read() record {
	fields, err := r.cr.Read()
	if err == io.EOF {
		return record{eof: true}
	}
	if err != nil {
		rec := record{err: err}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			rec.line = pe.StartLine
			rec.err = pe.Err
		}
		return rec
	}
	line, _ := r.cr.FieldPos(0)
	return record{fields: fields, line: line}
}

// Rows returns how many executions have been yielded so far.
func (r *Reader) Rows() int { return r.rows }

// Next returns the next execution, io.EOF after the last one, or a
// *domain.ParseError / *domain.IncompleteFileError. Errors are sticky.
func (r *Reader) Next() (domain.RawExecution, error) {
	if r.err != nil {
		return domain.RawExecution{}, r.err
	}
	cur := r.ahead
	if cur.eof {
		r.err = io.EOF
		return domain.RawExecution{}, io.EOF
	}
	r.ahead = r.read()

	var (
		exec domain.RawExecution
		err  error
	)
	if cur.err != nil {
		err = &domain.ParseError{Path: r.path, Line: cur.line, Reason: cur.err.Error()}
	} else {
		exec, err = r.parseRow(cur)
	}
	unterminated := r.ahead.eof && !r.complete
	if unterminated && (err != nil || !r.settled) {
		err = &domain.IncompleteFileError{Path: r.path, ValidRows: r.rows, Line: cur.line}
	}
	if err != nil {
		r.err = err
		return domain.RawExecution{}, err
	}

	fp := dedup.Fingerprint(exec)
	exec.SourceRowKey = dedup.RowKey(exec, r.occurrences[fp])
	r.occurrences[fp]++
	r.rows++
	return exec, nil
}

func (r *Reader) parseRow(rec record) (domain.RawExecution, error) {
	if len(rec.fields) != r.width {
		return domain.RawExecution{}, &domain.ParseError{
			Path:   r.path,
			Line:   rec.line,
			Reason: fmt.Sprintf("expected %d columns, got %d", r.width, len(rec.fields)),
		}
	}
	field := func(col string) string {
		return strings.TrimSpace(rec.fields[r.columns[col]])
	}
	fail := func(col, format string, args ...any) error {
		return &domain.ParseError{Path: r.path, Line: rec.line, Column: col, Reason: fmt.Sprintf(format, args...)}
	}

	exec := domain.RawExecution{
		Instrument: strings.ToUpper(field(colInstrument)),
		Account:    field(colAccount),
		SourceFile: r.path,
		SourceLine: rec.line,
	}
	if exec.Instrument == "" {
		return exec, fail(colInstrument, "empty instrument")
	}
	if exec.Account == "" {
		return exec, fail(colAccount, "empty account")
	}

	side, ok := domain.ParseSide(field(colSide))
	if !ok {
		return exec, fail(colSide, "unknown side %q", field(colSide))
	}
	exec.Side = side

	qty, err := decimal.NewFromString(field(colQuantity))
	if err != nil {
		return exec, fail(colQuantity, "not a number: %q", field(colQuantity))
	}
	if !qty.IsInteger() || !qty.IsPositive() {
		return exec, fail(colQuantity, "quantity must be a positive integer, got %s", qty)
	}
	exec.Quantity = qty.IntPart()

	price, err := decimal.NewFromString(field(colPrice))
	if err != nil {
		return exec, fail(colPrice, "not a number: %q", field(colPrice))
	}
	exec.Price = price

	ts, err := parseTimestamp(field(colTimestamp))
	if err != nil {
		return exec, fail(colTimestamp, "%v", err)
	}
	exec.Timestamp = ts

	if i, ok := r.columns[colExecID]; ok {
		exec.BrokerExecID = strings.TrimSpace(rec.fields[i])
	}
	return exec, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}

// ParsedFile is a fully read export.
type ParsedFile struct {
	Identity domain.FileIdentity
	Rows     []domain.RawExecution
	// Truncated is set when PolicyValidPrefix kept the rows before a
	// truncated last row.
	Truncated *domain.IncompleteFileError
}

// ParseFile reads the file at path and parses it completely. An
// unterminated last row is accepted only once the file has gone unmodified
// for settle; settle <= 0 never accepts one.
func ParseFile(path string, policy Policy, settle time.Duration) (ParsedFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ParsedFile{}, fmt.Errorf("csvimport: stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ParsedFile{}, fmt.Errorf("csvimport: read %s: %w", path, err)
	}
	id := domain.FileIdentity{Path: path, Size: info.Size(), ModTime: info.ModTime().UTC()}
	if int64(len(data)) != info.Size() {
		// Grew or shrank between stat and read.
		return ParsedFile{Identity: id}, &domain.IncompleteFileError{Path: path}
	}
	settled := settle > 0 && time.Since(id.ModTime) >= settle
	pf, err := parse(path, data, policy, settled)
	pf.Identity = id
	return pf, err
}

// Parse parses an export held in memory. The data is taken as possibly
// still being written, so an unterminated last row is incomplete.
func Parse(path string, data []byte, policy Policy) (ParsedFile, error) {
	return parse(path, data, policy, false)
}

func parse(path string, data []byte, policy Policy, settled bool) (ParsedFile, error) {
	r, err := newReader(path, data, settled)
	if err != nil {
		return ParsedFile{}, err
	}
	var pf ParsedFile
	for {
		exec, err := r.Next()
		if err == io.EOF {
			return pf, nil
		}
		var incomplete *domain.IncompleteFileError
		if errors.As(err, &incomplete) && policy == PolicyValidPrefix && len(pf.Rows) > 0 {
			pf.Truncated = incomplete
			return pf, nil
		}
		if err != nil {
			return ParsedFile{}, err
		}
		pf.Rows = append(pf.Rows, exec)
	}
}
