package domain

import (
	"fmt"
	"time"
)

// ImportStatus is the terminal status of one import attempt.
type ImportStatus string

const (
	ImportStatusSuccess ImportStatus = "success"
	ImportStatusPartial ImportStatus = "partial"
	ImportStatusFailed  ImportStatus = "failed"
)

// FileIdentity is the path + size + modification signature of an export
// file. A file whose identity changes is considered a new file.
type FileIdentity struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Signature renders the identity as a stable string.
func (f FileIdentity) Signature() string {
	return fmt.Sprintf("%s|%d|%d", f.Path, f.Size, f.ModTime.UTC().UnixNano())
}

// ImportRecord is one ledger entry per import attempt. Records are never
// mutated; a manual reprocess appends a new one that supersedes the old.
type ImportRecord struct {
	ID             string       `json:"id"`
	Path           string       `json:"path"`
	Signature      string       `json:"signature"`
	Size           int64        `json:"size"`
	ModTime        time.Time    `json:"mod_time"`
	ProcessedAt    time.Time    `json:"processed_at"`
	RowCount       int          `json:"row_count"`
	NewRows        int          `json:"new_rows"`
	Status         ImportStatus `json:"status"`
	ErrorDetail    string       `json:"error_detail,omitempty"`
	Instruments    []string     `json:"instruments,omitempty"`
	FirstExecution *time.Time   `json:"first_execution,omitempty"`
	LastExecution  *time.Time   `json:"last_execution,omitempty"`
	Manual         bool         `json:"manual"`
}

// Outcome describes what happened to one file in an import call.
type Outcome string

const (
	OutcomeImported         Outcome = "imported"
	OutcomePartial          Outcome = "partial"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeNeedsReprocess   Outcome = "needs_reprocess"
	OutcomeIncomplete       Outcome = "incomplete"
	OutcomeFailed           Outcome = "failed"
)

// DateRange is an inclusive time interval.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// IsZero reports whether the range is unset.
func (r DateRange) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// Overlaps reports whether two ranges intersect. An unset bound is open.
func (r DateRange) Overlaps(from, to time.Time) bool {
	if !r.To.IsZero() && from.After(r.To) {
		return false
	}
	if !r.From.IsZero() && to.Before(r.From) {
		return false
	}
	return true
}

// GroupResult reports the reconciliation of one (instrument, account) group.
type GroupResult struct {
	Group     GroupKey  `json:"group"`
	NewRows   int       `json:"new_rows"`
	Positions int       `json:"positions"`
	Affected  DateRange `json:"affected"`
	Error     string    `json:"error,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
}

// FileResult reports the handling of one file.
type FileResult struct {
	Path        string        `json:"path"`
	Outcome     Outcome       `json:"outcome"`
	RecordID    string        `json:"record_id,omitempty"`
	RowsParsed  int           `json:"rows_parsed"`
	RowsNew     int           `json:"rows_new"`
	RowsSkipped int           `json:"rows_skipped"`
	Groups      []GroupResult `json:"groups,omitempty"`
	Error       string        `json:"error,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	// Retryable is set when the file should be picked up again by the
	// watcher without operator action.
	Retryable bool `json:"retryable"`
}

// ImportError is one entry in the error list of an ImportResult.
type ImportError struct {
	Path    string    `json:"path"`
	Group   *GroupKey `json:"group,omitempty"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// ImportResult is the structured result returned by both the automatic and
// the manual import entry points.
type ImportResult struct {
	FilesConsidered   int           `json:"files_considered"`
	RowsImported      int           `json:"rows_imported"`
	PositionsAffected int           `json:"positions_affected"`
	Files             []FileResult  `json:"files"`
	Errors            []ImportError `json:"errors,omitempty"`
}

// Add folds a file result into the aggregate.
func (r *ImportResult) Add(f FileResult) {
	r.FilesConsidered++
	r.RowsImported += f.RowsNew
	if f.Error != "" {
		r.Errors = append(r.Errors, ImportError{Path: f.Path, Kind: f.ErrorKind, Message: f.Error})
	}
	for _, g := range f.Groups {
		if g.Error != "" {
			group := g.Group
			r.Errors = append(r.Errors, ImportError{Path: f.Path, Group: &group, Kind: g.ErrorKind, Message: g.Error})
			continue
		}
		r.PositionsAffected += g.Positions
	}
	r.Files = append(r.Files, f)
}

// ReprocessSelector picks the files a manual reprocess runs over: either one
// explicit path, or every ledgered file holding executions of Instrument
// inside Range.
type ReprocessSelector struct {
	Path       string    `json:"path,omitempty"`
	Instrument string    `json:"instrument,omitempty"`
	Range      DateRange `json:"range"`
}
