package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrLockHeld              = errors.New("lock already held")
	ErrDuplicateRow          = errors.New("duplicate row")
	ErrAlreadyProcessed      = errors.New("file already processed")
	ErrLegacyEndpointRemoved = errors.New("legacy import endpoint removed")
	ErrCandlesMissing        = errors.New("candles missing")
	ErrEmptySelector         = errors.New("selector needs a path or an instrument/date range")
)

// Error kinds reported in import results.
const (
	KindParse            = "parse_error"
	KindIncomplete       = "incomplete_file"
	KindInvariant        = "matching_invariant_violation"
	KindLockContention   = "lock_contention_timeout"
	KindLegacyEndpoint   = "legacy_endpoint_removed"
	KindNotFound         = "not_found"
	KindAlreadyProcessed = "already_processed"
	KindInvalidSelector  = "invalid_selector"
	KindInternal         = "internal"
)

// ParseError reports a structural problem in an export file. The file is
// marked failed and nothing from it is committed.
type ParseError struct {
	Path   string
	Line   int
	Column string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("parse %s:%d: column %q: %s", e.Path, e.Line, e.Column, e.Reason)
	}
	return fmt.Sprintf("parse %s:%d: %s", e.Path, e.Line, e.Reason)
}

// IncompleteFileError reports a file whose last row is truncated, most
// likely because the broker is still writing it. It is transient.
type IncompleteFileError struct {
	Path      string
	ValidRows int
	Line      int
}

func (e *IncompleteFileError) Error() string {
	return fmt.Sprintf("incomplete file %s: truncated row at line %d after %d valid rows", e.Path, e.Line, e.ValidRows)
}

// MatchingInvariantViolation is returned when recomputed pairs disagree with
// their position totals. The group import is rejected and the stored state
// is left untouched.
type MatchingInvariantViolation struct {
	Group      GroupKey
	PositionID string
	Reason     string
}

func (e *MatchingInvariantViolation) Error() string {
	return fmt.Sprintf("matching invariant violated for %s position %s: %s", e.Group, e.PositionID, e.Reason)
}

// LockContentionTimeout is returned when another reconciliation pass holds
// the group lock for longer than the configured wait.
type LockContentionTimeout struct {
	Group  GroupKey
	Waited time.Duration
}

func (e *LockContentionTimeout) Error() string {
	return fmt.Sprintf("lock contention on %s: gave up after %s", e.Group, e.Waited)
}

// Classify maps an error onto the import error taxonomy.
func Classify(err error) string {
	var (
		parseErr      *ParseError
		incompleteErr *IncompleteFileError
		invariantErr  *MatchingInvariantViolation
		lockErr       *LockContentionTimeout
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &incompleteErr):
		return KindIncomplete
	case errors.As(err, &invariantErr):
		return KindInvariant
	case errors.As(err, &lockErr):
		return KindLockContention
	case errors.Is(err, ErrLegacyEndpointRemoved):
		return KindLegacyEndpoint
	case errors.Is(err, ErrAlreadyProcessed):
		return KindAlreadyProcessed
	case errors.Is(err, ErrEmptySelector):
		return KindInvalidSelector
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// IsTransient reports whether an import error should be retried
// automatically instead of requiring manual reprocessing.
func IsTransient(err error) bool {
	switch Classify(err) {
	case KindIncomplete, KindLockContention:
		return true
	default:
		return false
	}
}
