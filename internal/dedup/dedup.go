// Package dedup tracks which executions have already been committed so that
// re-running an import, or importing an export that overlaps an earlier one,
// commits every logical execution exactly once.
package dedup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"golang.org/x/crypto/blake2b"
)

// RowKey derives the stable natural key of an execution. The broker
// execution id is used when the export carries one. Otherwise the key is a
// fingerprint of the fill itself plus its occurrence index among identical
// fills of the same file, so the same fill appearing in two overlapping
// exports maps to the same key.
func RowKey(e domain.RawExecution, occurrence int) string {
	if e.BrokerExecID != "" {
		return "x:" + e.Account + ":" + e.BrokerExecID
	}
	h, _ := blake2b.New(16, nil) // only fails for bad sizes or keys
	fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1f%d\x1f%s\x1f%d\x1f%d",
		e.Instrument, e.Account, e.Side, e.Quantity, e.Price.String(),
		e.Timestamp.UTC().UnixNano(), occurrence)
	return "f:" + hex.EncodeToString(h.Sum(nil))
}

// Fingerprint identifies a fill without its occurrence index. Parsers use it
// to count repeats of the same fill within one file.
func Fingerprint(e domain.RawExecution) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s|%d",
		e.Instrument, e.Account, e.Side, e.Quantity, e.Price.String(), e.Timestamp.UTC().UnixNano())
}

// Deduplicator filters parsed rows against the durable ledger.
type Deduplicator struct {
	ledger domain.DedupLedger
	logger *slog.Logger
}

// New creates a Deduplicator backed by ledger.
func New(ledger domain.DedupLedger, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{ledger: ledger, logger: logger.With(slog.String("component", "dedup"))}
}

// Check returns domain.ErrDuplicateRow when key has already been committed.
func (d *Deduplicator) Check(ctx context.Context, key string) error {
	seen, err := d.ledger.Committed(ctx, []string{key})
	if err != nil {
		return fmt.Errorf("dedup: check: %w", err)
	}
	if seen[key] {
		return domain.ErrDuplicateRow
	}
	return nil
}

// IsNew reports whether key has not been committed yet.
func (d *Deduplicator) IsNew(ctx context.Context, key string) (bool, error) {
	err := d.Check(ctx, key)
	if errors.Is(err, domain.ErrDuplicateRow) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Filter returns the rows whose keys are neither committed nor repeated
// earlier in the same batch, preserving input order, plus the number of rows
// dropped.
func (d *Deduplicator) Filter(ctx context.Context, rows []domain.RawExecution) ([]domain.RawExecution, int, error) {
	if len(rows) == 0 {
		return nil, 0, nil
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.SourceRowKey
	}
	committed, err := d.ledger.Committed(ctx, keys)
	if err != nil {
		return nil, 0, fmt.Errorf("dedup: filter: %w", err)
	}

	fresh := make([]domain.RawExecution, 0, len(rows))
	batch := make(map[string]bool, len(rows))
	for _, r := range rows {
		if committed[r.SourceRowKey] || batch[r.SourceRowKey] {
			continue
		}
		batch[r.SourceRowKey] = true
		fresh = append(fresh, r)
	}
	skipped := len(rows) - len(fresh)
	if skipped > 0 {
		d.logger.DebugContext(ctx, "skipped committed rows",
			slog.Int("skipped", skipped),
			slog.Int("fresh", len(fresh)),
		)
	}
	return fresh, skipped, nil
}

// MarkCommitted records the keys of rows whose positions have been durably
// persisted. It must only be called after the owning group write commits.
func (d *Deduplicator) MarkCommitted(ctx context.Context, rows []domain.RawExecution) error {
	if len(rows) == 0 {
		return nil
	}
	bySource := make(map[string][]string)
	for _, r := range rows {
		bySource[r.SourceFile] = append(bySource[r.SourceFile], r.SourceRowKey)
	}
	for source, keys := range bySource {
		if err := d.ledger.MarkCommitted(ctx, keys, source); err != nil {
			return fmt.Errorf("dedup: mark committed: %w", err)
		}
	}
	return nil
}

// Forget drops the keys of executions a reprocess removed, making the rows
// eligible again if a later file carries them.
func (d *Deduplicator) Forget(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := d.ledger.Forget(ctx, keys); err != nil {
		return fmt.Errorf("dedup: forget: %w", err)
	}
	return nil
}

// Count returns the number of committed keys.
func (d *Deduplicator) Count(ctx context.Context) (int64, error) {
	n, err := d.ledger.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("dedup: count: %w", err)
	}
	return n, nil
}
