// Package importer coordinates parsing, deduplication, matching and
// persistence of broker export files. The watcher and the manual reprocess
// entry point both run through the same per-file path.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/csvimport"
	"github.com/alanyoungcy/tradeledger/internal/dedup"
	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/alanyoungcy/tradeledger/internal/matcher"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// Audit events written for terminal imports.
const (
	EventImportCompleted = "import.completed"
	EventImportFailed    = "import.failed"
)

// Notification event types, matched against notify.events in config.
const (
	NotifyImportFailed  = "import_failed"
	NotifyImportPartial = "import_partial"
)

// Invalidator is told about every group whose positions changed.
type Invalidator interface {
	Invalidate(ctx context.Context, group domain.GroupKey, affected domain.DateRange) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Deps are the collaborators of an Importer. Archiver and Notifier are
// optional.
type Deps struct {
	Positions   domain.PositionStore
	Dedup       *dedup.Deduplicator
	Ledger      domain.ImportLedger
	Audit       domain.AuditStore
	Matcher     *matcher.Matcher
	Invalidator Invalidator
	Locker      GroupLocker
	Archiver    domain.ImportArchiver
	Notifier    Notifier
}

// Options tune the import pass.
type Options struct {
	Policy            csvimport.Policy
	MaxParallelGroups int
	// SettleAge is how long a file must go unmodified before a last row
	// without a trailing newline is trusted. Zero never trusts one.
	SettleAge time.Duration
}

// Importer is the import orchestrator.
type Importer struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	match func(domain.GroupKey, []domain.Execution) ([]domain.Position, error)
	now   func() time.Time
}

// New creates an Importer.
func New(deps Deps, opts Options, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy == "" {
		opts.Policy = csvimport.PolicyDeferFile
	}
	if opts.MaxParallelGroups < 1 {
		opts.MaxParallelGroups = 1
	}
	return &Importer{
		deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "importer")),
		match:  deps.Matcher.Match,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// run describes one pass over a file.
type run struct {
	force      bool
	manual     bool
	instrument string
}

// ImportFile imports one file unless the ledger already holds a terminal
// record for the same file identity.
func (im *Importer) ImportFile(ctx context.Context, path string) domain.ImportResult {
	var res domain.ImportResult
	res.Add(im.importFile(ctx, path, run{}))
	return res
}

// Reprocess re-imports the selected files even when they were imported
// successfully before. A selector names either one path or an instrument
// and/or date range resolved through the ledger.
func (im *Importer) Reprocess(ctx context.Context, sel domain.ReprocessSelector) (domain.ImportResult, error) {
	var paths []string
	switch {
	case sel.Path != "":
		paths = []string{sel.Path}
	case sel.Instrument != "" || !sel.Range.IsZero():
		recs, err := im.deps.Ledger.FindByRange(ctx, sel.Instrument, sel.Range)
		if err != nil {
			return domain.ImportResult{}, fmt.Errorf("importer: resolve selector: %w", err)
		}
		for _, r := range recs {
			paths = append(paths, r.Path)
		}
	default:
		return domain.ImportResult{}, fmt.Errorf("importer: reprocess: %w", domain.ErrEmptySelector)
	}

	im.logger.InfoContext(ctx, "reprocess requested",
		slog.String("path", sel.Path),
		slog.String("instrument", sel.Instrument),
		slog.Int("files", len(paths)),
	)
	res := domain.ImportResult{Files: []domain.FileResult{}}
	for _, p := range paths {
		res.Add(im.importFile(ctx, p, run{force: true, manual: true, instrument: sel.Instrument}))
	}
	return res, nil
}

// Identify stats path and returns its identity.
func Identify(path string) (domain.FileIdentity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return domain.FileIdentity{}, err
	}
	return domain.FileIdentity{Path: path, Size: info.Size(), ModTime: info.ModTime().UTC()}, nil
}

func (im *Importer) importFile(ctx context.Context, path string, r run) domain.FileResult {
	start := im.now()
	logger := im.logger.With(slog.String("path", path))
	fr := domain.FileResult{Path: path}

	id, err := Identify(path)
	if err != nil {
		return fail(fr, fmt.Errorf("importer: stat: %w", err), true)
	}

	if !r.force {
		latest, err := im.deps.Ledger.Latest(ctx, path)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			return fail(fr, fmt.Errorf("importer: ledger lookup: %w", err), true)
		case latest.Signature == id.Signature() && latest.Status == domain.ImportStatusSuccess:
			fr.Outcome = domain.OutcomeAlreadyProcessed
			fr.RecordID = latest.ID
			logger.DebugContext(ctx, "file already processed", slog.String("record_id", latest.ID))
			return fr
		case latest.Signature == id.Signature() && latest.Status == domain.ImportStatusFailed:
			fr.Outcome = domain.OutcomeNeedsReprocess
			fr.RecordID = latest.ID
			fr.Error = latest.ErrorDetail
			return fr
		}
	}

	pf, err := csvimport.ParseFile(path, im.opts.Policy, im.opts.SettleAge)
	if err == nil && pf.Identity.Signature() != id.Signature() {
		err = &domain.IncompleteFileError{Path: path, ValidRows: len(pf.Rows)}
	}
	var (
		incomplete *domain.IncompleteFileError
		parseErr   *domain.ParseError
	)
	switch {
	case errors.As(err, &incomplete):
		logger.InfoContext(ctx, "file incomplete, deferring", slog.String("error", err.Error()))
		fr.Outcome = domain.OutcomeIncomplete
		fr.Error = err.Error()
		fr.ErrorKind = domain.KindIncomplete
		fr.Retryable = true
		return fr
	case errors.As(err, &parseErr):
		logger.WarnContext(ctx, "file rejected", slog.String("error", err.Error()))
		rec := im.newRecord(id, r, start)
		rec.Status = domain.ImportStatusFailed
		rec.ErrorDetail = err.Error()
		fr = fail(fr, err, false)
		fr.RecordID = rec.ID
		im.finish(ctx, logger, rec, &fr)
		return fr
	case err != nil:
		return fail(fr, err, true)
	}
	fr.RowsParsed = len(pf.Rows)

	fresh, skipped, err := im.deps.Dedup.Filter(ctx, pf.Rows)
	if err != nil {
		return fail(fr, err, true)
	}
	fr.RowsSkipped = skipped

	plan := im.plan(pf, fresh, r)
	fr.Groups = im.reconcileAll(ctx, path, plan, r.force && pf.Truncated == nil)

	rec := im.newRecord(id, r, start)
	describe(&rec, pf.Rows)
	var failed, permanent int
	for _, g := range fr.Groups {
		fr.RowsNew += g.NewRows
		if g.Error == "" {
			continue
		}
		failed++
		if g.ErrorKind != domain.KindLockContention && g.ErrorKind != domain.KindIncomplete {
			permanent++
		} else {
			fr.Retryable = true
		}
	}
	if r.force {
		// Restored rows were committed once but are new to history again.
		fr.RowsSkipped = min(fr.RowsSkipped, fr.RowsParsed-fr.RowsNew)
	}
	rec.NewRows = fr.RowsNew

	switch {
	case failed > 0 && failed == len(fr.Groups) && permanent > 0:
		rec.Status = domain.ImportStatusFailed
		rec.ErrorDetail = fmt.Sprintf("all %d groups failed", failed)
		fr.Outcome = domain.OutcomeFailed
	case failed > 0:
		rec.Status = domain.ImportStatusPartial
		rec.ErrorDetail = fmt.Sprintf("%d of %d groups failed", failed, len(fr.Groups))
		fr.Outcome = domain.OutcomePartial
	case pf.Truncated != nil:
		rec.Status = domain.ImportStatusPartial
		rec.ErrorDetail = pf.Truncated.Error()
		fr.Outcome = domain.OutcomePartial
	default:
		rec.Status = domain.ImportStatusSuccess
		fr.Outcome = domain.OutcomeImported
	}
	fr.RecordID = rec.ID
	im.finish(ctx, logger, rec, &fr)

	logger.InfoContext(ctx, "file imported",
		slog.String("record_id", rec.ID),
		slog.String("status", string(rec.Status)),
		slog.Int("rows", fr.RowsParsed),
		slog.Int("new_rows", fr.RowsNew),
		slog.Int("skipped", fr.RowsSkipped),
		slog.Int("groups", len(fr.Groups)),
		slog.Duration("took", im.now().Sub(start)),
	)
	return fr
}

// groupPlan is the work for one group of one file.
type groupPlan struct {
	group domain.GroupKey
	fresh []domain.RawExecution
	// file and current hold every row of the group present in the file and
	// their keys; only set on forced passes.
	file    []domain.RawExecution
	current map[string]bool
}

func (im *Importer) plan(pf csvimport.ParsedFile, fresh []domain.RawExecution, r run) []groupPlan {
	byGroup := make(map[domain.GroupKey]*groupPlan)
	get := func(g domain.GroupKey) *groupPlan {
		p, ok := byGroup[g]
		if !ok {
			p = &groupPlan{group: g}
			byGroup[g] = p
		}
		return p
	}
	for _, e := range fresh {
		if r.instrument != "" && e.Instrument != r.instrument {
			continue
		}
		p := get(e.Group())
		p.fresh = append(p.fresh, e)
	}
	if r.force {
		for _, e := range pf.Rows {
			if r.instrument != "" && e.Instrument != r.instrument {
				continue
			}
			p := get(e.Group())
			if p.current == nil {
				p.current = make(map[string]bool)
			}
			p.file = append(p.file, e)
			p.current[e.SourceRowKey] = true
		}
	}

	out := make([]groupPlan, 0, len(byGroup))
	for _, p := range byGroup {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].group.String() < out[j].group.String() })
	return out
}

func (im *Importer) reconcileAll(ctx context.Context, path string, plans []groupPlan, replaceSource bool) []domain.GroupResult {
	results := make([]domain.GroupResult, len(plans))
	var g errgroup.Group
	g.SetLimit(im.opts.MaxParallelGroups)
	for i, p := range plans {
		g.Go(func() error {
			results[i] = im.reconcile(ctx, path, p, replaceSource)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// reconcile runs fetch history -> match -> persist -> mark committed ->
// invalidate for one group under its lock.
func (im *Importer) reconcile(ctx context.Context, path string, p groupPlan, replaceSource bool) domain.GroupResult {
	res := domain.GroupResult{Group: p.group}
	logger := im.logger.With(slog.String("path", path), slog.String("group", p.group.String()))
	failGroup := func(err error) domain.GroupResult {
		res.Error = err.Error()
		res.ErrorKind = domain.Classify(err)
		logger.ErrorContext(ctx, "group reconciliation failed",
			slog.String("kind", res.ErrorKind),
			slog.String("error", err.Error()),
		)
		return res
	}

	unlock, err := im.deps.Locker.Lock(ctx, p.group)
	if err != nil {
		return failGroup(err)
	}
	defer unlock()
	// Once the group is locked the pass runs to completion.
	ctx = context.WithoutCancel(ctx)

	history, err := im.deps.Positions.GetExecutions(ctx, p.group)
	if err != nil {
		return failGroup(fmt.Errorf("importer: history: %w", err))
	}
	before, err := im.deps.Positions.ListPositions(ctx, domain.PositionFilter{
		Instrument: p.group.Instrument,
		Account:    p.group.Account,
	})
	if err != nil {
		return failGroup(fmt.Errorf("importer: positions: %w", err))
	}

	var (
		all     = make([]domain.Execution, 0, len(history)+len(p.fresh))
		known   = make(map[string]bool, len(history))
		removed []string
		maxSeq  int64
	)
	for _, e := range history {
		maxSeq = max(maxSeq, e.Seq)
		if replaceSource && e.SourceFile == path && !p.current[e.SourceRowKey] {
			removed = append(removed, e.SourceRowKey)
			continue
		}
		known[e.SourceRowKey] = true
		all = append(all, e)
	}
	// New rows sort after everything already persisted when timestamps tie,
	// in file order. The store assigns the durable seqs in the same order.
	// A forced pass also restores file rows that are committed in the ledger
	// but missing from history.
	candidates := p.fresh
	if p.current != nil {
		candidates = p.file
	}
	var appended []domain.Execution
	for _, e := range candidates {
		if known[e.SourceRowKey] {
			continue
		}
		known[e.SourceRowKey] = true
		maxSeq++
		appended = append(appended, domain.Execution{RawExecution: e, Seq: maxSeq})
	}
	all = append(all, appended...)

	after, err := im.match(p.group, all)
	if err != nil {
		return failGroup(err)
	}
	for _, pos := range after {
		if err := pos.CheckInvariants(); err != nil {
			return failGroup(err)
		}
	}

	changed, affected := diff(before, after, appended)
	if len(appended) > 0 || len(removed) > 0 || changed > 0 {
		if err := im.deps.Positions.ReplacePositions(ctx, p.group, after, appended, removed); err != nil {
			return failGroup(fmt.Errorf("importer: persist: %w", err))
		}
	}
	if err := im.deps.Dedup.Forget(ctx, removed); err != nil {
		return failGroup(err)
	}
	// Marking only after the group write: a crash in between leaves the
	// rows eligible, and the next pass finds them in history.
	commit := p.fresh
	if p.current != nil {
		commit = p.file
	}
	if err := im.deps.Dedup.MarkCommitted(ctx, commit); err != nil {
		return failGroup(err)
	}
	if !affected.IsZero() && im.deps.Invalidator != nil {
		if err := im.deps.Invalidator.Invalidate(ctx, p.group, affected); err != nil {
			logger.WarnContext(ctx, "cache invalidation failed", slog.String("error", err.Error()))
		}
	}

	res.NewRows = len(appended)
	res.Positions = changed
	res.Affected = affected
	logger.DebugContext(ctx, "group reconciled",
		slog.Int("new_rows", len(appended)),
		slog.Int("removed_rows", len(removed)),
		slog.Int("positions", len(after)),
		slog.Int("changed", changed),
	)
	return res
}

// diff counts positions that differ between two reconciliations of a group
// and returns the time range they cover, widened to include the new fills.
func diff(before, after []domain.Position, appended []domain.Execution) (int, domain.DateRange) {
	var r domain.DateRange
	extend := func(from, to time.Time) {
		if r.From.IsZero() || from.Before(r.From) {
			r.From = from
		}
		if to.After(r.To) {
			r.To = to
		}
	}
	span := func(p domain.Position) { extend(p.EntryTime, p.LastActivity()) }

	old := make(map[string]domain.Position, len(before))
	for _, p := range before {
		old[p.ID] = p
	}
	changed := 0
	for _, p := range after {
		prev, ok := old[p.ID]
		delete(old, p.ID)
		if ok && prev.Equal(p) {
			continue
		}
		changed++
		span(p)
		if ok {
			span(prev)
		}
	}
	for _, p := range old {
		changed++
		span(p)
	}
	for _, e := range appended {
		extend(e.Timestamp, e.Timestamp)
	}
	return changed, r
}

func (im *Importer) newRecord(id domain.FileIdentity, r run, start time.Time) domain.ImportRecord {
	return domain.ImportRecord{
		ID:          ulid.Make().String(),
		Path:        id.Path,
		Signature:   id.Signature(),
		Size:        id.Size,
		ModTime:     id.ModTime,
		ProcessedAt: start,
		Manual:      r.manual,
	}
}

// describe fills the execution metadata the ledger uses to resolve
// reprocess selectors.
func describe(rec *domain.ImportRecord, rows []domain.RawExecution) {
	rec.RowCount = len(rows)
	seen := make(map[string]bool)
	for _, e := range rows {
		if !seen[e.Instrument] {
			seen[e.Instrument] = true
			rec.Instruments = append(rec.Instruments, e.Instrument)
		}
		ts := e.Timestamp
		if rec.FirstExecution == nil || ts.Before(*rec.FirstExecution) {
			rec.FirstExecution = &ts
		}
		if rec.LastExecution == nil || ts.After(*rec.LastExecution) {
			rec.LastExecution = &ts
		}
	}
	sort.Strings(rec.Instruments)
}

// finish writes the ledger record and runs the post-import side effects.
func (im *Importer) finish(ctx context.Context, logger *slog.Logger, rec domain.ImportRecord, fr *domain.FileResult) {
	if err := im.deps.Ledger.Append(ctx, rec); err != nil {
		logger.ErrorContext(ctx, "write import record", slog.String("error", err.Error()))
		fr.Error = fmt.Sprintf("importer: write import record: %v", err)
		fr.ErrorKind = domain.KindInternal
		fr.Retryable = true
		return
	}

	event := EventImportCompleted
	if rec.Status == domain.ImportStatusFailed {
		event = EventImportFailed
	}
	if im.deps.Audit != nil {
		detail := map[string]any{
			"record_id": rec.ID,
			"path":      rec.Path,
			"status":    string(rec.Status),
			"rows":      rec.RowCount,
			"new_rows":  rec.NewRows,
			"manual":    rec.Manual,
		}
		if rec.ErrorDetail != "" {
			detail["error"] = rec.ErrorDetail
		}
		if err := im.deps.Audit.Log(ctx, event, detail); err != nil {
			logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}

	if im.deps.Archiver != nil && rec.Status != domain.ImportStatusFailed {
		key, err := im.deps.Archiver.ArchiveImport(ctx, domain.FileIdentity{Path: rec.Path, Size: rec.Size, ModTime: rec.ModTime})
		if err != nil {
			logger.WarnContext(ctx, "archive failed", slog.String("error", err.Error()))
		} else {
			logger.DebugContext(ctx, "file archived", slog.String("key", key))
		}
	}

	if im.deps.Notifier != nil && rec.Status != domain.ImportStatusSuccess {
		notifyEvent, title := NotifyImportPartial, "Import partially applied"
		if rec.Status == domain.ImportStatusFailed {
			notifyEvent, title = NotifyImportFailed, "Import failed"
		}
		msg := fmt.Sprintf("%s\nrecord %s: %s", rec.Path, rec.ID, rec.ErrorDetail)
		if err := im.deps.Notifier.Notify(ctx, notifyEvent, title, msg); err != nil {
			logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
}

func fail(fr domain.FileResult, err error, retryable bool) domain.FileResult {
	fr.Outcome = domain.OutcomeFailed
	fr.Error = err.Error()
	fr.ErrorKind = domain.Classify(err)
	fr.Retryable = retryable
	return fr
}
