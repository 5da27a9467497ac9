// Package build runs the incremental metadata build: it selects the codes
// still missing from the output, processes them in batches, and persists
// records, progress and skipped batches after every batch.
package build

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/omnilingual/langmeta/internal/merge"
	"github.com/omnilingual/langmeta/internal/model"
	"github.com/omnilingual/langmeta/internal/resilience"
	"github.com/omnilingual/langmeta/internal/universe"
)

// State is the builder's position in a run.
type State string

const (
	StateIdle            State = "idle"
	StateLoadingUniverse State = "loading_universe"
	StateFiltering       State = "filtering"
	StateResuming        State = "resuming"
	StateBatching        State = "batching"
	StateProcessing      State = "processing_batch"
	StateSkipping        State = "skipping_batch"
	StateDone            State = "done"
)

// Batch outcomes reported to hooks and logs.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// KnowledgeGraph supplies core facts and geography per base identifier.
type KnowledgeGraph interface {
	FetchCore(ctx context.Context, ids []string) (map[string]model.CoreFacts, error)
	FetchGeo(ctx context.Context, ids []string, simple bool) map[string]model.GeoFacts
}

// Classifier supplies Glottolog languoids per glottocode.
type Classifier interface {
	FetchMany(ctx context.Context, codes []string) map[string]model.Languoid
}

// Merger turns the facts for one code into a record.
type Merger interface {
	Merge(in merge.Input) (*model.Language, error)
}

// Options controls a run.
type Options struct {
	Scripts   universe.ScriptFilter
	SkipList  *universe.SkipList
	BatchSize int
	// Limit caps the codes processed this run; 0 means no cap.
	Limit        int
	MaxBatchTime time.Duration
	Pause        time.Duration
	SkipGeo      bool
	SimpleGeo    bool

	OutputPath      string
	ProgressPath    string
	SkippedPath     string
	SkipTriggerPath string
}

// BatchReport describes one finished batch.
type BatchReport struct {
	Index   int
	Total   int
	Codes   []string
	Outcome string
	Reason  string
	Records int
	Elapsed time.Duration
}

// Summary describes a finished run.
type Summary struct {
	RunID          string
	UniverseSource string
	TotalSupported int
	AfterFilter    int
	SkipListed     int
	AlreadyBuilt   int
	ToProcess      int
	Batches        int
	Written        int
	SkippedBatches int
	DroppedCodes   int // codes left out of otherwise successful batches
	SkipReasons    map[string]int
	OutputRecords  int
	Elapsed        time.Duration
}

// Builder runs incremental builds. A Builder is used for one run at a time.
type Builder struct {
	opts       Options
	providers  []universe.Provider
	kg         KnowledgeGraph
	classifier Classifier
	merger     Merger

	runID   string
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	onBatch func(BatchReport)

	mu    sync.Mutex
	state State
	log   *zap.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock sets the time source for registry and progress timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		b.now = now
	}
}

// WithSleep replaces the pause between batches (for testing).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Builder) {
		b.sleep = fn
	}
}

// WithRunID sets the run identifier written to the skip registry.
func WithRunID(id string) Option {
	return func(b *Builder) {
		b.runID = id
	}
}

// WithBatchHook is called after every batch, from the run goroutine.
func WithBatchHook(fn func(BatchReport)) Option {
	return func(b *Builder) {
		b.onBatch = fn
	}
}

// New creates a Builder with all dependencies.
func New(
	opts Options,
	providers []universe.Provider,
	kg KnowledgeGraph,
	classifier Classifier,
	merger Merger,
	options ...Option,
) *Builder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	if opts.SkipList == nil {
		opts.SkipList = universe.NewSkipList()
	}
	b := &Builder{
		opts:       opts,
		providers:  providers,
		kg:         kg,
		classifier: classifier,
		merger:     merger,
		runID:      uuid.NewString(),
		now:        time.Now,
		sleep:      resilience.SleepContext,
		state:      StateIdle,
	}
	for _, o := range options {
		o(b)
	}
	b.log = zap.L().With(zap.String("component", "build"), zap.String("run_id", b.runID))
	return b
}

// State returns the current state.
func (b *Builder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Builder) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

// Run performs one incremental build. Batch failures are recorded and do not
// stop the run; configuration problems and cancellation of ctx do.
func (b *Builder) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	sum := &Summary{RunID: b.runID, SkipReasons: make(map[string]int)}
	defer func() { sum.Elapsed = time.Since(start) }()

	b.setState(StateLoadingUniverse)
	all, source, err := universe.Load(ctx, b.providers...)
	if err != nil {
		return sum, eris.Wrap(err, "build: load code universe")
	}
	sum.UniverseSource = source
	sum.TotalSupported = len(all)

	b.setState(StateFiltering)
	filtered := b.opts.Scripts.Apply(all)
	target := b.opts.SkipList.Apply(filtered)
	sum.SkipListed = len(filtered) - len(target)
	sum.AfterFilter = len(target)

	b.setState(StateResuming)
	unlock, err := b.lockOutput()
	if err != nil {
		return sum, err
	}
	defer unlock()

	existing, err := LoadOutput(b.opts.OutputPath)
	if err != nil {
		return sum, err
	}
	sum.AlreadyBuilt = len(existing)

	remaining := make([]string, 0, len(target))
	for _, code := range target {
		if _, done := existing[code]; !done {
			remaining = append(remaining, code)
		}
	}
	if b.opts.Limit > 0 && len(remaining) > b.opts.Limit {
		remaining = remaining[:b.opts.Limit]
	}
	sum.ToProcess = len(remaining)
	sum.OutputRecords = len(existing)

	b.log.Info("build plan",
		zap.String("universe_source", source),
		zap.Int("total_supported", sum.TotalSupported),
		zap.Int("after_filter", sum.AfterFilter),
		zap.Int("skip_listed", sum.SkipListed),
		zap.Int("already_built", sum.AlreadyBuilt),
		zap.Int("to_process", sum.ToProcess),
	)

	if len(remaining) == 0 {
		b.log.Info("nothing to do, everything already built for the selected scripts")
		b.setState(StateDone)
		return sum, nil
	}

	b.setState(StateBatching)
	batches := chunk(remaining, b.opts.BatchSize)
	sum.Batches = len(batches)

	for i, codes := range batches {
		if err := ctx.Err(); err != nil {
			return sum, eris.Wrap(err, "build: run cancelled")
		}

		report := b.runBatch(ctx, i, len(batches), codes, existing, sum)
		if err := ctx.Err(); err != nil {
			return sum, eris.Wrap(err, "build: run cancelled")
		}
		if report.err != nil {
			return sum, report.err
		}
		if b.onBatch != nil {
			b.onBatch(report.BatchReport)
		}

		if i < len(batches)-1 {
			if err := b.sleep(ctx, b.opts.Pause); err != nil {
				return sum, eris.Wrap(err, "build: run cancelled")
			}
		}
	}

	sum.OutputRecords = len(existing)
	b.setState(StateDone)
	b.log.Info("build finished",
		zap.Int("written", sum.Written),
		zap.Int("skipped_batches", sum.SkippedBatches),
		zap.Int("output_records", sum.OutputRecords),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sum, nil
}

type batchResult struct {
	BatchReport
	// err is set only for failures that must stop the run (persistence).
	err error
}

// runBatch handles one batch end to end, including persistence.
func (b *Builder) runBatch(ctx context.Context, index, total int, codes []string, existing Output, sum *Summary) batchResult {
	log := b.log.With(zap.Int("batch", index+1), zap.Int("of", total))
	report := BatchReport{Index: index, Total: total, Codes: codes}
	start := time.Now()

	if b.skipTriggered(log) {
		b.setState(StateSkipping)
		report.Outcome, report.Reason = OutcomeSkipped, model.ReasonManualTrigger
		log.Warn("batch skipped", zap.String("reason", report.Reason), zap.Strings("codes", codes))
		return b.finishSkipped(report, existing, sum)
	}

	b.setState(StateProcessing)
	log.Info("processing batch", zap.Int("codes", len(codes)))

	processed, err := b.processWithTimeout(ctx, codes)
	report.Elapsed = time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return batchResult{BatchReport: report}
		}
		report.Outcome = OutcomeFailed
		if errors.Is(err, ErrBatchTimeout) {
			report.Reason = model.ReasonTimeout
		} else {
			report.Reason = model.ErrorReason(ErrorKind(err))
		}
		log.Warn("batch failed",
			zap.String("reason", report.Reason),
			zap.Strings("codes", codes),
			zap.Duration("elapsed", report.Elapsed),
			zap.Error(err),
		)
		return b.finishSkipped(report, existing, sum)
	}

	for _, rec := range processed.records {
		if err := existing.put(rec); err != nil {
			return batchResult{BatchReport: report, err: err}
		}
	}
	if err := b.persist(existing, sum); err != nil {
		return batchResult{BatchReport: report, err: err}
	}

	// Dropped codes go to the registry so every missing code has a reason.
	dropped := 0
	for _, reason := range sortedReasons(processed.dropped) {
		dc := processed.dropped[reason]
		if err := b.recordSkip(reason, dc); err != nil {
			return batchResult{BatchReport: report, err: err}
		}
		sum.SkipReasons[reason]++
		dropped += len(dc)
	}
	sum.DroppedCodes += dropped

	report.Outcome = OutcomeOK
	report.Records = len(processed.records)
	sum.Written += len(processed.records)
	log.Info("batch ok",
		zap.Int("records", len(processed.records)),
		zap.Int("dropped", dropped),
		zap.Duration("elapsed", report.Elapsed),
	)
	return batchResult{BatchReport: report}
}

func sortedReasons(m map[string][]string) []string {
	reasons := make([]string, 0, len(m))
	for r := range m {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	return reasons
}

func (b *Builder) finishSkipped(report BatchReport, existing Output, sum *Summary) batchResult {
	sum.SkippedBatches++
	sum.SkipReasons[report.Reason]++
	if err := b.recordSkip(report.Reason, report.Codes); err != nil {
		return batchResult{BatchReport: report, err: err}
	}
	if err := b.persist(existing, sum); err != nil {
		return batchResult{BatchReport: report, err: err}
	}
	return batchResult{BatchReport: report}
}

// processWithTimeout runs the batch under its own deadline. A batch that
// overruns is abandoned; its context is cancelled so in-flight requests stop.
func (b *Builder) processWithTimeout(ctx context.Context, codes []string) (*batchOutput, error) {
	bctx, cancel := ctx, context.CancelFunc(func() {})
	if b.opts.MaxBatchTime > 0 {
		bctx, cancel = context.WithTimeout(ctx, b.opts.MaxBatchTime)
	}
	defer cancel()

	type result struct {
		out *batchOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := b.processBatch(bctx, codes)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(bctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, eris.Wrapf(ErrBatchTimeout, "build: batch exceeded %s", b.opts.MaxBatchTime)
		}
		return r.out, r.err
	case <-bctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, eris.Wrapf(ErrBatchTimeout, "build: batch exceeded %s", b.opts.MaxBatchTime)
	}
}

// persist writes the output and the progress snapshot.
func (b *Builder) persist(existing Output, sum *Summary) error {
	if err := writeJSON(b.opts.OutputPath, existing); err != nil {
		return err
	}
	done := existing.Codes()
	progress := model.Progress{
		Timestamp: b.now().UTC(),
		Done:      done,
		DoneCount: len(done),
		Total:     sum.AfterFilter,
	}
	return writeJSON(b.opts.ProgressPath, progress)
}

// recordSkip appends an entry to the skip registry.
func (b *Builder) recordSkip(reason string, codes []string) error {
	reg, err := LoadSkipRegistry(b.opts.SkippedPath)
	if err != nil {
		return err
	}
	reg.Batches = append(reg.Batches, model.SkipEntry{
		Timestamp: b.now().UTC(),
		Reason:    reason,
		Codes:     codes,
		RunID:     b.runID,
	})
	return writeJSON(b.opts.SkippedPath, reg)
}

// skipTriggered consumes the manual skip sentinel if it exists.
func (b *Builder) skipTriggered(log *zap.Logger) bool {
	path := b.opts.SkipTriggerPath
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn("cannot check skip trigger", zap.String("path", path), zap.Error(err))
		}
		return false
	}
	// A trigger that cannot be consumed would skip every later batch.
	if err := os.Remove(path); err != nil {
		log.Error("cannot remove skip trigger, ignoring it", zap.String("path", path), zap.Error(err))
		return false
	}
	return true
}

// lockOutput takes the advisory lock next to the output file.
func (b *Builder) lockOutput() (func(), error) {
	dir := filepath.Dir(b.opts.OutputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "build: create dir %s", dir)
	}
	lock := flock.New(b.opts.OutputPath + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "build: lock %s", lock.Path())
	}
	if !ok {
		return nil, eris.Wrapf(ErrLocked, "build: %s", b.opts.OutputPath)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			b.log.Warn("failed to release output lock", zap.Error(err))
		}
	}, nil
}

func chunk(codes []string, size int) [][]string {
	var out [][]string
	for i := 0; i < len(codes); i += size {
		out = append(out, codes[i:min(i+size, len(codes))])
	}
	return out
}
