package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/omnilingual/langmeta/internal/cache"
	"github.com/omnilingual/langmeta/internal/iso"
	"github.com/omnilingual/langmeta/internal/merge"
	"github.com/omnilingual/langmeta/internal/model"
	"github.com/omnilingual/langmeta/internal/resilience"
	"github.com/omnilingual/langmeta/internal/universe"
	"github.com/omnilingual/langmeta/pkg/wikidata"
)

var (
	testClock = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	allCodes  = []string{"hin_Deva", "mar_Deva", "ben_Beng", "arb_Arab", "fra_Latn"}
)

func i64(v int64) *int64 { return &v }

func indoAryan(leaf string) model.Languoid {
	return model.Languoid{
		"id": leaf,
		"classification": []any{
			map[string]any{"name": "Indo-European"},
			map[string]any{"name": "Indo-Iranian"},
			map[string]any{"name": "Indo-Aryan"},
			map[string]any{"name": leaf},
		},
		"latitude":  25.0,
		"longitude": 77.0,
	}
}

func testCore() map[string]model.CoreFacts {
	return map[string]model.CoreFacts{
		"hin": {Autonym: "हिन्दी", Speakers: i64(345_000_000), Glottocode: "hind1269", Wikipedia: "hi"},
		"mar": {Autonym: "मराठी", Speakers: i64(83_000_000), Glottocode: "mara1378", Wikipedia: "mr"},
		"ben": {Speakers: i64(230_000_000), Glottocode: "beng1280"},
		"arb": {Glottocode: "stan1318"},
	}
}

func testGeo() map[string]model.GeoFacts {
	return map[string]model.GeoFacts{
		"hin": {CountriesISO2: []string{"IN", "NP"}, CountriesLabels: []string{"India", "Nepal"}, Regions: []string{"Uttar Pradesh"}},
		"mar": {CountriesISO2: []string{"IN"}, CountriesLabels: []string{"India"}, Regions: []string{"Maharashtra"}},
	}
}

func testLanguoids() map[string]model.Languoid {
	return map[string]model.Languoid{
		"hind1269": indoAryan("Hindi"),
		"mara1378": indoAryan("Marathi"),
	}
}

func testMerger() *merge.Merger {
	reg := iso.NewRegistry(
		iso.Entry{ID: "hin", RefName: "Hindi"},
		iso.Entry{ID: "mar", RefName: "Marathi"},
		iso.Entry{ID: "ben", RefName: "Bengali"},
		iso.Entry{ID: "arb", RefName: "Standard Arabic"},
		iso.Entry{ID: "fra", RefName: "French"},
	)
	return merge.NewMerger(reg, merge.DefaultRules(), merge.DefaultScriptTable(),
		merge.WithClock(func() time.Time { return testClock }))
}

func testOptions(dir string) Options {
	out := filepath.Join(dir, "out")
	return Options{
		BatchSize:       2,
		Pause:           500 * time.Millisecond,
		OutputPath:      filepath.Join(out, "languages.json"),
		ProgressPath:    filepath.Join(out, "progress.json"),
		SkippedPath:     filepath.Join(out, "skipped.json"),
		SkipTriggerPath: filepath.Join(dir, "skip_batch"),
	}
}

// happySources returns mocks that answer every call with the fixtures.
func happySources() (*mockKnowledgeGraph, *mockClassifier) {
	kg := &mockKnowledgeGraph{}
	kg.On("FetchCore", mock.Anything, mock.Anything).Return(testCore(), nil).Maybe()
	kg.On("FetchGeo", mock.Anything, mock.Anything, mock.Anything).Return(testGeo()).Maybe()
	cl := &mockClassifier{}
	cl.On("FetchMany", mock.Anything, mock.Anything).Return(testLanguoids()).Maybe()
	return kg, cl
}

type harness struct {
	builder *Builder
	sleeps  []time.Duration
	reports []BatchReport
}

func newHarness(opts Options, codes []string, kg KnowledgeGraph, cl Classifier) *harness {
	h := &harness{}
	h.builder = New(opts, []universe.Provider{staticProvider{codes: codes}}, kg, cl, testMerger(),
		WithRunID("run-1"),
		WithClock(func() time.Time { return testClock }),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
		WithBatchHook(func(r BatchReport) {
			h.reports = append(h.reports, r)
		}),
	)
	return h
}

func readRecord(t *testing.T, out Output, code string) map[string]any {
	t.Helper()
	rec, ok := out[code].(map[string]any)
	require.True(t, ok, "record %s missing", code)
	return rec
}

func TestRunBuildsEveryBatch(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	kg, cl := happySources()
	h := newHarness(opts, allCodes, kg, cl)

	sum, err := h.builder.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "run-1", sum.RunID)
	assert.Equal(t, "static", sum.UniverseSource)
	assert.Equal(t, 5, sum.TotalSupported)
	assert.Equal(t, 5, sum.AfterFilter)
	assert.Equal(t, 0, sum.AlreadyBuilt)
	assert.Equal(t, 5, sum.ToProcess)
	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, 5, sum.Written)
	assert.Equal(t, 0, sum.SkippedBatches)
	assert.Equal(t, 5, sum.OutputRecords)
	assert.Equal(t, StateDone, h.builder.State())

	// Pause only between batches.
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, h.sleeps)
	require.Len(t, h.reports, 3)
	for _, r := range h.reports {
		assert.Equal(t, OutcomeOK, r.Outcome)
	}
	kg.AssertNumberOfCalls(t, "FetchCore", 3)
	kg.AssertCalled(t, "FetchCore", mock.Anything, []string{"hin", "mar"})

	out, err := LoadOutput(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"arb_Arab", "ben_Beng", "fra_Latn", "hin_Deva", "mar_Deva"}, out.Codes())

	hin := readRecord(t, out, "hin_Deva")
	assert.Equal(t, []any{"mar_Deva"}, hin["related_languages"])
	assert.Equal(t, []any{"IN", "NP"}, hin["primary_countries"])
	family := hin["language_family"].(map[string]any)
	assert.Equal(t, "Indo-Aryan", family["value"])

	fra := readRecord(t, out, "fra_Latn")
	assert.Nil(t, fra["autonym"])
	assert.Equal(t, []any{}, fra["related_languages"])

	progress, ok, err := LoadProgress(opts.ProgressPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, out.Codes(), progress.Done)
	assert.Equal(t, 5, progress.DoneCount)
	assert.Equal(t, 5, progress.Total)
	assert.True(t, progress.Timestamp.Equal(testClock))

	_, err = os.Stat(opts.SkippedPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "no skip registry without skips")
}

func TestRunIsDeterministic(t *testing.T) {
	var outputs [][]byte
	for range 2 {
		opts := testOptions(t.TempDir())
		kg, cl := happySources()
		_, err := newHarness(opts, allCodes, kg, cl).builder.Run(context.Background())
		require.NoError(t, err)
		data, err := os.ReadFile(opts.OutputPath)
		require.NoError(t, err)
		outputs = append(outputs, data)
	}
	assert.Equal(t, string(outputs[0]), string(outputs[1]))
	assert.Contains(t, string(outputs[0]), "हिन्दी")
}

func TestRunNothingToDoWritesNothing(t *testing.T) {
	opts := testOptions(t.TempDir())
	kg, cl := happySources()
	_, err := newHarness(opts, allCodes, kg, cl).builder.Run(context.Background())
	require.NoError(t, err)

	before, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	require.NoError(t, os.Remove(opts.ProgressPath))

	kg2, cl2 := happySources()
	h := newHarness(opts, allCodes, kg2, cl2)
	sum, err := h.builder.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, sum.AlreadyBuilt)
	assert.Equal(t, 0, sum.ToProcess)
	assert.Equal(t, 0, sum.Batches)
	assert.Equal(t, 5, sum.OutputRecords)
	kg2.AssertNotCalled(t, "FetchCore", mock.Anything, mock.Anything)
	assert.Empty(t, h.sleeps)

	after, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = os.Stat(opts.ProgressPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "progress must not be rewritten")
}

func TestRunResumesWithLimit(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.Limit = 2
	kg, cl := happySources()
	sum, err := newHarness(opts, allCodes, kg, cl).builder.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ToProcess)
	assert.Equal(t, 1, sum.Batches)

	out, err := LoadOutput(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"hin_Deva", "mar_Deva"}, out.Codes())

	opts.Limit = 0
	kg2, cl2 := happySources()
	sum, err = newHarness(opts, allCodes, kg2, cl2).builder.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.AlreadyBuilt)
	assert.Equal(t, 3, sum.ToProcess)
	assert.Equal(t, 5, sum.OutputRecords)
	kg2.AssertNotCalled(t, "FetchCore", mock.Anything, []string{"hin", "mar"})
	kg2.AssertCalled(t, "FetchCore", mock.Anything, []string{"arb", "ben"})

	progress, _, err := LoadProgress(opts.ProgressPath)
	require.NoError(t, err)
	assert.Equal(t, 5, progress.DoneCount)
	assert.Equal(t, 5, progress.Total)
}

func TestRunAppliesScriptFilterAndSkipList(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.Scripts = universe.ParseScriptFilter("Deva")
	opts.SkipList = universe.NewSkipList("mar")
	kg, cl := happySources()

	sum, err := newHarness(opts, allCodes, kg, cl).builder.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sum.TotalSupported)
	assert.Equal(t, 1, sum.AfterFilter)
	assert.Equal(t, 1, sum.SkipListed)

	out, err := LoadOutput(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"hin_Deva"}, out.Codes())
	assert.Equal(t, []any{}, readRecord(t, out, "hin_Deva")["related_languages"])

	progress, _, err := LoadProgress(opts.ProgressPath)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Total)
}

func TestRunRecordsFailuresAndContinues(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"transient", resilience.NewTransientError(errors.New("status 503"), 503), "error:transient"},
		{"malformed", eris.Wrap(wikidata.ErrMalformedResponse, "decode"), "error:malformed"},
		{"cache", cache.StoreFailure("get", errors.New("disk full")), "error:cache"},
		{"internal", errors.New("boom"), "error:internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t.TempDir())
			codes := []string{"hin_Deva", "mar_Deva", "ben_Beng", "arb_Arab"}

			kg := &mockKnowledgeGraph{}
			kg.On("FetchCore", mock.Anything, []string{"hin", "mar"}).Return(nil, tt.err)
			kg.On("FetchCore", mock.Anything, []string{"arb", "ben"}).Return(testCore(), nil)
			kg.On("FetchGeo", mock.Anything, mock.Anything, false).Return(testGeo())
			cl := &mockClassifier{}
			cl.On("FetchMany", mock.Anything, mock.Anything).Return(testLanguoids())

			h := newHarness(opts, codes, kg, cl)
			sum, err := h.builder.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 1, sum.SkippedBatches)
			assert.Equal(t, map[string]int{tt.reason: 1}, sum.SkipReasons)
			assert.Equal(t, 2, sum.Written)
			require.Len(t, h.reports, 2)
			assert.Equal(t, OutcomeFailed, h.reports[0].Outcome)
			assert.Equal(t, OutcomeOK, h.reports[1].Outcome)

			reg, err := LoadSkipRegistry(opts.SkippedPath)
			require.NoError(t, err)
			require.Len(t, reg.Batches, 1)
			assert.Equal(t, tt.reason, reg.Batches[0].Reason)
			assert.Equal(t, []string{"hin_Deva", "mar_Deva"}, reg.Batches[0].Codes)
			assert.Equal(t, "run-1", reg.Batches[0].RunID)
			assert.True(t, reg.Batches[0].Timestamp.Equal(testClock))

			out, err := LoadOutput(opts.OutputPath)
			require.NoError(t, err)
			assert.Equal(t, []string{"arb_Arab", "ben_Beng"}, out.Codes())
		})
	}
}

func TestRunSkipsBatchOnTimeout(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.BatchSize = 10
	opts.MaxBatchTime = 30 * time.Millisecond

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	kg := &mockKnowledgeGraph{}
	kg.On("FetchCore", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil, errors.New("released"))
	cl := &mockClassifier{}

	h := newHarness(opts, []string{"hin_Deva", "mar_Deva"}, kg, cl)
	sum, err := h.builder.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]int{model.ReasonTimeout: 1}, sum.SkipReasons)
	require.Len(t, h.reports, 1)
	assert.Equal(t, OutcomeFailed, h.reports[0].Outcome)
	assert.Equal(t, model.ReasonTimeout, h.reports[0].Reason)

	reg, err := LoadSkipRegistry(opts.SkippedPath)
	require.NoError(t, err)
	require.Len(t, reg.Batches, 1)
	assert.Equal(t, "timeout", reg.Batches[0].Reason)

	out, err := LoadOutput(opts.OutputPath)
	require.NoError(t, err)
	assert.Empty(t, out)

	progress, ok, err := LoadProgress(opts.ProgressPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, progress.DoneCount)
	assert.Equal(t, 2, progress.Total)
}

func TestRunTimeoutCancelsBatchContext(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.BatchSize = 10
	opts.MaxBatchTime = 20 * time.Millisecond

	kg := &mockKnowledgeGraph{}
	kg.On("FetchCore", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	sum, err := newHarness(opts, []string{"hin_Deva"}, kg, &mockClassifier{}).builder.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"timeout": 1}, sum.SkipReasons)
}

func TestRunHonoursManualSkipTrigger(t *testing.T) {
	opts := testOptions(t.TempDir())
	require.NoError(t, os.WriteFile(opts.SkipTriggerPath, nil, 0o644))
	kg, cl := happySources()

	h := newHarness(opts, []string{"hin_Deva", "mar_Deva", "ben_Beng", "arb_Arab"}, kg, cl)
	sum, err := h.builder.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]int{model.ReasonManualTrigger: 1}, sum.SkipReasons)
	kg.AssertNumberOfCalls(t, "FetchCore", 1)
	_, err = os.Stat(opts.SkipTriggerPath)
	assert.True(t, errors.Is(err, os.ErrNotExist), "trigger must be consumed")

	reg, err := LoadSkipRegistry(opts.SkippedPath)
	require.NoError(t, err)
	require.Len(t, reg.Batches, 1)
	assert.Equal(t, "manual-trigger", reg.Batches[0].Reason)
	assert.Equal(t, []string{"hin_Deva", "mar_Deva"}, reg.Batches[0].Codes)

	out, err := LoadOutput(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"arb_Arab", "ben_Beng"}, out.Codes())

	// Skipped codes are picked up again by the next run.
	kg2, cl2 := happySources()
	sum, err = newHarness(opts, []string{"hin_Deva", "mar_Deva", "ben_Beng", "arb_Arab"}, kg2, cl2).builder.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.ToProcess)
	assert.Equal(t, 0, sum.SkippedBatches)
}

func TestRunDropsCodesThatFailToMerge(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.BatchSize = 10
	kg, cl := happySources()

	sum, err := newHarness(opts, []string{"hin_Deva", "zzz_Latn"}, kg, cl).builder.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Written)
	assert.Equal(t, 0, sum.SkippedBatches)
	assert.Equal(t, 1, sum.DroppedCodes)
	assert.Equal(t, map[string]int{"error:reference": 1}, sum.SkipReasons)

	out, err := LoadOutput(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"hin_Deva"}, out.Codes())

	// Every code missing from the output is explained by the skip registry.
	reg, err := LoadSkipRegistry(opts.SkippedPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"zzz_Latn"}, reg.Codes())
	require.Len(t, reg.Batches, 1)
	assert.Equal(t, "error:reference", reg.Batches[0].Reason)
	assert.Equal(t, "run-1", reg.Batches[0].RunID)

	progress, ok, err := LoadProgress(opts.ProgressPath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"hin_Deva"}, progress.Done)
	assert.Equal(t, 2, progress.Total)
}

func TestRunIgnoresSkipTriggerItCannotRemove(t *testing.T) {
	opts := testOptions(t.TempDir())
	// A non-empty directory exists but cannot be removed.
	require.NoError(t, os.MkdirAll(opts.SkipTriggerPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(opts.SkipTriggerPath, "keep"), nil, 0o644))
	kg, cl := happySources()

	sum, err := newHarness(opts, []string{"hin_Deva", "mar_Deva", "ben_Beng", "arb_Arab"}, kg, cl).builder.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.SkippedBatches)
	assert.Equal(t, 4, sum.Written)
	kg.AssertNumberOfCalls(t, "FetchCore", 2)
}

func TestRunRecordsReferenceErrorWhenNothingMerges(t *testing.T) {
	opts := testOptions(t.TempDir())
	kg, cl := happySources()

	sum, err := newHarness(opts, []string{"zzz_Latn"}, kg, cl).builder.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"error:reference": 1}, sum.SkipReasons)
}

func TestRunSkipGeo(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.SkipGeo = true
	kg, cl := happySources()

	_, err := newHarness(opts, []string{"hin_Deva"}, kg, cl).builder.Run(context.Background())
	require.NoError(t, err)
	kg.AssertNotCalled(t, "FetchGeo", mock.Anything, mock.Anything, mock.Anything)

	out, err := LoadOutput(opts.OutputPath)
	require.NoError(t, err)
	hin := readRecord(t, out, "hin_Deva")
	assert.Equal(t, []any{}, hin["primary_countries"])
	assert.Nil(t, hin["provenance"].(map[string]any)["geo"])
}

func TestRunSimpleGeo(t *testing.T) {
	opts := testOptions(t.TempDir())
	opts.SimpleGeo = true
	kg, cl := happySources()

	_, err := newHarness(opts, []string{"hin_Deva"}, kg, cl).builder.Run(context.Background())
	require.NoError(t, err)
	kg.AssertCalled(t, "FetchGeo", mock.Anything, []string{"hin"}, true)
	cl.AssertCalled(t, "FetchMany", mock.Anything, []string{"hind1269"})
}

func TestRunRefusesLockedOutput(t *testing.T) {
	opts := testOptions(t.TempDir())
	require.NoError(t, os.MkdirAll(filepath.Dir(opts.OutputPath), 0o755))
	lock := flock.New(opts.OutputPath + ".lock")
	ok, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Unlock() //nolint:errcheck

	kg, cl := happySources()
	_, err = newHarness(opts, allCodes, kg, cl).builder.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)
	kg.AssertNotCalled(t, "FetchCore", mock.Anything, mock.Anything)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	opts := testOptions(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	kg, cl := happySources()

	_, err := newHarness(opts, allCodes, kg, cl).builder.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(opts.OutputPath)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestRunFailsWithoutUniverse(t *testing.T) {
	opts := testOptions(t.TempDir())
	kg, cl := happySources()
	b := New(opts, nil, kg, cl, testMerger())

	_, err := b.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no code source available")
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunk([]string{"a", "b", "c"}, 2))
	assert.Nil(t, chunk(nil, 2))
}
