package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/dustin/go-humanize"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omnilingual/langmeta/internal/build"
	"github.com/omnilingual/langmeta/internal/cache"
	"github.com/omnilingual/langmeta/internal/config"
	"github.com/omnilingual/langmeta/internal/fetcher"
	"github.com/omnilingual/langmeta/internal/iso"
	"github.com/omnilingual/langmeta/internal/merge"
	"github.com/omnilingual/langmeta/internal/resilience"
	"github.com/omnilingual/langmeta/internal/universe"
	"github.com/omnilingual/langmeta/pkg/glottolog"
	"github.com/omnilingual/langmeta/pkg/wikidata"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build or extend the language metadata file",
	Long: "Processes every supported code that is not yet in the output file, in batches. " +
		"Progress is saved after each batch, so an interrupted build resumes where it stopped. " +
		"Create the skip-trigger file to skip the next batch.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := applyBuildFlags(cmd, cfg); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		noProgress, _ := cmd.Flags().GetBool("no-progress")

		return runBuild(ctx, cfg, cmd.OutOrStdout(), !noProgress && stderrIsTerminal())
	},
}

func init() {
	f := buildCmd.Flags()
	f.String("scripts", "", "comma-separated script codes to build, or * for all (default from config)")
	f.Int("batch-size", 0, "codes per batch (default from config)")
	f.Int("limit", 0, "maximum number of codes to process this run, 0 for no limit")
	f.String("out", "", "output file (default from config)")
	f.String("skip-trigger", "", "file whose presence skips the next batch (default from config)")
	f.Int("max-batch-seconds", 0, "time budget per batch in seconds (default from config)")
	f.String("skiplist", "", "file of codes or base identifiers never to build")
	f.Bool("skip-geo", false, "do not fetch countries and regions")
	f.Bool("simple-geo", false, "fetch official-language countries only")
	f.Bool("no-progress", false, "disable the progress bar")
	rootCmd.AddCommand(buildCmd)
}

// applyBuildFlags copies explicitly set flags over the loaded config.
func applyBuildFlags(cmd *cobra.Command, c *config.Config) error {
	f := cmd.Flags()
	var err error
	if f.Changed("scripts") {
		c.Build.Scripts, err = f.GetString("scripts")
	}
	if err == nil && f.Changed("batch-size") {
		c.Build.BatchSize, err = f.GetInt("batch-size")
	}
	if err == nil && f.Changed("limit") {
		c.Build.Limit, err = f.GetInt("limit")
	}
	if err == nil && f.Changed("out") {
		c.Paths.Output, err = f.GetString("out")
	}
	if err == nil && f.Changed("skip-trigger") {
		c.Paths.SkipTrigger, err = f.GetString("skip-trigger")
	}
	if err == nil && f.Changed("max-batch-seconds") {
		c.Build.MaxBatchSeconds, err = f.GetInt("max-batch-seconds")
	}
	if err == nil && f.Changed("skiplist") {
		c.Paths.SkipList, err = f.GetString("skiplist")
	}
	if err == nil && f.Changed("skip-geo") {
		c.Build.SkipGeo, err = f.GetBool("skip-geo")
	}
	if err == nil && f.Changed("simple-geo") {
		c.Build.SimpleGeo, err = f.GetBool("simple-geo")
	}
	return eris.Wrap(err, "build: read flags")
}

func runBuild(ctx context.Context, c *config.Config, out io.Writer, showBar bool) error {
	log := zap.L().With(zap.String("component", "cmd.build"))

	store, closeStore, err := cache.Open(ctx, cache.Options{
		Driver: c.Cache.Driver,
		Dir:    c.Cache.Dir,
		Path:   c.Cache.Path,
	})
	if err != nil {
		return eris.Wrap(err, "build: open cache")
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Warn("failed to close cache", zap.Error(err))
		}
	}()

	registry, err := iso.Open(ctx, fetcher.NewHTTPFetcher(fetcher.HTTPOptions{UserAgent: c.Wikidata.UserAgent}), iso.Options{
		Dir:          c.ISO.Dir,
		CodesURL:     c.ISO.CodesURL,
		NameIndexURL: c.ISO.NameIndexURL,
	})
	if err != nil {
		return eris.Wrap(err, "build: open ISO 639-3 registry")
	}

	scripts, err := merge.LoadScriptTable(c.Paths.ScriptTable)
	if err != nil {
		return err
	}
	skipList, err := universe.LoadSkipList(c.Paths.SkipList)
	if err != nil {
		return err
	}

	builder := build.New(
		buildOptions(c, skipList),
		codeProviders(c),
		newWikidataClient(c, store),
		newGlottologClient(c, store),
		merge.NewMerger(registry, merge.DefaultRules(), scripts),
		build.WithBatchHook(newBatchBar(showBar).report),
	)

	sum, err := builder.Run(ctx)
	if err != nil {
		log.Error("build stopped", zap.String("state", string(builder.State())), zap.Error(err))
		return err
	}
	printSummary(out, sum)
	printCacheStats(ctx, out, store)
	return nil
}

// cacheStatser is implemented by stores that count their entries.
type cacheStatser interface {
	Stats(ctx context.Context) (entries int, hits int64, err error)
}

func printCacheStats(ctx context.Context, w io.Writer, store cache.Store) {
	st, ok := store.(cacheStatser)
	if !ok {
		return
	}
	entries, hits, err := st.Stats(ctx)
	if err != nil {
		zap.L().Warn("cache stats unavailable", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "Cache: %s responses, %s reused\n", humanize.Comma(int64(entries)), humanize.Comma(hits))
}

func buildOptions(c *config.Config, skipList *universe.SkipList) build.Options {
	return build.Options{
		Scripts:         universe.ParseScriptFilter(c.Build.Scripts),
		SkipList:        skipList,
		BatchSize:       c.Build.BatchSize,
		Limit:           c.Build.Limit,
		MaxBatchTime:    time.Duration(c.Build.MaxBatchSeconds) * time.Second,
		Pause:           secs(c.Build.PauseSecs),
		SkipGeo:         c.Build.SkipGeo,
		SimpleGeo:       c.Build.SimpleGeo,
		OutputPath:      c.Paths.Output,
		ProgressPath:    c.Paths.Progress,
		SkippedPath:     c.Paths.Skipped,
		SkipTriggerPath: c.Paths.SkipTrigger,
	}
}

// codeProviders lists the code universe sources in order of preference.
func codeProviders(c *config.Config) []universe.Provider {
	return []universe.Provider{
		universe.Command{Path: c.Paths.SupportedCmd},
		universe.TextFile{Path: c.Paths.SupportedText},
		universe.JSONFile{Path: c.Paths.SupportedJSON},
	}
}

func newWikidataClient(c *config.Config, store cache.Store) wikidata.Client {
	w := c.Wikidata
	return wikidata.NewClient(
		wikidata.WithEndpoint(w.Endpoint),
		wikidata.WithUserAgent(w.UserAgent),
		wikidata.WithCache(store),
		wikidata.WithCorePolicy(wikidata.Policy{Timeout: time.Duration(w.CoreTimeoutSecs) * time.Second, MaxAttempts: w.CoreMaxAttempts}),
		wikidata.WithGeoPolicy(wikidata.Policy{Timeout: time.Duration(w.GeoTimeoutSecs) * time.Second, MaxAttempts: w.GeoMaxAttempts}),
		wikidata.WithGeoSinglePolicy(wikidata.Policy{Timeout: time.Duration(w.GeoSingleTimeoutSecs) * time.Second, MaxAttempts: w.GeoSingleMaxAttempts}),
		wikidata.WithGeoChunking(w.GeoChunkSize, secs(w.GeoChunkPauseSecs)),
		wikidata.WithFallbackConcurrency(w.GeoFallbackConcurrency),
	)
}

func newGlottologClient(c *config.Config, store cache.Store) glottolog.Client {
	g := c.Glottolog
	return glottolog.NewClient(
		glottolog.WithBaseURL(g.BaseURL),
		glottolog.WithUserAgent(c.Wikidata.UserAgent),
		glottolog.WithCache(store),
		glottolog.WithTimeout(time.Duration(g.TimeoutSecs)*time.Second),
		glottolog.WithPace(time.Duration(g.PaceMillis)*time.Millisecond),
		glottolog.WithBreaker(resilience.FromCircuitConfig(g.FailureThreshold, time.Duration(g.CooldownSecs)*time.Second)),
	)
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// batchBar shows batch progress on stderr. It starts on the first report,
// once the number of batches is known.
type batchBar struct {
	enabled bool
	bar     *pb.ProgressBar
}

func newBatchBar(enabled bool) *batchBar {
	return &batchBar{enabled: enabled}
}

func (b *batchBar) report(r build.BatchReport) {
	if !b.enabled {
		return
	}
	if b.bar == nil {
		b.bar = pb.Full.Start(r.Total)
		b.bar.Set("prefix", "Batches: ")
		b.bar.Set(pb.CleanOnFinish, true)
	}
	b.bar.Increment()
	if r.Index == r.Total-1 {
		b.bar.Finish()
	}
}

func printSummary(w io.Writer, s *build.Summary) {
	rows := [][]string{
		{"Universe source", s.UniverseSource},
		{"Total supported", humanize.Comma(int64(s.TotalSupported))},
		{"After filter", humanize.Comma(int64(s.AfterFilter))},
		{"Skip-listed", humanize.Comma(int64(s.SkipListed))},
		{"Already built", humanize.Comma(int64(s.AlreadyBuilt))},
		{"To process", humanize.Comma(int64(s.ToProcess))},
		{"Records written", humanize.Comma(int64(s.Written))},
		{"Skipped batches", humanize.Comma(int64(s.SkippedBatches))},
		{"Dropped codes", humanize.Comma(int64(s.DroppedCodes))},
		{"Output records", humanize.Comma(int64(s.OutputRecords))},
		{"Elapsed", s.Elapsed.Round(time.Millisecond).String()},
	}
	for _, reason := range sortedKeys(s.SkipReasons) {
		rows = append(rows, []string{"  " + reason, humanize.Comma(int64(s.SkipReasons[reason]))})
	}
	fmt.Fprintf(w, "Build %s\n", s.RunID)
	fmt.Fprintln(w, renderTable([]string{"Step", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
	if s.SkippedBatches > 0 || s.DroppedCodes > 0 {
		fmt.Fprintln(w, "Skipped codes are listed in the skip registry; run `langmeta status --codes` to see them.")
	}
}

func stderrIsTerminal() bool {
	return isTerminal(os.Stderr)
}
