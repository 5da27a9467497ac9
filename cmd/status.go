package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/omnilingual/langmeta/internal/build"
	"github.com/omnilingual/langmeta/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show build progress and skipped batches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		showCodes, _ := cmd.Flags().GetBool("codes")
		return printStatus(cmd.OutOrStdout(), cfg.Paths, showCodes)
	},
}

func init() {
	statusCmd.Flags().Bool("codes", false, "list every skipped code")
	rootCmd.AddCommand(statusCmd)
}

func printStatus(w io.Writer, paths config.PathsConfig, showCodes bool) error {
	out, err := build.LoadOutput(paths.Output)
	if err != nil {
		return err
	}
	progress, ok, err := build.LoadProgress(paths.Progress)
	if err != nil {
		return err
	}
	reg, err := build.LoadSkipRegistry(paths.Skipped)
	if err != nil {
		return err
	}

	rows := [][]string{
		{"Output", paths.Output},
		{"Records", humanize.Comma(int64(len(out)))},
	}
	if ok {
		remaining := max(progress.Total-progress.DoneCount, 0)
		rows = append(rows,
			[]string{"Done", humanize.Comma(int64(progress.DoneCount))},
			[]string{"Target", humanize.Comma(int64(progress.Total))},
			[]string{"Remaining", humanize.Comma(int64(remaining))},
			[]string{"Last batch", humanize.Time(progress.Timestamp)},
		)
	} else {
		rows = append(rows, []string{"Progress", "no build has run yet"})
	}
	fmt.Fprintln(w, renderTable([]string{"Progress", ""}, rows, []columnAlignment{alignLeft, alignRight}))

	if len(reg.Batches) == 0 {
		fmt.Fprintln(w, "No skipped batches.")
		return nil
	}

	counts := reg.CountByReason()
	codesByReason := make(map[string]int, len(counts))
	for _, b := range reg.Batches {
		codesByReason[b.Reason] += len(b.Codes)
	}
	var skipRows [][]string
	for _, reason := range sortedKeys(counts) {
		skipRows = append(skipRows, []string{
			reason,
			humanize.Comma(int64(counts[reason])),
			humanize.Comma(int64(codesByReason[reason])),
		})
	}
	fmt.Fprintln(w, renderTable([]string{"Reason", "Batches", "Codes"}, skipRows,
		[]columnAlignment{alignLeft, alignRight, alignRight}))

	// Skipped codes that a later run has since built are not pending.
	var pending []string
	for _, code := range reg.Codes() {
		if _, built := out[code]; !built {
			pending = append(pending, code)
		}
	}
	fmt.Fprintf(w, "%s skipped code(s) still missing from the output.\n", humanize.Comma(int64(len(pending))))
	if showCodes && len(pending) > 0 {
		fmt.Fprintln(w, strings.Join(pending, "\n"))
	}
	return nil
}
