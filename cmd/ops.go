package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"forecastcache/internal/bootstrap"
	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/errs"
	"forecastcache/internal/ports"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print storage statistics",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *bootstrap.App) error {
		stats, err := app.Coordinator.Stats(cmd.Context())
		if err != nil {
			return errs.Wrap(err, "query stats")
		}
		if err := writeStats(cmd.OutOrStdout(), stats); err != nil {
			return errs.Wrap(err, "write stats output")
		}
		return nil
	}),
}

func writeStats(out io.Writer, stats ports.StoreStats) error {
	if _, err := fmt.Fprintf(
		out,
		"records=%s text=%s audio=%s\n",
		humanize.Comma(stats.TotalRecords),
		humanize.Bytes(uint64(stats.TotalTextBytes)),
		humanize.Bytes(uint64(stats.TotalAudioBytes)),
	); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "encodings: %s\n", formatCounts(stats.ByEncoding)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "languages: %s\n", formatCounts(stats.ByLanguage)); err != nil {
		return err
	}
	if len(stats.Subjects) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if _, err := fmt.Fprintln(tw, "SUBJECT\tVALID\tTEXT\tAUDIO\tLATEST"); err != nil {
		return err
	}
	for _, subject := range stats.Subjects {
		if _, err := fmt.Fprintf(
			tw,
			"%s\t%d\t%s\t%s\t%s\n",
			subject.Subject,
			subject.Count,
			humanize.Bytes(uint64(subject.TextBytes)),
			humanize.Bytes(uint64(subject.AudioBytes)),
			humanize.Time(subject.LatestGenerated),
		); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// formatCounts renders counts as "a=1 b=2" with keys sorted.
func formatCounts(counts map[string]int64) string {
	if len(counts) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", key, counts[key]))
	}
	return strings.Join(parts, " ")
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired records and aged staging files now",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *bootstrap.App) error {
		report, ran, err := app.Coordinator.Sweep(cmd.Context())
		out := cmd.OutOrStdout()
		if !ran {
			if _, werr := fmt.Fprintln(out, "sweep skipped: another sweep is running"); werr != nil {
				return errs.Wrap(werr, "write sweep output")
			}
			return nil
		}
		if err != nil && !errors.Is(err, artifact.ErrPartialSweepFailure) {
			return errs.Wrap(err, "sweep")
		}

		if _, werr := fmt.Fprintf(
			out,
			"records_deleted=%d files_deleted=%d bytes_freed=%s dirs_removed=%d took=%s\n",
			report.RecordsDeleted,
			report.Files.FilesDeleted,
			humanize.Bytes(uint64(report.Files.BytesFreed)),
			report.Files.DirsRemoved,
			report.FinishedAt.Sub(report.StartedAt),
		); werr != nil {
			return errs.Wrap(werr, "write sweep output")
		}
		return err
	}),
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the backing store connection",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, _ []string, app *bootstrap.App) error {
		report := app.Coordinator.Health(cmd.Context())
		if err := writeHealth(cmd.OutOrStdout(), report, app.LookupCache); err != nil {
			return errs.Wrap(err, "write health output")
		}
		if !report.Connected {
			return fmt.Errorf("%w: %s", artifact.ErrStorageUnavailable, report.Error)
		}
		return nil
	}),
}

func writeHealth(out io.Writer, report ports.HealthReport, lookupCache ports.LookupCacheInspector) error {
	entries := 0
	if lookupCache != nil {
		entries = lookupCache.Stats().EntryCount
	}
	_, err := fmt.Fprintf(
		out,
		"connected=%t driver=%s version=%q table_exists=%t lookup_cache_entries=%d\n",
		report.Connected,
		report.Driver,
		report.Version,
		report.TableExists,
		entries,
	)
	return err
}

func init() {
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(healthCmd)
}
