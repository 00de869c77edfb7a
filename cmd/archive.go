package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
)

// runFlags are the per-run overrides shared by add and rearchive.
type runFlags struct {
	overwrite   bool
	only        []string
	required    []string
	maxRetries  int
	parallelism int
	timeouts    map[string]int
	enable      []string
	disable     []string
	jsonOut     bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.BoolVar(&f.overwrite, "overwrite", false, "rerun extractors that already succeeded")
	flags.StringSliceVar(&f.only, "only", nil, "run only these extractors")
	flags.StringSliceVar(&f.required, "required", nil, "extractors whose success makes the snapshot succeed")
	flags.IntVar(&f.maxRetries, "max-retries", -1, "extra attempts after a failure (default from config)")
	flags.IntVar(&f.parallelism, "parallelism", 0, "extractors run at once within the snapshot (default from config)")
	flags.StringToIntVar(&f.timeouts, "timeout", nil, "per-extractor timeout in seconds, e.g. media=600")
	flags.StringSliceVar(&f.enable, "enable", nil, "enable extractors that are off by default")
	flags.StringSliceVar(&f.disable, "disable", nil, "disable extractors")
	flags.BoolVar(&f.jsonOut, "json", false, "print records as JSON")
}

// apply layers the flags that were set on top of defaults.
func (f *runFlags) apply(cmd *cobra.Command, defaults archive.Options) (archive.Options, error) {
	opts := defaults.Clone()
	flags := cmd.Flags()
	if flags.Changed("overwrite") {
		opts.Overwrite = f.overwrite
	}
	if flags.Changed("only") {
		opts.Only = append([]string(nil), f.only...)
	}
	if flags.Changed("required") {
		opts.Required = append([]string(nil), f.required...)
	}
	if flags.Changed("max-retries") {
		if f.maxRetries < 0 {
			return archive.Options{}, fmt.Errorf("--max-retries must be >= 0")
		}
		opts.MaxRetries = f.maxRetries
	}
	if flags.Changed("parallelism") {
		if f.parallelism < 1 {
			return archive.Options{}, fmt.Errorf("--parallelism must be >= 1")
		}
		opts.Parallelism = f.parallelism
	}
	for name, secs := range f.timeouts {
		if secs <= 0 {
			return archive.Options{}, fmt.Errorf("--timeout %s must be > 0", name)
		}
		if opts.Timeouts == nil {
			opts.Timeouts = make(map[string]time.Duration)
		}
		opts.Timeouts[name] = time.Duration(secs) * time.Second
	}
	for _, toggle := range []struct {
		names []string
		on    bool
	}{{f.enable, true}, {f.disable, false}} {
		for _, name := range toggle.names {
			if opts.Enabled == nil {
				opts.Enabled = make(map[string]bool)
			}
			opts.Enabled[name] = toggle.on
		}
	}
	return opts, nil
}

func newAddCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "add URL...",
		Short: "Archive one or more URLs now",
		Long: `Creates a snapshot for each URL (or reuses the one already recorded for its
canonical form) and runs the extractors in the foreground. Extractors that
already succeeded are not repeated unless --overwrite is set.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snaps := appInstance.Snapshots()
			opts, err := flags.apply(cmd, snaps.Options())
			if err != nil {
				return err
			}
			var failed int
			for _, rawURL := range args {
				if err := addOne(cmd.Context(), cmd.OutOrStdout(), snaps, rawURL, opts, flags.jsonOut); err != nil {
					appInstance.Logger().Error("archive failed", zap.String("url", rawURL), zap.Error(err))
					failed++
				}
				if cmd.Context().Err() != nil {
					return cmd.Context().Err()
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d urls could not be archived", failed, len(args))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func addOne(ctx context.Context, out io.Writer, snaps Snapshots, rawURL string, opts archive.Options, jsonOut bool) error {
	snap, created, err := snaps.Submit(ctx, rawURL)
	if err != nil {
		return err
	}
	if !created {
		fmt.Fprintf(out, "reusing snapshot %s for %s\n", snap.ID, snap.URL)
	}
	rec, err := snaps.Archive(ctx, snap.ID, opts)
	if rec.Snapshot.ID != "" {
		if perr := printRecord(out, rec, jsonOut); perr != nil {
			return perr
		}
	}
	return err
}

func newRearchiveCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "rearchive SNAPSHOT_ID",
		Short: "Run the extractors again for an existing snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snaps := appInstance.Snapshots()
			opts, err := flags.apply(cmd, snaps.Options())
			if err != nil {
				return err
			}
			rec, err := snaps.Rearchive(cmd.Context(), args[0], opts)
			if rec.Snapshot.ID != "" {
				if perr := printRecord(cmd.OutOrStdout(), rec, flags.jsonOut); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status SNAPSHOT_ID",
		Short: "Show a snapshot and its extractor results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := appInstance.Snapshots().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), rec, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the record as JSON")
	return cmd
}

func newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Recompute every snapshot's status from its extractor results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Snapshots().Repair(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d snapshots, updated %d\n", report.Checked, report.Updated)
			return err
		},
	}
}

func printRecord(out io.Writer, rec archive.Record, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	snap := rec.Snapshot
	fmt.Fprintf(out, "%s  %s  %s\n", snap.ID, snap.Status, snap.URL)
	if snap.Title != nil {
		fmt.Fprintf(out, "title: %s\n", *snap.Title)
	}
	names := make([]string, 0, len(rec.Results))
	for name := range rec.Results {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXTRACTOR\tSTATUS\tATTEMPTS\tDURATION\tBYTES\tERROR")
	for _, name := range names {
		res := rec.Results[name]
		var msg string
		if res.Error != nil {
			msg = strings.ReplaceAll(*res.Error, "\n", " ")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\n",
			name, res.Status, res.Attempts, res.Duration().Round(time.Millisecond), res.ArtifactBytes(), msg)
	}
	return tw.Flush()
}
