package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/web-archiver/internal/extractor"
)

func newExtractorsCmd() *cobra.Command {
	var rawURL string
	cmd := &cobra.Command{
		Use:         "extractors",
		Short:       "List the registered extractors",
		Long:        "Lists every extractor in run order. With --url, only those that would run for that URL are shown.",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			reg, err := extractor.NewDefaultRegistry(cfg.ExtractorSettings())
			if err != nil {
				return err
			}
			opts := cfg.Options()
			exts := reg.All()
			if rawURL != "" {
				canonical, err := cfg.Normalizer().Normalize(rawURL)
				if err != nil {
					return err
				}
				exts = reg.ListEligible(canonical, opts)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tENABLED\tTIMEOUT\tNETWORK\tREQUIRES\tOUTPUTS")
			for _, ext := range exts {
				fmt.Fprintf(tw, "%s\t%t\t%s\t%t\t%s\t%s\n",
					ext.Name(),
					ext.Enabled(opts),
					extractor.ResolveTimeout(ext, opts),
					ext.Networked(),
					dashIfEmpty(ext.Prerequisites()),
					dashIfEmpty(ext.Artifacts()),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&rawURL, "url", "", "show only extractors eligible for this URL")
	return cmd
}

func dashIfEmpty(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}
