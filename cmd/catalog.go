package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rfbdl/rfbdl/internal/catalog"
	"github.com/rfbdl/rfbdl/internal/config"
	"github.com/rfbdl/rfbdl/internal/engine"
	"github.com/rfbdl/rfbdl/internal/engine/transfer"
	"github.com/rfbdl/rfbdl/internal/engine/types"
	"github.com/rfbdl/rfbdl/internal/log"
	"github.com/rfbdl/rfbdl/internal/utils"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and refresh the cached archive catalog",
}

var catalogRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Crawl the file server for new months",
	Long: `refresh lists the index of the file server and records the archives of
every month at or after the most recent one already known. Without --force
it does nothing when the last check is younger than refresh_interval.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		store, err := catalog.Open(config.GetCatalogPath())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		res, err := refreshCatalog(cmd.Context(), store, force)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch {
		case !res.Ran:
			fmt.Fprintf(out, "Catalog is up to date (checked %s)\n", utils.FormatTime(res.CheckedAt))
		case len(res.Updated) == 0:
			fmt.Fprintln(out, "No new data published")
		default:
			for _, b := range res.Updated {
				fmt.Fprintf(out, "Updated %s\n", b)
			}
		}
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:     "list [bucket]",
	Aliases: []string{"ls"},
	Short:   "List known months, or the archives of one month",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.Open(config.GetCatalogPath())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ctx := cmd.Context()
		if len(args) == 1 {
			bucket, err := validBucket(args[0])
			if err != nil {
				return err
			}
			files, err := store.Files(ctx, bucket)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no archives known for %s, try 'rfbdl catalog refresh'", bucket)
			}
			return printFiles(cmd.OutOrStdout(), files)
		}

		buckets, err := store.Buckets(ctx)
		if err != nil {
			return err
		}
		if len(buckets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Catalog is empty, run 'rfbdl catalog refresh'")
			return nil
		}
		return printBuckets(ctx, cmd.OutOrStdout(), store, buckets)
	},
}

func init() {
	catalogRefreshCmd.Flags().BoolP("force", "f", false, "crawl even if the catalog is fresh")
	catalogCmd.AddCommand(catalogRefreshCmd, catalogListCmd)
	rootCmd.AddCommand(catalogCmd)
}

// newCrawler builds a crawler from the loaded settings.
func newCrawler() *catalog.Crawler {
	rc := types.ConvertRuntimeConfig(settings.ToRuntimeConfig())
	client := transfer.NewClient(rc)
	return &catalog.Crawler{
		Client:   client,
		BaseURL:  settings.BaseURL,
		Keywords: settings.Keywords,
		Recent:   settings.RecentBuckets,
		Probe: func(ctx context.Context, rawURL string) (*engine.ProbeResult, error) {
			return engine.ProbeFile(ctx, client, rawURL)
		},
	}
}

// refreshCatalog runs a catalog refresh and mirrors a successful check
// into the settings document.
func refreshCatalog(ctx context.Context, store *catalog.Store, manual bool) (*catalog.RefreshResult, error) {
	res, err := catalog.Refresh(ctx, newCrawler(), store, manual, settings.RefreshInterval)
	if err != nil {
		return nil, err
	}
	if res.Ran {
		stamp := res.CheckedAt.Local().Format(config.LastCheckLayout)
		if err := config.SetValue(config.GetSettingsPath(), config.KeyLastCheck, stamp); err != nil {
			log.Warn("cli").Err(err).Msg("cannot record last check in settings")
		} else {
			settings.LastCheck = stamp
		}
	}
	return res, nil
}

func validBucket(s string) (string, error) {
	y, m, ok := catalog.ParseBucket(s)
	if !ok {
		return "", fmt.Errorf("invalid month %q, expected YYYY-MM", s)
	}
	return fmt.Sprintf("%04d-%02d", y, m), nil
}

func printBuckets(ctx context.Context, out io.Writer, store *catalog.Store, buckets []string) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MONTH\tFILES\tSIZE\tDOWNLOADED")
	for _, b := range buckets {
		files, err := store.Files(ctx, b)
		if err != nil {
			return err
		}
		var total int64
		done := 0
		for _, f := range files {
			total += f.Size
			if catalog.IsDownloaded(settings.DownloadDir, f.Bucket, f.FileName, f.Size) {
				done++
			}
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d/%d\n", b, len(files), utils.FormatBytes(total), done, len(files))
	}
	return w.Flush()
}

func printFiles(out io.Writer, files []types.Descriptor) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tSIZE\tMODIFIED\tDONE")
	for _, f := range files {
		size := "?"
		if f.Size > 0 {
			size = utils.FormatBytes(f.Size)
		}
		modified := "-"
		if !f.LastModified.IsZero() {
			modified = f.LastModified.Local().Format(time.DateTime)
		}
		mark := ""
		if catalog.IsDownloaded(settings.DownloadDir, f.Bucket, f.FileName, f.Size) {
			mark = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.FileName, size, modified, mark)
	}
	return w.Flush()
}
