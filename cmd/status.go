package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rfbdl/rfbdl/internal/catalog"
	"github.com/rfbdl/rfbdl/internal/config"
	"github.com/rfbdl/rfbdl/internal/utils"
)

var statusCmd = &cobra.Command{
	Use:   "status [bucket]...",
	Short: "Show which archives of a month are on disk",
	Long: `status compares the download directory with the cached catalog.
Without arguments it reports on the most recent month.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := catalog.Open(config.GetCatalogPath())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		ctx := cmd.Context()
		var buckets []string
		for _, a := range args {
			b, err := validBucket(a)
			if err != nil {
				return err
			}
			buckets = append(buckets, b)
		}
		if len(buckets) == 0 {
			latest, ok, err := store.Latest(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("catalog is empty, run 'rfbdl catalog refresh'")
			}
			buckets = append(buckets, latest)
		}

		out := cmd.OutOrStdout()
		if t, ok := settings.LastCheckTime(); ok {
			fmt.Fprintf(out, "Catalog checked %s\n", utils.FormatTime(t))
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MONTH\tFILE\tON DISK\tEXPECTED\tSTATE")
		for _, b := range buckets {
			files, err := store.Files(ctx, b)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				fmt.Fprintf(w, "%s\t-\t-\t-\tunknown month\n", b)
				continue
			}
			done := 0
			for _, f := range files {
				onDisk, state := fileState(settings.DownloadDir, f.Bucket, f.FileName, f.Size)
				if state == "complete" {
					done++
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b, f.FileName, onDisk, totalLabel(f.Size), state)
			}
			fmt.Fprintf(w, "%s\t%d/%d complete\t\t\t\n", b, done, len(files))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// fileState classifies one archive on disk against its expected size.
func fileState(root, bucket, name string, size int64) (onDisk, state string) {
	if catalog.IsDownloaded(root, bucket, name, size) {
		return utils.FormatBytes(size), "complete"
	}
	info, err := os.Stat(filepath.Join(root, bucket, name))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "-", "missing"
	case err != nil:
		return "-", "error: " + err.Error()
	case size > 0 && info.Size() > size:
		return utils.FormatBytes(info.Size()), "oversized"
	case size <= 0:
		return utils.FormatBytes(info.Size()), "size unknown"
	default:
		return utils.FormatBytes(info.Size()), "partial"
	}
}

func totalLabel(n int64) string {
	if n <= 0 {
		return "?"
	}
	return utils.FormatBytes(n)
}
