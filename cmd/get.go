package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rfbdl/rfbdl/internal/catalog"
	"github.com/rfbdl/rfbdl/internal/config"
	"github.com/rfbdl/rfbdl/internal/core"
	"github.com/rfbdl/rfbdl/internal/download"
	"github.com/rfbdl/rfbdl/internal/engine/events"
	"github.com/rfbdl/rfbdl/internal/engine/types"
	"github.com/rfbdl/rfbdl/internal/log"
	"github.com/rfbdl/rfbdl/internal/tui"
	"github.com/rfbdl/rfbdl/internal/utils"
)

// runDashboard is replaced in tests.
var runDashboard = tui.Run

var getCmd = &cobra.Command{
	Use:   "get [bucket]...",
	Short: "Download the archives of one or more months",
	Long: `get downloads the archives of the given months (YYYY-MM) into
<download_dir>/<month>/. Without arguments it picks the most recent month in
the catalog. Archives already on disk with the expected size are skipped,
and partial files are resumed. Interrupting cancels the transfers in flight.`,
	Args: cobra.ArbitraryArgs,
	RunE: runGet,
}

func init() {
	getCmd.Flags().StringP("file", "f", "", "only archives whose name contains this text")
	getCmd.Flags().Bool("force", false, "download again even if the file is already complete")
	getCmd.Flags().Bool("no-tui", false, "print plain progress lines instead of the dashboard")
	getCmd.Flags().IntP("concurrency", "c", 0, "transfers at once (0 uses max_concurrent)")
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	filter, _ := cmd.Flags().GetString("file")
	force, _ := cmd.Flags().GetBool("force")
	noTUI, _ := cmd.Flags().GetBool("no-tui")
	concurrency, _ := cmd.Flags().GetInt("concurrency")

	lock, err := AcquireLock()
	if err != nil {
		return err
	}
	defer ReleaseLock(lock)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	descriptors, err := selectDescriptors(ctx, args, filter)
	if err != nil {
		return err
	}

	rc := types.ConvertRuntimeConfig(settings.ToRuntimeConfig())
	mgr := download.NewManager(download.ManagerConfig{
		DownloadDir:   settings.DownloadDir,
		MaxConcurrent: concurrency,
		Runtime:       rc,
	})
	svc := core.NewLocalDownloadService(mgr)

	out := cmd.OutOrStdout()
	tasks, err := mgr.AddDescriptors(descriptors, force)
	if err != nil {
		return err
	}
	skipped := 0
	for _, t := range tasks {
		if t.Status() == types.StatusCompleted {
			skipped++
		}
	}
	if skipped > 0 {
		fmt.Fprintf(out, "%d archive(s) already downloaded\n", skipped)
	}
	if skipped == len(tasks) {
		fmt.Fprintln(out, "Nothing to download")
		return nil
	}

	// Cancelling the context covers transfers in flight; CancelAll also
	// settles the tasks still waiting for a slot.
	unwatch := context.AfterFunc(ctx, func() {
		log.Warn("cli").Msg("interrupted, cancelling downloads")
		_ = svc.CancelAll()
	})
	defer unwatch()

	if noTUI {
		err = runHeadless(ctx, svc, out)
	} else {
		configureLogging(false)
		err = startAndShow(ctx, svc)
		configureLogging(true)
	}
	if err != nil {
		return err
	}
	return summarize(out, svc)
}

// selectDescriptors refreshes the catalog when it is stale and returns the
// archives of the requested months.
func selectDescriptors(ctx context.Context, args []string, filter string) ([]types.Descriptor, error) {
	store, err := catalog.Open(config.GetCatalogPath())
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	if _, err := refreshCatalog(ctx, store, false); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("cli").Err(err).Msg("catalog refresh failed, using cached catalog")
	}

	buckets := make([]string, 0, len(args))
	for _, a := range args {
		b, err := validBucket(a)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	if len(buckets) == 0 {
		latest, ok, err := store.Latest(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New("catalog is empty and the file server could not be reached")
		}
		buckets = append(buckets, latest)
	}

	filter = strings.ToLower(filter)
	var out []types.Descriptor
	for _, b := range buckets {
		files, err := store.Files(ctx, b)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no archives known for %s", b)
		}
		for _, f := range files {
			if filter == "" || strings.Contains(strings.ToLower(f.FileName), filter) {
				out = append(out, f)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no archive matches %q", filter)
	}
	return out, nil
}

func startAndShow(ctx context.Context, svc core.DownloadService) error {
	if err := svc.Start(ctx); err != nil {
		return err
	}
	if err := runDashboard(ctx, svc, tui.Options{ExitWhenDone: true}); err != nil {
		_ = svc.Shutdown()
		return fmt.Errorf("dashboard: %w", err)
	}
	// Quitting the dashboard early cancels whatever is left.
	return svc.Shutdown()
}

// runHeadless starts the service and prints one line per status change
// until every task settles.
func runHeadless(ctx context.Context, svc core.DownloadService, out io.Writer) error {
	stream, cleanup, err := svc.StreamEvents(ctx)
	if err != nil {
		return err
	}

	names := make(map[string]string)
	if list, err := svc.List(); err == nil {
		for _, s := range list {
			names[s.ID] = s.Bucket + "/" + s.Filename
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for msg := range stream {
			printEvent(out, names, msg)
		}
	}()

	err = svc.Start(ctx)
	if err == nil {
		err = svc.Wait()
	}
	// Shutdown closes the stream, which ends the printer.
	if serr := svc.Shutdown(); err == nil {
		err = serr
	}
	cleanup()
	wg.Wait()
	return err
}

func printEvent(out io.Writer, names map[string]string, msg any) {
	switch m := msg.(type) {
	case events.TaskAddedMsg:
		names[m.TaskID] = m.Bucket + "/" + m.Name
	case events.StatusMsg:
		name := names[m.TaskID]
		if name == "" {
			name = m.Name
		}
		switch m.Status {
		case types.StatusDownloading:
			if m.Detail != "" {
				fmt.Fprintf(out, "Downloading: %s (%s)\n", name, m.Detail)
			} else {
				fmt.Fprintf(out, "Downloading: %s\n", name)
			}
		case types.StatusCompleted:
			fmt.Fprintf(out, "Completed: %s\n", name)
		case types.StatusFailed:
			fmt.Fprintf(out, "Failed: %s: %s\n", name, m.Err)
		case types.StatusCancelled:
			fmt.Fprintf(out, "Cancelled: %s\n", name)
		}
	case events.ProgressMsg:
		log.Debug("cli").
			Str("file", m.Name).
			Str("done", utils.FormatBytes(m.Downloaded)).
			Float64("percent", m.Percent).
			Str("speed", utils.FormatSpeed(m.Speed)).
			Msg("progress")
	}
}

// summarize prints the outcome and returns an error when a task failed.
func summarize(out io.Writer, svc core.DownloadService) error {
	list, err := svc.List()
	if err != nil {
		return err
	}
	var completed, failed, cancelled int
	for _, s := range list {
		switch s.Status {
		case types.StatusCompleted:
			completed++
		case types.StatusFailed:
			failed++
		case types.StatusCancelled:
			cancelled++
		}
	}
	fmt.Fprintf(out, "%d completed, %d failed, %d cancelled\n", completed, failed, cancelled)
	if failed > 0 {
		return fmt.Errorf("%d download(s) failed", failed)
	}
	return nil
}
