package transfer_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfbdl/rfbdl/internal/download"
	"github.com/rfbdl/rfbdl/internal/engine/events"
	"github.com/rfbdl/rfbdl/internal/engine/retry"
	"github.com/rfbdl/rfbdl/internal/engine/transfer"
	"github.com/rfbdl/rfbdl/internal/engine/types"
	"github.com/rfbdl/rfbdl/internal/testutil"
)

// chanGate is a counting gate backed by a buffered channel.
type chanGate chan struct{}

func (g chanGate) Acquire(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g chanGate) Release() { <-g }

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type harness struct {
	exec   *transfer.Executor
	gate   chanGate
	sleeps *sleepRecorder
	rc     *types.RuntimeConfig
	dir    string
}

func newHarness(t *testing.T, rc *types.RuntimeConfig) *harness {
	t.Helper()
	if rc == nil {
		rc = &types.RuntimeConfig{}
	}
	if rc.ChunkSize == 0 {
		rc.ChunkSize = 16 * types.KB
	}
	if rc.ChunkTimeout == 0 {
		rc.ChunkTimeout = 5 * time.Second
	}
	if rc.ConnectTimeout == 0 {
		rc.ConnectTimeout = 5 * time.Second
	}

	sleeps := &sleepRecorder{}
	policy := retry.New(rc)
	policy.Sleep = sleeps.Sleep

	gate := make(chanGate, 2)
	return &harness{
		exec:   transfer.New(nil, gate, policy, rc),
		gate:   gate,
		sleeps: sleeps,
		rc:     rc,
		dir:    t.TempDir(),
	}
}

func (h *harness) task(server *testutil.MockServer, name string, size int64) *download.Task {
	return download.NewTask(server.FileURL("2024-05/"+name), filepath.Join(h.dir, name), size, "2024-05", name)
}

func (h *harness) run(t *testing.T, task *download.Task) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.exec.Run(context.Background(), task)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("Run did not return")
	}
}

func drain(ch <-chan any) []any {
	var out []any
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

// =============================================================================
// Happy path and resume
// =============================================================================

func TestRun_FreshDownload(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(100*1024))
	h := newHarness(t, nil)
	task := h.task(server, "Empresas0.zip", server.FileSize)

	sub, unsub := task.Subscribe(1024)
	defer unsub()

	h.run(t, task)

	require.Equal(t, types.StatusCompleted, task.Status(), task.Error())
	require.NoError(t, testutil.VerifyFileContent(task.DestPath(), server.Data()))
	assert.Equal(t, 1, task.Attempts())
	assert.Equal(t, []string{""}, server.RangeHeaders())
	assert.NoFileExists(t, task.DestPath()+types.LockSuffix)
	assert.Empty(t, h.gate, "gate slot released")

	var last int64
	var statuses []types.Status
	for _, msg := range drain(sub) {
		switch m := msg.(type) {
		case events.ProgressMsg:
			assert.GreaterOrEqual(t, m.Downloaded, last, "progress must be monotonic")
			last = m.Downloaded
		case events.StatusMsg:
			statuses = append(statuses, m.Status)
		}
	}
	assert.Equal(t, server.FileSize, last)
	assert.Equal(t, []types.Status{types.StatusDownloading, types.StatusCompleted}, statuses)
}

func TestRun_ResumeSendsRangeHeader(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(64*1024))
	h := newHarness(t, nil)
	task := h.task(server, "Socios1.zip", server.FileSize)

	const k = 20000
	require.NoError(t, os.WriteFile(task.DestPath(), server.Data()[:k], 0o644))

	h.run(t, task)

	require.Equal(t, types.StatusCompleted, task.Status(), task.Error())
	assert.Equal(t, []string{fmt.Sprintf("bytes=%d-", k)}, server.RangeHeaders())
	assert.Equal(t, int64(k), task.InitialSize())
	require.NoError(t, testutil.VerifyFileSize(task.DestPath(), task.DeclaredSize()))
	require.NoError(t, testutil.VerifyFileContent(task.DestPath(), server.Data()))
}

func TestRun_AlreadyCompleteOnDisk(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(4096))
	h := newHarness(t, nil)
	task := h.task(server, "Cnaes.zip", server.FileSize)
	require.NoError(t, os.WriteFile(task.DestPath(), server.Data(), 0o644))

	h.run(t, task)

	assert.Equal(t, types.StatusCompleted, task.Status())
	assert.Zero(t, server.Stats().TotalRequests)
	assert.Equal(t, server.FileSize, task.Downloaded())
}

func TestRun_FileLargerThanExpectedRestarts(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(4096))
	h := newHarness(t, nil)
	task := h.task(server, "Paises.zip", server.FileSize)
	require.NoError(t, os.WriteFile(task.DestPath(), make([]byte, 5000), 0o644))

	h.run(t, task)

	require.Equal(t, types.StatusCompleted, task.Status(), task.Error())
	assert.Equal(t, []string{""}, server.RangeHeaders())
	require.NoError(t, testutil.VerifyFileContent(task.DestPath(), server.Data()))
}

func TestRun_ServerIgnoresRangeRestartsFresh(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(32*1024), testutil.WithRangeSupport(false))
	h := newHarness(t, nil)
	task := h.task(server, "Motivos.zip", server.FileSize)
	require.NoError(t, os.WriteFile(task.DestPath(), []byte("garbage-prefix"), 0o644))

	h.run(t, task)

	require.Equal(t, types.StatusCompleted, task.Status(), task.Error())
	assert.Equal(t, []string{"bytes=14-"}, server.RangeHeaders())
	require.NoError(t, testutil.VerifyFileContent(task.DestPath(), server.Data()))
}

func TestRun_UnknownSizeTakesContentLength(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(10000))
	h := newHarness(t, nil)
	task := h.task(server, "Naturezas.zip", 0)

	h.run(t, task)

	require.Equal(t, types.StatusCompleted, task.Status(), task.Error())
	assert.Equal(t, int64(10000), task.ExpectedSize())
}

// rangeFileServer serves payload with http.ServeContent, which answers an
// offset at or past the end with 416 and "Content-Range: bytes */N".
func rangeFileServer(t *testing.T, payload []byte) (string, func() []string) {
	t.Helper()
	var mu sync.Mutex
	var ranges []string
	srv := testutil.NewHTTPServerT(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		http.ServeContent(w, r, "Cnaes.zip", time.Time{}, bytes.NewReader(payload))
	}))
	return srv.URL + "/2024-05/Cnaes.zip", func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ranges...)
	}
}

func TestRun_CompleteFileWithUnknownSize(t *testing.T) {
	payload := testutil.ZipPayload(4096)
	fileURL, ranges := rangeFileServer(t, payload)
	h := newHarness(t, &types.RuntimeConfig{MaxAttempts: 5})
	task := download.NewTask(fileURL, filepath.Join(h.dir, "Cnaes.zip"), 0, "2024-05", "Cnaes.zip")
	require.NoError(t, os.WriteFile(task.DestPath(), payload, 0o644))

	h.run(t, task)

	require.Equal(t, types.StatusCompleted, task.Status(), task.Error())
	assert.Equal(t, []string{"bytes=4096-"}, ranges())
	assert.Equal(t, int64(4096), task.ExpectedSize())
	assert.Equal(t, int64(4096), task.Downloaded())
	assert.Empty(t, h.sleeps.Delays())
	require.NoError(t, testutil.VerifyFileContent(task.DestPath(), payload))
}

func TestRun_RejectedOffsetRestartsFromZero(t *testing.T) {
	payload := testutil.ZipPayload(4096)
	fileURL, ranges := rangeFileServer(t, payload)
	h := newHarness(t, &types.RuntimeConfig{MaxAttempts: 5})
	task := download.NewTask(fileURL, filepath.Join(h.dir, "Cnaes.zip"), 0, "2024-05", "Cnaes.zip")
	require.NoError(t, os.WriteFile(task.DestPath(), make([]byte, 5000), 0o644))

	h.run(t, task)

	require.Equal(t, types.StatusCompleted, task.Status(), task.Error())
	assert.Equal(t, []string{"bytes=5000-", ""}, ranges())
	assert.Empty(t, h.sleeps.Delays())
	require.NoError(t, testutil.VerifyFileContent(task.DestPath(), payload))
}

// =============================================================================
// Validation
// =============================================================================

func TestRun_BadMagicFailsWithoutRetry(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(8192), testutil.WithNonZipPayload())
	h := newHarness(t, nil)
	task := h.task(server, "Empresas1.zip", server.FileSize)

	h.run(t, task)

	assert.Equal(t, types.StatusFailed, task.Status())
	assert.Contains(t, task.Error(), "ZIP signature")
	assert.Equal(t, int64(1), server.Stats().TotalRequests)
	assert.Equal(t, 1, task.Attempts())
	assert.Empty(t, h.sleeps.Delays())
	assert.Empty(t, h.gate)
}

func TestRun_ContentTypeRejected(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(4096), testutil.WithContentType("text/html; charset=utf-8"))
	h := newHarness(t, nil)
	task := h.task(server, "Municipios.zip", server.FileSize)

	h.run(t, task)

	assert.Equal(t, types.StatusFailed, task.Status())
	assert.Contains(t, task.Error(), "text/html")
	assert.Equal(t, int64(1), server.Stats().TotalRequests)
}

func TestRun_ContentTypeVariants(t *testing.T) {
	for _, ct := range []string{"", "application/octet-stream", "application/x-zip-compressed", "Application/ZIP"} {
		t.Run(fmt.Sprintf("%q", ct), func(t *testing.T) {
			server := testutil.NewMockServerT(t, testutil.WithFileSize(4096), testutil.WithContentType(ct))
			h := newHarness(t, nil)
			task := h.task(server, "Qualificacoes.zip", server.FileSize)

			h.run(t, task)

			assert.Equal(t, types.StatusCompleted, task.Status(), task.Error())
		})
	}
}

// =============================================================================
// Retry
// =============================================================================

func TestRun_RetriesThenSucceeds(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(16*1024),
		testutil.WithFailFirst(5, http.StatusServiceUnavailable),
	)
	h := newHarness(t, nil)
	task := h.task(server, "Simples.zip", server.FileSize)

	sub, unsub := task.Subscribe(1024)
	defer unsub()

	h.run(t, task)

	require.Equal(t, types.StatusCompleted, task.Status(), task.Error())
	assert.Equal(t, 6, task.Attempts())
	assert.Equal(t, int64(6), server.Stats().TotalRequests)

	delays := h.sleeps.Delays()
	require.Len(t, delays, 5)
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, types.BackoffMin)
		assert.LessOrEqual(t, d, types.BackoffMax)
	}

	var details []string
	for _, msg := range drain(sub) {
		if m, ok := msg.(events.StatusMsg); ok && m.Detail != "" && m.Status == types.StatusDownloading {
			details = append(details, m.Detail)
		}
	}
	assert.Contains(t, details, "attempt 6 of 100")
}

func TestRun_RetriesExhausted(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(1024),
		testutil.WithFailFirst(100, http.StatusBadGateway),
	)
	h := newHarness(t, &types.RuntimeConfig{MaxAttempts: 3})
	task := h.task(server, "Estabelecimentos0.zip", server.FileSize)

	h.run(t, task)

	assert.Equal(t, types.StatusFailed, task.Status())
	assert.Equal(t, "download failed after 3 attempts: HTTP error: 502 Bad Gateway", task.Error())
	assert.Equal(t, int64(3), server.Stats().TotalRequests)
	assert.Len(t, h.sleeps.Delays(), 2)
}

func TestRun_StallIsRetriedFromOffset(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(64*1024),
		testutil.WithStall(32*1024, 1),
	)
	h := newHarness(t, &types.RuntimeConfig{ChunkTimeout: 300 * time.Millisecond})
	task := h.task(server, "Estabelecimentos1.zip", server.FileSize)

	h.run(t, task)

	require.Equal(t, types.StatusCompleted, task.Status(), task.Error())
	assert.Equal(t, 2, task.Attempts())
	assert.Equal(t, []string{"", "bytes=32768-"}, server.RangeHeaders())
	require.NoError(t, testutil.VerifyFileContent(task.DestPath(), server.Data()))
}

func TestRun_ShortBodyIsRetried(t *testing.T) {
	payload := append([]byte(nil), testutil.ZipSignature...)
	payload = append(payload, make([]byte, 496)...)

	var requests int
	var mu sync.Mutex
	server := testutil.NewMockServerT(t, testutil.WithHandler(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		// No Content-Length: chunked body that ends early but cleanly.
		w.Header().Set("Content-Type", "application/zip")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write(payload)
	}))
	h := newHarness(t, &types.RuntimeConfig{MaxAttempts: 2})
	task := h.task(server, "Socios2.zip", 1000)

	h.run(t, task)

	assert.Equal(t, types.StatusFailed, task.Status())
	assert.Contains(t, task.Error(), "body ended before expected size")
	assert.Equal(t, 2, requests)
	assert.FileExists(t, task.DestPath(), "failed tasks keep the partial file")
}

// =============================================================================
// Cancellation
// =============================================================================

func TestRun_CancelledBeforeStart(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(4096))
	h := newHarness(t, nil)
	task := h.task(server, "Empresas2.zip", server.FileSize)
	require.NoError(t, os.WriteFile(task.DestPath(), server.Data()[:100], 0o644))

	task.RequestCancel()
	h.run(t, task)

	assert.Equal(t, types.StatusCancelled, task.Status())
	assert.NoFileExists(t, task.DestPath())
	assert.Zero(t, server.Stats().TotalRequests)
}

func TestRun_CancelMidStream(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(256*1024),
		testutil.WithStall(48*1024, 0),
	)
	h := newHarness(t, &types.RuntimeConfig{ChunkSize: 8 * types.KB, ChunkTimeout: time.Second})
	task := h.task(server, "Empresas3.zip", server.FileSize)

	sub, unsub := task.Subscribe(1024)
	defer unsub()
	go func() {
		for msg := range sub {
			if _, ok := msg.(events.ProgressMsg); ok {
				task.RequestCancel()
				return
			}
		}
	}()

	h.run(t, task)

	assert.Equal(t, types.StatusCancelled, task.Status())
	assert.NoFileExists(t, task.DestPath())
	assert.NoFileExists(t, task.DestPath()+types.LockSuffix)
	assert.Empty(t, h.gate)
}

func TestRun_ParentContextCancelled(t *testing.T) {
	server := testutil.NewMockServerT(t,
		testutil.WithFileSize(64*1024),
		testutil.WithStall(16*1024, 0),
	)
	h := newHarness(t, &types.RuntimeConfig{ChunkTimeout: 30 * time.Second})
	task := h.task(server, "Empresas4.zip", server.FileSize)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.exec.Run(ctx, task)
		close(done)
	}()

	require.Eventually(t, func() bool { return task.Status() == types.StatusDownloading }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run ignored parent cancellation")
	}
	assert.Equal(t, types.StatusCancelled, task.Status())
	assert.True(t, task.Cancelled())
	assert.NoFileExists(t, task.DestPath())
}

func TestRun_GateWaitAbandonedOnCancel(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(4096))
	h := newHarness(t, nil)
	h.gate <- struct{}{}
	h.gate <- struct{}{}
	task := h.task(server, "Empresas5.zip", server.FileSize)

	done := make(chan struct{})
	go func() {
		h.exec.Run(context.Background(), task)
		close(done)
	}()

	require.Eventually(t, func() bool { return task.Status() == types.StatusDownloading }, 5*time.Second, 10*time.Millisecond)
	task.RequestCancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gate wait was not abandoned")
	}
	assert.Equal(t, types.StatusCancelled, task.Status())
	assert.Zero(t, server.Stats().TotalRequests)
	assert.Len(t, h.gate, 2, "slots held by others are untouched")
}

// =============================================================================
// Filesystem
// =============================================================================

func TestRun_DestinationLockedFails(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(4096))
	h := newHarness(t, nil)
	task := h.task(server, "Empresas6.zip", server.FileSize)

	other := flock.New(task.DestPath() + types.LockSuffix)
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = other.Unlock() }()

	h.run(t, task)

	assert.Equal(t, types.StatusFailed, task.Status())
	assert.Contains(t, task.Error(), transfer.ErrLocked.Error())
	assert.Zero(t, server.Stats().TotalRequests)
}

// =============================================================================
// Error classification
// =============================================================================

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 503", &transfer.HTTPError{StatusCode: 503, Status: "503 Service Unavailable"}, true},
		{"http 404", &transfer.HTTPError{StatusCode: 404, Status: "404 Not Found"}, true},
		{"stall", transfer.ErrStalled, true},
		{"wrapped short body", fmt.Errorf("x: %w", transfer.ErrShortBody), true},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", timeoutErr{}, true},
		{"unexpected eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), true},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection refused")}, true},
		{"url timeout", fmt.Errorf("request: %w", &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}}), true},
		{"cancelled url", &url.Error{Op: "Get", URL: "http://x", Err: context.Canceled}, false},
		{"body read", fmt.Errorf("%w: %w", transfer.ErrBodyRead, errors.New("connection reset by peer")), true},
		{"unclassified", errors.New("something else"), false},
		{"content", &transfer.ContentError{Reason: "bad"}, false},
		{"fs", &transfer.FSError{Op: "write", Path: "/x", Err: errors.New("disk full")}, false},
		{"wrapped fs", fmt.Errorf("attempt: %w", &transfer.FSError{Op: "open", Err: os.ErrPermission}), false},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transfer.IsRetryable(tt.err))
		})
	}
}

func TestFSError_Unwrap(t *testing.T) {
	err := &transfer.FSError{Op: "open", Path: "/x", Err: os.ErrPermission}
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Equal(t, "open /x: permission denied", err.Error())
}
