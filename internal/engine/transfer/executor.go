// Package transfer drives one resumable archive download to a terminal state.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/h2non/filetype"
	"github.com/vfaronov/httpheader"
	"golang.org/x/net/proxy"

	"github.com/rfbdl/rfbdl/internal/engine/retry"
	"github.com/rfbdl/rfbdl/internal/engine/types"
	"github.com/rfbdl/rfbdl/internal/log"
)

// Task is the state an executor needs from a download task.
type Task interface {
	ID() string
	Name() string
	URL() string
	DestPath() string

	// Context is done once cancellation has been requested.
	Context() context.Context
	Cancelled() bool
	RequestCancel()

	ExpectedSize() int64
	SetExpectedSize(n int64)
	SetInitialSize(n int64)
	NextAttempt() int
	RecordProgress(onDisk int64)
	SetStatus(status types.Status, err error) error
	SetDetail(detail string)
}

// Gate bounds how many transfers perform network I/O at once.
type Gate interface {
	Acquire(ctx context.Context) error
	Release()
}

// archiveTypes are the media types accepted for a ZIP payload.
var archiveTypes = map[string]bool{
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/x-zip":            true,
	"application/octet-stream":     true,
}

// Executor performs transfers. It is safe for concurrent use by many tasks.
type Executor struct {
	client  *http.Client
	gate    Gate
	policy  *retry.Policy
	runtime *types.RuntimeConfig
}

// New creates an executor. A nil client gets NewClient(rc); a nil policy gets retry.New(rc).
func New(client *http.Client, gate Gate, policy *retry.Policy, rc *types.RuntimeConfig) *Executor {
	if client == nil {
		client = NewClient(rc)
	}
	if policy == nil {
		policy = retry.New(rc)
	}
	return &Executor{client: client, gate: gate, policy: policy, runtime: rc}
}

// NewClient returns an HTTP client whose connect and response-header phase
// is bounded by the connect timeout. Body reads are bounded per chunk by
// the executor instead.
func NewClient(rc *types.RuntimeConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   rc.GetConnectTimeout(),
		KeepAlive: types.KeepAliveDuration,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          types.DefaultMaxIdleConns,
		IdleConnTimeout:       types.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   types.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: rc.GetConnectTimeout(),
		DisableCompression:    true,
	}
	if rc != nil && rc.ProxyURL != "" {
		if err := configureProxy(transport, dialer, rc.ProxyURL); err != nil {
			log.Warn("transfer").Err(err).Str("proxy", rc.ProxyURL).Msg("ignoring proxy setting")
		}
	}
	return &http.Client{Transport: transport}
}

// configureProxy routes transport through rawURL. socks5 proxies replace the
// dialer; http and https proxies use the transport's proxy hook.
func configureProxy(transport *http.Transport, dialer *net.Dialer, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid proxy url: %w", err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
		var auth *proxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &proxy.Auth{User: u.User.Username(), Password: pass}
		}
		d, err := proxy.SOCKS5("tcp", u.Host, auth, dialer)
		if err != nil {
			return fmt.Errorf("socks5 dialer: %w", err)
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return errors.New("socks5 dialer does not support contexts")
		}
		transport.Proxy = nil
		transport.DialContext = cd.DialContext
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	default:
		return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	log.Debug("transfer").Str("proxy", u.Redacted()).Msg("using proxy")
	return nil
}

// Run drives t to a terminal state. The outcome is recorded on the task.
// Cancelling ctx is treated as a cancel request for t.
func (e *Executor) Run(ctx context.Context, t Task) {
	stop := context.AfterFunc(ctx, t.RequestCancel)
	defer stop()

	if t.Cancelled() {
		e.finishCancelled(t)
		return
	}
	if err := t.SetStatus(types.StatusDownloading, nil); err != nil {
		log.Warn("transfer").Err(err).Str("task", t.ID()).Msg("cannot claim task")
		return
	}

	maxAttempts := e.policy.Attempts()
	for {
		if t.Cancelled() {
			e.finishCancelled(t)
			return
		}

		attempt := t.NextAttempt()
		if attempt > 1 {
			t.SetDetail(fmt.Sprintf("attempt %d of %d", attempt, maxAttempts))
		}

		err := e.attempt(ctx, t)
		if err == nil {
			e.finish(t, types.StatusCompleted, nil)
			log.Info("transfer").Str("task", t.ID()).Str("file", t.Name()).Int("attempts", attempt).Msg("download completed")
			return
		}
		if t.Cancelled() || ctx.Err() != nil || errors.Is(err, errCancelled) {
			e.finishCancelled(t)
			return
		}
		if !IsRetryable(err) {
			e.fail(t, err)
			return
		}
		if e.policy.Exhausted(attempt) {
			e.fail(t, fmt.Errorf("download failed after %d attempts: %w", attempt, err))
			return
		}

		log.Warn("transfer").Err(err).Str("task", t.ID()).Str("file", t.Name()).
			Int("attempt", attempt).Int("max", maxAttempts).Msg("attempt failed, retrying")

		// Wakes early when the task is cancelled.
		_ = e.policy.Wait(t.Context())
	}
}

func (e *Executor) finish(t Task, status types.Status, err error) {
	if serr := t.SetStatus(status, err); serr != nil {
		log.Warn("transfer").Err(serr).Str("task", t.ID()).Msg("status not recorded")
	}
}

func (e *Executor) fail(t Task, err error) {
	log.Error("transfer").Err(err).Str("task", t.ID()).Str("file", t.Name()).Msg("download failed")
	e.finish(t, types.StatusFailed, err)
}

// finishCancelled records Cancelled and removes the partial file.
func (e *Executor) finishCancelled(t Task) {
	e.finish(t, types.StatusCancelled, nil)
	if err := os.Remove(t.DestPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("transfer").Err(err).Str("path", t.DestPath()).Msg("failed to remove partial file")
	}
	log.Info("transfer").Str("task", t.ID()).Str("file", t.Name()).Msg("download cancelled")
}

// attempt performs one request cycle against the destination file.
func (e *Executor) attempt(ctx context.Context, t Task) error {
	dest := t.DestPath()

	lock := flock.New(dest + types.LockSuffix)
	locked, err := lock.TryLock()
	if err != nil {
		return &FSError{Op: "lock", Path: dest, Err: err}
	}
	if !locked {
		return &FSError{Op: "lock", Path: dest, Err: ErrLocked}
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(lock.Path())
	}()

	offset, err := sizeOnDisk(dest)
	if err != nil {
		return err
	}

	expected := t.ExpectedSize()
	if expected > 0 && offset == expected {
		t.SetInitialSize(offset)
		t.RecordProgress(offset)
		return nil
	}
	if expected > 0 && offset > expected {
		log.Warn("transfer").Str("path", dest).Int64("on_disk", offset).Int64("expected", expected).
			Msg("file larger than expected, restarting")
		if err := os.Truncate(dest, 0); err != nil {
			return &FSError{Op: "truncate", Path: dest, Err: err}
		}
		offset = 0
	}
	t.SetInitialSize(offset)

	if err := e.gate.Acquire(t.Context()); err != nil {
		return errCancelled
	}
	defer e.gate.Release()

	return e.fetch(ctx, t, dest, offset)
}

func (e *Executor) fetch(ctx context.Context, t Task, dest string, offset int64) error {
	reqCtx, abort := context.WithCancel(ctx)
	defer abort()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, t.URL(), nil)
	if err != nil {
		return &ContentError{Reason: fmt.Sprintf("bad url: %v", err)}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	req.Header.Set("User-Agent", e.runtime.GetUserAgent())
	req.Header.Set("Accept", "*/*")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Debug("transfer").Err(err).Msg("error closing response body")
		}
	}()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if offset > 0 {
			log.Info("transfer").Str("task", t.ID()).Int64("offset", offset).Msg("server ignored range, restarting from zero")
			offset = 0
			t.SetInitialSize(0)
		}
	case http.StatusRequestedRangeNotSatisfiable:
		if offset > 0 {
			return e.rangeNotSatisfiable(ctx, t, dest, offset, resp.Header)
		}
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	default:
		return &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	if err := checkContentType(resp.Header); err != nil {
		return err
	}
	if resp.ContentLength > 0 {
		t.SetExpectedSize(offset + resp.ContentLength)
	}
	expected := t.ExpectedSize()

	flags := os.O_CREATE | os.O_WRONLY
	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return &FSError{Op: "open", Path: dest, Err: err}
	}
	defer f.Close()

	buf := make([]byte, e.runtime.GetChunkSize())
	onDisk := offset
	sniff := offset == 0

	for {
		// Cooperative cancellation point; an in-flight chunk always completes.
		if t.Cancelled() {
			return errCancelled
		}

		n, readErr := e.readChunk(resp.Body, buf, abort)
		if n > 0 {
			if sniff {
				if !filetype.Is(buf[:n], "zip") {
					return &ContentError{Reason: "payload does not start with a ZIP signature"}
				}
				sniff = false
			}
			if _, err := f.Write(buf[:n]); err != nil {
				return &FSError{Op: "write", Path: dest, Err: err}
			}
			onDisk += int64(n)
			t.RecordProgress(onDisk)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if sniff {
		return &ContentError{Reason: "empty body"}
	}
	if err := f.Sync(); err != nil {
		return &FSError{Op: "sync", Path: dest, Err: err}
	}
	if expected > 0 && onDisk != expected {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortBody, onDisk, expected)
	}
	return nil
}

// rangeNotSatisfiable handles a 416 answer to a resume request. When the
// server reports a length equal to what is on disk the file is already
// complete; otherwise the local copy is discarded and fetched again.
func (e *Executor) rangeNotSatisfiable(ctx context.Context, t Task, dest string, offset int64, h http.Header) error {
	total, ok := unsatisfiedLength(h)
	if ok && total == offset {
		log.Info("transfer").Str("task", t.ID()).Int64("size", total).Msg("file already complete on disk")
		t.SetExpectedSize(total)
		t.RecordProgress(total)
		return nil
	}
	log.Warn("transfer").Str("path", dest).Int64("on_disk", offset).Str("content_range", h.Get("Content-Range")).
		Msg("resume offset rejected, restarting")
	if err := os.Truncate(dest, 0); err != nil {
		return &FSError{Op: "truncate", Path: dest, Err: err}
	}
	t.SetInitialSize(0)
	return e.fetch(ctx, t, dest, 0)
}

// unsatisfiedLength parses the complete length from "Content-Range: bytes */N".
func unsatisfiedLength(h http.Header) (int64, bool) {
	v := strings.TrimSpace(h.Get("Content-Range"))
	rest, ok := strings.CutPrefix(v, "bytes */")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// readChunk fills buf from body. The read is aborted with ErrStalled when no
// bytes arrive for the chunk timeout. A clean end of stream is io.EOF,
// possibly together with n > 0.
func (e *Executor) readChunk(body io.Reader, buf []byte, abort context.CancelFunc) (int, error) {
	timeout := e.runtime.GetChunkTimeout()
	var stalled atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		stalled.Store(true)
		abort()
	})
	defer timer.Stop()

	n := 0
	for n < len(buf) {
		m, err := body.Read(buf[n:])
		n += m
		if stalled.Load() {
			return n, ErrStalled
		}
		if m > 0 {
			timer.Reset(timeout)
		}
		if err == io.EOF {
			return n, io.EOF
		}
		if err != nil {
			return n, fmt.Errorf("%w: %w", ErrBodyRead, err)
		}
	}
	return n, nil
}

// checkContentType accepts archive media types and a missing header.
func checkContentType(h http.Header) error {
	if h.Get("Content-Type") == "" {
		return nil
	}
	mtype, _ := httpheader.ContentType(h)
	if archiveTypes[strings.ToLower(mtype)] {
		return nil
	}
	return &ContentError{Reason: fmt.Sprintf("unexpected content type %q", mtype)}
}

// sizeOnDisk returns the current size of path, 0 when it does not exist.
func sizeOnDisk(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, &FSError{Op: "stat", Path: path, Err: err}
	}
	return info.Size(), nil
}
