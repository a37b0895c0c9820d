// Package testutil provides testing utilities for the archive downloader.
package testutil

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ZipSignature is the local file header magic every served archive starts with.
var ZipSignature = []byte{'P', 'K', 0x03, 0x04}

// MockServer is a configurable archive server for download testing.
// Every path serves the same payload.
type MockServer struct {
	Server *httptest.Server

	// Configuration
	FileSize        int64         // Size of the served file
	SupportsRanges  bool          // Whether to honor HTTP Range requests
	ContentType     string        // Content-Type header value; empty omits the header
	NotZip          bool          // Serve a payload without the ZIP signature
	Latency         time.Duration // Artificial latency per request, before headers
	HoldBody        time.Duration // Delay between headers and body (keeps requests active)
	FailFirst       int           // Fail this many requests before serving
	FailStatus      int           // Status used by FailFirst
	FailAfterBytes  int64         // Cut each response after this many bytes (0 = never)
	StallAfterBytes int64         // Stop sending after this many bytes without closing
	StallRequests   int           // How many requests stall (0 = all when StallAfterBytes > 0)

	// Tracking
	RequestCount   atomic.Int64
	BytesServed    atomic.Int64
	ActiveRequests atomic.Int64
	PeakActive     atomic.Int64
	RangeRequests  atomic.Int64
	FullRequests   atomic.Int64
	FailedRequests atomic.Int64

	mu           sync.Mutex
	rangeHeaders []string
	reqNum       int
	stalled      int

	data          []byte
	CustomHandler http.HandlerFunc
}

// MockServerOption is a function that configures a MockServer.
type MockServerOption func(*MockServer)

// WithHandler sets a custom request handler.
func WithHandler(h http.HandlerFunc) MockServerOption {
	return func(m *MockServer) {
		m.CustomHandler = h
	}
}

// WithFileSize sets the file size to serve.
func WithFileSize(size int64) MockServerOption {
	return func(m *MockServer) {
		m.FileSize = size
	}
}

// WithRangeSupport enables or disables Range request support.
func WithRangeSupport(enabled bool) MockServerOption {
	return func(m *MockServer) {
		m.SupportsRanges = enabled
	}
}

// WithContentType sets the Content-Type header. Empty omits it.
func WithContentType(ct string) MockServerOption {
	return func(m *MockServer) {
		m.ContentType = ct
	}
}

// WithNonZipPayload serves bytes that do not start with the ZIP signature.
func WithNonZipPayload() MockServerOption {
	return func(m *MockServer) {
		m.NotZip = true
	}
}

// WithLatency adds artificial latency per request.
func WithLatency(d time.Duration) MockServerOption {
	return func(m *MockServer) {
		m.Latency = d
	}
}

// WithHoldBody keeps each request open for d after the headers are sent.
func WithHoldBody(d time.Duration) MockServerOption {
	return func(m *MockServer) {
		m.HoldBody = d
	}
}

// WithFailFirst makes the first n requests answer with status.
func WithFailFirst(n, status int) MockServerOption {
	return func(m *MockServer) {
		m.FailFirst = n
		m.FailStatus = status
	}
}

// WithFailAfterBytes cuts every response after n body bytes.
func WithFailAfterBytes(n int64) MockServerOption {
	return func(m *MockServer) {
		m.FailAfterBytes = n
	}
}

// WithStall makes the first requests stop sending after n bytes and hang
// until the client goes away. requests == 0 stalls every request.
func WithStall(n int64, requests int) MockServerOption {
	return func(m *MockServer) {
		m.StallAfterBytes = n
		m.StallRequests = requests
	}
}

func newMockServer(opts []MockServerOption) *MockServer {
	m := &MockServer{
		FileSize:       256 * 1024,
		SupportsRanges: true,
		ContentType:    "application/zip",
		FailStatus:     http.StatusServiceUnavailable,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.data = make([]byte, m.FileSize)
	_, _ = rand.Read(m.data)
	if m.NotZip {
		copy(m.data, "<html>")
	} else {
		copy(m.data, ZipSignature)
	}
	return m
}

// NewMockServer creates a new mock archive server with the given options.
func NewMockServer(opts ...MockServerOption) *MockServer {
	m := newMockServer(opts)
	m.Server = NewHTTPServer(http.HandlerFunc(m.handleRequest))
	return m
}

// NewMockServerT creates a new mock archive server and skips the test if binding fails.
func NewMockServerT(t *testing.T, opts ...MockServerOption) *MockServer {
	t.Helper()
	m := newMockServer(opts)
	m.Server = NewHTTPServerT(t, http.HandlerFunc(m.handleRequest))
	t.Cleanup(m.Close)
	return m
}

// URL returns the server's URL.
func (m *MockServer) URL() string {
	return m.Server.URL
}

// FileURL returns a URL for name under the server root.
func (m *MockServer) FileURL(name string) string {
	return m.Server.URL + "/" + strings.TrimPrefix(name, "/")
}

// Data returns the served payload.
func (m *MockServer) Data() []byte {
	return m.data
}

// RangeHeaders returns the Range header of every request, "" when absent.
func (m *MockServer) RangeHeaders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.rangeHeaders))
	copy(out, m.rangeHeaders)
	return out
}

// Close shuts down the mock server.
func (m *MockServer) Close() {
	if m.Server != nil {
		m.Server.CloseClientConnections()
		m.Server.Close()
	}
}

// Stats returns a summary of server statistics.
func (m *MockServer) Stats() MockServerStats {
	return MockServerStats{
		TotalRequests:  m.RequestCount.Load(),
		BytesServed:    m.BytesServed.Load(),
		RangeRequests:  m.RangeRequests.Load(),
		FullRequests:   m.FullRequests.Load(),
		FailedRequests: m.FailedRequests.Load(),
		PeakActive:     m.PeakActive.Load(),
	}
}

// MockServerStats contains server statistics.
type MockServerStats struct {
	TotalRequests  int64
	BytesServed    int64
	RangeRequests  int64
	FullRequests   int64
	FailedRequests int64
	PeakActive     int64
}

func (m *MockServer) trackActive() func() {
	active := m.ActiveRequests.Add(1)
	for {
		peak := m.PeakActive.Load()
		if active <= peak || m.PeakActive.CompareAndSwap(peak, active) {
			break
		}
	}
	return func() { m.ActiveRequests.Add(-1) }
}

func (m *MockServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	if m.CustomHandler != nil {
		m.CustomHandler(w, r)
		return
	}

	m.RequestCount.Add(1)
	defer m.trackActive()()

	m.mu.Lock()
	m.reqNum++
	reqNum := m.reqNum
	m.rangeHeaders = append(m.rangeHeaders, r.Header.Get("Range"))
	stall := m.StallAfterBytes > 0 && (m.StallRequests == 0 || m.stalled < m.StallRequests)
	if stall && r.Method != http.MethodHead {
		m.stalled++
	}
	m.mu.Unlock()

	if m.Latency > 0 {
		time.Sleep(m.Latency)
	}

	if reqNum <= m.FailFirst {
		m.FailedRequests.Add(1)
		http.Error(w, "Simulated failure", m.FailStatus)
		return
	}

	start := int64(0)
	end := m.FileSize - 1

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" && m.SupportsRanges {
		m.RangeRequests.Add(1)

		var err error
		start, end, err = parseRange(rangeHeader, m.FileSize)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", m.FileSize))
			http.Error(w, "Invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}

		m.setCommonHeaders(w, start, end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, m.FileSize))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		m.FullRequests.Add(1)
		m.setCommonHeaders(w, 0, m.FileSize-1)
		if m.SupportsRanges {
			w.Header().Set("Accept-Ranges", "bytes")
		}
		w.WriteHeader(http.StatusOK)
	}

	if r.Method == http.MethodHead {
		return
	}

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	if m.HoldBody > 0 {
		select {
		case <-time.After(m.HoldBody):
		case <-r.Context().Done():
			return
		}
	}

	length := end - start + 1
	written := int64(0)
	chunkSize := int64(16 * 1024)
	for written < length {
		if m.FailAfterBytes > 0 && written >= m.FailAfterBytes {
			m.FailedRequests.Add(1)
			return
		}
		if stall && written >= m.StallAfterBytes {
			if flusher != nil {
				flusher.Flush()
			}
			<-r.Context().Done()
			return
		}

		n := min(chunkSize, length-written)
		if m.FailAfterBytes > 0 {
			n = min(n, m.FailAfterBytes-written)
		}
		if stall {
			n = min(n, m.StallAfterBytes-written)
		}

		dataStart := start + written
		nw, err := w.Write(m.data[dataStart : dataStart+n])
		if err != nil {
			return // Client disconnected
		}
		written += int64(nw)
		m.BytesServed.Add(int64(nw))
	}
}

func (m *MockServer) setCommonHeaders(w http.ResponseWriter, start, end int64) {
	if m.ContentType != "" {
		w.Header().Set("Content-Type", m.ContentType)
	} else {
		// Stop net/http from sniffing one.
		w.Header()["Content-Type"] = nil
	}
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
}

// parseRange parses an HTTP Range header and returns start, end positions.
// Handles formats like "bytes=0-499" or "bytes=500-"
func parseRange(rangeHeader string, fileSize int64) (int64, int64, error) {
	if !strings.HasPrefix(rangeHeader, "bytes=") {
		return 0, 0, fmt.Errorf("invalid range prefix")
	}

	rangeSpec := strings.TrimPrefix(rangeHeader, "bytes=")
	parts := strings.Split(rangeSpec, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range format")
	}

	var start, end int64
	var err error

	if parts[0] == "" {
		// Suffix range: -500 means last 500 bytes
		end = fileSize - 1
		start, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		start = fileSize - start
	} else {
		start, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}

		if parts[1] == "" {
			end = fileSize - 1
		} else {
			end, err = strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, err
			}
		}
	}

	if start < 0 || end >= fileSize || start > end {
		return 0, 0, fmt.Errorf("range out of bounds")
	}

	return start, end, nil
}
