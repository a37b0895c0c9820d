package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vfaronov/httpheader"

	"github.com/rfbdl/rfbdl/internal/engine/types"
	"github.com/rfbdl/rfbdl/internal/log"
)

var probeClient = &http.Client{Timeout: types.ProbeTimeout}

// ProbeResult holds the archive metadata a server reports without sending the body.
type ProbeResult struct {
	FileSize      int64
	LastModified  time.Time
	SupportsRange bool
	ContentType   string
}

// ProbeFile asks the server for the size and modification time of rawURL.
// It sends HEAD first and falls back to a one-byte range GET when the
// server refuses HEAD. client may be nil.
func ProbeFile(ctx context.Context, client *http.Client, rawURL string) (*ProbeResult, error) {
	if client == nil {
		client = probeClient
	}
	log.Debug("probe").Str("url", rawURL).Msg("probing")

	probeCtx, cancel := context.WithTimeout(ctx, types.ProbeTimeout)
	defer cancel()

	resp, err := probeRequest(probeCtx, client, http.MethodHead, rawURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented {
		closeBody(resp)
		resp, err = probeRequest(probeCtx, client, http.MethodGet, rawURL)
		if err != nil {
			return nil, err
		}
	}
	defer closeBody(resp)

	result := &ProbeResult{ContentType: resp.Header.Get("Content-Type")}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.SupportsRange = true
		result.FileSize = totalFromContentRange(resp.Header.Get("Content-Range"))
	case http.StatusOK:
		result.SupportsRange = strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
		if resp.ContentLength > 0 {
			result.FileSize = resp.ContentLength
		}
	default:
		return nil, fmt.Errorf("probe %s: unexpected status %s", rawURL, resp.Status)
	}

	if lm := httpheader.LastModified(resp.Header); !lm.IsZero() {
		result.LastModified = lm.UTC()
	}

	log.Debug("probe").Str("url", rawURL).Int64("size", result.FileSize).
		Bool("range", result.SupportsRange).Msg("probe complete")
	return result, nil
}

func probeRequest(ctx context.Context, client *http.Client, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create probe request: %w", err)
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	req.Header.Set("User-Agent", types.UserAgents()[0])
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", rawURL, err)
	}
	return resp, nil
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

// totalFromContentRange extracts TOTAL from "bytes 0-0/TOTAL". It returns 0
// when the total is absent or "*".
func totalFromContentRange(v string) int64 {
	idx := strings.LastIndex(v, "/")
	if idx == -1 {
		return 0
	}
	n, err := strconv.ParseInt(v[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
