// Package catalog discovers the archives published on the CNPJ open-data
// index and caches what it found.
package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/rfbdl/rfbdl/internal/engine"
	"github.com/rfbdl/rfbdl/internal/engine/types"
	"github.com/rfbdl/rfbdl/internal/log"
	"github.com/rfbdl/rfbdl/internal/utils"
)

// ProbeWorkers bounds concurrent metadata probes per bucket.
const ProbeWorkers = 10

var bucketLink = regexp.MustCompile(`^\d{4}-\d{2}/$`)

// listingTimeLayouts are the date formats seen in Apache autoindex rows.
var listingTimeLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	"02-Jan-2006 15:04",
}

// ProbeFunc fetches size and modification time for one archive URL.
type ProbeFunc func(ctx context.Context, rawURL string) (*engine.ProbeResult, error)

// Crawler walks the index page and its monthly buckets.
type Crawler struct {
	Client   *http.Client
	BaseURL  string
	Keywords []string
	// Recent is how many of the newest known buckets are re-listed.
	Recent int
	// Probe fills metadata the listing lacks. Nil uses engine.ProbeFile.
	Probe ProbeFunc
}

// ParseBucket splits "YYYY-MM" (a trailing slash is allowed) into year and month.
func ParseBucket(s string) (year, month int, ok bool) {
	s = strings.TrimSuffix(s, "/")
	y, m, found := strings.Cut(s, "-")
	if !found || len(y) != 4 || len(m) != 2 {
		return 0, 0, false
	}
	year, err := strconv.Atoi(y)
	if err != nil {
		return 0, 0, false
	}
	month, err = strconv.Atoi(m)
	if err != nil || month < 1 || month > 12 {
		return 0, 0, false
	}
	return year, month, true
}

// bucketLess orders buckets chronologically. Unparseable names sort first.
func bucketLess(a, b string) bool {
	ay, am, _ := ParseBucket(a)
	by, bm, _ := ParseBucket(b)
	if ay != by {
		return ay < by
	}
	return am < bm
}

// SortBuckets sorts bucket names oldest first.
func SortBuckets(buckets []string) {
	sort.SliceStable(buckets, func(i, j int) bool { return bucketLess(buckets[i], buckets[j]) })
}

// Threshold returns the recent-th newest bucket in known. Buckets older than
// it are considered settled and are not re-listed.
func Threshold(known []string, recent int) (string, bool) {
	if recent <= 0 || len(known) < recent {
		return "", false
	}
	sorted := append([]string(nil), known...)
	SortBuckets(sorted)
	return sorted[len(sorted)-recent], true
}

// Crawl lists the index and returns the descriptors of every matching
// archive in buckets at or after the threshold derived from known.
// An empty result with a nil error means nothing new was published.
func (c *Crawler) Crawl(ctx context.Context, known []string) (map[string][]types.Descriptor, error) {
	base := utils.DirURL(c.BaseURL)
	threshold, hasThreshold := Threshold(known, c.Recent)

	links, err := c.list(ctx, base)
	if err != nil {
		return nil, err
	}

	var buckets []string
	for _, l := range links {
		if !bucketLink.MatchString(l.href) {
			continue
		}
		b := strings.TrimSuffix(l.href, "/")
		if hasThreshold && bucketLess(b, threshold) {
			continue
		}
		buckets = append(buckets, b)
	}
	SortBuckets(buckets)

	if len(buckets) == 0 {
		if len(known) > 0 {
			log.Info("catalog").Msg("no new buckets, keeping cached listing")
		}
		return map[string][]types.Descriptor{}, nil
	}

	found := make(map[string][]types.Descriptor, len(buckets))
	for _, b := range buckets {
		ds, err := c.crawlBucket(ctx, base, b)
		if err != nil {
			return nil, err
		}
		found[b] = ds
		log.Info("catalog").Str("bucket", b).Int("files", len(ds)).Msg("bucket listed")
	}
	return found, nil
}

func (c *Crawler) crawlBucket(ctx context.Context, base, bucket string) ([]types.Descriptor, error) {
	bucketURL, err := utils.ResolveURL(base, bucket+"/")
	if err != nil {
		return nil, err
	}
	links, err := c.list(ctx, bucketURL)
	if err != nil {
		return nil, err
	}

	var ds []types.Descriptor
	var missing []int
	for _, l := range links {
		lower := strings.ToLower(l.href)
		if !strings.HasSuffix(lower, ".zip") || !c.matches(lower) {
			continue
		}
		fileURL, err := utils.ResolveURL(bucketURL, l.href)
		if err != nil {
			log.Warn("catalog").Err(err).Str("href", l.href).Msg("skipping link")
			continue
		}
		d := types.Descriptor{
			Bucket:   bucket,
			FileName: utils.NameFromHref(l.href),
			URL:      fileURL,
		}
		var complete bool
		d.Size, d.LastModified, complete = parseListingRow(l.trailer)
		if !complete {
			missing = append(missing, len(ds))
		}
		ds = append(ds, d)
	}

	if len(missing) > 0 {
		c.fillMissing(ctx, ds, missing)
	}
	return ds, nil
}

// fillMissing probes the entries at the given indexes. Failures are logged
// and leave whatever the listing provided.
func (c *Crawler) fillMissing(ctx context.Context, ds []types.Descriptor, idx []int) {
	probe := c.Probe
	if probe == nil {
		probe = func(ctx context.Context, rawURL string) (*engine.ProbeResult, error) {
			return engine.ProbeFile(ctx, c.Client, rawURL)
		}
	}

	var g errgroup.Group
	g.SetLimit(ProbeWorkers)
	for _, i := range idx {
		g.Go(func() error {
			res, err := probe(ctx, ds[i].URL)
			if err != nil {
				log.Warn("catalog").Err(err).Str("url", ds[i].URL).Msg("metadata probe failed")
				return nil
			}
			// Each goroutine owns ds[i].
			if res.FileSize > 0 {
				ds[i].Size = res.FileSize
			}
			if !res.LastModified.IsZero() {
				ds[i].LastModified = res.LastModified
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Crawler) matches(lowerName string) bool {
	if len(c.Keywords) == 0 {
		return true
	}
	for _, kw := range c.Keywords {
		if kw != "" && strings.Contains(lowerName, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

type link struct {
	href    string
	trailer string // text right after the anchor
}

func (c *Crawler) list(ctx context.Context, pageURL string) ([]link, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create index request: %w", err)
	}
	req.Header.Set("User-Agent", types.UserAgents()[0])

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch index %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch index %s: %s", pageURL, resp.Status)
	}
	return parseLinks(resp.Body)
}

// parseLinks returns every anchor with an href, in document order.
func parseLinks(r io.Reader) ([]link, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}

	var links []link
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key == "href" && a.Val != "" {
					l := link{href: a.Val}
					if sib := n.NextSibling; sib != nil && sib.Type == html.TextNode {
						l.trailer = sib.Data
					}
					links = append(links, l)
					break
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return links, nil
}

// parseListingRow reads "2024-05-12 10:30  123456789" from an autoindex row.
// complete is false unless both an exact byte count and a date were found;
// abbreviated sizes such as "1.2M" are not exact.
func parseListingRow(text string) (size int64, modified time.Time, complete bool) {
	parts := strings.Fields(text)
	if len(parts) < 3 {
		return 0, time.Time{}, false
	}
	stamp := parts[0] + " " + parts[1]
	for _, layout := range listingTimeLayouts {
		if t, err := time.ParseInLocation(layout, stamp, time.UTC); err == nil {
			modified = t
			break
		}
	}
	if n, err := strconv.ParseInt(parts[2], 10, 64); err == nil && n >= 0 {
		size = n
	}
	return size, modified, size > 0 && !modified.IsZero()
}
