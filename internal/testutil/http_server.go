package testutil

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// NewHTTPServer starts an httptest server bound to IPv4 to avoid IPv6 listener issues in sandboxed environments.
func NewHTTPServer(handler http.Handler) *httptest.Server {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return httptest.NewServer(handler)
	}
	return start(ln, handler)
}

// NewHTTPServerT starts an httptest server bound to IPv4, skips the test if
// binding fails and closes the server on cleanup.
func NewHTTPServerT(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("tcp4 listener unavailable: %v", err)
		return nil
	}
	srv := start(ln, handler)
	t.Cleanup(srv.Close)
	return srv
}

func start(ln net.Listener, handler http.Handler) *httptest.Server {
	srv := &httptest.Server{
		Listener: ln,
		Config:   &http.Server{Handler: handler},
	}
	srv.Start()
	return srv
}

// IndexEntry is one row of an autoindex page.
type IndexEntry struct {
	Href     string
	Modified string // "2024-05-12 10:30"; empty omits the metadata columns
	Size     string // exact bytes or an abbreviation such as "1.2M"
}

// IndexServer serves Apache-style autoindex pages plus HEAD and GET for
// the archives they list.
type IndexServer struct {
	Server *httptest.Server
	Root   string // path prefix of the top-level index, ending in "/"

	mu    sync.Mutex
	pages map[string][]IndexEntry // keyed by directory path
	files map[string][]byte       // keyed by file path

	PageRequests atomic.Int64
	HeadRequests atomic.Int64
}

// NewIndexServerT starts an empty index rooted at /dados/cnpj/.
func NewIndexServerT(t *testing.T) *IndexServer {
	t.Helper()
	s := &IndexServer{
		Root:  "/dados/cnpj/",
		pages: make(map[string][]IndexEntry),
		files: make(map[string][]byte),
	}
	s.pages[s.Root] = nil
	s.Server = NewHTTPServerT(t, http.HandlerFunc(s.handle))
	return s
}

// URL returns the address of the top-level index.
func (s *IndexServer) URL() string {
	return s.Server.URL + s.Root
}

// AddBucket lists bucket on the top-level index and serves its page.
func (s *IndexServer) AddBucket(bucket string, entries ...IndexEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[s.Root] = append(s.pages[s.Root], IndexEntry{Href: bucket + "/", Modified: "2024-01-01 00:00", Size: "-"})
	s.pages[s.Root+bucket+"/"] = entries
}

// AddLink lists an arbitrary href on the top-level index.
func (s *IndexServer) AddLink(href string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[s.Root] = append(s.pages[s.Root], IndexEntry{Href: href})
}

// AddFile serves data at <root><bucket>/<name>.
func (s *IndexServer) AddFile(bucket, name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[s.Root+bucket+"/"+name] = data
}

func (s *IndexServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	entries, isPage := s.pages[r.URL.Path]
	data, isFile := s.files[r.URL.Path]
	s.mu.Unlock()

	switch {
	case isPage && r.Method == http.MethodGet:
		s.PageRequests.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, renderIndex(r.URL.Path, entries))
	case isFile:
		if r.Method == http.MethodHead {
			s.HeadRequests.Add(1)
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Last-Modified", "Sun, 12 May 2024 10:30:00 GMT")
		w.Header().Set("Content-Length", fmt.Sprint(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write(data)
		}
	default:
		http.NotFound(w, r)
	}
}

func renderIndex(dir string, entries []IndexEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>Index of %s</title></head><body>\n", dir)
	fmt.Fprintf(&b, "<h1>Index of %s</h1><pre>", dir)
	b.WriteString(`<a href="?C=N;O=D">Name</a>                    <a href="?C=M;O=A">Last modified</a>      <a href="?C=S;O=A">Size</a>` + "\n")
	b.WriteString(`<a href="/dados/">Parent Directory</a>                             -` + "\n")

	for _, e := range entries {
		fmt.Fprintf(&b, `<a href="%s">%s</a>`, e.Href, e.Href)
		if e.Modified != "" {
			fmt.Fprintf(&b, "          %s  %5s", e.Modified, e.Size)
		}
		b.WriteString("\n")
	}
	b.WriteString("</pre></body></html>\n")
	return b.String()
}
