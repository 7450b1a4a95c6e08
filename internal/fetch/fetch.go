package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrFetch classifies every failure to retrieve a manifest or file.
var ErrFetch = errors.New("fetch failed")

// Error describes a failed retrieval of a single source.
type Error struct {
	Source     string
	StatusCode int // HTTP status, 0 when not applicable
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.Source, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports every *Error as ErrFetch.
func (e *Error) Is(target error) bool { return target == ErrFetch }

// Fetcher retrieves the content behind a source string (URL or local path)
type Fetcher interface {
	Fetch(ctx context.Context, source string) (io.ReadCloser, error)
}

// Router dispatches a source to the fetcher registered for its scheme.
// Sources without a scheme (and file:// URLs) are read from the local filesystem.
type Router struct {
	http *HTTPFetcher
	s3   Fetcher
}

// RouterOption configures a Router during construction
type RouterOption func(*Router)

// WithHTTP overrides the default HTTP fetcher
func WithHTTP(f *HTTPFetcher) RouterOption {
	return func(r *Router) {
		r.http = f
	}
}

// WithS3 enables s3:// sources
func WithS3(f Fetcher) RouterOption {
	return func(r *Router) {
		r.s3 = f
	}
}

// NewRouter creates a Router with a default HTTP fetcher and no S3 support
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{}
	for _, opt := range opts {
		opt(r)
	}
	if r.http == nil {
		r.http = NewHTTPFetcher()
	}
	return r
}

// Fetch opens source for reading. The caller must close the returned reader.
func (r *Router) Fetch(ctx context.Context, source string) (io.ReadCloser, error) {
	switch scheme(source) {
	case "http", "https":
		return r.http.Fetch(ctx, source)
	case "s3":
		if r.s3 == nil {
			return nil, &Error{Source: source, Err: errors.New("s3 sources are not configured")}
		}
		return r.s3.Fetch(ctx, source)
	case "file":
		u, err := url.Parse(source)
		if err != nil {
			return nil, &Error{Source: source, Err: err}
		}
		return openFile(source, filepath.FromSlash(u.Path))
	case "":
		return openFile(source, source)
	default:
		return nil, &Error{Source: source, Err: fmt.Errorf("unsupported scheme %q", scheme(source))}
	}
}

func openFile(source, p string) (io.ReadCloser, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, &Error{Source: source, Err: err}
	}
	return f, nil
}

// HTTPFetcher retrieves http and https sources
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// HTTPOption configures an HTTPFetcher during construction
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient sets a custom HTTP client, useful for tests or proxies
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client = c
	}
}

// WithTimeout bounds each whole request, body included
func WithTimeout(d time.Duration) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client = &http.Client{Timeout: d}
	}
}

// WithUserAgent sets the User-Agent header sent with every request
func WithUserAgent(ua string) HTTPOption {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

// NewHTTPFetcher creates an HTTPFetcher using http.DefaultClient
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:    http.DefaultClient,
		userAgent: "patchkit/dev",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch issues a GET and returns the body of a 200 response
func (f *HTTPFetcher) Fetch(ctx context.Context, source string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, &Error{Source: source, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &Error{Source: source, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &Error{Source: source, StatusCode: resp.StatusCode}
	}

	return resp.Body, nil
}

// Resolve interprets ref relative to base. Absolute URLs and absolute paths are
// returned unchanged; relative refs are joined onto base's directory.
func Resolve(base, ref string) string {
	if ref == "" || scheme(ref) != "" || filepath.IsAbs(ref) {
		return ref
	}

	switch scheme(base) {
	case "":
		return filepath.Join(filepath.Dir(base), filepath.FromSlash(ref))
	default:
		u, err := url.Parse(base)
		if err != nil {
			return ref
		}
		r, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		if u.Scheme == "s3" {
			// s3://bucket/key: the bucket is the host, keys resolve like paths
			u.Path = path.Join(path.Dir(u.Path), r.Path)
			return u.String()
		}
		return u.ResolveReference(r).String()
	}
}

// JoinURL appends a slash-separated relative name to a base URL or directory,
// escaping each URL path segment.
func JoinURL(base, name string) string {
	if scheme(base) == "" {
		return filepath.Join(base, filepath.FromSlash(name))
	}

	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}

// scheme returns the lower-cased URL scheme of source, or "" for plain paths.
// Single-letter schemes are treated as Windows drive letters.
func scheme(source string) string {
	i := strings.Index(source, "://")
	if i <= 1 {
		return ""
	}
	return strings.ToLower(source[:i])
}
