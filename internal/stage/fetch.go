package stage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"
)

// Fetcher retrieves an artifact's bytes from one kind of source into a
// staging destination. Integrity is the stager's job, not the fetcher's.
type Fetcher interface {
	Fetch(ctx context.Context, source, dest string) error
}

// Registry maps source schemes to Fetcher implementations.
type Registry struct {
	fetchers map[string]Fetcher
}

// NewRegistry creates a new empty fetcher registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]Fetcher)}
}

// Register adds a fetcher for the given scheme.
func (r *Registry) Register(scheme string, f Fetcher) {
	r.fetchers[scheme] = f
}

// For returns the fetcher serving a source string. Sources without a scheme
// are plain filesystem paths.
func (r *Registry) For(source string) (Fetcher, error) {
	scheme := schemeOf(source)
	f, ok := r.fetchers[scheme]
	if !ok {
		return nil, fmt.Errorf("unsupported source scheme '%s' — supported schemes: %s", scheme, r.supportedSchemes())
	}
	return f, nil
}

func (r *Registry) supportedSchemes() string {
	schemes := make([]string, 0, len(r.fetchers))
	for s := range r.fetchers {
		schemes = append(schemes, s)
	}
	if len(schemes) == 0 {
		return "(none registered)"
	}
	sort.Strings(schemes)
	return strings.Join(schemes, ", ")
}

// schemeOf extracts the scheme of a source string. Anything without "://"
// (including Windows drive paths) is a local file.
func schemeOf(source string) string {
	i := strings.Index(source, "://")
	if i <= 1 {
		return "file"
	}
	return strings.ToLower(source[:i])
}

// HTTPClient abstracts HTTP operations for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHTTPClient returns an HTTPClient using http.DefaultClient.
type DefaultHTTPClient struct{}

func (DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return http.DefaultClient.Do(req)
}

// LocalFetcher copies artifact bytes from the local filesystem.
type LocalFetcher struct{}

func (LocalFetcher) Fetch(ctx context.Context, source, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src := strings.TrimPrefix(source, "file://")
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}

// HTTPFetcher downloads artifact bytes over http(s).
type HTTPFetcher struct {
	Client  HTTPClient
	Timeout time.Duration // per-fetch bound on top of the caller's context
}

func (h *HTTPFetcher) Fetch(ctx context.Context, source, dest string) error {
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	client := h.Client
	if client == nil {
		client = DefaultHTTPClient{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, source)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return fmt.Errorf("reading response from %s: %w", source, err)
	}
	return out.Close()
}
