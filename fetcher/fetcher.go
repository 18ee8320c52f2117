// Package fetcher downloads remote images safely. Every URL (origin and each
// redirect target) is validated against an SSRF blocklist before any network
// I/O, redirects are followed manually with a hop bound and loop detection,
// and bodies are size- and type-bounded. Inline data URLs bypass the network
// path entirely.
package fetcher

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
)

// Limits bounds a single fetch operation.
type Limits struct {
	Timeout      time.Duration // per-attempt deadline
	MaxBytes     int64         // body byte ceiling, enforced on header and mid-stream
	MaxRedirects int           // redirect hop bound
}

// DefaultLimits mirrors the server defaults: 15s, 15 MiB, 3 hops.
func DefaultLimits() Limits {
	return Limits{
		Timeout:      15 * time.Second,
		MaxBytes:     15 * 1024 * 1024,
		MaxRedirects: 3,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.Timeout <= 0 {
		l.Timeout = def.Timeout
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = def.MaxBytes
	}
	if l.MaxRedirects <= 0 {
		l.MaxRedirects = def.MaxRedirects
	}
	return l
}

// Result is a completed fetch: raw bytes, a sanitized filename extension, and
// the content identity key used for gallery dedup.
type Result struct {
	Bytes     []byte
	Ext       string
	OriginKey string
}

// Fetcher performs validated image downloads.
type Fetcher struct {
	client *http.Client
	limits Limits
	logger *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client (tests inject httptest clients).
// Redirect following stays manual regardless of the client's own policy.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithLogger sets the logger used for per-candidate failure logs.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// New creates a Fetcher with the given limits.
func New(limits Limits, opts ...Option) *Fetcher {
	f := &Fetcher{limits: limits.withDefaults()}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Fetch validates rawURL, tries each candidate rewrite in order, and returns
// the first success. All candidate failures aggregate into one upstream error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	origin, err := ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	var failures []string
	for _, candidate := range candidateURLs(origin) {
		body, contentType, err := f.fetchBytes(ctx, candidate)
		if err != nil {
			f.logger.Debug("image candidate failed", "url", candidate.String(), "error", err)
			failures = append(failures, candidate.String()+" -> "+err.Error())
			continue
		}

		ext := extensionFromMIME(contentType)
		if ext == "" {
			ext = extensionFromURL(candidate)
		}
		if ext == "" {
			ext = extensionFromURL(origin)
		}
		if ext == "" {
			ext = "png"
		}

		return &Result{
			Bytes:     body,
			Ext:       ext,
			OriginKey: "url:" + origin.String(),
		}, nil
	}

	return nil, errors.Upstream(errors.CodeRemoteFetchFailed,
		"image download failed: %s", strings.Join(failures, "; "))
}

// candidateURLs returns the origin plus, for a loopback host on the internal
// asset port, the same path on the externally served port. Mirrors the
// client-side port-mismatch normalization.
func candidateURLs(origin *url.URL) []*url.URL {
	candidates := []*url.URL{origin}
	if isLocalHost(origin.Hostname()) && origin.Port() == internalAssetPort {
		alt := *origin
		alt.Host = origin.Hostname() + ":" + externalAssetPort
		if alt.String() != origin.String() {
			candidates = append(candidates, &alt)
		}
	}
	return candidates
}

// fetchBytes runs the manual redirect loop for one candidate.
func (f *Fetcher) fetchBytes(ctx context.Context, start *url.URL) ([]byte, string, error) {
	current := start
	visited := map[string]struct{}{current.String(): {}}

	for step := 0; step <= f.limits.MaxRedirects; step++ {
		resp, err := f.get(ctx, current)
		if err != nil {
			return nil, "", err
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			next, err := f.redirectTarget(resp, current)
			closeBody(resp)
			if err != nil {
				return nil, "", err
			}
			if _, seen := visited[next.String()]; seen {
				return nil, "", errors.Upstream(errors.CodeRedirectLoop, "redirect loop detected at %s", next)
			}
			visited[next.String()] = struct{}{}
			current = next
			continue
		}

		body, contentType, err := f.readResponse(resp)
		closeBody(resp)
		return body, contentType, err
	}

	return nil, "", errors.Upstream(errors.CodeTooManyRedirects,
		"more than %d redirects", f.limits.MaxRedirects)
}

// get performs one GET with a per-attempt deadline and no automatic redirects.
func (f *Fetcher) get(ctx context.Context, target *url.URL) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.limits.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, errors.CodeInvalidImageURL, "building request for %s", target)
	}
	req.Header.Set("Accept", "image/*")

	start := time.Now()
	resp, err := noRedirect(f.client).Do(req) //nolint:bodyclose // closed by callers
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return nil, errors.Timeout(errors.CodeImageFetchTimeout,
				"image request timed out after %s", time.Since(start).Round(time.Millisecond))
		}
		return nil, errors.Wrap(err, errors.KindUpstream, errors.CodeUpstreamHTTPError, "requesting %s", target)
	}
	return resp, nil
}

// redirectTarget resolves and re-validates a redirect Location.
func (f *Fetcher) redirectTarget(resp *http.Response, current *url.URL) (*url.URL, error) {
	location := resp.Header.Get("Location")
	if location == "" {
		return nil, errors.Upstream(errors.CodeRedirectWithoutTarget, "upstream redirected without a location header")
	}
	ref, err := url.Parse(location)
	if err != nil {
		return nil, errors.Upstream(errors.CodeRedirectWithoutTarget, "unparseable redirect location %q", location)
	}
	// Every hop goes through the same validation as the origin URL.
	return ValidateURL(current.ResolveReference(ref).String())
}

// readResponse enforces status, content-type and size limits, then drains the
// body with the byte ceiling applied mid-stream as well.
func (f *Fetcher) readResponse(resp *http.Response) ([]byte, string, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", errors.Upstream(errors.CodeUpstreamHTTPError, "HTTP %d", resp.StatusCode)
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	if contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, "", errors.Validation(errors.CodeUnsupportedContentType,
			"remote resource is not an image, content-type=%s", contentType)
	}

	if header := resp.Header.Get("Content-Length"); header != "" {
		if declared, err := strconv.ParseInt(header, 10, 64); err == nil && declared > f.limits.MaxBytes {
			return nil, "", errors.Validation(errors.CodeImageTooLarge,
				"image exceeds the %d byte limit", f.limits.MaxBytes)
		}
	}

	// Read one byte past the ceiling so lying length headers still fail.
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.limits.MaxBytes+1))
	if err != nil {
		return nil, "", errors.Wrap(err, errors.KindUpstream, errors.CodeUpstreamHTTPError, "reading response body")
	}
	if int64(len(body)) > f.limits.MaxBytes {
		return nil, "", errors.Validation(errors.CodeImageTooLarge,
			"image exceeds the %d byte limit", f.limits.MaxBytes)
	}
	if len(body) == 0 {
		return nil, "", errors.Validation(errors.CodeEmptyImageResponse, "response body is empty")
	}

	return body, contentType, nil
}

// noRedirect wraps a client so redirects surface as responses, preserving any
// injected transport.
func noRedirect(client *http.Client) *http.Client {
	clone := *client
	clone.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &clone
}

func closeBody(resp *http.Response) {
	if resp.Body != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}
}
