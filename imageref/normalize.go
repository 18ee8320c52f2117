package imageref

import (
	"net/url"
	"strings"
)

// Local OpenAI-compatible backends commonly report asset URLs on the internal
// asset port while the files are actually reachable on the configured base
// host. NormalizeURL rewrites that one mismatch.
const internalAssetPort = "9000"

// NormalizeURL resolves raw against the configured base URL and applies the
// local asset-port rewrite. Data URLs pass through untouched; values that do
// not parse, or parse to a non-http scheme, come back unchanged.
func NormalizeURL(raw, baseURL string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, "data:image/") {
		return text
	}

	base, baseErr := url.Parse(strings.TrimSpace(baseURL))
	if baseErr != nil || !isHTTPScheme(base.Scheme) {
		base = nil
	}

	parsed, err := url.Parse(text)
	if err != nil {
		return text
	}
	if base != nil && !parsed.IsAbs() {
		parsed = base.ResolveReference(parsed)
	}
	if !isHTTPScheme(parsed.Scheme) {
		return text
	}

	if base != nil &&
		isLocalHost(parsed.Hostname()) && parsed.Port() == internalAssetPort &&
		isLocalHost(base.Hostname()) {
		parsed.Scheme = base.Scheme
		parsed.Host = base.Host
	}

	return parsed.String()
}

func isHTTPScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}

func isLocalHost(hostname string) bool {
	host := strings.ToLower(hostname)
	return host == "127.0.0.1" || host == "localhost"
}
