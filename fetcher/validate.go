package fetcher

import (
	"net"
	"net/url"
	"strings"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
)

const (
	// internalAssetPort is where local backends report asset URLs;
	// externalAssetPort is where the assets are actually served.
	internalAssetPort = "9000"
	externalAssetPort = "8000"
)

// ValidateURL checks a URL before any network I/O happens: http/https only,
// no embedded credentials, and no lexically blocked hosts. The same check
// runs on every redirect target.
func ValidateURL(raw string) (*url.URL, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, errors.Validation(errors.CodeMissingImageURL, "imageUrl must not be empty")
	}

	parsed, err := url.Parse(text)
	if err != nil {
		return nil, errors.Validation(errors.CodeInvalidImageURL, "imageUrl is not a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.Validation(errors.CodeInvalidImageProtocol, "imageUrl must use http or https")
	}
	if parsed.User != nil {
		return nil, errors.Validation(errors.CodeUnsafeImageURL, "imageUrl must not embed credentials")
	}
	if isBlockedHost(parsed.Hostname()) {
		return nil, errors.Validation(errors.CodeBlockedImageHost, "imageUrl points at a restricted address")
	}
	return parsed, nil
}

// isBlockedHost rejects hosts that are never legitimate image origins:
// unspecified, broadcast, link-local, and cloud metadata addresses. Loopback
// itself stays allowed, local backends are the common case here.
func isBlockedHost(hostname string) bool {
	host := strings.ToLower(hostname)
	if host == "" {
		return true
	}
	switch host {
	case "0.0.0.0", "::", "[::]", "169.254.169.254", "metadata.google.internal":
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		return isBlockedIPv4(v4)
	}
	return isBlockedIPv6(ip)
}

func isBlockedIPv4(ip net.IP) bool {
	if ip.Equal(net.IPv4bcast) {
		return true
	}
	if ip[0] == 0 {
		return true
	}
	if ip[0] == 169 && ip[1] == 254 {
		return true
	}
	return false
}

func isBlockedIPv6(ip net.IP) bool {
	return ip.IsUnspecified() || ip.Equal(net.ParseIP("::ffff:0.0.0.0"))
}

func isLocalHost(hostname string) bool {
	host := strings.ToLower(hostname)
	return host == "127.0.0.1" || host == "localhost"
}
