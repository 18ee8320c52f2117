package fetcher

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
)

var dataImagePattern = regexp.MustCompile(`^data:(image/[a-zA-Z0-9.+-]+);base64,([a-zA-Z0-9+/=\r\n]+)$`)

// ParseDataURL decodes an inline base64 image. The origin key is a content
// hash, so identical inline bytes dedup against previously ingested copies
// regardless of where they came from.
func ParseDataURL(dataURL string) (*Result, error) {
	text := strings.TrimSpace(dataURL)
	matched := dataImagePattern.FindStringSubmatch(text)
	if matched == nil {
		return nil, errors.Validation(errors.CodeInvalidDataURL,
			"dataUrl must look like data:image/*;base64,...")
	}

	mime := strings.ToLower(matched[1])
	payload := strings.Map(dropSpace, matched[2])
	body, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, errors.CodeInvalidDataURL, "decoding base64 payload")
	}
	if len(body) == 0 {
		return nil, errors.Validation(errors.CodeEmptyDataURL, "dataUrl decoded to zero bytes")
	}

	sum := sha1.Sum(body)
	ext := extensionFromMIME(mime)
	if ext == "" {
		ext = "png"
	}
	return &Result{
		Bytes:     body,
		Ext:       ext,
		OriginKey: "data:" + hex.EncodeToString(sum[:]),
	}, nil
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\t', '\r', '\n':
		return -1
	}
	return r
}

var mimeExtensions = map[string]string{
	"image/png":     "png",
	"image/jpeg":    "jpg",
	"image/jpg":     "jpg",
	"image/webp":    "webp",
	"image/gif":     "gif",
	"image/bmp":     "bmp",
	"image/tiff":    "tiff",
	"image/svg+xml": "svg",
}

// extensionFromMIME maps known image MIME types to a filename extension.
func extensionFromMIME(mime string) string {
	return mimeExtensions[strings.ToLower(strings.TrimSpace(mime))]
}

// extensionFromURL guesses an extension from the URL path. Anything longer
// than five characters or non-alphanumeric is rejected.
func extensionFromURL(u *url.URL) string {
	tail := u.Path
	if idx := strings.LastIndexByte(tail, '/'); idx >= 0 {
		tail = tail[idx+1:]
	}
	idx := strings.LastIndexByte(tail, '.')
	if idx < 0 {
		return ""
	}
	ext := strings.ToLower(tail[idx+1:])
	if ext == "" || len(ext) > 5 {
		return ""
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
