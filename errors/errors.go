// Package errors provides standardized error handling for LocalLLMGallery.
// Every error carries a kind (how callers should react), a stable machine
// code, and a human-readable message, and maps to an HTTP status for the
// API layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies errors by how the caller should handle them.
type Kind int

const (
	// KindInternal represents unexpected failures with no better home.
	KindInternal Kind = iota
	// KindValidation represents bad input: malformed URLs, blocked hosts,
	// oversized or mismatched payloads. Never retried, surfaced to the caller.
	KindValidation
	// KindUpstream represents upstream HTTP failures: non-2xx responses,
	// malformed redirects, redirect loops. Surfaced, not retried automatically.
	KindUpstream
	// KindTimeout represents an exceeded deadline. Surfaced with elapsed-time
	// context; the caller may re-invoke.
	KindTimeout
	// KindStoreCorruption represents an unreadable gallery index. Fatal to the
	// read, requires operator intervention, never auto-repaired.
	KindStoreCorruption
	// KindTransport represents a live-update connection failure. Recovered by
	// auto-fallback when permitted, otherwise surfaced as session end.
	KindTransport
	// KindAuth represents missing or mismatched local-token credentials.
	KindAuth
	// KindNotFound represents a missing resource.
	KindNotFound
	// KindRateLimited represents a rejected write due to per-IP rate limiting.
	KindRateLimited
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindStoreCorruption:
		return "store_corruption"
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error is the standard error type. Code is stable and machine-readable;
// Message is for humans. Err, when set, preserves the underlying cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with a stable code.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind that preserves its cause.
func Wrap(err error, kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation creates a validation error.
func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, format, args...)
}

// Upstream creates an upstream error.
func Upstream(code, format string, args ...any) *Error {
	return New(KindUpstream, code, format, args...)
}

// Timeout creates a timeout error.
func Timeout(code, format string, args ...any) *Error {
	return New(KindTimeout, code, format, args...)
}

// Transport creates a transport error.
func Transport(code, format string, args ...any) *Error {
	return New(KindTransport, code, format, args...)
}

// KindOf returns the kind of an error, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable machine code of an error, or "" for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code the API layer should return.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}

	switch e.Kind {
	case KindValidation:
		// A few validation failures have dedicated statuses.
		switch e.Code {
		case CodeBlockedImageHost:
			return http.StatusForbidden
		case CodeImageTooLarge:
			return http.StatusRequestEntityTooLarge
		case CodeUnsupportedContentType, CodeInvalidDataURL, CodeEmptyDataURL, CodeEmptyImage, CodeEmptyImageResponse:
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindStoreCorruption:
		return http.StatusInternalServerError
	case KindAuth:
		if e.Code == CodeLocalTokenMissing {
			return http.StatusUnauthorized
		}
		if e.Code == CodeLocalTokenNotConfigured {
			return http.StatusServiceUnavailable
		}
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Stable machine codes shared across packages. Handlers and tests match on
// these rather than on message text.
const (
	// URL validation and safe fetching.
	CodeMissingImageURL        = "MISSING_IMAGE_URL"
	CodeInvalidImageURL        = "INVALID_IMAGE_URL"
	CodeInvalidImageProtocol   = "INVALID_IMAGE_PROTOCOL"
	CodeUnsafeImageURL         = "UNSAFE_IMAGE_URL"
	CodeBlockedImageHost       = "BLOCKED_IMAGE_HOST"
	CodeImageTooLarge          = "IMAGE_TOO_LARGE"
	CodeUnsupportedContentType = "UNSUPPORTED_CONTENT_TYPE"
	CodeEmptyImageResponse     = "EMPTY_IMAGE_RESPONSE"
	CodeRedirectWithoutTarget  = "REDIRECT_WITHOUT_LOCATION"
	CodeRedirectLoop           = "REDIRECT_LOOP"
	CodeTooManyRedirects       = "TOO_MANY_REDIRECTS"
	CodeUpstreamHTTPError      = "UPSTREAM_HTTP_ERROR"
	CodeImageFetchTimeout      = "IMAGE_FETCH_TIMEOUT"
	CodeRemoteFetchFailed      = "REMOTE_IMAGE_FETCH_FAILED"

	// Inline data URLs.
	CodeInvalidDataURL = "INVALID_DATA_URL"
	CodeEmptyDataURL   = "EMPTY_DATA_URL"
	CodeEmptyImage     = "EMPTY_IMAGE"

	// Gallery store.
	CodeIndexCorrupted      = "INDEX_CORRUPTED"
	CodeGalleryItemNotFound = "GALLERY_ITEM_NOT_FOUND"

	// API surface.
	CodeInvalidImagePayload     = "INVALID_IMAGE_PAYLOAD"
	CodeFieldTooLong            = "FIELD_TOO_LONG"
	CodeMissingID               = "MISSING_ID"
	CodeMissingBaseURL          = "MISSING_BASE_URL"
	CodeInvalidBaseURL          = "INVALID_BASE_URL"
	CodeModelFetchFailed        = "MODEL_FETCH_FAILED"
	CodeUpstreamTimeout         = "UPSTREAM_TIMEOUT"
	CodeRateLimited             = "RATE_LIMITED"
	CodeLocalTokenNotConfigured = "LOCAL_TOKEN_NOT_CONFIGURED"
	CodeLocalTokenMissing       = "LOCAL_TOKEN_MISSING"
	CodeLocalTokenInvalid       = "LOCAL_TOKEN_INVALID"
	CodeCORSOriginDenied        = "CORS_ORIGIN_DENIED"
	CodeNotFound                = "NOT_FOUND"

	// Stream orchestration.
	CodeTaskCreateFailed  = "TASK_CREATE_FAILED"
	CodeSessionBusy       = "SESSION_BUSY"
	CodeSessionSuperseded = "SESSION_SUPERSEDED"
	CodeStreamClosed      = "STREAM_CLOSED"
	CodeStreamError       = "STREAM_ERROR"
	CodeEditStreamFailed  = "EDIT_STREAM_FAILED"
	CodeEmptyPrompt       = "EMPTY_PROMPT"
)

// As reports whether any error in err's chain matches target, assigning it.
func As(err error, target any) bool { return errors.As(err, target) }

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }
