package backend

import (
	"context"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
)

// upstreamError maps a go-openai failure onto the shared taxonomy. Upstream
// timeouts (408/504, or a blown deadline) become timeout errors; server-side
// failures stay upstream errors; upstream 4xx means the request we built was
// rejected and surfaces as a validation failure.
func upstreamError(err error, code, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.KindTimeout, errors.CodeUpstreamTimeout, "%s timed out", op)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.Wrap(err, errors.KindTimeout, errors.CodeUpstreamTimeout, "%s timed out upstream", op)
	case status >= 500 || status == 0:
		return errors.Wrap(err, errors.KindUpstream, code, "%s failed", op)
	default:
		return errors.Wrap(err, errors.KindValidation, code, "%s rejected by backend (HTTP %d)", op, status)
	}
}
