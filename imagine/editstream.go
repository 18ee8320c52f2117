package imagine

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
	"github.com/Daviszhou212/LocalLLMGallery/eventstream"
)

// EditParams configures the single-request edit-stream variant.
type EditParams struct {
	BaseURL   string
	APIKey    string
	Model     string
	Prompt    string
	Image     []byte
	ImageName string
}

// StartEditStream begins an edit session: one long-lived streaming POST whose
// SSE-framed body is threaded through the frame decoder. It supersedes any
// live session and shares the epoch discipline with Start. Stop aborts the
// in-flight request; there are no remote tasks to clean up.
func (o *Orchestrator) StartEditStream(ctx context.Context, params EditParams) error {
	if params.Prompt == "" {
		return errors.Validation(errors.CodeEmptyPrompt, "prompt cannot be empty")
	}
	if params.BaseURL == "" {
		return errors.Validation(errors.CodeMissingBaseURL, "base URL cannot be empty")
	}
	if len(params.Image) == 0 {
		return errors.Validation(errors.CodeEmptyImage, "edit source image cannot be empty")
	}

	sess := o.begin(Params{Prompt: params.Prompt, BaseURL: params.BaseURL}, nil)

	streamCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if o.staleLocked(sess) {
		o.mu.Unlock()
		cancel()
		return errors.New(errors.KindInternal, errors.CodeSessionSuperseded,
			"session superseded before edit stream opened")
	}
	sess.editCancel = cancel
	o.state = StateRunning
	o.mu.Unlock()

	go o.runEditStream(streamCtx, sess, params)
	return nil
}

func (o *Orchestrator) runEditStream(ctx context.Context, sess *session, params EditParams) {
	resp, err := o.openEditStream(ctx, params)
	if err != nil {
		o.finishEditStream(ctx, sess, err)
		return
	}
	defer resp.Body.Close()

	var decoder eventstream.Decoder
	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, event := range decoder.Feed(buf[:n]) {
				if event.Data != nil {
					o.dispatch(sess.epoch, sess.gen, event.Data)
				}
			}
		}
		if err != nil {
			o.finishEditStream(ctx, sess, streamEOF(suppressCancel(ctx, err)))
			return
		}
	}
}

func (o *Orchestrator) openEditStream(ctx context.Context, params EditParams) (*http.Response, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if params.Model != "" {
		if err := writer.WriteField("model", params.Model); err != nil {
			return nil, err
		}
	}
	if err := writer.WriteField("prompt", params.Prompt); err != nil {
		return nil, err
	}
	if err := writer.WriteField("stream", "true"); err != nil {
		return nil, err
	}
	name := params.ImageName
	if name == "" {
		name = "image.png"
	}
	part, err := writer.CreateFormFile("image", name)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(params.Image); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(params.BaseURL, "/") + "/images/edits"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "text/event-stream")
	if params.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+params.APIKey)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		if suppressCancel(ctx, err) == nil {
			return nil, err
		}
		return nil, errors.Transport(errors.CodeEditStreamFailed, "open edit stream: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := readErrorBody(resp.Body)
		resp.Body.Close()
		if detail != "" {
			return nil, errors.Upstream(errors.CodeEditStreamFailed,
				"edit stream: HTTP %d: %s", resp.StatusCode, detail)
		}
		return nil, errors.Upstream(errors.CodeEditStreamFailed, "edit stream: HTTP %d", resp.StatusCode)
	}
	return resp, nil
}

// finishEditStream ends the edit session exactly once. A stream error after
// supersession or stop stays silent; a natural end notifies "ended".
func (o *Orchestrator) finishEditStream(ctx context.Context, sess *session, err error) {
	o.mu.Lock()
	if o.staleLocked(sess) {
		o.mu.Unlock()
		return
	}
	o.epoch++
	o.sess = nil
	o.state = StateIdle
	o.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		o.emitError(err)
		return
	}
	o.emitEnded("ended")
}

func readErrorBody(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
