// Package backend wraps one-shot calls against an OpenAI-compatible API:
// model listing, chat completions, image generations and non-streaming edits.
// The base URL is chosen per call because the operator points the console at
// arbitrary local backends. Streaming paths live in the imagine package.
package backend

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
	"github.com/Daviszhou212/LocalLLMGallery/imageref"
)

const defaultTimeout = 15 * time.Second

// Client performs one-shot requests against OpenAI-compatible backends.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a backend client.
func New(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: defaultTimeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Target identifies one backend for a single call.
type Target struct {
	BaseURL string
	APIKey  string
}

func (c *Client) api(target Target) (*openai.Client, error) {
	if target.BaseURL == "" {
		return nil, errors.Validation(errors.CodeMissingBaseURL, "backend base URL cannot be empty")
	}
	apiKey := target.APIKey
	if apiKey == "" {
		apiKey = "local" // local backends accept any bearer token
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = target.BaseURL
	cfg.HTTPClient = c.httpClient
	return openai.NewClientWithConfig(cfg), nil
}

// ListModels returns the backend's model ids, deduplicated and sorted.
func (c *Client) ListModels(ctx context.Context, target Target) ([]string, error) {
	api, err := c.api(target)
	if err != nil {
		return nil, err
	}

	resp, err := api.ListModels(ctx)
	if err != nil {
		return nil, upstreamError(err, errors.CodeModelFetchFailed, "list models")
	}

	seen := make(map[string]bool, len(resp.Models))
	ids := make([]string, 0, len(resp.Models))
	for _, model := range resp.Models {
		if model.ID == "" || seen[model.ID] {
			continue
		}
		seen[model.ID] = true
		ids = append(ids, model.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// GenerationRequest describes one images-generations call.
type GenerationRequest struct {
	Model       string
	Prompt      string
	N           int
	Size        string
	AspectRatio string
}

// GenerateImages runs a one-shot generation and returns the extracted refs.
func (c *Client) GenerateImages(ctx context.Context, target Target, req GenerationRequest) ([]imageref.Ref, error) {
	api, err := c.api(target)
	if err != nil {
		return nil, err
	}
	if req.Prompt == "" {
		return nil, errors.Validation(errors.CodeEmptyPrompt, "prompt cannot be empty")
	}
	if req.N <= 0 {
		req.N = 1
	}

	resp, err := api.CreateImage(ctx, openai.ImageRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		N:      req.N,
		Size:   req.Size,
	})
	if err != nil {
		return nil, upstreamError(err, errors.CodeUpstreamHTTPError, "generate images")
	}

	var refs []imageref.Ref
	for _, item := range resp.Data {
		if item.URL != "" {
			refs = append(refs, imageref.Ref{URL: item.URL, Source: imageref.SourceImages})
		}
		if item.B64JSON != "" {
			refs = append(refs, imageref.Ref{
				URL:    "data:image/png;base64," + item.B64JSON,
				Source: imageref.SourceDataURL,
			})
		}
	}
	return imageref.Dedupe(refs), nil
}

// ChatRequest describes one chat-completions call whose reply may carry
// image links in its message content.
type ChatRequest struct {
	Model  string
	Prompt string
}

// ChatImages runs a chat completion and extracts image refs from the reply.
func (c *Client) ChatImages(ctx context.Context, target Target, req ChatRequest) ([]imageref.Ref, string, error) {
	api, err := c.api(target)
	if err != nil {
		return nil, "", err
	}
	if req.Prompt == "" {
		return nil, "", errors.Validation(errors.CodeEmptyPrompt, "prompt cannot be empty")
	}

	resp, err := api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	})
	if err != nil {
		return nil, "", upstreamError(err, errors.CodeUpstreamHTTPError, "chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, "", nil
	}

	content := resp.Choices[0].Message.Content
	return imageref.FromText(content), content, nil
}

// EditRequest describes one non-streaming images-edits call.
type EditRequest struct {
	Model  string
	Prompt string
	Image  []byte
}

// EditImage runs a one-shot edit and returns the extracted refs. The
// streaming variant lives on imagine.Orchestrator.
func (c *Client) EditImage(ctx context.Context, target Target, req EditRequest) ([]imageref.Ref, error) {
	api, err := c.api(target)
	if err != nil {
		return nil, err
	}
	if req.Prompt == "" {
		return nil, errors.Validation(errors.CodeEmptyPrompt, "prompt cannot be empty")
	}
	if len(req.Image) == 0 {
		return nil, errors.Validation(errors.CodeEmptyImage, "edit source image cannot be empty")
	}

	resp, err := api.CreateEditImage(ctx, openai.ImageEditRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Image:  openai.WrapReader(bytes.NewReader(req.Image), "image.png", "image/png"),
	})
	if err != nil {
		return nil, upstreamError(err, errors.CodeUpstreamHTTPError, "edit image")
	}

	var refs []imageref.Ref
	for _, item := range resp.Data {
		if item.URL != "" {
			refs = append(refs, imageref.Ref{URL: item.URL, Source: imageref.SourceImages})
		}
		if item.B64JSON != "" {
			refs = append(refs, imageref.Ref{
				URL:    "data:image/png;base64," + item.B64JSON,
				Source: imageref.SourceDataURL,
			})
		}
	}
	return imageref.Dedupe(refs), nil
}
