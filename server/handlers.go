package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Daviszhou212/LocalLLMGallery/backend"
	"github.com/Daviszhou212/LocalLLMGallery/errors"
	"github.com/Daviszhou212/LocalLLMGallery/fetcher"
	"github.com/Daviszhou212/LocalLLMGallery/gallery"
)

// Field limits mirror the console's form constraints.
const (
	maxImageURLLen = 2048
	maxDataURLLen  = 20 * 1024 * 1024
	maxPromptLen   = 4000
	maxModelLen    = 200
	maxSourceLen   = 200
	maxAPIKeyLen   = 512
	maxIDLen       = 200
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	storeReady := true
	if _, err := s.store.List(r.Context()); err != nil {
		storeReady = false
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                  true,
		"storeReady":          storeReady,
		"writeLockQueueDepth": s.store.QueueDepth(),
		"uptimeSec":           int(time.Since(s.startedAt).Seconds()),
	})
}

type modelsFetchRequest struct {
	BaseURL string `json:"baseUrl"`
	APIKey  string `json:"apiKey"`
}

func (s *Server) handleModelsFetch(w http.ResponseWriter, r *http.Request) {
	var req modelsFetchRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	baseURL, err := normalizeBaseURL(req.BaseURL)
	if err != nil {
		writeError(w, err)
		return
	}
	apiKey, err := limitText(req.APIKey, maxAPIKeyLen, "apiKey")
	if err != nil {
		writeError(w, err)
		return
	}

	models, err := s.backend.ListModels(r.Context(), backend.Target{BaseURL: baseURL, APIKey: apiKey})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"models":   models,
		"endpoint": baseURL + "/models",
		"total":    len(models),
	})
}

func (s *Server) handleGalleryList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.SetEntries(len(entries))

	origin := requestOrigin(r)
	items := make([]gallery.Item, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entry.ClientItem(origin))
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
}

type gallerySaveRequest struct {
	ImageURL string `json:"imageUrl"`
	DataURL  string `json:"dataUrl"`
	Prompt   string `json:"prompt"`
	Model    string `json:"model"`
	Source   string `json:"source"`
}

func (s *Server) handleGallerySave(w http.ResponseWriter, r *http.Request) {
	var req gallerySaveRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	imageURL, err := limitText(req.ImageURL, maxImageURLLen, "imageUrl")
	if err != nil {
		writeError(w, err)
		return
	}
	dataURL, err := limitText(req.DataURL, maxDataURLLen, "dataUrl")
	if err != nil {
		writeError(w, err)
		return
	}
	prompt, err := limitText(req.Prompt, maxPromptLen, "prompt")
	if err != nil {
		writeError(w, err)
		return
	}
	model, err := limitText(req.Model, maxModelLen, "model")
	if err != nil {
		writeError(w, err)
		return
	}
	source, err := limitText(req.Source, maxSourceLen, "source")
	if err != nil {
		writeError(w, err)
		return
	}

	// Exactly one of the two payload forms.
	if (imageURL != "" && dataURL != "") || (imageURL == "" && dataURL == "") {
		writeError(w, errors.Validation(errors.CodeInvalidImagePayload,
			"exactly one of imageUrl and dataUrl is required"))
		return
	}

	var result *fetcher.Result
	if dataURL != "" {
		result, err = fetcher.ParseDataURL(dataURL)
	} else {
		result, err = s.fetcher.Fetch(r.Context(), imageURL)
	}
	if err != nil {
		s.metrics.CountFetch(fetchOutcome(err), 0)
		writeError(w, err)
		return
	}
	s.metrics.CountFetch("ok", len(result.Bytes))

	meta := gallery.Meta{Prompt: prompt, Model: model, Source: source}
	entry, duplicated, err := s.store.Save(r.Context(), result.Bytes, result.Ext, meta, result.OriginKey)
	if err != nil {
		s.metrics.CountSave("error")
		writeError(w, err)
		return
	}
	if duplicated {
		s.metrics.CountSave("duplicate")
	} else {
		s.metrics.CountSave("saved")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"duplicated": duplicated,
		"item":       entry.ClientItem(requestOrigin(r)),
	})
}

func (s *Server) handleGalleryDelete(w http.ResponseWriter, r *http.Request) {
	id, err := limitText(chi.URLParam(r, "id"), maxIDLen, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if id == "" {
		writeError(w, errors.Validation(errors.CodeMissingID, "id cannot be empty"))
		return
	}

	removed, err := s.store.Delete(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeError(w, errors.New(errors.KindNotFound, errors.CodeGalleryItemNotFound,
			"gallery item %s does not exist or was already deleted", id))
		return
	}
	s.metrics.CountDelete()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, errors.New(errors.KindNotFound, errors.CodeNotFound,
		"no route for %s %s", r.Method, r.URL.Path))
}

// decodeJSON enforces the body size limit and strict JSON decoding.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, s.cfg.JSONBodyLimit)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New(errors.KindValidation, "PAYLOAD_TOO_LARGE",
				"request body exceeds %d bytes", s.cfg.JSONBodyLimit)
		}
		if err == io.EOF {
			return errors.Validation("EMPTY_BODY", "request body is required")
		}
		return errors.Wrap(err, errors.KindValidation, "INVALID_JSON", "decode request body")
	}
	return nil
}

func limitText(value string, maxLen int, field string) (string, error) {
	text := strings.TrimSpace(value)
	if len(text) > maxLen {
		return "", errors.Validation(errors.CodeFieldTooLong,
			"%s cannot exceed %d characters", field, maxLen)
	}
	return text, nil
}

func normalizeBaseURL(input string) (string, error) {
	value := strings.TrimRight(strings.TrimSpace(input), "/")
	if value == "" {
		return "", errors.Validation(errors.CodeMissingBaseURL, "baseUrl cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", errors.Validation(errors.CodeInvalidBaseURL, "baseUrl is not a valid URL")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", errors.Validation(errors.CodeInvalidBaseURL, "baseUrl supports http/https only")
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}

func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func fetchOutcome(err error) string {
	switch errors.CodeOf(err) {
	case errors.CodeBlockedImageHost, errors.CodeUnsafeImageURL, errors.CodeInvalidImageProtocol:
		return "blocked"
	case errors.CodeImageTooLarge:
		return "too_large"
	case errors.CodeImageFetchTimeout:
		return "timeout"
	default:
		return "upstream_error"
	}
}
