package imagine

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
)

func TestEditStreamDeliversResultsAndEnds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/images/edits", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "touch up the sky", r.FormValue("prompt"))
		assert.Equal(t, "true", r.FormValue("stream"))
		assert.Equal(t, "img-edit-1", r.FormValue("model"))

		file, header, err := r.FormFile("image")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "source.png", header.Filename)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"data\":[{\"url\":\"http://img.local/edited.png\"}]}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	rec := newRecorder()
	orch := New(rec.events())

	err := orch.StartEditStream(context.Background(), EditParams{
		BaseURL:   srv.URL,
		Model:     "img-edit-1",
		Prompt:    "touch up the sky",
		Image:     []byte("png bytes"),
		ImageName: "source.png",
	})
	require.NoError(t, err)

	ref := waitResult(t, rec)
	assert.Equal(t, "http://img.local/edited.png", ref.URL)
	assert.Equal(t, "ended", waitEnded(t, rec))
	assert.Equal(t, StateIdle, orch.State())
}

func TestEditStreamUpstreamFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := newRecorder()
	orch := New(rec.events())

	err := orch.StartEditStream(context.Background(), EditParams{
		BaseURL: srv.URL,
		Prompt:  "p",
		Image:   []byte("x"),
	})
	require.NoError(t, err)

	select {
	case err := <-rec.errCh:
		assert.Equal(t, errors.CodeEditStreamFailed, errors.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for edit stream error")
	}
	assert.Equal(t, StateIdle, orch.State())
}

func TestEditStreamStopAbortsSilently(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := newRecorder()
	orch := New(rec.events())

	require.NoError(t, orch.StartEditStream(context.Background(), EditParams{
		BaseURL: srv.URL,
		Prompt:  "p",
		Image:   []byte("x"),
	}))

	time.Sleep(50 * time.Millisecond)
	orch.Stop(context.Background())
	assert.Equal(t, StateIdle, orch.State())

	// The aborted stream produces no error and no "ended" notification.
	select {
	case err := <-rec.errCh:
		t.Fatalf("unexpected error after stop: %v", err)
	case reason := <-rec.endedCh:
		t.Fatalf("unexpected end notification after stop: %s", reason)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestEditStreamValidation(t *testing.T) {
	orch := New(Events{})

	err := orch.StartEditStream(context.Background(), EditParams{BaseURL: "http://x", Image: []byte("x")})
	assert.Equal(t, errors.CodeEmptyPrompt, errors.CodeOf(err))

	err = orch.StartEditStream(context.Background(), EditParams{Prompt: "p", Image: []byte("x")})
	assert.Equal(t, errors.CodeMissingBaseURL, errors.CodeOf(err))

	err = orch.StartEditStream(context.Background(), EditParams{Prompt: "p", BaseURL: "http://x"})
	assert.Equal(t, errors.CodeEmptyImage, errors.CodeOf(err))
}
