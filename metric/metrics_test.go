package metric

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExposesCoreMetrics(t *testing.T) {
	depth := int64(3)
	registry := NewRegistry(func() int64 { return depth })

	registry.ObserveHTTP("/api/gallery/save", "POST", 200, 25*time.Millisecond)
	registry.CountSave("saved")
	registry.CountSave("duplicate")
	registry.CountDelete()
	registry.SetEntries(7)
	registry.CountFetch("ok", 1024)
	registry.CountStreamFrame("images")
	registry.CountStreamFrame("images")
	registry.CountStreamFrame("status")
	registry.CountRateLimited()

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `localllmgallery_http_requests_total{method="POST",route="/api/gallery/save",status="2xx"} 1`)
	assert.Contains(t, body, `localllmgallery_gallery_saves_total{outcome="saved"} 1`)
	assert.Contains(t, body, `localllmgallery_gallery_saves_total{outcome="duplicate"} 1`)
	assert.Contains(t, body, `localllmgallery_gallery_deletes_total 1`)
	assert.Contains(t, body, `localllmgallery_gallery_entries 7`)
	assert.Contains(t, body, `localllmgallery_fetch_outcomes_total{outcome="ok"} 1`)
	assert.Contains(t, body, `localllmgallery_fetch_bytes_total 1024`)
	assert.Contains(t, body, `localllmgallery_stream_frames_total{kind="images"} 2`)
	assert.Contains(t, body, `localllmgallery_stream_frames_total{kind="status"} 1`)
	assert.Contains(t, body, `localllmgallery_http_rate_limited_total 1`)
	assert.Contains(t, body, `localllmgallery_gallery_write_lock_queue_depth 3`)
	assert.True(t, strings.Contains(body, "go_goroutines"))
}

func TestNilRegistryIsSafe(t *testing.T) {
	var registry *Registry
	registry.ObserveHTTP("/x", "GET", 200, time.Millisecond)
	registry.CountSave("saved")
	registry.CountDelete()
	registry.SetEntries(1)
	registry.CountFetch("ok", 10)
	registry.CountStreamFrame("images")
	registry.CountRateLimited()
}
