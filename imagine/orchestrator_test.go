package imagine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
	"github.com/Daviszhou212/LocalLLMGallery/imageref"
	"github.com/Daviszhou212/LocalLLMGallery/metric"
)

// recorder collects orchestrator notifications for assertions.
type recorder struct {
	mu       sync.Mutex
	statuses []string
	results  []imageref.Ref
	errs     []error

	resultCh chan imageref.Ref
	endedCh  chan string
	errCh    chan error
}

func newRecorder() *recorder {
	return &recorder{
		resultCh: make(chan imageref.Ref, 64),
		endedCh:  make(chan string, 8),
		errCh:    make(chan error, 8),
	}
}

func (r *recorder) events() Events {
	return Events{
		OnStatus: func(text string) {
			r.mu.Lock()
			r.statuses = append(r.statuses, text)
			r.mu.Unlock()
		},
		OnResult: func(ref imageref.Ref) {
			r.mu.Lock()
			r.results = append(r.results, ref)
			r.mu.Unlock()
			r.resultCh <- ref
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			r.errCh <- err
		},
		OnEnded: func(reason string) { r.endedCh <- reason },
	}
}

func (r *recorder) snapshotResults() []imageref.Ref {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]imageref.Ref, len(r.results))
	copy(out, r.results)
	return out
}

func waitResult(t *testing.T, r *recorder) imageref.Ref {
	t.Helper()
	select {
	case ref := <-r.resultCh:
		return ref
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return imageref.Ref{}
	}
}

func waitEnded(t *testing.T, r *recorder) string {
	t.Helper()
	select {
	case reason := <-r.endedCh:
		return reason
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session end")
		return ""
	}
}

// testBackend is a fake admin backend serving the task RPCs plus WS and SSE
// per-task streams.
type testBackend struct {
	t   *testing.T
	srv *httptest.Server

	taskSeq    atomic.Int64
	sseOpens   atomic.Int64
	wsUpgrade  bool
	wsFrames   []string
	sseFrames  []string
	frameDelay time.Duration

	// When set, handleStop signals stopEntered then waits for stopRelease.
	stopEntered chan struct{}
	stopRelease chan struct{}

	mu         sync.Mutex
	started    []startTaskRequest
	stopCalls  [][]string
	wsStopSeen int
}

func newTestBackend(t *testing.T) *testBackend {
	b := &testBackend{t: t, wsUpgrade: true}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/admin/imagine/start", b.handleStart)
	mux.HandleFunc("/api/v1/admin/imagine/stop", b.handleStop)
	mux.HandleFunc("/api/v1/admin/imagine/ws", b.handleWS)
	mux.HandleFunc("/api/v1/admin/imagine/sse", b.handleSSE)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBackend) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	require.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
	b.mu.Lock()
	b.started = append(b.started, req)
	b.mu.Unlock()
	id := fmt.Sprintf("task-%d", b.taskSeq.Add(1))
	_ = json.NewEncoder(w).Encode(startTaskResponse{TaskID: id})
}

func (b *testBackend) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopTasksRequest
	require.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
	b.mu.Lock()
	b.stopCalls = append(b.stopCalls, req.TaskIDs)
	b.mu.Unlock()
	if b.stopEntered != nil {
		b.stopEntered <- struct{}{}
		<-b.stopRelease
	}
	w.WriteHeader(http.StatusOK)
}

func (b *testBackend) handleWS(w http.ResponseWriter, r *http.Request) {
	if !b.wsUpgrade {
		http.Error(w, "no websocket here", http.StatusNotFound)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	require.NoError(b.t, err)
	defer conn.Close()

	// First inbound frame must be the start control frame.
	var start startFrame
	require.NoError(b.t, conn.ReadJSON(&start))
	assert.Equal(b.t, "start", start.Type)

	if b.frameDelay > 0 {
		time.Sleep(b.frameDelay)
	}
	for _, frame := range b.wsFrames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
	}

	// Drain until stop frame or client close.
	for {
		var ctrl stopFrame
		if err := conn.ReadJSON(&ctrl); err != nil {
			return
		}
		if ctrl.Type == "stop" {
			b.mu.Lock()
			b.wsStopSeen++
			b.mu.Unlock()
			return
		}
	}
}

func (b *testBackend) handleSSE(w http.ResponseWriter, r *http.Request) {
	require.NotEmpty(b.t, r.URL.Query().Get("task_id"))
	require.NotEmpty(b.t, r.URL.Query().Get("t"))
	b.sseOpens.Add(1)

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	flusher.Flush()
	for _, frame := range b.sseFrames {
		fmt.Fprintf(w, "data: %s\n\n", frame)
		flusher.Flush()
	}
}

func (b *testBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.started)
}

func (b *testBackend) stoppedTasks() [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]string, len(b.stopCalls))
	copy(out, b.stopCalls)
	return out
}

func TestStartWebSocketDeliversDedupedResults(t *testing.T) {
	backend := newTestBackend(t)
	backend.wsFrames = []string{
		`{"type":"status","status":"rendering"}`,
		`{"data":[{"url":"http://img.local/a.png"}]}`,
		`{"data":[{"url":"http://img.local/a.png"},{"url":"http://img.local/b.png"}]}`,
	}

	rec := newRecorder()
	orch := New(rec.events())
	defer orch.Stop(context.Background())

	err := orch.Start(context.Background(), Params{
		Prompt:       "a fox",
		AspectRatio:  "1:1",
		AdminBaseURL: backend.srv.URL,
		Concurrency:  1,
		Transport:    TransportWS,
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, orch.State())

	first := waitResult(t, rec)
	second := waitResult(t, rec)
	assert.Equal(t, "http://img.local/a.png", first.URL)
	assert.Equal(t, "http://img.local/b.png", second.URL)

	// Duplicate URL in the second frame was suppressed.
	assert.Len(t, orch.Results(), 2)
	assert.Equal(t, 1, backend.startCount())
}

func TestConcurrencyIsClampedAndTasksCreatedSequentially(t *testing.T) {
	backend := newTestBackend(t)

	rec := newRecorder()
	orch := New(rec.events())
	defer orch.Stop(context.Background())

	err := orch.Start(context.Background(), Params{
		Prompt:       "p",
		AdminBaseURL: backend.srv.URL,
		Concurrency:  9,
		Transport:    TransportSSE,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, backend.startCount())
}

func TestStopSuppressesLateFrames(t *testing.T) {
	backend := newTestBackend(t)
	backend.frameDelay = 300 * time.Millisecond
	backend.wsFrames = []string{`{"data":[{"url":"http://img.local/late.png"}]}`}

	rec := newRecorder()
	orch := New(rec.events())

	err := orch.Start(context.Background(), Params{
		Prompt:       "p",
		AdminBaseURL: backend.srv.URL,
		Concurrency:  1,
		Transport:    TransportWS,
	})
	require.NoError(t, err)

	// Stop before the delayed frame arrives: its epoch is stale by then.
	time.Sleep(50 * time.Millisecond)
	orch.Stop(context.Background())
	assert.Equal(t, StateIdle, orch.State())

	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, rec.snapshotResults())

	// Remote cleanup was requested for the created task.
	stops := backend.stoppedTasks()
	require.NotEmpty(t, stops)
	assert.Equal(t, []string{"task-1"}, stops[0])
}

func TestAutoFallbackSwitchesSessionToSSE(t *testing.T) {
	backend := newTestBackend(t)
	backend.wsUpgrade = false
	backend.sseFrames = []string{`{"data":[{"url":"http://img.local/s.png"}]}`}

	rec := newRecorder()
	orch := New(rec.events(), WithFallbackWait(100*time.Millisecond))
	defer orch.Stop(context.Background())

	err := orch.Start(context.Background(), Params{
		Prompt:       "p",
		AdminBaseURL: backend.srv.URL,
		Concurrency:  2,
		Transport:    TransportAuto,
	})
	require.NoError(t, err)

	ref := waitResult(t, rec)
	assert.Equal(t, "http://img.local/s.png", ref.URL)

	// Exactly one SSE connection set: one stream per task, opened once.
	assert.Eventually(t, func() bool {
		return backend.sseOpens.Load() == 2
	}, 2*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(2), backend.sseOpens.Load())
}

func TestExplicitSSETransport(t *testing.T) {
	backend := newTestBackend(t)
	backend.sseFrames = []string{
		`{"type":"error","message":"upstream hiccup"}`,
		`{"data":[{"b64_json":"Zm9v"}]}`,
	}

	rec := newRecorder()
	orch := New(rec.events())
	defer orch.Stop(context.Background())

	err := orch.Start(context.Background(), Params{
		Prompt:       "p",
		AdminBaseURL: backend.srv.URL,
		Concurrency:  1,
		Transport:    TransportSSE,
	})
	require.NoError(t, err)

	// The error frame surfaces without ending the session.
	select {
	case err := <-rec.errCh:
		assert.Equal(t, errors.CodeStreamError, errors.CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream error")
	}

	ref := waitResult(t, rec)
	assert.Equal(t, "data:image/png;base64,Zm9v", ref.URL)
	assert.Equal(t, imageref.SourceDataURL, ref.Source)
}

func TestTaskCreationFailureRollsBackCreatedTasks(t *testing.T) {
	var calls atomic.Int64
	var stops [][]string
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/admin/imagine/start", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			_ = json.NewEncoder(w).Encode(startTaskResponse{TaskID: "task-1"})
			return
		}
		http.Error(w, "backend down", http.StatusInternalServerError)
	})
	mux.HandleFunc("/api/v1/admin/imagine/stop", func(w http.ResponseWriter, r *http.Request) {
		var req stopTasksRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		stops = append(stops, req.TaskIDs)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rec := newRecorder()
	orch := New(rec.events())

	err := orch.Start(context.Background(), Params{
		Prompt:       "p",
		AdminBaseURL: srv.URL,
		Concurrency:  2,
		Transport:    TransportWS,
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodeTaskCreateFailed, errors.CodeOf(err))
	assert.Equal(t, StateIdle, orch.State())

	// The already-created task was rolled back.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stops, 1)
	assert.Equal(t, []string{"task-1"}, stops[0])
}

func TestAllConnectionsClosedNotifiesEnded(t *testing.T) {
	backend := newTestBackend(t)
	backend.sseFrames = []string{`{"data":[{"url":"http://img.local/a.png"}]}`}

	rec := newRecorder()
	orch := New(rec.events())

	err := orch.Start(context.Background(), Params{
		Prompt:       "p",
		AdminBaseURL: backend.srv.URL,
		Concurrency:  1,
		Transport:    TransportSSE,
	})
	require.NoError(t, err)

	waitResult(t, rec)
	// The SSE handler returns after its frames, closing the stream.
	assert.Equal(t, "ended", waitEnded(t, rec))
	assert.Equal(t, StateIdle, orch.State())
}

func TestNewStartSupersedesPreviousSession(t *testing.T) {
	backend := newTestBackend(t)
	backend.frameDelay = 300 * time.Millisecond
	backend.wsFrames = []string{`{"data":[{"url":"http://img.local/old.png"}]}`}

	rec := newRecorder()
	orch := New(rec.events())
	defer orch.Stop(context.Background())

	require.NoError(t, orch.Start(context.Background(), Params{
		Prompt:       "first",
		AdminBaseURL: backend.srv.URL,
		Concurrency:  1,
		Transport:    TransportWS,
	}))

	// Second start mints a new epoch before the first session's frame lands.
	backend2 := newTestBackend(t)
	backend2.sseFrames = []string{`{"data":[{"url":"http://img.local/new.png"}]}`}
	require.NoError(t, orch.Start(context.Background(), Params{
		Prompt:       "second",
		AdminBaseURL: backend2.srv.URL,
		Concurrency:  1,
		Transport:    TransportSSE,
	}))

	ref := waitResult(t, rec)
	assert.Equal(t, "http://img.local/new.png", ref.URL)

	time.Sleep(500 * time.Millisecond)
	for _, got := range rec.snapshotResults() {
		assert.NotEqual(t, "http://img.local/old.png", got.URL)
	}
}

func TestResultNotificationsPreserveArrivalOrder(t *testing.T) {
	firstDelivered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var delivered []string

	orch := New(Events{
		OnResult: func(ref imageref.Ref) {
			mu.Lock()
			delivered = append(delivered, ref.URL)
			n := len(delivered)
			mu.Unlock()
			if n == 1 {
				close(firstDelivered)
				<-release
			}
		},
	})
	sess := orch.begin(Params{Prompt: "p"}, nil)

	firstDone := make(chan struct{})
	go func() {
		orch.dispatch(sess.epoch, sess.gen, []byte(`{"data":[{"url":"http://img.local/first.png"}]}`))
		close(firstDone)
	}()
	<-firstDelivered

	// A second connection's frame lands while the first callback is still in
	// flight. Its result queues behind the first instead of overtaking it.
	secondDone := make(chan struct{})
	go func() {
		orch.dispatch(sess.epoch, sess.gen, []byte(`{"data":[{"url":"http://img.local/second.png"}]}`))
		close(secondDone)
	}()
	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second dispatch did not return while first callback was blocked")
	}
	mu.Lock()
	assert.Len(t, delivered, 1)
	mu.Unlock()

	close(release)
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch did not finish draining")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"http://img.local/first.png", "http://img.local/second.png"}, delivered)
	mu.Unlock()

	got := orch.Results()
	require.Len(t, got, 2)
	assert.Equal(t, "http://img.local/first.png", got[0].URL)
	assert.Equal(t, "http://img.local/second.png", got[1].URL)
}

func TestStopDuringWebSocketHandshake(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	orch := New(Events{})
	admin := newAdminClient(srv.URL, orch.httpClient, orch.logger)

	// Race stop against the dial and start-frame write. Both write paths
	// share the connection mutex, so no iteration may trip gorilla's
	// concurrent-write panic.
	for i := 0; i < 25; i++ {
		conn := newWSConn(orch, 0, 0, admin, "task-1", Params{Prompt: "p"})
		done := make(chan struct{})
		go func() {
			conn.run()
			close(done)
		}()
		time.Sleep(time.Duration(i%5) * 100 * time.Microsecond)
		conn.stop()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("websocket run did not return after stop")
		}
	}
}

func TestStreamFramesAreCounted(t *testing.T) {
	backend := newTestBackend(t)
	backend.wsFrames = []string{
		`{"type":"status","status":"rendering"}`,
		`{"data":[{"url":"http://img.local/a.png"}]}`,
		`{"data":[{"url":"http://img.local/b.png"}]}`,
	}

	registry := metric.NewRegistry(nil)
	rec := newRecorder()
	orch := New(rec.events(), WithMetrics(registry))
	defer orch.Stop(context.Background())

	require.NoError(t, orch.Start(context.Background(), Params{
		Prompt:       "p",
		AdminBaseURL: backend.srv.URL,
		Concurrency:  1,
		Transport:    TransportWS,
	}))
	waitResult(t, rec)
	waitResult(t, rec)

	rr := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	assert.Contains(t, body, `localllmgallery_stream_frames_total{kind="images"} 2`)
	assert.Contains(t, body, `localllmgallery_stream_frames_total{kind="status"} 1`)
}

func TestStopRacingNewStartLeavesNewSessionRunning(t *testing.T) {
	backendA := newTestBackend(t)
	backendA.stopEntered = make(chan struct{}, 1)
	backendA.stopRelease = make(chan struct{})
	backendB := newTestBackend(t)

	rec := newRecorder()
	orch := New(rec.events())
	defer orch.Stop(context.Background())

	require.NoError(t, orch.Start(context.Background(), Params{
		Prompt:       "first",
		AdminBaseURL: backendA.srv.URL,
		Concurrency:  1,
		Transport:    TransportWS,
	}))

	// Stop parks inside the remote stop RPC; a new Start slips in before the
	// stop finishes its teardown.
	stopDone := make(chan struct{})
	go func() {
		orch.Stop(context.Background())
		close(stopDone)
	}()
	select {
	case <-backendA.stopEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("stop RPC was never issued")
	}

	require.NoError(t, orch.Start(context.Background(), Params{
		Prompt:       "second",
		AdminBaseURL: backendB.srv.URL,
		Concurrency:  1,
		Transport:    TransportWS,
	}))

	close(backendA.stopRelease)
	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not finish")
	}

	// The finished stop belongs to the superseded session; the new one is
	// still live.
	assert.Equal(t, StateRunning, orch.State())
	assert.Equal(t, 1, backendB.startCount())
}

func TestStartValidation(t *testing.T) {
	orch := New(Events{})

	err := orch.Start(context.Background(), Params{AdminBaseURL: "http://x"})
	assert.Equal(t, errors.CodeEmptyPrompt, errors.CodeOf(err))

	err = orch.Start(context.Background(), Params{Prompt: "p"})
	assert.Equal(t, errors.CodeMissingBaseURL, errors.CodeOf(err))
}

func TestClassifyPayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind payloadKind
	}{
		{"error frame", `{"type":"error","message":"boom"}`, payloadError},
		{"error frame alt field", `{"type":"error","error":"boom"}`, payloadError},
		{"status frame", `{"type":"status","status":"queued"}`, payloadStatus},
		{"image batch", `{"data":[{"url":"http://x/a.png"}]}`, payloadImages},
		{"top level url", `{"url":"http://x/a.png"}`, payloadImages},
		{"unknown", `{"type":"heartbeat"}`, payloadUnknown},
		{"not json", `nonsense`, payloadUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyPayload([]byte(tt.raw), "")
			assert.Equal(t, tt.kind, got.kind)
		})
	}
}
