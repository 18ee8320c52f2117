// Package imagine drives streaming image-generation sessions against an
// OpenAI-compatible backend. One session is live at a time: starting a new
// session or stopping the current one mints a fresh epoch, and every
// asynchronous callback compares its captured epoch before touching shared
// state. Stale callbacks are discarded, which is the sole cancellation and
// staleness mechanism.
//
// A session fans out over 1-3 remote tasks, each with its own live-update
// connection (WebSocket or SSE). Transport "auto" opens WebSocket first and
// falls back to SSE for the whole session if no connection opens within the
// fallback window. A separate edit-stream variant issues a single streaming
// HTTP request instead of per-task connections; the two variants share the
// epoch discipline and are mutually exclusive.
package imagine

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Daviszhou212/LocalLLMGallery/errors"
	"github.com/Daviszhou212/LocalLLMGallery/imageref"
	"github.com/Daviszhou212/LocalLLMGallery/metric"
	"github.com/Daviszhou212/LocalLLMGallery/pkg/retry"
)

// Transport selects the live-update channel for a session.
type Transport string

const (
	TransportWS   Transport = "ws"
	TransportSSE  Transport = "sse"
	TransportAuto Transport = "auto"
)

// State is the orchestrator lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	minConcurrency  = 1
	maxConcurrency  = 3
	defaultFallback = 1500 * time.Millisecond
)

// Params configures one multi-task generation session. BaseURL is the
// OpenAI-compatible API base used to resolve relative asset URLs in stream
// payloads; it may be empty when the backend always returns absolute URLs.
type Params struct {
	Prompt       string
	AspectRatio  string
	AdminBaseURL string
	BaseURL      string
	Concurrency  int
	Transport    Transport
}

// Events are the caller's notification hooks. Nil hooks are skipped. Hooks
// are invoked outside the orchestrator lock and never after the session they
// belong to has been superseded or stopped.
type Events struct {
	OnStatus func(text string)
	OnResult func(ref imageref.Ref)
	OnError  func(err error)
	OnEnded  func(reason string)
}

// Orchestrator runs streaming generation sessions. Safe for concurrent use.
type Orchestrator struct {
	httpClient   *http.Client
	dialer       *websocket.Dialer
	logger       *slog.Logger
	events       Events
	metrics      *metric.Registry
	fallbackWait time.Duration

	mu    sync.Mutex
	epoch uint64
	state State
	sess  *session
}

// session is the per-start mutable state. Callbacks capture (epoch, gen) at
// creation; gen increments when auto-fallback replaces the connection set so
// late WebSocket frames cannot leak into the SSE phase.
type session struct {
	epoch     uint64
	gen       uint64
	params    Params
	admin     *adminClient
	transport Transport
	taskIDs   []string
	conns     []liveConn
	expected  int
	opened    int
	closed    int
	stopped   bool
	fallback  *time.Timer

	editCancel context.CancelFunc

	seen    map[string]bool
	results []imageref.Ref

	// pending holds results not yet delivered to OnResult. One goroutine at
	// a time drains it so callers observe URLs in arrival order even when
	// frames land on several connections at once.
	pending  []imageref.Ref
	emitting bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHTTPClient overrides the client used for admin RPCs, SSE and the edit
// stream.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Orchestrator) { o.httpClient = client }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(o *Orchestrator) { o.dialer = dialer }
}

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithFallbackWait overrides the auto-fallback window.
func WithFallbackWait(d time.Duration) Option {
	return func(o *Orchestrator) { o.fallbackWait = d }
}

// WithMetrics attaches a metrics registry. Nil leaves metrics disabled.
func WithMetrics(registry *metric.Registry) Option {
	return func(o *Orchestrator) { o.metrics = registry }
}

// New creates an Orchestrator delivering notifications through events.
func New(events Events, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		events:       events,
		fallbackWait: defaultFallback,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}
	if o.dialer == nil {
		o.dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// State reports the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Results returns a snapshot of the live session's accumulated image refs in
// arrival order. Empty when idle.
func (o *Orchestrator) Results() []imageref.Ref {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return nil
	}
	out := make([]imageref.Ref, len(o.sess.results))
	copy(out, o.sess.results)
	return out
}

// Start begins a new multi-task session. Any previous session is superseded
// immediately: its epoch is invalidated before old connections finish
// closing. Task creation failures are fatal to the start and roll back any
// tasks already created.
func (o *Orchestrator) Start(ctx context.Context, params Params) error {
	if params.Prompt == "" {
		return errors.Validation(errors.CodeEmptyPrompt, "prompt cannot be empty")
	}
	if params.AdminBaseURL == "" {
		return errors.Validation(errors.CodeMissingBaseURL, "admin base URL cannot be empty")
	}
	params.Concurrency = clampConcurrency(params.Concurrency)
	if params.Transport == "" {
		params.Transport = TransportAuto
	}

	admin := newAdminClient(params.AdminBaseURL, o.httpClient, o.logger)
	sess := o.begin(params, admin)

	// Create remote tasks one at a time. A newer start or an explicit stop
	// can race in between RPCs, so the epoch is re-checked after each.
	taskIDs := make([]string, 0, params.Concurrency)
	for i := 0; i < params.Concurrency; i++ {
		taskID, err := admin.startTask(ctx, params.Prompt, params.AspectRatio)
		if err != nil {
			o.rollbackStart(ctx, sess, admin, taskIDs)
			return errors.Wrap(err, errors.KindUpstream, errors.CodeTaskCreateFailed,
				"create generation task %d of %d", i+1, params.Concurrency)
		}
		taskIDs = append(taskIDs, taskID)
		if o.staleSession(sess) {
			admin.stopTasksQuietly(ctx, taskIDs)
			return errors.New(errors.KindInternal, errors.CodeSessionSuperseded,
				"session superseded during task creation")
		}
	}

	o.mu.Lock()
	if o.staleLocked(sess) {
		o.mu.Unlock()
		admin.stopTasksQuietly(ctx, taskIDs)
		return errors.New(errors.KindInternal, errors.CodeSessionSuperseded,
			"session superseded during task creation")
	}
	sess.taskIDs = taskIDs
	sess.expected = len(taskIDs)
	o.state = StateRunning
	switch params.Transport {
	case TransportSSE:
		sess.transport = TransportSSE
		o.openSSELocked(sess)
	case TransportWS:
		sess.transport = TransportWS
		o.openWSLocked(sess)
	default:
		sess.transport = TransportAuto
		o.openWSLocked(sess)
		epoch, gen := sess.epoch, sess.gen
		sess.fallback = time.AfterFunc(o.fallbackWait, func() {
			o.fallbackToSSE(epoch, gen)
		})
	}
	o.mu.Unlock()
	return nil
}

// Stop ends the live session: control frames and connection closes locally,
// then a best-effort remote stop RPC whose failure is logged, not surfaced.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	sess := o.sess
	if sess == nil {
		o.state = StateIdle
		o.mu.Unlock()
		return
	}
	sess.stopped = true
	o.state = StateStopping
	o.epoch++ // invalidate every in-flight callback now
	stopEpoch := o.epoch
	o.sess = nil
	conns := sess.conns
	if sess.fallback != nil {
		sess.fallback.Stop()
		sess.fallback = nil
	}
	editCancel := sess.editCancel
	o.mu.Unlock()

	// Exactly one cancellation path is armed per session: the edit-stream
	// abort or the multi-task connection teardown, never both.
	if editCancel != nil {
		editCancel()
	} else {
		for _, c := range conns {
			c.stop()
		}
		if len(sess.taskIDs) > 0 {
			o.stopRemoteTasks(ctx, sess.admin, sess.taskIDs)
		}
	}

	// A new Start may have raced in during teardown; only the epoch this
	// Stop minted may reset the state.
	o.mu.Lock()
	if o.epoch == stopEpoch {
		o.state = StateIdle
	}
	o.mu.Unlock()
}

// begin supersedes any live session and installs a fresh one.
func (o *Orchestrator) begin(params Params, admin *adminClient) *session {
	o.mu.Lock()
	o.epoch++
	old := o.sess
	sess := &session{
		epoch:  o.epoch,
		params: params,
		admin:  admin,
		seen:   make(map[string]bool),
	}
	o.sess = sess
	o.state = StateStarting
	o.mu.Unlock()

	if old != nil {
		// Old connections close in the background; their callbacks are
		// already stale and cannot mutate the new session.
		if old.fallback != nil {
			old.fallback.Stop()
		}
		if old.editCancel != nil {
			old.editCancel()
		}
		for _, c := range old.conns {
			go c.stop()
		}
	}
	return sess
}

func (o *Orchestrator) rollbackStart(ctx context.Context, sess *session, admin *adminClient, taskIDs []string) {
	if len(taskIDs) > 0 {
		admin.stopTasksQuietly(ctx, taskIDs)
	}
	o.mu.Lock()
	if !o.staleLocked(sess) {
		o.sess = nil
		o.state = StateIdle
	}
	o.mu.Unlock()
}

// stopRemoteTasks is best-effort remote cleanup with a short retry.
func (o *Orchestrator) stopRemoteTasks(ctx context.Context, admin *adminClient, taskIDs []string) {
	cfg := retry.Config{
		MaxAttempts:  2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}
	err := retry.Do(ctx, cfg, func() error {
		return admin.stopTasks(ctx, taskIDs)
	})
	if err != nil {
		o.logger.Warn("remote task stop failed", "tasks", taskIDs, "error", err)
	}
}

func (o *Orchestrator) openWSLocked(sess *session) {
	sess.opened = 0
	sess.closed = 0
	sess.conns = make([]liveConn, 0, len(sess.taskIDs))
	for _, taskID := range sess.taskIDs {
		conn := newWSConn(o, sess.epoch, sess.gen, sess.admin, taskID, sess.params)
		sess.conns = append(sess.conns, conn)
		go conn.run()
	}
}

func (o *Orchestrator) openSSELocked(sess *session) {
	sess.opened = 0
	sess.closed = 0
	sess.conns = make([]liveConn, 0, len(sess.taskIDs))
	for _, taskID := range sess.taskIDs {
		conn := newSSEConn(o, sess.epoch, sess.gen, sess.admin, taskID)
		sess.conns = append(sess.conns, conn)
		go conn.run()
	}
}

// fallbackToSSE fires when the fallback window elapses with zero WebSocket
// connections open. It replaces the whole connection set for the session.
func (o *Orchestrator) fallbackToSSE(epoch, gen uint64) {
	o.mu.Lock()
	sess := o.sess
	if sess == nil || sess.epoch != epoch || sess.gen != gen || sess.opened > 0 {
		o.mu.Unlock()
		return
	}
	sess.fallback = nil
	old := sess.conns
	sess.gen++
	sess.transport = TransportSSE
	o.openSSELocked(sess)
	o.mu.Unlock()

	for _, c := range old {
		go c.stop()
	}
	o.logger.Info("websocket did not open in time, falling back to sse",
		"tasks", len(sess.taskIDs))
}

// connOpened commits the session to WebSocket and cancels the fallback timer.
func (o *Orchestrator) connOpened(epoch, gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess := o.sess
	if sess == nil || sess.epoch != epoch || sess.gen != gen {
		return
	}
	sess.opened++
	if sess.fallback != nil {
		sess.fallback.Stop()
		sess.fallback = nil
		sess.transport = TransportWS
	}
}

// connClosed tracks connection teardown. When every connection has closed
// without an explicit stop and no fallback is pending, the session ends
// implicitly: callers get "ended", not an error.
func (o *Orchestrator) connClosed(epoch, gen uint64, err error) {
	o.mu.Lock()
	sess := o.sess
	if sess == nil || sess.epoch != epoch || sess.gen != gen {
		o.mu.Unlock()
		return
	}
	sess.closed++
	if err != nil && sess.opened > 0 && sess.closed < sess.expected {
		// Per-connection failure after the session is established: keep
		// running on the remaining connections.
		o.mu.Unlock()
		o.logger.Warn("stream connection lost", "error", err)
		return
	}
	if sess.closed < sess.expected || sess.stopped || sess.fallback != nil {
		o.mu.Unlock()
		return
	}
	o.epoch++
	o.sess = nil
	o.state = StateIdle
	o.mu.Unlock()
	o.emitEnded("ended")
}

// dispatch routes one decoded frame from any live connection.
func (o *Orchestrator) dispatch(epoch, gen uint64, raw []byte) {
	o.mu.Lock()
	sess := o.sess
	if sess == nil || sess.epoch != epoch || sess.gen != gen {
		o.mu.Unlock()
		return
	}
	baseURL := sess.params.BaseURL
	o.mu.Unlock()

	p := classifyPayload(raw, baseURL)

	o.mu.Lock()
	sess = o.sess
	if sess == nil || sess.epoch != epoch || sess.gen != gen {
		o.mu.Unlock()
		return
	}

	o.metrics.CountStreamFrame(p.kind.label())

	switch p.kind {
	case payloadError:
		o.mu.Unlock()
		o.emitError(errors.Upstream(errors.CodeStreamError, "%s", p.message))
		return
	case payloadStatus:
		o.mu.Unlock()
		o.emitStatus(p.message)
		return
	case payloadImages:
		for _, ref := range p.refs {
			if sess.seen[ref.URL] {
				continue
			}
			sess.seen[ref.URL] = true
			sess.results = append(sess.results, ref)
			sess.pending = append(sess.pending, ref)
		}
		if sess.emitting || len(sess.pending) == 0 {
			o.mu.Unlock()
			return
		}
		sess.emitting = true
		o.drainResults(sess)
		return
	}
	o.mu.Unlock()
}

// drainResults delivers queued result notifications one at a time, in the
// order they were appended to the session. Concurrent dispatches append to
// the queue and return; only the draining goroutine invokes OnResult, so
// callbacks never interleave or reorder. Entered with o.mu held, returns
// with it released.
func (o *Orchestrator) drainResults(sess *session) {
	for {
		if o.staleLocked(sess) || len(sess.pending) == 0 {
			sess.emitting = false
			o.mu.Unlock()
			return
		}
		ref := sess.pending[0]
		sess.pending = sess.pending[1:]
		o.mu.Unlock()
		o.emitResult(ref)
		o.mu.Lock()
	}
}

func (o *Orchestrator) staleSession(sess *session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.staleLocked(sess)
}

func (o *Orchestrator) staleLocked(sess *session) bool {
	return o.sess != sess || o.epoch != sess.epoch
}

func (o *Orchestrator) emitStatus(text string) {
	if o.events.OnStatus != nil {
		o.events.OnStatus(text)
	}
}

func (o *Orchestrator) emitResult(ref imageref.Ref) {
	if o.events.OnResult != nil {
		o.events.OnResult(ref)
	}
}

func (o *Orchestrator) emitError(err error) {
	if o.events.OnError != nil {
		o.events.OnError(err)
	}
}

func (o *Orchestrator) emitEnded(reason string) {
	if o.events.OnEnded != nil {
		o.events.OnEnded(reason)
	}
}

func clampConcurrency(n int) int {
	if n < minConcurrency {
		return minConcurrency
	}
	if n > maxConcurrency {
		return maxConcurrency
	}
	return n
}
