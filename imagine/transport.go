package imagine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/Daviszhou212/LocalLLMGallery/eventstream"
)

// liveConn is one live-update channel for one task. Adapters report open,
// message and close transitions back to the orchestrator tagged with the
// (epoch, gen) they were created under.
type liveConn interface {
	run()
	stop()
}

// startFrame is the control frame sent after a WebSocket opens.
type startFrame struct {
	Type        string `json:"type"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
}

// stopFrame asks the server to stop streaming before the local close.
type stopFrame struct {
	Type string `json:"type"`
}

type wsConn struct {
	orch   *Orchestrator
	epoch  uint64
	gen    uint64
	admin  *adminClient
	taskID string
	params Params

	mu      sync.Mutex
	conn    *websocket.Conn
	stopped bool
}

func newWSConn(orch *Orchestrator, epoch, gen uint64, admin *adminClient, taskID string, params Params) *wsConn {
	return &wsConn{
		orch:   orch,
		epoch:  epoch,
		gen:    gen,
		admin:  admin,
		taskID: taskID,
		params: params,
	}
}

func (c *wsConn) run() {
	conn, resp, err := c.orch.dialer.Dial(c.admin.wsURL(c.taskID), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.orch.connClosed(c.epoch, c.gen, fmt.Errorf("websocket dial task %s: %w", c.taskID, err))
		return
	}

	// c.mu is held across the start-frame write: stop() also writes under
	// it, and gorilla connections allow only one concurrent writer.
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	writeErr := conn.WriteJSON(startFrame{
		Type:        "start",
		Prompt:      c.params.Prompt,
		AspectRatio: c.params.AspectRatio,
	})
	c.mu.Unlock()
	if writeErr != nil {
		conn.Close()
		c.orch.connClosed(c.epoch, c.gen, fmt.Errorf("send start frame: %w", writeErr))
		return
	}
	c.orch.connOpened(c.epoch, c.gen)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.orch.connClosed(c.epoch, c.gen, readCloseError(err))
			return
		}
		c.orch.dispatch(c.epoch, c.gen, message)
	}
}

// stop sends the stop control frame then closes. Safe to call before the
// dial completed and safe to call twice.
func (c *wsConn) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.conn == nil {
		return
	}
	_ = c.conn.WriteJSON(stopFrame{Type: "stop"})
	_ = c.conn.Close()
}

func readCloseError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return err
}

type sseConn struct {
	orch   *Orchestrator
	epoch  uint64
	gen    uint64
	admin  *adminClient
	taskID string

	ctx    context.Context
	cancel context.CancelFunc
}

func newSSEConn(orch *Orchestrator, epoch, gen uint64, admin *adminClient, taskID string) *sseConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &sseConn{
		orch:   orch,
		epoch:  epoch,
		gen:    gen,
		admin:  admin,
		taskID: taskID,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (c *sseConn) run() {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.admin.sseURL(c.taskID), nil)
	if err != nil {
		c.orch.connClosed(c.epoch, c.gen, err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.orch.httpClient.Do(req)
	if err != nil {
		c.orch.connClosed(c.epoch, c.gen, suppressCancel(c.ctx, err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.orch.connClosed(c.epoch, c.gen, fmt.Errorf("event stream task %s: HTTP %d", c.taskID, resp.StatusCode))
		return
	}
	c.orch.connOpened(c.epoch, c.gen)

	var decoder eventstream.Decoder
	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, event := range decoder.Feed(buf[:n]) {
				if event.Data != nil {
					c.orch.dispatch(c.epoch, c.gen, event.Data)
				}
			}
		}
		if err != nil {
			c.orch.connClosed(c.epoch, c.gen, suppressCancel(c.ctx, streamEOF(err)))
			return
		}
	}
}

func (c *sseConn) stop() {
	c.cancel()
}

func suppressCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// streamEOF treats a server-side end of stream as a clean close.
func streamEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}
