// Package enginebridge implements collaborator.Engine by delegating
// inference to an out-of-process engine host reached over a persistent,
// auto-reconnecting WebSocket connection. It exists for deployments where
// the inference model runs in a separate process (a different Python
// runtime, a GPU-pinned sidecar) rather than in-process with the backend.
package enginebridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kotoba-transcriber/backend/collaborator"
)

type transcribeResult struct {
	result collaborator.TranscribeResult
	err    error
}

type loadResult struct {
	err error
}

// Client is a collaborator.Engine and collaborator.StreamEngine backed by a
// remote engine host. It reconnects automatically and serializes all writes
// to the underlying connection; concurrent callers correlate responses by
// request ID rather than by connection state.
type Client struct {
	url  string
	name string
	log  *zap.SugaredLogger

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	loaded atomic.Bool

	loadPending       sync.Map // id -> chan loadResult
	transcribePending sync.Map // id -> chan transcribeResult

	idSeq atomic.Int64

	reconnectDelay time.Duration
}

// New creates a Client targeting the given engine-host WebSocket URL. name
// identifies the remote engine for /api/models/{engine}/* routes.
func New(url, name string, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		url:            url,
		name:           name,
		log:            log,
		reconnectDelay: 3 * time.Second,
	}
}

// Run connects and reconnects until ctx is cancelled. Call this in a
// dedicated goroutine at startup.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connect(ctx); err != nil && ctx.Err() == nil {
			c.log.Warnw("enginebridge: connection lost, retrying", "url", c.url, "error", err, "delay", c.reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Client) isConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.log.Infow("enginebridge: connected", "url", c.url)

	defer func() {
		conn.Close()
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		c.loaded.Store(false)

		c.loadPending.Range(func(k, v any) bool {
			v.(chan loadResult) <- loadResult{err: fmt.Errorf("enginebridge: connection lost")}
			c.loadPending.Delete(k)
			return true
		})
		c.transcribePending.Range(func(k, v any) bool {
			v.(chan transcribeResult) <- transcribeResult{err: fmt.Errorf("enginebridge: connection lost")}
			c.transcribePending.Delete(k)
			return true
		})
		c.log.Infow("enginebridge: disconnected", "url", c.url)
	}()

	for {
		if ctx.Err() != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(raw)
	}
}

// inbound is the superset of all messages the engine host can send back.
type inbound struct {
	Type     string               `json:"type"`
	ID       string               `json:"id,omitempty"`
	Loaded   bool                 `json:"loaded,omitempty"`
	Text     string               `json:"text,omitempty"`
	Segments []collaborator.Segment `json:"segments,omitempty"`
	Message  string               `json:"message,omitempty"`
}

func (c *Client) dispatch(raw []byte) {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warnw("enginebridge: malformed message", "error", err)
		return
	}

	switch msg.Type {
	case "loaded":
		c.loaded.Store(true)
		if ch, ok := c.loadPending.LoadAndDelete(msg.ID); ok {
			ch.(chan loadResult) <- loadResult{}
		}
	case "unloaded":
		c.loaded.Store(false)
		if ch, ok := c.loadPending.LoadAndDelete(msg.ID); ok {
			ch.(chan loadResult) <- loadResult{}
		}
	case "transcribed":
		if ch, ok := c.transcribePending.LoadAndDelete(msg.ID); ok {
			ch.(chan transcribeResult) <- transcribeResult{result: collaborator.TranscribeResult{Text: msg.Text, Segments: msg.Segments}}
		}
	case "error":
		if ch, ok := c.loadPending.LoadAndDelete(msg.ID); ok {
			ch.(chan loadResult) <- loadResult{err: fmt.Errorf("enginebridge: %s", msg.Message)}
			return
		}
		if ch, ok := c.transcribePending.LoadAndDelete(msg.ID); ok {
			ch.(chan transcribeResult) <- transcribeResult{err: fmt.Errorf("enginebridge: %s", msg.Message)}
		}
	}
}

func (c *Client) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("enginebridge: not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) nextID() string {
	return fmt.Sprintf("r%d", c.idSeq.Add(1))
}

// Name identifies the remote engine for routing and logging.
func (c *Client) Name() string { return c.name }

// IsLoaded reports the last known load state reported by the remote host.
func (c *Client) IsLoaded() bool { return c.loaded.Load() }

// EnsureLoaded asks the remote host to load its model, waiting for
// confirmation or a bounded timeout.
func (c *Client) EnsureLoaded(ctx context.Context) error {
	if c.loaded.Load() {
		return nil
	}
	if !c.isConnected() {
		return fmt.Errorf("enginebridge: %s not connected", c.name)
	}
	id := c.nextID()
	ch := make(chan loadResult, 1)
	c.loadPending.Store(id, ch)

	if err := c.send(map[string]any{"type": "load", "id": id}); err != nil {
		c.loadPending.Delete(id)
		return err
	}

	select {
	case res := <-ch:
		return res.err
	case <-ctx.Done():
		c.loadPending.Delete(id)
		return ctx.Err()
	case <-time.After(60 * time.Second):
		c.loadPending.Delete(id)
		return fmt.Errorf("enginebridge: timeout waiting for load confirmation")
	}
}

// Unload asks the remote host to release model resources.
func (c *Client) Unload(ctx context.Context) error {
	if !c.loaded.Load() {
		return nil
	}
	id := c.nextID()
	ch := make(chan loadResult, 1)
	c.loadPending.Store(id, ch)

	if err := c.send(map[string]any{"type": "unload", "id": id}); err != nil {
		c.loadPending.Delete(id)
		return err
	}

	select {
	case res := <-ch:
		return res.err
	case <-ctx.Done():
		c.loadPending.Delete(id)
		return ctx.Err()
	case <-time.After(15 * time.Second):
		c.loadPending.Delete(id)
		return fmt.Errorf("enginebridge: timeout waiting for unload confirmation")
	}
}

// Transcribe asks the remote host to run inference on a file path it can
// resolve — the backend and the engine host are assumed to share a
// filesystem view, same as an in-process engine would.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (collaborator.TranscribeResult, error) {
	return c.request(ctx, map[string]any{"audio_path": audioPath}, 10*time.Minute)
}

// TranscribePCM streams raw float32 PCM to the remote host for realtime
// inference, satisfying collaborator.StreamEngine.
func (c *Client) TranscribePCM(ctx context.Context, pcm []float32, sampleRate int) (collaborator.TranscribeResult, error) {
	return c.request(ctx, map[string]any{"pcm": pcm, "sample_rate": sampleRate}, 30*time.Second)
}

func (c *Client) request(ctx context.Context, payload map[string]any, timeout time.Duration) (collaborator.TranscribeResult, error) {
	id := c.nextID()
	ch := make(chan transcribeResult, 1)
	c.transcribePending.Store(id, ch)

	msg := map[string]any{"type": "transcribe", "id": id}
	for k, v := range payload {
		msg[k] = v
	}
	if err := c.send(msg); err != nil {
		c.transcribePending.Delete(id)
		return collaborator.TranscribeResult{}, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		c.transcribePending.Delete(id)
		return collaborator.TranscribeResult{}, ctx.Err()
	case <-time.After(timeout):
		c.transcribePending.Delete(id)
		return collaborator.TranscribeResult{}, fmt.Errorf("enginebridge: timeout waiting for transcription")
	}
}
