package enginebridge_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kotoba-transcriber/backend/enginebridge"
)

type inbound struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	AudioPath string    `json:"audio_path"`
	PCM       []float32 `json:"pcm"`
}

var upgrader = websocket.Upgrader{}

// fakeEngineHost answers "load"/"unload"/"transcribe" requests the way the
// real out-of-process engine host would, so enginebridge.Client can be
// exercised without a real inference backend.
func fakeEngineHost(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg inbound
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			switch msg.Type {
			case "load":
				conn.WriteJSON(map[string]any{"type": "loaded", "id": msg.ID})
			case "unload":
				conn.WriteJSON(map[string]any{"type": "unloaded", "id": msg.ID})
			case "transcribe":
				conn.WriteJSON(map[string]any{"type": "transcribed", "id": msg.ID, "text": "hello from engine host"})
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClient_EnsureLoadedRoundTrips(t *testing.T) {
	srv := fakeEngineHost(t)
	defer srv.Close()

	c := enginebridge.New(wsURL(srv.URL), "default", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		err := c.EnsureLoaded(context.Background())
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	assert.True(t, c.IsLoaded())
	assert.Equal(t, "default", c.Name())
}

func TestClient_TranscribeReturnsEngineHostText(t *testing.T) {
	srv := fakeEngineHost(t)
	defer srv.Close()

	c := enginebridge.New(wsURL(srv.URL), "default", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		return c.EnsureLoaded(context.Background()) == nil
	}, 2*time.Second, 20*time.Millisecond)

	result, err := c.Transcribe(context.Background(), "clip.wav")
	require.NoError(t, err)
	assert.Equal(t, "hello from engine host", result.Text)
}

func TestClient_EnsureLoadedFailsFastWhenNotConnected(t *testing.T) {
	c := enginebridge.New("ws://127.0.0.1:1/does-not-exist", "default", nil)
	err := c.EnsureLoaded(context.Background())
	assert.Error(t, err)
}
