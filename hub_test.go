package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestHubBroadcastJSONAndCBOR(t *testing.T) {
	hub := NewHub(func() any { return map[string]any{"type": "hello"} }, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	text := dialHub(t, srv, "")
	binary := dialHub(t, srv, "?format=cbor")

	kind, msg, err := text.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.JSONEq(t, `{"type":"hello"}`, string(msg))

	kind, msg, err = binary.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	var hello map[string]any
	require.NoError(t, cbor.Unmarshal(msg, &hello))
	assert.Equal(t, "hello", hello["type"])
	assert.Equal(t, 2, hub.clientCount())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results := make(chan FrameResult, 1)
	go hub.Broadcast(ctx, results)

	d := 2.5
	results <- FrameResult{ID: "frame-1", Width: 1280, Height: 480, Detections: []item{{ClassName: "car", Distance: &d}}}

	_, msg, err = text.ReadMessage()
	require.NoError(t, err)
	var fromJSON FrameResult
	require.NoError(t, json.Unmarshal(msg, &fromJSON))
	assert.Equal(t, "frame-1", fromJSON.ID)
	require.Len(t, fromJSON.Detections, 1)
	assert.Equal(t, 2.5, *fromJSON.Detections[0].Distance)

	_, msg, err = binary.ReadMessage()
	require.NoError(t, err)
	var fromCBOR FrameResult
	require.NoError(t, cbor.Unmarshal(msg, &fromCBOR))
	assert.Equal(t, "frame-1", fromCBOR.ID)
	assert.Equal(t, 1280, fromCBOR.Width)
	require.Len(t, fromCBOR.Detections, 1)
	assert.Equal(t, "car", fromCBOR.Detections[0].ClassName)
}

func TestHubDropsClosedClients(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn := dialHub(t, srv, "")
	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, time.Second, 10*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return hub.clientCount() == 0 }, time.Second, 10*time.Millisecond)
}
