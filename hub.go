package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

type wsClient struct {
	writeMu sync.Mutex
	binary  bool
}

// Hub fans frame results out to websocket clients, as JSON text or CBOR binary.
type Hub struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*wsClient
	mu       sync.Mutex
	hello    func() any
	logger   *zap.Logger
}

func NewHub(hello func() any, logger *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*wsClient),
		hello:   hello,
		logger:  logger,
	}
}

// ServeWS upgrades the request; ?format=cbor selects binary messages.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	client := &wsClient{binary: r.URL.Query().Get("format") == "cbor"}
	h.mu.Lock()
	h.clients[conn] = client
	h.mu.Unlock()
	h.logger.Info("websocket client", zap.String("remote", r.RemoteAddr), zap.Bool("cbor", client.binary))

	if h.hello != nil {
		if payload, err := h.encode(h.hello(), client.binary); err == nil {
			_ = h.write(conn, client, payload)
		}
	}

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := h.writeMessage(conn, client, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer h.removeClient(conn)
		// only control frames are expected from clients
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends every result to all clients until ctx is done or results closes.
func (h *Hub) Broadcast(ctx context.Context, results <-chan FrameResult) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case result, ok := <-results:
			if !ok {
				h.closeAll()
				return
			}
			h.publish(result)
		}
	}
}

func (h *Hub) publish(message any) {
	var text, binary []byte
	var stale []*websocket.Conn
	h.mu.Lock()
	for conn, client := range h.clients {
		payload := &text
		if client.binary {
			payload = &binary
		}
		if *payload == nil {
			encoded, err := h.encode(message, client.binary)
			if err != nil {
				h.logger.Warn("encode", zap.Bool("cbor", client.binary), zap.Error(err))
				continue
			}
			*payload = encoded
		}
		if err := h.write(conn, client, *payload); err != nil {
			stale = append(stale, conn)
		}
	}
	h.mu.Unlock()
	for _, conn := range stale {
		h.removeClient(conn)
	}
}

func (h *Hub) encode(message any, binary bool) ([]byte, error) {
	if binary {
		return cbor.Marshal(message)
	}
	return json.Marshal(message)
}

func (h *Hub) write(conn *websocket.Conn, client *wsClient, payload []byte) error {
	messageType := websocket.TextMessage
	if client.binary {
		messageType = websocket.BinaryMessage
	}
	return h.writeMessage(conn, client, messageType, payload)
}

func (h *Hub) writeMessage(conn *websocket.Conn, client *wsClient, messageType int, payload []byte) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	for _, conn := range conns {
		h.removeClient(conn)
	}
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
