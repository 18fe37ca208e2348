package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raterudder/energysim/pkg/log"
	"github.com/raterudder/energysim/pkg/types"
)

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one websocket subscribed to a single device.
type client struct {
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
}

// Hub fans telemetry and command results out to the websocket subscribers of
// each device.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub returns a Hub with no subscribers.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.deviceID] == nil {
		h.clients[c.deviceID] = make(map[*client]struct{})
	}
	h.clients[c.deviceID][c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.deviceID][c]; ok {
		delete(h.clients[c.deviceID], c)
		if len(h.clients[c.deviceID]) == 0 {
			delete(h.clients, c.deviceID)
		}
		close(c.send)
	}
}

// ClientCount returns the number of subscribers for a device.
func (h *Hub) ClientCount(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[deviceID])
}

func (h *Hub) broadcast(ctx context.Context, deviceID string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[deviceID] {
		select {
		case c.send <- msg:
		default:
			log.Ctx(ctx).WarnContext(ctx, "subscriber buffer full, dropping message", slog.String("deviceID", deviceID))
		}
	}
}

// Send broadcasts a telemetry sample to the device's subscribers.
func (h *Hub) Send(ctx context.Context, sample types.TelemetrySample) error {
	if h.ClientCount(sample.DeviceID) == 0 {
		return nil
	}
	msg, err := encode(TypeTelemetry, sample.DeviceID, sample)
	if err != nil {
		return err
	}
	h.broadcast(ctx, sample.DeviceID, msg)
	return nil
}

// BroadcastCommand sends a command result to the device's subscribers.
func (h *Hub) BroadcastCommand(ctx context.Context, cmd types.Command, result types.CommandResult) {
	msg, err := encode(TypeCommandResult, result.DeviceID, CommandResultMessage{Command: cmd, Result: result})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encode command result", slog.Any("error", err))
		return
	}
	h.broadcast(ctx, result.DeviceID, msg)
}

// ServeDevice upgrades the request to a websocket subscribed to deviceID and
// blocks until the connection closes. Anything the client sends is ignored.
func (h *Hub) ServeDevice(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := log.WithDevice(r.Context(), deviceID)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.Ctx(ctx).WarnContext(ctx, "websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
	}
	h.register(c)
	go c.writePump()

	defer func() {
		h.unregister(c)
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Ctx(ctx).DebugContext(ctx, "websocket read error", slog.Any("error", err))
			}
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
