package controller

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"blastpit/internal/analysis/model"
	"blastpit/internal/sandbox"
	"blastpit/internal/sandbox/event"
	"blastpit/pkg/utils/response"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamReadLimit  = 512
	streamSendBuffer = 16
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The bearer token is the gate; origin is not checked.
	CheckOrigin: func(*http.Request) bool { return true },
}

// EventHub fans recorded security events out to websocket subscribers,
// keyed by instance id. It implements event.Sink; a subscriber that
// cannot keep up is dropped rather than allowed to stall delivery.
type EventHub struct {
	mu      sync.RWMutex
	clients map[string]map[*streamClient]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[string]map[*streamClient]struct{})}
}

// OnEvent implements event.Sink.
func (h *EventHub) OnEvent(instanceID string, ev event.Event) {
	payload, err := json.Marshal(model.AuditEvent{
		InstanceID: instanceID,
		EventType:  string(ev.Type),
		Severity:   string(ev.Severity),
		Details:    ev.Details,
		Timestamp:  ev.Timestamp,
	})
	if err != nil {
		return
	}
	var slow []*streamClient
	h.mu.RLock()
	for client := range h.clients[instanceID] {
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()
	for _, client := range slow {
		h.drop(client)
	}
}

// Subscribers reports how many clients watch the instance.
func (h *EventHub) Subscribers(instanceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[instanceID])
}

func (h *EventHub) register(instanceID string, conn *websocket.Conn) *streamClient {
	client := &streamClient{
		hub:        h,
		instanceID: instanceID,
		conn:       conn,
		send:       make(chan []byte, streamSendBuffer),
	}
	h.mu.Lock()
	set := h.clients[instanceID]
	if set == nil {
		set = make(map[*streamClient]struct{})
		h.clients[instanceID] = set
	}
	set[client] = struct{}{}
	h.mu.Unlock()
	return client
}

func (h *EventHub) drop(client *streamClient) {
	h.mu.Lock()
	if set, ok := h.clients[client.instanceID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.clients, client.instanceID)
		}
	}
	h.mu.Unlock()
	client.closeOnce.Do(func() { close(client.send) })
}

type streamClient struct {
	hub        *EventHub
	instanceID string
	conn       *websocket.Conn
	send       chan []byte
	closeOnce  sync.Once
}

func (cl *streamClient) writePump() {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case message, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (cl *streamClient) readPump() {
	defer func() {
		cl.hub.drop(cl)
		cl.conn.Close()
	}()
	cl.conn.SetReadLimit(streamReadLimit)
	_ = cl.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// StreamController upgrades event stream requests to websockets.
type StreamController struct {
	manager *sandbox.Manager
	hub     *EventHub
}

// NewStreamController creates a new StreamController.
func NewStreamController(manager *sandbox.Manager, hub *EventHub) *StreamController {
	return &StreamController{manager: manager, hub: hub}
}

// Stream subscribes the caller to an instance's live security events.
func (h *StreamController) Stream(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		response.BadRequest(c, "Invalid instance id")
		return
	}
	if _, err := h.manager.Instance(id); err != nil {
		response.Error(c, err)
		return
	}
	conn, err := streamUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure.
		return
	}
	client := h.hub.register(id, conn)
	go client.writePump()
	go client.readPump()
}

var _ event.Sink = (*EventHub)(nil)
