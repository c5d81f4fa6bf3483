package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"blastpit/internal/analysis/model"
	"blastpit/internal/sandbox"
)

func newStreamServer(t *testing.T) (*httptest.Server, *sandbox.Manager, *EventHub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewEventHub()
	manager, err := sandbox.New(sandbox.Config{EventSink: hub})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	t.Cleanup(func() { _ = manager.Cleanup(context.Background()) })

	router := gin.New()
	ctrl := NewStreamController(manager, hub)
	router.GET("/api/v1/instances/:id/events/stream", ctrl.Stream)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, manager, hub
}

func streamURL(srv *httptest.Server, instanceID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/api/v1/instances/" + instanceID + "/events/stream"
}

func waitSubscribers(t *testing.T, hub *EventHub, instanceID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(instanceID) != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", hub.Subscribers(instanceID), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamDeliversLiveEvents(t *testing.T) {
	srv, manager, hub := newStreamServer(t)
	inst, err := manager.CreateInstance(context.Background(), nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(streamURL(srv, inst.ID()), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitSubscribers(t, hub, inst.ID(), 1)

	if _, err := inst.Execute(context.Background(), []byte(`sys.call("uname")`)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var ev model.AuditEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode stream event: %v", err)
	}
	if ev.InstanceID != inst.ID() || ev.EventType != "syscall_blocked" {
		t.Fatalf("event = %+v, want blocked syscall for %s", ev, inst.ID())
	}
}

func TestStreamUnsubscribesOnClose(t *testing.T) {
	srv, manager, hub := newStreamServer(t)
	inst, err := manager.CreateInstance(context.Background(), nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(streamURL(srv, inst.ID()), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitSubscribers(t, hub, inst.ID(), 1)

	conn.Close()
	waitSubscribers(t, hub, inst.ID(), 0)
}

func TestStreamRejectsUnknownInstance(t *testing.T) {
	srv, _, _ := newStreamServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(streamURL(srv, "nope"), nil)
	if err == nil {
		t.Fatalf("dial succeeded, want handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %+v, want 404", resp)
	}
	resp.Body.Close()
}
