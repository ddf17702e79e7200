package mcpbridge_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpbridge "github.com/jerthedev/go-mcp-bridge"
)

func TestHandleStreamRejectsMissingPeer(t *testing.T) {
	broker := mcpbridge.NewNotificationBroker(mcpbridge.StreamConfig{})
	handler := broker.HandleStream()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing peerID: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/notifications?peerID=ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unsubscribed peer: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleStreamDeliversQueuedNotifications(t *testing.T) {
	broker := mcpbridge.NewNotificationBroker(mcpbridge.StreamConfig{
		HeartbeatInterval: time.Minute,
	})
	broker.Subscribe("pull-peer", nil, nil)

	// Broadcast before the stream attaches; the notification waits in the queue.
	notificationID, err := broker.Broadcast(context.Background(),
		mcpbridge.MethodNotificationsResourcesUpdated,
		map[string]any{"uri": "res://a"})
	if err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	server := httptest.NewServer(broker.HandleStream())
	defer server.Close()

	resp, err := http.Get(server.URL + "?peerID=pull-peer")
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer resp.Body.Close()

	event, data := readSSEEvent(t, bufio.NewReader(resp.Body))
	if event != "message" {
		t.Errorf("event type = %q, want %q", event, "message")
	}
	if !strings.Contains(data, mcpbridge.MethodNotificationsResourcesUpdated) {
		t.Errorf("stream data missing notification method: %s", data)
	}
	if !strings.Contains(data, "res://a") {
		t.Errorf("stream data missing payload: %s", data)
	}

	deadline := time.Now().Add(time.Second)
	for {
		states, _ := broker.DeliveryStatus(notificationID)
		if states["pull-peer"] == mcpbridge.DeliveryDelivered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery state never reached delivered: %v", states["pull-peer"])
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleStreamEmitsHeartbeats(t *testing.T) {
	broker := mcpbridge.NewNotificationBroker(mcpbridge.StreamConfig{
		HeartbeatInterval: 20 * time.Millisecond,
	})
	broker.Subscribe("idle-peer", nil, nil)

	server := httptest.NewServer(broker.HandleStream())
	defer server.Close()

	resp, err := http.Get(server.URL + "?peerID=idle-peer")
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	defer resp.Body.Close()

	event, data := readSSEEvent(t, bufio.NewReader(resp.Body))
	if event != "heartbeat" {
		t.Errorf("event type = %q, want %q", event, "heartbeat")
	}
	if data != "{}" {
		t.Errorf("heartbeat data = %q, want empty object", data)
	}
}

// readSSEEvent reads lines until one complete server-sent event has been seen
// and returns its event type and data payload.
func readSSEEvent(t *testing.T, reader *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("stream ended before a complete event: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && (event != "" || data != ""):
			return event, data
		}
	}
}
