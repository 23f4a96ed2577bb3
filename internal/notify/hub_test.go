package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(buffer int) *Client {
	return &Client{
		send: make(chan []byte, buffer),
		sub:  Subscription{AllEvents: true},
	}
}

func TestHub_ShouldSend(t *testing.T) {
	h := NewHub(testLogger())
	event := &Event{
		Type:      EventEscrowResolved,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"escrowId":   "esc_1",
			"status":     "released",
			"resolution": "buyer_confirmed",
		},
	}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"all events", Subscription{AllEvents: true}, true},
		{"matching type", Subscription{EventTypes: []EventType{EventEscrowResolved}}, true},
		{"other type", Subscription{EventTypes: []EventType{EventDisputeOpened}}, false},
		{"matching watch id", Subscription{WatchIDs: []string{"esc_1"}}, true},
		{"other watch id", Subscription{WatchIDs: []string{"esc_other"}}, false},
		{"type and id both match", Subscription{EventTypes: []EventType{EventEscrowResolved}, WatchIDs: []string{"esc_1"}}, true},
		{"type matches, id does not", Subscription{EventTypes: []EventType{EventEscrowResolved}, WatchIDs: []string{"esc_other"}}, false},
		{"empty subscription", Subscription{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(1)
			client.sub = tt.sub
			if got := h.shouldSend(client, event); got != tt.want {
				t.Errorf("shouldSend = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHub_ShouldSendWatchIDMatchesDispute(t *testing.T) {
	h := NewHub(testLogger())
	event := &Event{
		Type: EventDisputeResolved,
		Data: map[string]interface{}{
			"disputeId":  "dsp_1",
			"resolution": "auto_split",
		},
	}

	client := newTestClient(1)
	client.sub = Subscription{WatchIDs: []string{"dsp_1"}}
	if !h.shouldSend(client, event) {
		t.Error("expected dispute watch ID to match")
	}
}

func TestHub_BroadcastDelivery(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	all := newTestClient(8)
	filtered := newTestClient(8)
	filtered.sub = Subscription{EventTypes: []EventType{EventDisputeOpened}}
	h.register <- all
	h.register <- filtered

	h.EscrowResolved("esc_1", "released", "buyer_confirmed")
	time.Sleep(50 * time.Millisecond)

	select {
	case raw := <-all.send:
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			t.Fatalf("invalid event frame: %v", err)
		}
		if event.Type != EventEscrowResolved {
			t.Errorf("expected escrow_resolved, got %s", event.Type)
		}
		data, ok := event.Data.(map[string]interface{})
		if !ok || data["escrowId"] != "esc_1" {
			t.Errorf("unexpected event data: %v", event.Data)
		}
	default:
		t.Fatal("subscribed client received nothing")
	}

	select {
	case <-filtered.send:
		t.Error("filtered client should not receive escrow events")
	default:
	}
}

func TestHub_SlowClientEvicted(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := newTestClient(1)
	h.register <- slow

	// Fill the buffer, then overflow it.
	h.DisputeOpened("dsp_1", "esc_1")
	h.DisputeOpened("dsp_2", "esc_2")
	time.Sleep(50 * time.Millisecond)

	h.mu.RLock()
	_, stillThere := h.clients[slow]
	h.mu.RUnlock()
	if stillThere {
		t.Error("expected slow client evicted")
	}
}

func TestHub_UnregisterAndStats(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c1 := newTestClient(8)
	c2 := newTestClient(8)
	h.register <- c1
	h.register <- c2
	h.DisputeWarning("dsp_1", time.Now().Add(7*24*time.Hour))
	time.Sleep(50 * time.Millisecond)

	h.unregister <- c1
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"] != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["totalClients"] != int64(2) {
		t.Errorf("expected 2 total clients, got %v", stats["totalClients"])
	}
	if stats["peakClients"] != int64(2) {
		t.Errorf("expected peak 2, got %v", stats["peakClients"])
	}
	if stats["totalEvents"] != int64(1) {
		t.Errorf("expected 1 event, got %v", stats["totalEvents"])
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	client := newTestClient(8)
	h.register <- client

	cancel()
	time.Sleep(50 * time.Millisecond)

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected send channel closed, got a message")
		}
	default:
		t.Error("expected send channel closed")
	}

	// Upgrades after shutdown are refused.
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/ws", nil)
	h.HandleWebSocket(w, r)
	if w.Code != 503 {
		t.Errorf("expected 503 after shutdown, got %d", w.Code)
	}
}

func TestHub_BroadcastFullChannelDropsEvent(t *testing.T) {
	h := NewHub(testLogger())
	// Run loop not started, so the broadcast buffer fills up.
	for i := 0; i < 300; i++ {
		h.DisputeOpened("dsp_x", "esc_x")
	}
	// Must not block or panic once the buffer is full.
}
