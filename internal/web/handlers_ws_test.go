package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"kraken-go-home/internal/events"
)

func startHub(t *testing.T) *WSHub {
	t.Helper()
	hub := NewWSHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func waitClients(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		hub.mu.RLock()
		n := len(hub.clients)
		hub.mu.RUnlock()
		if n == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", n, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func recv(t *testing.T, c *wsClient) []byte {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message")
		return nil
	}
}

func TestWSHubRegister(t *testing.T) {
	hub := startHub(t)

	c := &wsClient{send: make(chan []byte, 4)}
	hub.register <- c
	waitClients(t, hub, 1)

	hub.unregister <- c
	waitClients(t, hub, 0)
	if _, open := <-c.send; open {
		t.Error("queue of an unregistered client left open")
	}

	stranger := &wsClient{send: make(chan []byte, 1)}
	hub.unregister <- stranger
	waitClients(t, hub, 0)
	select {
	case stranger.send <- nil:
	default:
		t.Error("queue of a client that never registered was closed")
	}
}

func TestWSHubBroadcastFrames(t *testing.T) {
	hub := startHub(t)

	a := &wsClient{send: make(chan []byte, 4)}
	b := &wsClient{send: make(chan []byte, 4)}
	hub.register <- a
	hub.register <- b
	waitClients(t, hub, 2)

	hub.Broadcast(frameFor(events.UpdatesHaltedEvent{DeviceID: "KX1", Error: "pipe"}))
	for _, c := range []*wsClient{a, b} {
		var f struct {
			Type   string         `json:"type"`
			Device string         `json:"device"`
			Data   map[string]any `json:"data"`
		}
		if err := json.Unmarshal(recv(t, c), &f); err != nil {
			t.Fatal(err)
		}
		if f.Type != "updates_halted" || f.Device != "KX1" || f.Data["error"] != "pipe" {
			t.Errorf("frame = %+v", f)
		}
	}
}

func TestWSHubEvictsSlowClient(t *testing.T) {
	hub := startHub(t)

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 8)}
	hub.register <- slow
	hub.register <- fast
	waitClients(t, hub, 2)

	hub.Broadcast(wsFrame{Type: "one"})
	hub.Broadcast(wsFrame{Type: "two"})
	recv(t, fast)
	recv(t, fast)
	waitClients(t, hub, 1)

	hub.mu.RLock()
	_, kept := hub.clients[fast]
	hub.mu.RUnlock()
	if !kept {
		t.Error("fast client evicted")
	}
}

func TestWSHubBroadcastNeverBlocks(t *testing.T) {
	hub := NewWSHub(testLogger())

	done := make(chan struct{})
	go func() {
		for i := range cap(hub.broadcast) + 10 {
			hub.Broadcast(wsFrame{Type: "flood", Data: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}
}

func TestWSHubDeviceFilter(t *testing.T) {
	hub := startHub(t)

	all := &wsClient{send: make(chan []byte, 4)}
	kx1 := &wsClient{device: "KX1", send: make(chan []byte, 4)}
	hub.register <- all
	hub.register <- kx1
	waitClients(t, hub, 2)

	hub.Broadcast(frameFor(events.DeviceAttachedEvent{DeviceID: "KX2", Model: "x62"}))
	hub.Broadcast(frameFor(events.DeviceAttachedEvent{DeviceID: "KX1", Model: "x62"}))

	for _, want := range []string{"KX2", "KX1"} {
		var f wsFrame
		if err := json.Unmarshal(recv(t, all), &f); err != nil || f.Device != want {
			t.Errorf("unfiltered client frame = %+v, %v; want device %s", f, err, want)
		}
	}
	var f wsFrame
	if err := json.Unmarshal(recv(t, kx1), &f); err != nil || f.Device != "KX1" {
		t.Errorf("filtered client frame = %+v, %v", f, err)
	}
	select {
	case msg := <-kx1.send:
		t.Errorf("filtered client got a second frame: %s", msg)
	default:
	}
}

func TestWSHubStop(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()

	c := &wsClient{send: make(chan []byte, 1)}
	hub.register <- c
	waitClients(t, hub, 1)

	hub.Stop()
	hub.Stop()
	select {
	case _, open := <-c.send:
		if open {
			t.Error("client queue open after stop")
		}
	case <-time.After(time.Second):
		t.Error("client queue not closed after stop")
	}
}

func TestWSStreamsBusEvents(t *testing.T) {
	env := setupTestServer(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?device=KX1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitClients(t, env.srv.wsHub, 1)

	env.do("PUT", "/api/devices/KX1/attrs/led/zone", "text/plain", "ring")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var f struct {
		Type string                       `json:"type"`
		Data events.AttributeChangedEvent `json:"data"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.Type != "attribute_changed" || f.Data.Name != "led/zone" || f.Data.Value != "ring" {
		t.Errorf("frame = %+v", f)
	}
}
