package broadcast_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/floodwatch-tech/floodwatch/broadcast"
	"github.com/floodwatch-tech/floodwatch/gateway"
)

func TestBroadcast(t *testing.T) {
	router := mux.NewRouter()
	hub := broadcast.New(&broadcast.Builder{Router: router})
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/notifications"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// the hub registers the client before the upgrade handler returns
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was never registered")
		}
		time.Sleep(time.Millisecond)
	}

	reading := gateway.WaterLevelReading{DeviceID: "sensor-1", WaterLevel: 12.5, Timestamp: "2024-01-01T00:00:00Z"}
	if err := hub.WriteWaterLevel(context.Background(), reading); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var received struct {
		Kind string                    `json:"kind"`
		Data gateway.WaterLevelReading `json:"data"`
	}
	if err := json.Unmarshal(data, &received); err != nil {
		t.Fatal(err)
	}
	if received.Kind != "waterlevel" {
		t.Fatalf("unexpected event kind %q", received.Kind)
	}
	if received.Data != reading {
		t.Fatalf("unexpected event data %+v", received.Data)
	}
}

func TestBroadcastWithoutClients(t *testing.T) {
	router := mux.NewRouter()
	hub := broadcast.New(&broadcast.Builder{Router: router})

	// must not block or fail with nobody listening
	if err := hub.WriteStatus(context.Background(), gateway.StatusReport{DeviceID: "sensor-1"}); err != nil {
		t.Fatal(err)
	}
	if hub.ClientCount() != 0 {
		t.Fatal("expected no clients")
	}
}
