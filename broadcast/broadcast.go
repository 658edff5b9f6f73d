package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/floodwatch-tech/floodwatch/core/logger"
	"github.com/floodwatch-tech/floodwatch/gateway"
)

type event struct {
	Kind string      `json:"kind"`
	Data interface{} `json:"data"`
}

// Hub fans telemetry out to connected dashboard clients over websockets.
// It implements the gateway's TelemetrySink interface. Delivery is best
// effort: clients that cannot keep up are disconnected.
type Hub struct {
	upgrader websocket.Upgrader

	clientsMux sync.Mutex
	clients    map[chan []byte]struct{}
}

// Builder is a builder helper for the Hub
type Builder struct {
	// Router is a mux router. This is mandatory. The hub adds the
	// /notifications websocket route.
	Router *mux.Router
}

// New returns a new hub and adds the websocket route to the router.
func New(b *Builder) *Hub {
	if b.Router == nil {
		panic("router is missing")
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: map[chan []byte]struct{}{},
	}
	b.Router.HandleFunc("/notifications", h.serveWebsocket).Methods(http.MethodGet)
	return h
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()
	return len(h.clients)
}

// WriteWaterLevel implements gateway.TelemetrySink
func (h *Hub) WriteWaterLevel(ctx context.Context, reading gateway.WaterLevelReading) error {
	h.broadcast(event{Kind: "waterlevel", Data: reading})
	return nil
}

// WriteStatus implements gateway.TelemetrySink
func (h *Hub) WriteStatus(ctx context.Context, report gateway.StatusReport) error {
	h.broadcast(event{Kind: "status", Data: report})
	return nil
}

func (h *Hub) broadcast(e event) {
	data, err := json.Marshal(e)
	if err != nil {
		logger.Default().Errorln("cannot marshal notification:", err)
		return
	}
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()
	for client := range h.clients {
		select {
		case client <- data:
		default:
			// client is not keeping up, close it
			close(client)
			delete(h.clients, client)
		}
	}
}

func (h *Hub) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.Warningln("websocket upgrade failed:", err)
		return
	}

	send := make(chan []byte, 64)
	h.clientsMux.Lock()
	h.clients[send] = struct{}{}
	h.clientsMux.Unlock()
	rlog.Info("dashboard client connected")

	// reader, only there to notice the client going away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.clientsMux.Lock()
				if _, ok := h.clients[send]; ok {
					close(send)
					delete(h.clients, send)
				}
				h.clientsMux.Unlock()
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		for data := range send {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.clientsMux.Lock()
				if _, ok := h.clients[send]; ok {
					close(send)
					delete(h.clients, send)
				}
				h.clientsMux.Unlock()
				return
			}
		}
	}()
}
