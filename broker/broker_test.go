package broker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/floodwatch-tech/floodwatch/broker"
	"github.com/floodwatch-tech/floodwatch/gateway/session"
)

const (
	listenAddress   = ":18831"
	brokerURL       = "tcp://127.0.0.1:18831"
	gatewayClientID = "floodwatch-gateway"
)

type recordingHandler struct {
	mux      sync.Mutex
	received map[string][][]byte
	onMsg    chan struct{}
	ready    chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		received: map[string][][]byte{},
		onMsg:    make(chan struct{}, 16),
		ready:    make(chan struct{}, 1),
	}
}

func (h *recordingHandler) OnConnect() {
	select {
	case h.ready <- struct{}{}:
	default:
	}
}

func (h *recordingHandler) OnMessage(topic string, payload []byte) {
	h.mux.Lock()
	h.received[topic] = append(h.received[topic], payload)
	h.mux.Unlock()
	h.onMsg <- struct{}{}
}

func (h *recordingHandler) OnConnectionLost(err error) {}

func (h *recordingHandler) awaitMessage(t *testing.T, topic string) []byte {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		h.mux.Lock()
		payloads := h.received[topic]
		h.mux.Unlock()
		if len(payloads) > 0 {
			return payloads[0]
		}
		select {
		case <-h.onMsg:
		case <-deadline:
			t.Fatalf("no message arrived on %s", topic)
		}
	}
}

func TestBrokerRoundTrip(t *testing.T) {
	b := broker.New(&broker.Builder{
		ListenAddress:   listenAddress,
		GatewayClientID: gatewayClientID,
		TopicBase:       "floodwatch",
	})
	b.Start()
	defer b.Stop(context.Background())

	handler := newRecordingHandler()
	ses := session.New(&session.Builder{
		BrokerURL: brokerURL,
		ClientID:  gatewayClientID,
		Topics: session.Topics{
			WaterLevel:           "floodwatch/waterlevel",
			Status:               "floodwatch/status",
			RegistrationResponse: "floodwatch/registration/response",
		},
		Handler:        handler,
		ConnectTimeout: 5 * time.Second,
	})
	if err := ses.Connect(); err != nil {
		t.Fatal(err)
	}
	defer ses.Stop()

	select {
	case <-handler.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("session never reported its subscriptions ready")
	}

	// a device client restricted by the topic policy
	opts := mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID("sensor-1")
	device := mqtt.NewClient(opts)
	token := device.Connect()
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatal("device connect failed:", token.Error())
	}
	defer device.Disconnect(250)

	commands := make(chan []byte, 1)
	subToken := device.Subscribe("floodwatch/command/sensor-1", 0, func(_ mqtt.Client, msg mqtt.Message) {
		commands <- msg.Payload()
	})
	subToken.Wait()
	if err := subToken.Error(); err != nil {
		t.Fatal("device must be able to subscribe to its command topic:", err)
	}

	// devices must not see each other's commands
	denied := device.Subscribe("floodwatch/command/sensor-2", 0, nil).(*mqtt.SubscribeToken)
	denied.Wait()
	if granted := denied.Result()["floodwatch/command/sensor-2"]; granted != 0x80 {
		t.Fatalf("expected subscription failure, got qos %d", granted)
	}

	// device telemetry reaches the gateway session
	device.Publish("floodwatch/waterlevel", 0, false,
		[]byte(`{"device_id":"sensor-1","water_level":2.5,"timestamp":"2024-01-01T00:00:00Z"}`)).Wait()
	payload := handler.awaitMessage(t, "floodwatch/waterlevel")
	if len(payload) == 0 {
		t.Fatal("empty waterlevel payload")
	}

	// registration responses reach the gateway session
	device.Publish("floodwatch/registration/response", 0, false,
		[]byte(`{"device_id":"sensor-1","status":"success"}`)).Wait()
	handler.awaitMessage(t, "floodwatch/registration/response")

	// gateway commands reach the device
	if err := ses.Publish("floodwatch/command/sensor-1", []byte(`{"reboot":true}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case cmd := <-commands:
		if string(cmd) != `{"reboot":true}` {
			t.Fatalf("unexpected command payload %s", cmd)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no command arrived at the device")
	}
}

func TestSessionNotReadyWhenSubscriptionsDenied(t *testing.T) {
	// the privileged client ID differs from the session's, so the topic
	// policy denies the session's telemetry subscriptions
	b := broker.New(&broker.Builder{
		ListenAddress:   ":18832",
		GatewayClientID: "somebody-else",
		TopicBase:       "floodwatch",
	})
	b.Start()
	defer b.Stop(context.Background())

	handler := newRecordingHandler()
	ses := session.New(&session.Builder{
		BrokerURL: "tcp://127.0.0.1:18832",
		ClientID:  gatewayClientID,
		Topics: session.Topics{
			WaterLevel:           "floodwatch/waterlevel",
			Status:               "floodwatch/status",
			RegistrationResponse: "floodwatch/registration/response",
		},
		Handler:        handler,
		ConnectTimeout: 5 * time.Second,
	})
	if err := ses.Connect(); err != nil {
		t.Fatal(err)
	}
	defer ses.Stop()

	// the connection is up, but the session must not report readiness
	// while its subscriptions are denied
	if !ses.IsConnected() {
		t.Fatal("expected an open connection")
	}
	select {
	case <-handler.ready:
		t.Fatal("session reported ready despite denied subscriptions")
	case <-time.After(500 * time.Millisecond):
	}
}
