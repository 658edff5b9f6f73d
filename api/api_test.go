package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/floodwatch-tech/floodwatch/api"
	"github.com/floodwatch-tech/floodwatch/core/client"
	"github.com/floodwatch-tech/floodwatch/gateway"
	"github.com/floodwatch-tech/floodwatch/gateway/session"
	"github.com/floodwatch-tech/floodwatch/gateway/whitelist"
)

type publishedMessage struct {
	Topic   string
	Payload []byte
}

type fakeBroker struct {
	mux       sync.Mutex
	connected bool
	published []publishedMessage
}

func (b *fakeBroker) Connect() error {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.connected = true
	return nil
}

func (b *fakeBroker) Publish(topic string, payload []byte) error {
	b.mux.Lock()
	defer b.mux.Unlock()
	if !b.connected {
		return session.ErrNotConnected
	}
	b.published = append(b.published, publishedMessage{Topic: topic, Payload: payload})
	return nil
}

func (b *fakeBroker) IsConnected() bool {
	b.mux.Lock()
	defer b.mux.Unlock()
	return b.connected
}

func (b *fakeBroker) Stop() {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.connected = false
}

func (b *fakeBroker) messages() []publishedMessage {
	b.mux.Lock()
	defer b.mux.Unlock()
	return append([]publishedMessage{}, b.published...)
}

type nopSink struct{}

func (nopSink) WriteWaterLevel(_ context.Context, _ gateway.WaterLevelReading) error { return nil }
func (nopSink) WriteStatus(_ context.Context, _ gateway.StatusReport) error          { return nil }

var testTopics = gateway.Topics{
	WaterLevel:           "iot/waterlevel",
	Status:               "iot/status",
	RegistrationRequest:  "iot/registration/request",
	RegistrationResponse: "iot/registration/response",
	CommandBase:          "iot/command",
}

type testService struct {
	gateway   *gateway.Gateway
	whitelist *whitelist.Store
	broker    *fakeBroker
	client    client.Client
}

func createTestService(t *testing.T, jwtSecret string) *testService {
	t.Helper()
	store := whitelist.New(&whitelist.Builder{URL: "http://directory.invalid/whitelist"})
	broker := &fakeBroker{connected: true}
	g := gateway.New(&gateway.Builder{
		Whitelist:           store,
		Broker:              broker,
		Sink:                nopSink{},
		Topics:              testTopics,
		RegistrationTimeout: 100 * time.Millisecond,
	})
	router := mux.NewRouter()
	api.New(&api.Builder{
		Gateway:   g,
		Whitelist: store,
		Router:    router,
		JWTSecret: jwtSecret,
	})
	return &testService{
		gateway:   g,
		whitelist: store,
		broker:    broker,
		client:    client.NewWithRouter(router),
	}
}

func TestPublishCommand(t *testing.T) {
	s := createTestService(t, "")
	s.whitelist.Add("sensor-1")

	status, err := s.client.RawPost("/devices/sensor-1/commands", []byte(`{"reboot":true}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	messages := s.broker.messages()
	if len(messages) != 1 || messages[0].Topic != "iot/command/sensor-1" {
		t.Fatalf("unexpected publishes %+v", messages)
	}

	// unauthorized device
	status, _ = s.client.RawPost("/devices/sensor-2/commands", []byte(`{}`), nil)
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}

	// invalid body
	status, _ = s.client.RawPost("/devices/sensor-1/commands", []byte(`not json`), nil)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}

	// broker down
	s.broker.Stop()
	status, _ = s.client.RawPost("/devices/sensor-1/commands", []byte(`{}`), nil)
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", status)
	}
}

func TestRegisterDevice(t *testing.T) {
	s := createTestService(t, "")

	body := []byte(`{"device_token":"secret-token","warning_level":2.5,"danger_level":4.0,"sensor_height":5.0}`)

	// deliver the registration response as soon as the request shows up
	// on the broker
	go func() {
		deadline := time.Now().Add(time.Second)
		for len(s.broker.messages()) == 0 {
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(time.Millisecond)
		}
		s.gateway.OnMessage(testTopics.RegistrationResponse,
			[]byte(`{"device_id":"sensor-1","status":"success","message":"registered","timestamp":"2024-01-01T00:00:00Z"}`))
	}()

	var response map[string]interface{}
	status, err := s.client.RawPost("/devices/sensor-1/registration", body, &response)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if response["status"] != "success" {
		t.Fatalf("unexpected response %+v", response)
	}
	if !s.whitelist.Contains("sensor-1") {
		t.Fatal("registered device must be whitelisted")
	}

	// the registration request published to the broker carries the
	// device identity from the route
	var request map[string]interface{}
	published := s.broker.messages()[0]
	if published.Topic != testTopics.RegistrationRequest {
		t.Fatalf("unexpected topic %q", published.Topic)
	}
	if err := json.Unmarshal(published.Payload, &request); err != nil {
		t.Fatal(err)
	}
	if request["device_id"] != "sensor-1" {
		t.Fatalf("unexpected registration request %+v", request)
	}

	// a second registration short-circuits with a conflict
	status, _ = s.client.RawPost("/devices/sensor-1/registration", body, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
}

func TestRegisterDeviceTimeout(t *testing.T) {
	s := createTestService(t, "")
	body := []byte(`{"device_token":"secret-token","warning_level":2.5,"danger_level":4.0}`)
	status, _ := s.client.RawPost("/devices/sensor-1/registration", body, nil)
	if status != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", status)
	}
	if s.whitelist.Contains("sensor-1") {
		t.Fatal("timed out registration must not whitelist the device")
	}
}

func TestRegisterDeviceValidation(t *testing.T) {
	s := createTestService(t, "")
	testCases := []struct {
		name string
		body string
	}{
		{"missing token", `{"warning_level":2.5,"danger_level":4.0}`},
		{"short token", `{"device_token":"short","warning_level":2.5,"danger_level":4.0}`},
		{"missing levels", `{"device_token":"secret-token"}`},
		{"negative level", `{"device_token":"secret-token","warning_level":-1,"danger_level":4.0}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, _ := s.client.RawPost("/devices/sensor-1/registration", []byte(tc.body), nil)
			if status != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d", status)
			}
		})
	}
	if len(s.broker.messages()) != 0 {
		t.Fatal("invalid registrations must not be published")
	}
}

func TestWhitelistRoutes(t *testing.T) {
	directory := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"device_ids":["sensor-1","sensor-2"]}`))
	}))
	defer directory.Close()

	store := whitelist.New(&whitelist.Builder{URL: directory.URL})
	broker := &fakeBroker{connected: true}
	g := gateway.New(&gateway.Builder{
		Whitelist: store,
		Broker:    broker,
		Sink:      nopSink{},
		Topics:    testTopics,
	})
	router := mux.NewRouter()
	api.New(&api.Builder{Gateway: g, Whitelist: store, Router: router})
	c := client.NewWithRouter(router)

	var refresh map[string]int
	status, err := c.RawPost("/whitelist/refresh", nil, &refresh)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || refresh["device_count"] != 2 {
		t.Fatalf("unexpected refresh result %d %+v", status, refresh)
	}

	var entry struct {
		DeviceID   string `json:"device_id"`
		Authorized bool   `json:"authorized"`
	}
	if _, err := c.RawGet("/whitelist/sensor-1", &entry); err != nil {
		t.Fatal(err)
	}
	if !entry.Authorized {
		t.Fatal("sensor-1 should be authorized")
	}
	if _, err := c.RawGet("/whitelist/sensor-9", &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Authorized {
		t.Fatal("sensor-9 should not be authorized")
	}
}

func TestHealth(t *testing.T) {
	s := createTestService(t, "")
	var health struct {
		State     string `json:"state"`
		Connected bool   `json:"connected"`
	}
	if _, err := s.client.RawGet("/health", &health); err != nil {
		t.Fatal(err)
	}
	if health.State != "stopped" {
		t.Fatalf("unexpected state %q", health.State)
	}
	if !health.Connected {
		t.Fatal("fake broker starts connected")
	}
}

func TestBearerTokenAuthorization(t *testing.T) {
	secret := "test-signing-secret"
	s := createTestService(t, secret)
	s.whitelist.Add("sensor-1")

	// without a token
	status, _ := s.client.RawPost("/devices/sensor-1/commands", []byte(`{}`), nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}

	// with a token signed with the wrong secret
	wrong, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"}).
		SignedString([]byte("some-other-secret"))
	if err != nil {
		t.Fatal(err)
	}
	status, _ = s.client.WithToken(wrong).RawPost("/devices/sensor-1/commands", []byte(`{}`), nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}

	// with a valid token
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "operator"}).
		SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	status, err = s.client.WithToken(token).RawPost("/devices/sensor-1/commands", []byte(`{}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
}
