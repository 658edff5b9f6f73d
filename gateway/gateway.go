package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/floodwatch-tech/floodwatch/core/logger"
	"github.com/floodwatch-tech/floodwatch/gateway/pending"
	"github.com/floodwatch-tech/floodwatch/gateway/whitelist"
)

// ErrNotWhitelisted is returned when an operation targets a device that is
// not on the allow-list.
var ErrNotWhitelisted = errors.New("device is not whitelisted")

// ErrAlreadyRegistered is returned by RegisterDevice when the device is
// already on the allow-list. The registration flow is not re-run.
var ErrAlreadyRegistered = errors.New("device is already registered")

// State is the gateway lifecycle state.
type State int32

// Gateway lifecycle states
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Topics is the topic configuration of the gateway.
type Topics struct {
	// WaterLevel is the inbound telemetry topic.
	WaterLevel string
	// Status is the inbound device status topic.
	Status string
	// RegistrationRequest is the outbound registration request topic.
	RegistrationRequest string
	// RegistrationResponse is the inbound registration response topic.
	RegistrationResponse string
	// CommandBase is the base of the per-device command topics. The
	// device identity is appended as the final topic level.
	CommandBase string
}

// Builder is a builder helper for the Gateway
type Builder struct {
	// Whitelist is the allow-list store. This is mandatory.
	Whitelist *whitelist.Store
	// Broker is the broker session. This is mandatory.
	Broker Broker
	// Sink receives decoded telemetry from authorized devices. This is
	// mandatory; use MultiSink to fan out to several consumers.
	Sink TelemetrySink
	// Topics is the topic configuration. All topics are mandatory.
	Topics Topics
	// RegistrationTimeout is the default wait for a registration
	// response. Default is 15 seconds.
	RegistrationTimeout time.Duration
}

// Gateway correlates device sessions with backend callers: it guards
// telemetry and commands with the allow-list, and turns the asynchronous
// registration handshake into a synchronous operation.
//
// The gateway exclusively owns its whitelist store, pending table and broker
// session. Construct one instance per broker connection; there are no
// package-level singletons.
type Gateway struct {
	whitelist *whitelist.Store
	pending   *pending.Table
	broker    Broker
	sink      TelemetrySink
	topics    Topics

	registrationTimeout time.Duration

	stateMux      sync.Mutex
	state         State
	refreshCancel context.CancelFunc
}

// New returns a new gateway. The gateway does not talk to the broker or the
// directory service until you call Start().
func New(b *Builder) *Gateway {
	if b.Whitelist == nil {
		panic("whitelist store is missing")
	}
	if b.Broker == nil {
		panic("broker session is missing")
	}
	if b.Sink == nil {
		panic("telemetry sink is missing")
	}
	if len(b.Topics.WaterLevel) == 0 || len(b.Topics.Status) == 0 ||
		len(b.Topics.RegistrationRequest) == 0 || len(b.Topics.RegistrationResponse) == 0 ||
		len(b.Topics.CommandBase) == 0 {
		panic("topic configuration is incomplete")
	}
	registrationTimeout := b.RegistrationTimeout
	if registrationTimeout == 0 {
		registrationTimeout = 15 * time.Second
	}
	return &Gateway{
		whitelist:           b.Whitelist,
		pending:             pending.NewTable(),
		broker:              b.Broker,
		sink:                b.Sink,
		topics:              b.Topics,
		registrationTimeout: registrationTimeout,
		state:               StateStopped,
	}
}

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	g.stateMux.Lock()
	defer g.stateMux.Unlock()
	return g.state
}

// Connected reports whether the broker session currently has an open
// connection.
func (g *Gateway) Connected() bool {
	return g.broker.IsConnected()
}

func (g *Gateway) setState(s State) {
	g.stateMux.Lock()
	g.state = s
	g.stateMux.Unlock()
}

// Start performs the blocking initial whitelist load, connects the broker
// session and starts the background refresh loop. A failed initial load is
// logged and leaves the gateway running with an empty allow-list until the
// next refresh succeeds; a failed broker connect aborts the start.
func (g *Gateway) Start(ctx context.Context) error {
	g.stateMux.Lock()
	if g.state != StateStopped {
		g.stateMux.Unlock()
		return fmt.Errorf("cannot start gateway in state %s", g.state)
	}
	g.state = StateStarting
	g.stateMux.Unlock()

	rlog := logger.Default()
	count, err := g.whitelist.Refresh(ctx)
	if err != nil {
		rlog.Warningln("initial whitelist load failed:", err)
	} else {
		rlog.WithField("devices", count).Info("whitelist loaded")
	}

	if err := g.broker.Connect(); err != nil {
		g.setState(StateStopped)
		return err
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	g.stateMux.Lock()
	g.refreshCancel = cancel
	g.state = StateRunning
	g.stateMux.Unlock()
	go g.whitelist.RunRefreshLoop(refreshCtx)

	return nil
}

// Stop halts the background refresh and disconnects the broker session.
// In-flight registration waits are not cancelled; they run into their own
// timeouts. Stop is idempotent.
func (g *Gateway) Stop() {
	g.stateMux.Lock()
	if g.state != StateRunning && g.state != StateStarting {
		g.stateMux.Unlock()
		return
	}
	g.state = StateStopping
	cancel := g.refreshCancel
	g.refreshCancel = nil
	g.stateMux.Unlock()

	if cancel != nil {
		cancel()
	}
	g.broker.Stop()
	g.setState(StateStopped)
	logger.Default().Info("gateway stopped")
}

// PublishCommand publishes a command payload to the device's command topic.
// It fails with ErrNotWhitelisted for unknown devices and with the session's
// ErrNotConnected when the broker connection is down.
func (g *Gateway) PublishCommand(ctx context.Context, deviceID string, payload []byte) error {
	if !g.whitelist.Contains(deviceID) {
		return ErrNotWhitelisted
	}
	topic := g.topics.CommandBase + "/" + deviceID
	if err := g.broker.Publish(topic, payload); err != nil {
		return err
	}
	logger.FromContext(ctx).WithField("topic", topic).Info("command published")
	return nil
}

// RegisterDevice publishes a registration request for the device and blocks
// until the matching registration response arrives or the timeout elapses.
// Devices already on the allow-list short-circuit with ErrAlreadyRegistered
// before anything is published. On success the device is added to the
// allow-list and the response payload returned. A timeout is surfaced as
// pending.ErrTimeout; the caller may retry.
func (g *Gateway) RegisterDevice(ctx context.Context, deviceID string, payload []byte, timeout time.Duration) ([]byte, error) {
	rlog := logger.FromContext(ctx)
	if g.whitelist.Contains(deviceID) {
		return nil, ErrAlreadyRegistered
	}
	if timeout <= 0 {
		timeout = g.registrationTimeout
	}

	ticket, err := g.pending.RegisterWait(deviceID)
	if err != nil {
		return nil, err
	}
	if err := g.broker.Publish(g.topics.RegistrationRequest, payload); err != nil {
		g.pending.Abandon(ticket)
		return nil, err
	}
	rlog.WithField("deviceID", deviceID).Info("registration request published")

	response, err := g.pending.Await(ticket, timeout)
	if err != nil {
		rlog.WithField("deviceID", deviceID).
			WithField("waited", time.Since(ticket.SubmittedAt()).String()).
			Warning("registration timed out")
		return nil, err
	}

	g.whitelist.Add(deviceID)
	rlog.WithField("deviceID", deviceID).Info("registration successful")
	return response, nil
}

// OnConnect implements session.Handler
func (g *Gateway) OnConnect() {
	logger.Default().Info("broker connected, subscriptions established")
}

// OnConnectionLost implements session.Handler
func (g *Gateway) OnConnectionLost(err error) {
	logger.Default().Warningln("broker connection lost:", err)
}

// inboundEnvelope extracts the device identity from an inbound payload. The
// legacy field name sensor_id is accepted for compatibility with older
// firmware.
type inboundEnvelope struct {
	DeviceID string `json:"device_id"`
	SensorID string `json:"sensor_id"`
}

func (e inboundEnvelope) identity() string {
	if e.DeviceID != "" {
		return e.DeviceID
	}
	return e.SensorID
}

// OnMessage implements session.Handler. It routes registration responses to
// the pending table and authorized telemetry to the sink. Malformed or
// unauthorized messages are dropped and logged; nothing on this path may
// crash the dispatch loop.
func (g *Gateway) OnMessage(topic string, payload []byte) {
	rlog := logger.Default().WithField("topic", topic)

	if topic == g.topics.RegistrationResponse {
		var envelope inboundEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			rlog.Warningln("dropping malformed registration response:", err)
			return
		}
		id := envelope.identity()
		if id == "" {
			rlog.Warning("dropping registration response without device identity")
			return
		}
		if !g.pending.Deliver(id, payload) {
			rlog.WithField("deviceID", id).Warning("discarding unsolicited registration response")
		}
		return
	}

	var envelope inboundEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		rlog.Warningln("dropping malformed payload:", err)
		return
	}
	id := envelope.identity()
	if id == "" {
		rlog.Warning("dropping payload without device identity")
		return
	}
	if !g.whitelist.Contains(id) {
		rlog.WithField("deviceID", id).Warning("dropping message from unauthorized device")
		return
	}

	ctx, _ := logger.ContextWithLoggerDevice(context.Background(), id)
	switch topic {
	case g.topics.WaterLevel:
		var reading WaterLevelReading
		if err := json.Unmarshal(payload, &reading); err != nil {
			rlog.Warningln("dropping malformed water level reading:", err)
			return
		}
		reading.DeviceID = id
		if err := g.sink.WriteWaterLevel(ctx, reading); err != nil {
			rlog.Errorln("telemetry sink failed:", err)
		}
	case g.topics.Status:
		var report StatusReport
		if err := json.Unmarshal(payload, &report); err != nil {
			rlog.Warningln("dropping malformed status report:", err)
			return
		}
		report.DeviceID = id
		if err := g.sink.WriteStatus(ctx, report); err != nil {
			rlog.Errorln("telemetry sink failed:", err)
		}
	default:
		rlog.Warning("dropping message on unexpected topic")
	}
}
