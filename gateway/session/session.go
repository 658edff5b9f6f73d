package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/floodwatch-tech/floodwatch/core/logger"
)

// ErrNotConnected is returned by Publish when the broker connection is down.
// There is no local queuing; the caller decides whether to retry.
var ErrNotConnected = errors.New("not connected to the broker")

// Handler receives broker events. The gateway core implements this interface;
// OnMessage is invoked on the session's delivery goroutine and must not
// perform unbounded blocking work.
type Handler interface {
	OnConnect()
	OnMessage(topic string, payload []byte)
	OnConnectionLost(err error)
}

// Topics is the fixed set of inbound topics the session subscribes to.
type Topics struct {
	// WaterLevel carries telemetry readings, subscribed at QoS 0.
	WaterLevel string
	// Status carries device status reports, subscribed at QoS 1.
	Status string
	// RegistrationResponse carries registration handshake responses,
	// subscribed at QoS 0.
	RegistrationResponse string
}

// Builder is a builder helper for the Session
type Builder struct {
	// BrokerURL is the broker endpoint, e.g. "tcp://localhost:1883".
	// This is mandatory.
	BrokerURL string
	// ClientID is the MQTT client identifier. This is mandatory.
	ClientID string
	// Username and Password are the optional broker credentials.
	Username string
	Password string
	// KeepAlive is the MQTT keepalive interval. Default is 60 seconds.
	KeepAlive time.Duration
	// ConnectTimeout bounds the initial connect. Default is 10 seconds.
	ConnectTimeout time.Duration
	// Topics are the inbound subscriptions. All three are mandatory.
	Topics Topics
	// Handler receives broker events. It can be left empty here and
	// bound later with SetHandler, but must be set before Connect.
	Handler Handler
}

// Session owns the single long-lived connection to the MQTT broker. All
// publishes funnel through it, and every inbound message is handed to the
// registered handler. After a successful connect the session reconnects on
// its own with bounded backoff until Stop is called.
type Session struct {
	client         mqtt.Client
	topics         Topics
	handler        Handler
	connectTimeout time.Duration
	stopOnce       sync.Once
}

// New returns a new session. The session does not connect until you call
// Connect().
func New(b *Builder) *Session {
	if len(b.BrokerURL) == 0 {
		panic("broker url is missing")
	}
	if len(b.ClientID) == 0 {
		panic("client id is missing")
	}
	if len(b.Topics.WaterLevel) == 0 || len(b.Topics.Status) == 0 || len(b.Topics.RegistrationResponse) == 0 {
		panic("inbound topics are missing")
	}
	keepAlive := b.KeepAlive
	if keepAlive == 0 {
		keepAlive = 60 * time.Second
	}
	connectTimeout := b.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}

	s := &Session{
		topics:         b.Topics,
		handler:        b.Handler,
		connectTimeout: connectTimeout,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(b.BrokerURL).
		SetClientID(b.ClientID).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(120 * time.Second).
		SetOrderMatters(true)
	if len(b.Username) > 0 {
		opts = opts.SetUsername(b.Username).SetPassword(b.Password)
	}
	// Subscriptions are not assumed to survive a reconnect, so they are
	// re-established in the connect handler on every (re)connect.
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)

	s.client = mqtt.NewClient(opts)
	return s
}

// SetHandler binds the broker event handler. The gateway core and the
// session reference each other, so one of them has to be bound late; this
// must be called before Connect when the builder had no handler.
func (s *Session) SetHandler(h Handler) {
	s.handler = h
}

// Connect establishes the broker connection and subscribes to the inbound
// topics. The initial connect is not retried; once it succeeds, lost
// connections are re-established automatically with backoff.
func (s *Session) Connect() error {
	if s.handler == nil {
		panic("handler is missing")
	}
	token := s.client.Connect()
	if !token.WaitTimeout(s.connectTimeout) {
		return fmt.Errorf("connect to broker: %w", ErrNotConnected)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// Publish sends a payload to the given topic at QoS 0. It fails with
// ErrNotConnected when the session is down; failed publishes are not queued
// or retried.
func (s *Session) Publish(topic string, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := s.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(s.connectTimeout) {
		return ErrNotConnected
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the session currently has an open connection.
func (s *Session) IsConnected() bool {
	return s.client.IsConnectionOpen()
}

// Stop disconnects from the broker and halts reconnection attempts. It is
// idempotent and safe to call from any goroutine.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.client.Disconnect(250)
	})
}

func (s *Session) onConnect(client mqtt.Client) {
	subscriptions := map[string]byte{
		s.topics.WaterLevel:           0,
		s.topics.Status:               1,
		s.topics.RegistrationResponse: 0,
	}
	// A connection without the inbound subscriptions is useless, so a
	// failed subscribe is retried for as long as the connection lasts.
	// OnConnect is only signalled once the subscriptions are in place.
	for {
		token := client.SubscribeMultiple(subscriptions, func(_ mqtt.Client, msg mqtt.Message) {
			s.handler.OnMessage(msg.Topic(), msg.Payload())
		})
		token.Wait()
		if err := token.Error(); err == nil {
			break
		} else {
			logger.Default().Errorln("broker subscribe failed, retrying:", err)
		}
		time.Sleep(time.Second)
		if !client.IsConnectionOpen() {
			return
		}
	}
	s.handler.OnConnect()
}

func (s *Session) onConnectionLost(_ mqtt.Client, err error) {
	s.handler.OnConnectionLost(err)
}
