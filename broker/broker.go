// Package broker provides an embedded MQTT broker for the floodwatch
// gateway, built on gmqtt. It is intended for development deployments and
// integration tests where no external broker is available.
//
// The broker enforces a topic policy: a device may only publish telemetry
// and registration responses under its own identity, and may only subscribe
// to the registration request topic and its own command subtree. The
// gateway connects with a privileged client ID and is exempt from the
// policy.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/floodwatch-tech/floodwatch/core/logger"
)

// runnableServer is the server surface the broker drives. gmqtt.Server
// does not carry the lifecycle methods; the concrete type returned by
// gmqtt.NewServer does.
type runnableServer interface {
	gmqtt.Server
	Run()
	Stop(ctx context.Context) error
}

// Broker is an embedded MQTT broker.
type Broker struct {
	p        *plugin
	server   runnableServer
	stopOnce sync.Once
}

// Builder is a builder helper for the Broker
type Builder struct {
	// ListenAddress is the TCP address to listen on, for example
	// ":1883". This is mandatory.
	ListenAddress string
	// GatewayClientID is the privileged client ID of the gateway
	// session. Clients connecting with this ID bypass the device topic
	// policy. This is mandatory.
	GatewayClientID string
	// TopicBase is the leading topic segment, for example "floodwatch".
	// This is mandatory.
	TopicBase string
	// CACertFile, CertFile and KeyFile enable mutual TLS when all three
	// are set. Clients must then present a certificate whose common
	// name matches their MQTT client ID.
	CACertFile string
	CertFile   string
	KeyFile    string
}

// plugin is the plugin for GMQTT
type plugin struct {
	gatewayClientID string
	topicBase       string
	mutualTLS       bool

	commonNamesRwmux sync.RWMutex
	commonNames      map[net.Conn]string

	service gmqtt.Server
}

// New returns a new broker. The broker does not accept connections until
// you call Start().
func New(b *Builder) *Broker {
	if len(b.ListenAddress) == 0 {
		panic("listen address is missing")
	}
	if len(b.GatewayClientID) == 0 {
		panic("gateway client id is missing")
	}
	if len(b.TopicBase) == 0 {
		panic("topic base is missing")
	}

	p := &plugin{
		gatewayClientID: b.GatewayClientID,
		topicBase:       strings.TrimSuffix(b.TopicBase, "/"),
		commonNames:     make(map[net.Conn]string),
	}

	var ln net.Listener
	var err error
	if len(b.CertFile) > 0 || len(b.KeyFile) > 0 || len(b.CACertFile) > 0 {
		if len(b.CertFile) == 0 {
			panic("cert file missing")
		}
		if len(b.KeyFile) == 0 {
			panic("key file missing")
		}
		if len(b.CACertFile) == 0 {
			panic("ca-cert file missing")
		}
		crt, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
		if err != nil {
			panic(err)
		}
		caCert, err := os.ReadFile(b.CACertFile)
		if err != nil {
			panic(err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			panic("cannot parse ca certificate")
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{crt},
			ClientCAs:    caCertPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}
		ln, err = tls.Listen("tcp", b.ListenAddress, tlsConfig)
		if err != nil {
			panic(err)
		}
		p.mutualTLS = true
	} else {
		ln, err = net.Listen("tcp", b.ListenAddress)
		if err != nil {
			panic(err)
		}
	}

	server := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(p),
	)

	return &Broker{p: p, server: server}
}

// Start runs the broker in the background.
func (b *Broker) Start() {
	b.server.Run()
	logger.Default().Info("mqtt broker started")
}

// Stop gracefully shuts the broker down.
func (b *Broker) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		if err := b.server.Stop(ctx); err != nil {
			logger.Default().Errorln("mqtt broker shutdown failed:", err)
			return
		}
		logger.Default().Info("mqtt broker stopped")
	})
}

// Publish publishes a message with quality level 1 on behalf of the
// broker itself.
func (b *Broker) Publish(topic string, payload []byte) {
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "floodwatch broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) commonNameFromConnection(conn net.Conn) string {
	p.commonNamesRwmux.RLock()
	defer p.commonNamesRwmux.RUnlock()
	return p.commonNames[conn]
}

// OnAcceptWrapper authorizes clients via TLS certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			err := tlsConn.Handshake()
			if err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			cert := state.VerifiedChains[0][0]
			commonName := cert.Subject.CommonName

			p.commonNamesRwmux.Lock()
			p.commonNames[conn] = commonName
			p.commonNamesRwmux.Unlock()
			logger.Default().Debugln("accept", commonName)
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate
// common name when mutual TLS is enabled
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		if p.mutualTLS {
			commonName := p.commonNameFromConnection(client.Connection())
			if clientID != commonName {
				logger.Default().Warningln("connect denied,", clientID, "not authorized")
				return packets.CodeNotAuthorized
			}
		}
		logger.Default().Infoln("connect", clientID)
		return connect(ctx, client)
	}
}

// OnCloseWrapper drops the connection's certificate identity
func (p *plugin) OnCloseWrapper(onClose gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.commonNamesRwmux.Lock()
		delete(p.commonNames, client.Connection())
		p.commonNamesRwmux.Unlock()
		onClose(ctx, client, err)
	}
}

// OnSubscribeWrapper enforces topic policy. Devices may only subscribe to
// the registration request topic and to their own command subtree.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		if clientID == p.gatewayClientID {
			return subscribe(ctx, client, topic)
		}
		allowed := topic.Name == p.topicBase+"/registration/request" ||
			strings.HasPrefix(topic.Name, p.topicBase+"/command/"+clientID)
		if !allowed {
			logger.Default().Warningln("subscribe", clientID, topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper enforces publish policy. Devices may only publish
// telemetry, status and registration responses.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		topic := msg.Topic()
		if clientID == p.gatewayClientID {
			return arrived(ctx, client, msg)
		}
		allowed := topic == p.topicBase+"/waterlevel" ||
			topic == p.topicBase+"/status" ||
			topic == p.topicBase+"/registration/response"
		if !allowed {
			logger.Default().Warningln("publish", clientID, topic, "denied")
			return false
		}
		return arrived(ctx, client, msg)
	}
}
