package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"

	"github.com/floodwatch-tech/floodwatch/alert"
	"github.com/floodwatch-tech/floodwatch/api"
	"github.com/floodwatch-tech/floodwatch/broadcast"
	"github.com/floodwatch-tech/floodwatch/broker"
	"github.com/floodwatch-tech/floodwatch/core/csql"
	"github.com/floodwatch-tech/floodwatch/core/logger"
	"github.com/floodwatch-tech/floodwatch/gateway"
	"github.com/floodwatch-tech/floodwatch/gateway/session"
	"github.com/floodwatch-tech/floodwatch/gateway/whitelist"
	"github.com/floodwatch-tech/floodwatch/storage"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres password=docker dbname=postgres sslmode=disable"
type Service struct {
	Postgres            string        `env:"POSTGRES" description:"the connection string for the Postgres DB. Telemetry storage is disabled when empty"`
	PostgresSchema      string        `env:"POSTGRES_SCHEMA,default=floodwatch" description:"the database schema to use"`
	BrokerURL           string        `env:"BROKER_URL,default=tcp://localhost:1883" description:"the MQTT broker endpoint"`
	BrokerUsername      string        `env:"BROKER_USERNAME" description:"optional MQTT credentials"`
	BrokerPassword      string        `env:"BROKER_PASSWORD" description:"optional MQTT credentials"`
	ClientID            string        `env:"CLIENT_ID,default=floodwatch-gateway" description:"the MQTT client identifier"`
	TopicBase           string        `env:"TOPIC_BASE,default=floodwatch" description:"the leading MQTT topic segment"`
	WhitelistURL        string        `env:"WHITELIST_URL,required" description:"the directory service endpoint for authorized devices"`
	WhitelistRefresh    time.Duration `env:"WHITELIST_REFRESH,default=1h" description:"the background whitelist refresh interval"`
	RegistrationTimeout time.Duration `env:"REGISTRATION_TIMEOUT,default=15s" description:"the default wait for a device registration response"`
	KafkaBrokers        string        `env:"KAFKA_BROKERS" description:"comma separated kafka bootstrap addresses. Alerts are disabled when empty"`
	AlertTopic          string        `env:"ALERT_TOPIC,default=floodwatch-alerts" description:"the kafka topic for high water alerts"`
	DangerLevel         float64       `env:"DANGER_LEVEL,default=4.0" description:"the water level threshold for alerts"`
	JWTSecret           string        `env:"JWT_SECRET" description:"enables bearer token authentication on the REST API when set"`
	Port                string        `env:"PORT,default=3000" description:"the HTTP listen port"`
	EmbeddedBroker      string        `env:"EMBEDDED_BROKER" description:"listen address for the embedded MQTT broker, e.g. :1883. Disabled when empty"`
}

func main() {
	godotenv.Load()

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default()

	topicBase := strings.TrimSuffix(service.TopicBase, "/")
	topics := gateway.Topics{
		WaterLevel:           topicBase + "/waterlevel",
		Status:               topicBase + "/status",
		RegistrationRequest:  topicBase + "/registration/request",
		RegistrationResponse: topicBase + "/registration/response",
		CommandBase:          topicBase + "/command",
	}

	if len(service.EmbeddedBroker) > 0 {
		embedded := broker.New(&broker.Builder{
			ListenAddress:   service.EmbeddedBroker,
			GatewayClientID: service.ClientID,
			TopicBase:       topicBase,
		})
		embedded.Start()
		defer embedded.Stop(context.Background())
	}

	store := whitelist.New(&whitelist.Builder{
		URL:             service.WhitelistURL,
		RefreshInterval: service.WhitelistRefresh,
	})

	ses := session.New(&session.Builder{
		BrokerURL: service.BrokerURL,
		ClientID:  service.ClientID,
		Username:  service.BrokerUsername,
		Password:  service.BrokerPassword,
		Topics: session.Topics{
			WaterLevel:           topics.WaterLevel,
			Status:               topics.Status,
			RegistrationResponse: topics.RegistrationResponse,
		},
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)

	sinks := gateway.MultiSink{}

	var storageAPI *storage.API
	if len(service.Postgres) > 0 {
		db := csql.OpenWithSchema(service.Postgres, service.PostgresSchema)
		defer db.Close()
		storageAPI = storage.New(&storage.Builder{DB: db})
		sinks = append(sinks, storageAPI)
	} else {
		rlog.Info("no postgres configured, telemetry storage disabled")
	}

	hub := broadcast.New(&broadcast.Builder{Router: router})
	sinks = append(sinks, hub)

	if len(service.KafkaBrokers) > 0 {
		alerts := alert.New(&alert.Builder{
			Brokers:     strings.Split(service.KafkaBrokers, ","),
			Topic:       service.AlertTopic,
			DangerLevel: service.DangerLevel,
		})
		defer alerts.Close()
		sinks = append(sinks, alerts)
	} else {
		rlog.Info("no kafka brokers configured, alerts disabled")
	}

	g := gateway.New(&gateway.Builder{
		Whitelist:           store,
		Broker:              ses,
		Sink:                sinks,
		Topics:              topics,
		RegistrationTimeout: service.RegistrationTimeout,
	})
	ses.SetHandler(g)

	api.New(&api.Builder{
		Gateway:   g,
		Whitelist: store,
		Storage:   storageAPI,
		Router:    router,
		JWTSecret: service.JWTSecret,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := g.Start(ctx); err != nil {
		panic(err)
	}
	defer g.Stop()

	handler := handlers.CompressHandler(handlers.CORS(
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
	)(router))

	rlog.Infoln("listen on port :" + service.Port)
	go func() {
		rlog.Fatalln("http server failed:", http.ListenAndServe(":"+service.Port, handler))
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	rlog.Info("shutting down")
}
