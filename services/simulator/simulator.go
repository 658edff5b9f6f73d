package main

import (
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/floodwatch-tech/floodwatch/core/logger"
)

// Service holds the configuration for this service
type Service struct {
	BrokerURL string        `env:"BROKER_URL,default=tcp://localhost:1883" description:"the MQTT broker endpoint"`
	DeviceID  string        `env:"DEVICE_ID,default=sensor-1" description:"the simulated device identity"`
	TopicBase string        `env:"TOPIC_BASE,default=floodwatch" description:"the leading MQTT topic segment"`
	Interval  time.Duration `env:"INTERVAL,default=5s" description:"the telemetry publish interval"`
	BaseLevel float64       `env:"BASE_LEVEL,default=2.0" description:"the water level the random walk hovers around"`
	Lat       float64       `env:"LAT,default=52.52" description:"the reported device latitude"`
	Long      float64       `env:"LONG,default=13.405" description:"the reported device longitude"`
}

type waterLevelMessage struct {
	DeviceID   string  `json:"device_id"`
	WaterLevel float64 `json:"water_level"`
	Timestamp  string  `json:"timestamp"`
}

type statusMessage struct {
	DeviceID string  `json:"device_id"`
	Battery  float64 `json:"battery"`
	Location struct {
		Lat  float64 `json:"lat"`
		Long float64 `json:"long"`
	} `json:"location"`
	Timestamp string `json:"timestamp"`
}

type registrationResponse struct {
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func main() {
	godotenv.Load()

	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default().WithField("device_id", service.DeviceID)

	topicBase := strings.TrimSuffix(service.TopicBase, "/")
	waterLevelTopic := topicBase + "/waterlevel"
	statusTopic := topicBase + "/status"
	registrationRequestTopic := topicBase + "/registration/request"
	registrationResponseTopic := topicBase + "/registration/response"
	commandTopic := topicBase + "/command/" + service.DeviceID

	opts := mqtt.NewClientOptions().
		AddBroker(service.BrokerURL).
		SetClientID(service.DeviceID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(120 * time.Second)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		panic(err)
	}
	defer client.Disconnect(250)
	rlog.Info("connected to broker")

	// answer registration requests addressed to this device
	client.Subscribe(registrationRequestTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		request := struct {
			DeviceID string `json:"device_id"`
		}{}
		if err := json.Unmarshal(msg.Payload(), &request); err != nil {
			rlog.Warningln("malformed registration request:", err)
			return
		}
		if request.DeviceID != service.DeviceID {
			return
		}
		response, _ := json.Marshal(registrationResponse{
			DeviceID:  service.DeviceID,
			Status:    "success",
			Message:   "device registered",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		client.Publish(registrationResponseTopic, 0, false, response)
		rlog.Info("answered registration request")
	})

	// log commands sent to this device
	client.Subscribe(commandTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		rlog.Infoln("received command:", string(msg.Payload()))
	})

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	waterLevel := service.BaseLevel
	battery := 100.0
	ticker := time.NewTicker(service.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now().UTC().Format(time.RFC3339)

			// random walk pulled softly back to the base level
			waterLevel += (rand.Float64() - 0.5) * 0.4
			waterLevel += (service.BaseLevel - waterLevel) * 0.1
			if waterLevel < 0 {
				waterLevel = 0
			}
			reading, _ := json.Marshal(waterLevelMessage{
				DeviceID:   service.DeviceID,
				WaterLevel: waterLevel,
				Timestamp:  now,
			})
			client.Publish(waterLevelTopic, 0, false, reading)

			battery -= 0.01
			if battery < 0 {
				battery = 100.0
			}
			status := statusMessage{
				DeviceID:  service.DeviceID,
				Battery:   battery,
				Timestamp: now,
			}
			status.Location.Lat = service.Lat
			status.Location.Long = service.Long
			report, _ := json.Marshal(status)
			client.Publish(statusTopic, 1, false, report)

		case <-signalCh:
			rlog.Info("shutting down")
			return
		}
	}
}
