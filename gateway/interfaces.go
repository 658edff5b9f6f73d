package gateway

import "context"

// Location is a device position as reported in status messages.
type Location struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// WaterLevelReading is a decoded telemetry message from the water level topic.
type WaterLevelReading struct {
	DeviceID   string  `json:"device_id"`
	WaterLevel float64 `json:"water_level"`
	Timestamp  string  `json:"timestamp"`
}

// StatusReport is a decoded message from the status topic.
type StatusReport struct {
	DeviceID  string   `json:"device_id"`
	Battery   float64  `json:"battery"`
	Location  Location `json:"location"`
	Timestamp string   `json:"timestamp"`
}

// TelemetrySink accepts decoded telemetry records from authorized devices.
// Sinks are fire-and-forget from the gateway's point of view: errors are
// logged and never propagated back to the broker dispatch path.
type TelemetrySink interface {
	WriteWaterLevel(ctx context.Context, reading WaterLevelReading) error
	WriteStatus(ctx context.Context, report StatusReport) error
}

// Broker is the session the gateway publishes through. It is implemented by
// session.Session.
type Broker interface {
	Connect() error
	Publish(topic string, payload []byte) error
	IsConnected() bool
	Stop()
}

// MultiSink fans each record out to all contained sinks. A failing sink does
// not stop the others; the first error is returned for logging.
type MultiSink []TelemetrySink

// WriteWaterLevel implements TelemetrySink
func (m MultiSink) WriteWaterLevel(ctx context.Context, reading WaterLevelReading) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.WriteWaterLevel(ctx, reading); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WriteStatus implements TelemetrySink
func (m MultiSink) WriteStatus(ctx context.Context, report StatusReport) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.WriteStatus(ctx, report); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
