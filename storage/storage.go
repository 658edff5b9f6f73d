package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/floodwatch-tech/floodwatch/core/csql"
	"github.com/floodwatch-tech/floodwatch/gateway"
)

// API persists telemetry records in postgres. It implements the gateway's
// TelemetrySink interface.
type API struct {
	db *csql.DB
}

// Builder is a builder helper for the API
type Builder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
}

// New returns a new storage API. It creates the sql relations if they do
// not exist.
func New(b *Builder) *API {

	if b.DB == nil {
		panic("DB is missing")
	}

	// poor man's database migrations
	_, err := b.DB.Exec(
		`CREATE table IF NOT EXISTS ` + b.DB.Schema + `.waterlevel
(serial_number SERIAL PRIMARY KEY,
device_id varchar NOT NULL,
water_level double precision NOT NULL,
reported_at varchar NOT NULL,
received_at timestamp NOT NULL
);
CREATE table IF NOT EXISTS ` + b.DB.Schema + `.device_status
(serial_number SERIAL PRIMARY KEY,
device_id varchar NOT NULL,
battery double precision NOT NULL,
lat double precision NOT NULL,
long double precision NOT NULL,
reported_at varchar NOT NULL,
received_at timestamp NOT NULL
);
CREATE INDEX IF NOT EXISTS waterlevel_device_idx ON ` + b.DB.Schema + `.waterlevel(device_id, received_at);`)

	if err != nil {
		panic(err)
	}

	return &API{db: b.DB}
}

// WriteWaterLevel implements gateway.TelemetrySink
func (a *API) WriteWaterLevel(ctx context.Context, reading gateway.WaterLevelReading) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO `+a.db.Schema+`.waterlevel(device_id,water_level,reported_at,received_at)
VALUES($1,$2,$3,$4);`,
		reading.DeviceID, reading.WaterLevel, reading.Timestamp, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cannot store water level reading: %w", err)
	}
	return nil
}

// WriteStatus implements gateway.TelemetrySink
func (a *API) WriteStatus(ctx context.Context, report gateway.StatusReport) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO `+a.db.Schema+`.device_status(device_id,battery,lat,long,reported_at,received_at)
VALUES($1,$2,$3,$4,$5,$6);`,
		report.DeviceID, report.Battery, report.Location.Lat, report.Location.Long,
		report.Timestamp, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cannot store status report: %w", err)
	}
	return nil
}

// RecentReadings returns the most recent water level readings for a device,
// newest first.
func (a *API) RecentReadings(ctx context.Context, deviceID string, limit int) ([]gateway.WaterLevelReading, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT device_id,water_level,reported_at FROM `+a.db.Schema+`.waterlevel
WHERE device_id=$1 ORDER BY received_at DESC LIMIT $2;`,
		deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("cannot query readings: %w", err)
	}
	defer rows.Close()
	readings := []gateway.WaterLevelReading{}
	for rows.Next() {
		var r gateway.WaterLevelReading
		if err := rows.Scan(&r.DeviceID, &r.WaterLevel, &r.Timestamp); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}
