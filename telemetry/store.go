// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"
	"database/sql"
	"time"

	"github.com/relabs-tech/thermolog/core/csql"
	"github.com/relabs-tech/thermolog/core/logger"
)

// Store persists readings in a single append-only postgres table.
type Store struct {
	db *csql.DB
}

// MustNewStore returns a new store on the given database. It creates the
// reading table and its indices if they do not exist yet.
func MustNewStore(db *csql.DB) *Store {
	if db == nil {
		panic("DB is missing")
	}

	// poor man's database migrations
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."reading"
(serial SERIAL,
device_id varchar NOT NULL,
mac_address varchar NOT NULL,
temperature double precision NOT NULL,
humidity double precision NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(serial)
);
CREATE INDEX IF NOT EXISTS reading_device_id ON ` + db.Schema + `."reading"(device_id);
CREATE INDEX IF NOT EXISTS reading_mac_address ON ` + db.Schema + `."reading"(mac_address);
CREATE INDEX IF NOT EXISTS reading_timestamp ON ` + db.Schema + `."reading"(timestamp);
`)
	if err != nil {
		panic(err)
	}

	return &Store{db: db}
}

const readingColumns = `serial,device_id,mac_address,temperature,humidity,timestamp`

// Insert appends a reading and returns its database serial.
func (s *Store) Insert(ctx context.Context, r Reading) (int, error) {
	var serial int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO `+s.db.Schema+`."reading"(device_id,mac_address,temperature,humidity,timestamp)
VALUES($1,$2,$3,$4,$5) RETURNING serial;`,
		r.DeviceID, r.MACAddress, r.Temperature, r.Humidity, r.Timestamp).Scan(&serial)
	if err != nil {
		return 0, err
	}
	return serial, nil
}

func scanReadings(rows *sql.Rows) ([]Reading, error) {
	defer rows.Close()
	readings := []Reading{}
	for rows.Next() {
		var r Reading
		err := rows.Scan(&r.Serial, &r.DeviceID, &r.MACAddress, &r.Temperature, &r.Humidity, &r.Timestamp)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// List returns one page of readings, newest first, together with the
// total count for pagination.
func (s *Store) List(ctx context.Context, page, limit int) ([]Reading, int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+`, count(*) OVER() AS full_count FROM `+s.db.Schema+`."reading"
ORDER BY timestamp DESC, serial DESC LIMIT $1 OFFSET $2;`,
		limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	readings := []Reading{}
	totalCount := 0
	for rows.Next() {
		var r Reading
		err := rows.Scan(&r.Serial, &r.DeviceID, &r.MACAddress, &r.Temperature, &r.Humidity, &r.Timestamp, &totalCount)
		if err != nil {
			return nil, 0, err
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if len(readings) == 0 && page > 1 {
		// sql does not return the window count if we ask beyond limits,
		// hence do a separate count query
		err = s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM `+s.db.Schema+`."reading";`).Scan(&totalCount)
		if err != nil {
			return nil, 0, err
		}
	}
	return readings, totalCount, nil
}

// Latest returns the newest readings across all devices.
func (s *Store) Latest(ctx context.Context, limit int) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM `+s.db.Schema+`."reading"
ORDER BY timestamp DESC, serial DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// ByDevice returns the newest readings of one device.
func (s *Store) ByDevice(ctx context.Context, deviceID string, limit int) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM `+s.db.Schema+`."reading"
WHERE device_id=$1 ORDER BY timestamp DESC, serial DESC LIMIT $2;`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// ByMAC returns the newest readings of one MAC address.
func (s *Store) ByMAC(ctx context.Context, macAddress string, limit int) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM `+s.db.Schema+`."reading"
WHERE mac_address=$1 ORDER BY timestamp DESC, serial DESC LIMIT $2;`, macAddress, limit)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// RangeByDevice returns the readings of one device within [from, until],
// oldest first. This is the chart query, charts want ascending time.
func (s *Store) RangeByDevice(ctx context.Context, deviceID string, from, until time.Time) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM `+s.db.Schema+`."reading"
WHERE device_id=$1 AND timestamp>=$2 AND timestamp<=$3 ORDER BY timestamp ASC, serial ASC;`,
		deviceID, from, until)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// Window returns the live window of one device: all readings of the last
// duration d, oldest first. It also returns the window bounds it queried,
// so callers report exactly the window the readings came from.
func (s *Store) Window(ctx context.Context, deviceID string, d time.Duration) ([]Reading, time.Time, time.Time, error) {
	until := time.Now().UTC()
	from := until.Add(-d)
	readings, err := s.RangeByDevice(ctx, deviceID, from, until)
	return readings, from, until, err
}

// DeviceInfo describes one known device for the device enumeration.
type DeviceInfo struct {
	DeviceID     string    `json:"device_id"`
	ReadingCount int       `json:"reading_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// Devices enumerates all devices that ever produced a reading.
func (s *Store) Devices(ctx context.Context) ([]DeviceInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, count(*), min(timestamp), max(timestamp) FROM `+s.db.Schema+`."reading"
GROUP BY device_id ORDER BY device_id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	devices := []DeviceInfo{}
	for rows.Next() {
		var d DeviceInfo
		err := rows.Scan(&d.DeviceID, &d.ReadingCount, &d.FirstSeen, &d.LastSeen)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// DeviceStats are the aggregate statistics of one device.
type DeviceStats struct {
	TotalReadings  int        `json:"total_readings"`
	AvgTemperature float64    `json:"avg_temperature"`
	MinTemperature float64    `json:"min_temperature"`
	MaxTemperature float64    `json:"max_temperature"`
	AvgHumidity    float64    `json:"avg_humidity"`
	MinHumidity    float64    `json:"min_humidity"`
	MaxHumidity    float64    `json:"max_humidity"`
	FirstReading   *time.Time `json:"first_reading,omitempty"`
	LastReading    *time.Time `json:"last_reading,omitempty"`
}

// DeviceStats returns the aggregate statistics of one device. A device
// without readings yields all-zero statistics, not an error.
func (s *Store) DeviceStats(ctx context.Context, deviceID string) (DeviceStats, error) {
	var stats DeviceStats
	var avgT, minT, maxT, avgH, minH, maxH sql.NullFloat64
	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), avg(temperature), min(temperature), max(temperature),
avg(humidity), min(humidity), max(humidity), min(timestamp), max(timestamp)
FROM `+s.db.Schema+`."reading" WHERE device_id=$1;`, deviceID).Scan(
		&stats.TotalReadings, &avgT, &minT, &maxT, &avgH, &minH, &maxH, &first, &last)
	if err != nil {
		return DeviceStats{}, err
	}
	stats.AvgTemperature = avgT.Float64
	stats.MinTemperature = minT.Float64
	stats.MaxTemperature = maxT.Float64
	stats.AvgHumidity = avgH.Float64
	stats.MinHumidity = minH.Float64
	stats.MaxHumidity = maxH.Float64
	if first.Valid {
		stats.FirstReading = &first.Time
	}
	if last.Valid {
		stats.LastReading = &last.Time
	}
	return stats, nil
}

// Overview are the aggregate statistics across all devices.
type Overview struct {
	TotalReadings   int        `json:"total_readings"`
	Devices         int        `json:"devices"`
	LatestTimestamp int64      `json:"latest_timestamp"`
	LatestTime      *time.Time `json:"latest_time,omitempty"`
}

// Overview returns the aggregate statistics across all devices.
func (s *Store) Overview(ctx context.Context) (Overview, error) {
	var overview Overview
	var latest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), count(DISTINCT device_id), max(timestamp) FROM `+s.db.Schema+`."reading";`).Scan(
		&overview.TotalReadings, &overview.Devices, &latest)
	if err != nil {
		return Overview{}, err
	}
	if latest.Valid {
		overview.LatestTime = &latest.Time
		overview.LatestTimestamp = latest.Time.Unix()
	}
	return overview, nil
}

// Before returns all readings older than the cutoff, oldest first. This
// feeds the archiver.
func (s *Store) Before(ctx context.Context, cutoff time.Time) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+readingColumns+` FROM `+s.db.Schema+`."reading"
WHERE timestamp<$1 ORDER BY timestamp ASC, serial ASC;`, cutoff)
	if err != nil {
		return nil, err
	}
	return scanReadings(rows)
}

// DeleteBefore removes all readings older than the cutoff and returns the
// number of deleted rows. Only the archiver calls this, readings are
// otherwise immutable.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.db.Schema+`."reading" WHERE timestamp<$1;`, cutoff)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	logger.FromContext(ctx).Infoln("deleted", count, "readings before", cutoff.Format(DeviceTimeLayout))
	return count, nil
}
