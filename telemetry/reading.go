// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// DeviceTimeLayout is the normalized layout for device-reported timestamps.
// Devices may report ISO 8601 with a 'T' separator and a trailing 'Z',
// both get stripped before parsing.
const DeviceTimeLayout = "2006-01-02 15:04:05"

// Reading is one temperature/humidity measurement of a sensor device.
type Reading struct {
	Serial      int
	DeviceID    string
	MACAddress  string
	Temperature float64
	Humidity    float64
	Timestamp   time.Time
}

// readingJSON is the wire representation of a reading. The device-reported
// timestamp is exposed both formatted and as unix seconds, the dashboard
// uses one for tables and the other for charts.
type readingJSON struct {
	Serial        int     `json:"serial"`
	DeviceID      string  `json:"device_id"`
	MACAddress    string  `json:"mac_address"`
	Temperature   float64 `json:"temperature"`
	Humidity      float64 `json:"humidity"`
	Timestamp     string  `json:"timestamp"`
	Datetime      string  `json:"datetime"`
	UnixTimestamp int64   `json:"unix_timestamp"`
}

// MarshalJSON implements json.Marshaler
func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(readingJSON{
		Serial:        r.Serial,
		DeviceID:      r.DeviceID,
		MACAddress:    r.MACAddress,
		Temperature:   r.Temperature,
		Humidity:      r.Humidity,
		Timestamp:     r.Timestamp.Format(DeviceTimeLayout),
		Datetime:      r.Timestamp.Format(DeviceTimeLayout),
		UnixTimestamp: r.Timestamp.Unix(),
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (r *Reading) UnmarshalJSON(data []byte) error {
	var j readingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	ts, err := ParseDeviceTime(j.Timestamp)
	if err != nil {
		return err
	}
	*r = Reading{
		Serial:      j.Serial,
		DeviceID:    j.DeviceID,
		MACAddress:  j.MACAddress,
		Temperature: j.Temperature,
		Humidity:    j.Humidity,
		Timestamp:   ts,
	}
	return nil
}

// ParseDeviceTime parses a device-reported ISO 8601 timestamp. Both the
// 'T' and the space separator are accepted, as is a trailing 'Z' and
// fractional seconds.
func ParseDeviceTime(s string) (time.Time, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "Z")
	s = strings.Replace(s, "T", " ", 1)
	return time.Parse("2006-01-02 15:04:05.999999999", s)
}

// Payload is the JSON document a device publishes on the data topic.
type Payload struct {
	DeviceID    string  `json:"device_id"`
	MACAddress  string  `json:"mac_address"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Timestamp   string  `json:"timestamp"`
}

// Reading converts a validated payload into a Reading with a parsed timestamp.
func (p *Payload) Reading() (Reading, error) {
	ts, err := ParseDeviceTime(p.Timestamp)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		DeviceID:    p.DeviceID,
		MACAddress:  p.MACAddress,
		Temperature: p.Temperature,
		Humidity:    p.Humidity,
		Timestamp:   ts,
	}, nil
}

// ErrMalformedPayload is returned by ParsePayload for data that is not
// valid JSON at all. Such messages are dropped without an acknowledgment.
var ErrMalformedPayload = errors.New("malformed payload")

// ValidationError is returned by ParsePayload for well-formed JSON that
// violates the reading schema. The causes are sent back to the device in
// the failure acknowledgment.
type ValidationError struct {
	Causes []string
}

func (e *ValidationError) Error() string {
	return "invalid reading: " + strings.Join(e.Causes, "; ")
}

// The bounds follow the DHT22 measurement range.
const payloadSchemaJSON = `{
	"type": "object",
	"required": ["device_id", "mac_address", "temperature", "humidity", "timestamp"],
	"properties": {
		"device_id": {"type": "string", "minLength": 1, "maxLength": 32},
		"mac_address": {"type": "string", "pattern": "^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$"},
		"temperature": {"type": "number", "minimum": -40, "maximum": 85},
		"humidity": {"type": "number", "minimum": 0, "maximum": 100},
		"timestamp": {"type": "string"}
	}
}`

var payloadSchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(payloadSchemaJSON))
	if err != nil {
		panic(err)
	}
	return schema
}()

// ParsePayload decodes and validates a device payload.
//
// Data that is not JSON yields ErrMalformedPayload and a nil payload.
// Well-formed JSON that violates the schema or carries an unparseable
// timestamp yields a *ValidationError together with a best-effort payload
// holding whatever identifiers could be extracted, so the failure
// acknowledgment can echo them back to the device.
func ParsePayload(data []byte) (*Payload, error) {
	if !json.Valid(data) {
		return nil, ErrMalformedPayload
	}
	result, err := payloadSchema.Validate(gojsonschema.NewStringLoader(string(data)))
	if err != nil {
		return nil, ErrMalformedPayload
	}
	if !result.Valid() {
		causes := make([]string, 0, len(result.Errors()))
		for _, cause := range result.Errors() {
			causes = append(causes, cause.String())
		}
		return bestEffortPayload(data), &ValidationError{Causes: causes}
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ErrMalformedPayload
	}
	if _, err := ParseDeviceTime(p.Timestamp); err != nil {
		return &p, &ValidationError{Causes: []string{"invalid timestamp format: " + p.Timestamp}}
	}
	return &p, nil
}

// bestEffortPayload pulls the identifying string fields out of an invalid
// document for the failure acknowledgment.
func bestEffortPayload(data []byte) *Payload {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return &Payload{}
	}
	p := &Payload{}
	if s, ok := doc["device_id"].(string); ok {
		p.DeviceID = s
	}
	if s, ok := doc["mac_address"].(string); ok {
		p.MACAddress = s
	}
	if s, ok := doc["timestamp"].(string); ok {
		p.Timestamp = s
	}
	return p
}
