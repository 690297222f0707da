// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeviceTime(t *testing.T) {
	expected := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)

	for _, s := range []string{
		"2026-08-25 14:30:05",
		"2026-08-25T14:30:05",
		"2026-08-25T14:30:05Z",
		"  2026-08-25 14:30:05  ",
	} {
		ts, err := ParseDeviceTime(s)
		require.NoError(t, err, s)
		assert.True(t, ts.Equal(expected), s)
	}

	ts, err := ParseDeviceTime("2026-08-25T14:30:05.123456Z")
	require.NoError(t, err)
	assert.Equal(t, 123456000, ts.Nanosecond())

	_, err = ParseDeviceTime("yesterday around noon")
	assert.Error(t, err)
}

func TestParsePayloadValid(t *testing.T) {
	payload, err := ParsePayload([]byte(`{
		"device_id": "dht22-kitchen",
		"mac_address": "AA:BB:CC:DD:EE:FF",
		"temperature": 21.5,
		"humidity": 48.2,
		"timestamp": "2026-08-25T14:30:05Z"
	}`))
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "dht22-kitchen", payload.DeviceID)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", payload.MACAddress)

	reading, err := payload.Reading()
	require.NoError(t, err)
	assert.Equal(t, 21.5, reading.Temperature)
	assert.Equal(t, 48.2, reading.Humidity)
	assert.Equal(t, "2026-08-25 14:30:05", reading.Timestamp.Format(DeviceTimeLayout))
}

func TestParsePayloadMalformed(t *testing.T) {
	for _, data := range []string{
		"",
		"not json at all",
		`{"device_id": "dht22`,
	} {
		payload, err := ParsePayload([]byte(data))
		assert.Nil(t, payload, data)
		assert.Equal(t, ErrMalformedPayload, err, data)
	}
}

func TestParsePayloadInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing fields", `{"device_id": "dht22-kitchen"}`},
		{"bad mac", `{"device_id": "dht22-kitchen", "mac_address": "nope",
			"temperature": 21.5, "humidity": 48.2, "timestamp": "2026-08-25 14:30:05"}`},
		{"temperature out of range", `{"device_id": "dht22-kitchen", "mac_address": "AA:BB:CC:DD:EE:FF",
			"temperature": 120, "humidity": 48.2, "timestamp": "2026-08-25 14:30:05"}`},
		{"humidity out of range", `{"device_id": "dht22-kitchen", "mac_address": "AA:BB:CC:DD:EE:FF",
			"temperature": 21.5, "humidity": 101, "timestamp": "2026-08-25 14:30:05"}`},
		{"bad timestamp", `{"device_id": "dht22-kitchen", "mac_address": "AA:BB:CC:DD:EE:FF",
			"temperature": 21.5, "humidity": 48.2, "timestamp": "around noon"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := ParsePayload([]byte(tt.data))
			require.Error(t, err)
			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.NotEmpty(t, validationErr.Causes)
			// the payload echoes the identifiers back for the failure ack
			require.NotNil(t, payload)
			assert.Equal(t, "dht22-kitchen", payload.DeviceID)
		})
	}
}

func TestReadingMarshalJSON(t *testing.T) {
	reading := Reading{
		Serial:      42,
		DeviceID:    "dht22-kitchen",
		MACAddress:  "AA:BB:CC:DD:EE:FF",
		Temperature: 21.5,
		Humidity:    48.2,
		Timestamp:   time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC),
	}
	data, err := json.Marshal(reading)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, float64(42), doc["serial"])
	assert.Equal(t, "2026-08-25 14:30:05", doc["timestamp"])
	assert.Equal(t, "2026-08-25 14:30:05", doc["datetime"])
	assert.Equal(t, float64(reading.Timestamp.Unix()), doc["unix_timestamp"])

	var back Reading
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, reading, back)
}
