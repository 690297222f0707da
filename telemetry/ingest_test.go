// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInserter struct {
	readings []Reading
	err      error
}

func (f *fakeInserter) Insert(ctx context.Context, r Reading) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.readings = append(f.readings, r)
	return len(f.readings), nil
}

type fakePublisher struct {
	topics   []string
	payloads [][]byte
}

func (f *fakePublisher) PublishMessage(topic string, payload []byte) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) lastAck(t *testing.T) ackPayload {
	t.Helper()
	require.NotEmpty(t, f.payloads)
	var ack ackPayload
	require.NoError(t, json.Unmarshal(f.payloads[len(f.payloads)-1], &ack))
	return ack
}

func newTestIngest(store *fakeInserter, publisher *fakePublisher) *Ingest {
	return &Ingest{
		store:         store,
		hub:           NewHub(),
		publisher:     publisher,
		ackTopic:      "sensors/dht/ack",
		insertTimeout: time.Second,
	}
}

const validPayload = `{
	"device_id": "dht22-kitchen",
	"mac_address": "AA:BB:CC:DD:EE:FF",
	"temperature": 21.5,
	"humidity": 48.2,
	"timestamp": "2026-08-25T14:30:05Z"
}`

func TestIngestAcceptedReading(t *testing.T) {
	store := &fakeInserter{}
	publisher := &fakePublisher{}
	ingest := newTestIngest(store, publisher)

	events, cancel := ingest.hub.Subscribe()
	defer cancel()

	ingest.process([]byte(validPayload))

	require.Len(t, store.readings, 1)
	assert.Equal(t, "dht22-kitchen", store.readings[0].DeviceID)

	ack := publisher.lastAck(t)
	assert.True(t, ack.Success)
	assert.Equal(t, 1, ack.Serial)
	assert.Equal(t, "dht22-kitchen", ack.DeviceID)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", ack.MACAddress)
	assert.Equal(t, "reading logged successfully", ack.Message)
	assert.Empty(t, ack.Error)
	assert.Equal(t, []string{"sensors/dht/ack"}, publisher.topics)

	// the hub sees the reading with its serial, after the insert
	select {
	case r := <-events:
		assert.Equal(t, 1, r.Serial)
	default:
		t.Fatal("reading was not broadcast")
	}
}

func TestIngestMalformedPayloadIsDropped(t *testing.T) {
	store := &fakeInserter{}
	publisher := &fakePublisher{}
	ingest := newTestIngest(store, publisher)

	ingest.process([]byte("not json at all"))

	assert.Empty(t, store.readings)
	assert.Empty(t, publisher.payloads, "malformed payloads get no acknowledgment")
}

func TestIngestInvalidPayloadGetsFailureAck(t *testing.T) {
	store := &fakeInserter{}
	publisher := &fakePublisher{}
	ingest := newTestIngest(store, publisher)

	ingest.process([]byte(`{"device_id": "dht22-kitchen", "temperature": 21.5}`))

	assert.Empty(t, store.readings)
	ack := publisher.lastAck(t)
	assert.False(t, ack.Success)
	assert.Equal(t, "dht22-kitchen", ack.DeviceID)
	assert.Contains(t, ack.Error, "invalid reading")
	assert.Empty(t, ack.Message)
}

// slowInserter blocks until the insert context expires.
type slowInserter struct{}

func (slowInserter) Insert(ctx context.Context, r Reading) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestIngestDatabaseTimeoutGetsTimeoutAck(t *testing.T) {
	publisher := &fakePublisher{}
	ingest := &Ingest{
		store:         slowInserter{},
		hub:           NewHub(),
		publisher:     publisher,
		ackTopic:      "sensors/dht/ack",
		insertTimeout: 10 * time.Millisecond,
	}

	ingest.process([]byte(validPayload))

	ack := publisher.lastAck(t)
	assert.False(t, ack.Success)
	assert.Equal(t, "database timeout", ack.Error)
}

func TestIngestDatabaseFailureGetsFailureAck(t *testing.T) {
	store := &fakeInserter{err: errors.New("connection refused")}
	publisher := &fakePublisher{}
	ingest := newTestIngest(store, publisher)

	events, cancel := ingest.hub.Subscribe()
	defer cancel()

	ingest.process([]byte(validPayload))

	ack := publisher.lastAck(t)
	assert.False(t, ack.Success)
	// internal details stay out of the acknowledgment
	assert.Equal(t, "database insertion failed", ack.Error)

	select {
	case <-events:
		t.Fatal("rejected reading must not be broadcast")
	default:
	}
}
