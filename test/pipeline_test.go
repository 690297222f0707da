// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package test

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/thermolog/telemetry"
)

type PipelineTestSuite struct {
	IntegrationTestSuite
}

func TestPipelineTestSuite(t *testing.T) {
	if os.Getenv("THERMOLOG_INTEGRATION") == "" {
		t.Skip("THERMOLOG_INTEGRATION not set")
	}
	suite.Run(t, &PipelineTestSuite{})
}

// device is a minimal stand-in for the sensor firmware: it publishes
// readings and collects acknowledgments.
type device struct {
	client mqtt.Client

	mu   sync.Mutex
	acks []map[string]interface{}
}

func (s *PipelineTestSuite) connectDevice(deviceID string) *device {
	d := &device{}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.mqttURL)
	opts.SetClientID(deviceID)
	d.client = mqtt.NewClient(opts)
	token := d.client.Connect()
	s.Require().True(token.Wait())
	s.Require().NoError(token.Error())

	token = d.client.Subscribe("sensors/dht/ack", 1, func(_ mqtt.Client, msg mqtt.Message) {
		var ack map[string]interface{}
		if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
			return
		}
		d.mu.Lock()
		d.acks = append(d.acks, ack)
		d.mu.Unlock()
	})
	s.Require().True(token.Wait())
	s.Require().NoError(token.Error())
	return d
}

func (d *device) publish(s *PipelineTestSuite, payload string) {
	token := d.client.Publish("sensors/dht/data", 1, false, []byte(payload))
	s.Require().True(token.Wait())
	s.Require().NoError(token.Error())
}

func (d *device) lastAck() (map[string]interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.acks) == 0 {
		return nil, false
	}
	return d.acks[len(d.acks)-1], true
}

func (s *PipelineTestSuite) TestDeviceRoundTrip() {
	d := s.connectDevice("dht22-integration")
	defer d.client.Disconnect(250)

	d.publish(s, `{
		"device_id": "dht22-integration",
		"mac_address": "AA:BB:CC:DD:EE:FF",
		"temperature": 21.5,
		"humidity": 48.2,
		"timestamp": "2026-08-25T14:30:05Z"
	}`)

	var ack map[string]interface{}
	require.Eventually(s.T(), func() bool {
		var ok bool
		ack, ok = d.lastAck()
		return ok
	}, 10*time.Second, 100*time.Millisecond, "no acknowledgment received")

	s.Require().Equal(true, ack["success"])
	s.Require().Equal("dht22-integration", ack["device_id"])
	s.Require().NotZero(ack["serial"])

	// the reading is now served by the REST API
	var response struct {
		Success bool                `json:"success"`
		Data    []telemetry.Reading `json:"data"`
	}
	_, err := s.client.Get("/api/readings/device/dht22-integration", &response)
	s.Require().NoError(err)
	s.Require().Len(response.Data, 1)
	s.Require().Equal(21.5, response.Data[0].Temperature)

	var overview struct {
		Stats telemetry.Overview `json:"stats"`
	}
	_, err = s.client.Get("/api/stats/overview", &overview)
	s.Require().NoError(err)
	s.Require().Equal(1, overview.Stats.TotalReadings)
	s.Require().Equal(1, overview.Stats.Devices)

	// and it was mirrored to Kafka
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{s.kafkaAddr},
		Topic:       exportTopic,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	msg, err := reader.ReadMessage(ctx)
	s.Require().NoError(err)
	s.Require().Equal("dht22-integration", string(msg.Key))

	var exported telemetry.Reading
	s.Require().NoError(json.Unmarshal(msg.Value, &exported))
	s.Require().Equal(21.5, exported.Temperature)
}

func (s *PipelineTestSuite) TestInvalidReadingGetsFailureAck() {
	d := s.connectDevice("dht22-invalid")
	defer d.client.Disconnect(250)

	d.publish(s, `{
		"device_id": "dht22-invalid",
		"mac_address": "not-a-mac",
		"temperature": 21.5,
		"humidity": 48.2,
		"timestamp": "2026-08-25T14:30:05Z"
	}`)

	var ack map[string]interface{}
	require.Eventually(s.T(), func() bool {
		var ok bool
		ack, ok = d.lastAck()
		return ok
	}, 10*time.Second, 100*time.Millisecond, "no acknowledgment received")

	s.Require().Equal(false, ack["success"])
	s.Require().Equal("dht22-invalid", ack["device_id"])
	s.Require().Contains(ack["error"], "invalid reading")

	var response struct {
		Data []telemetry.Reading `json:"data"`
	}
	_, err := s.client.Get("/api/readings/device/dht22-invalid", &response)
	s.Require().NoError(err)
	s.Require().Empty(response.Data)
}
