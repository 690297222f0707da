// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/thermolog/core/logger"
)

// Exporter mirrors accepted readings to a Kafka topic for downstream
// consumers. Messages are keyed by device ID so one device's readings
// stay on one partition.
type Exporter struct {
	writer *kafka.Writer
}

// NewExporter returns a new exporter writing to the given brokers and topic.
func NewExporter(brokers []string, topic string) *Exporter {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
		// async, ingestion must never wait for Kafka
		Async: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Default().WithError(err).Errorln("kafka export failed for", len(messages), "messages")
			}
		},
	}
	return &Exporter{writer: writer}
}

// Export writes one reading. With the async writer this only enqueues.
func (e *Exporter) Export(r Reading) {
	data, err := json.Marshal(r)
	if err != nil {
		logger.Default().WithError(err).Errorln("cannot marshal reading for export")
		return
	}
	err = e.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(r.DeviceID),
		Value: data,
	})
	if err != nil {
		logger.Default().WithError(err).Errorln("cannot enqueue reading for export")
	}
}

// Close flushes and closes the writer.
func (e *Exporter) Close() error {
	return e.writer.Close()
}
