// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/thermolog/core/logger"
)

// Inserter inserts readings into the store.
type Inserter interface {
	Insert(ctx context.Context, r Reading) (int, error)
}

// MessagePublisher publishes an MQTT message.
type MessagePublisher interface {
	PublishMessage(topic string, payload []byte) error
}

// Ingest is the long-lived MQTT subscriber. For every message on the data
// topic it parses and validates the payload, inserts a row, publishes an
// acknowledgment on the ack topic and notifies the fan-out hub.
type Ingest struct {
	store     Inserter
	hub       *Hub
	alerter   *Alerter
	exporter  *Exporter
	publisher MessagePublisher

	client        mqtt.Client
	dataTopic     string
	ackTopic      string
	qos           byte
	insertTimeout time.Duration
}

// IngestBuilder is a builder helper for the Ingest subscriber
type IngestBuilder struct {
	// Store is the reading store. This is mandatory.
	Store Inserter
	// Hub is the realtime fan-out hub. This is mandatory.
	Hub *Hub
	// BrokerURL is the MQTT broker, e.g. "tls://broker.example.com:8883". This is mandatory.
	BrokerURL string
	// ClientID is the MQTT client identifier. Default is "thermolog-ingest".
	ClientID string
	// Username and Password are optional broker credentials.
	Username string
	Password string
	// CACertFile is the file path to the X.509 certificate of the broker's
	// certificate authority. This is optional.
	CACertFile string
	// DataTopic is the topic the devices publish readings on. Default is "sensors/dht/data".
	DataTopic string
	// AckTopic is the topic acknowledgments are published on. Default is "sensors/dht/ack".
	AckTopic string
	// QOS is the MQTT quality of service level. Default is 1.
	QOS byte
	// InsertTimeout bounds the database insert per message. Default is 3s.
	InsertTimeout time.Duration
	// Alerter evaluates threshold alerts on accepted readings. This is optional.
	Alerter *Alerter
	// Exporter mirrors accepted readings to Kafka. This is optional.
	Exporter *Exporter
}

// pahoPublisher publishes acknowledgments through the paho client.
type pahoPublisher struct {
	client mqtt.Client
	qos    byte
}

func (p pahoPublisher) PublishMessage(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	token.Wait()
	return token.Error()
}

// MustNewIngest returns a new ingest subscriber. The subscriber will not
// actually connect until you call Run().
func MustNewIngest(bb *IngestBuilder) *Ingest {
	if bb.Store == nil {
		panic("store is missing")
	}
	if bb.Hub == nil {
		panic("hub is missing")
	}
	if len(bb.BrokerURL) == 0 {
		panic("broker URL is missing")
	}

	i := &Ingest{
		store:         bb.Store,
		hub:           bb.Hub,
		alerter:       bb.Alerter,
		exporter:      bb.Exporter,
		dataTopic:     bb.DataTopic,
		ackTopic:      bb.AckTopic,
		qos:           bb.QOS,
		insertTimeout: bb.InsertTimeout,
	}
	if len(i.dataTopic) == 0 {
		i.dataTopic = "sensors/dht/data"
	}
	if len(i.ackTopic) == 0 {
		i.ackTopic = "sensors/dht/ack"
	}
	if i.qos == 0 {
		i.qos = 1
	}
	if i.insertTimeout == 0 {
		i.insertTimeout = 3 * time.Second
	}
	clientID := bb.ClientID
	if len(clientID) == 0 {
		clientID = "thermolog-ingest"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(bb.BrokerURL)
	opts.SetClientID(clientID)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetAutoReconnect(true)
	if len(bb.Username) > 0 {
		opts.SetUsername(bb.Username)
		opts.SetPassword(bb.Password)
	}
	if len(bb.CACertFile) > 0 {
		caCert, err := os.ReadFile(bb.CACertFile)
		if err != nil {
			panic(err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			panic("cannot parse ca certificate " + bb.CACertFile)
		}
		opts.SetTLSConfig(&tls.Config{RootCAs: caCertPool})
	}

	// subscribe on connect, so the subscription survives reconnects
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		rlog := logger.Default()
		rlog.Infoln("connected to mqtt broker, subscribing to", i.dataTopic)
		token := c.Subscribe(i.dataTopic, i.qos, i.handleMessage)
		if token.Wait() && token.Error() != nil {
			rlog.WithError(token.Error()).Errorln("cannot subscribe to", i.dataTopic)
		}
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		logger.Default().WithError(err).Warnln("mqtt connection lost")
	})

	i.client = mqtt.NewClient(opts)
	i.publisher = pahoPublisher{client: i.client, qos: i.qos}
	return i
}

// Run connects to the broker. The subscription happens in the connect
// handler. Run returns once the initial connect attempt finished; with
// connect-retry enabled a failed first attempt keeps retrying in the
// background.
func (i *Ingest) Run() error {
	token := i.client.Connect()
	token.Wait()
	return token.Error()
}

// Connected reports whether the subscriber currently has a broker connection.
func (i *Ingest) Connected() bool {
	return i.client != nil && i.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (i *Ingest) Close() {
	if i.client != nil {
		i.client.Disconnect(250)
	}
}

func (i *Ingest) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	i.process(msg.Payload())
}

func (i *Ingest) process(data []byte) {
	ctx, rlog := logger.ContextWithLogger(context.Background())

	payload, err := ParsePayload(data)
	if err != nil {
		if payload == nil {
			// not even JSON, nobody to talk to
			rlog.Warnln("dropping malformed payload:", err)
			return
		}
		rlog.Warnln("invalid reading from device", payload.DeviceID, "-", err)
		i.ack(payload, 0, err.Error())
		return
	}

	reading, err := payload.Reading()
	if err != nil {
		i.ack(payload, 0, err.Error())
		return
	}

	insertCtx, cancel := context.WithTimeout(ctx, i.insertTimeout)
	defer cancel()
	serial, err := i.store.Insert(insertCtx, reading)
	if err != nil {
		rlog.WithError(err).Errorln("database insertion failed for device", payload.DeviceID)
		failure := "database insertion failed"
		if errors.Is(err, context.DeadlineExceeded) {
			failure = "database timeout"
		}
		i.ack(payload, 0, failure)
		return
	}
	reading.Serial = serial

	rlog.Infof("reading #%d device %s (%s): temperature=%.1f humidity=%.1f time=%s",
		serial, reading.DeviceID, reading.MACAddress, reading.Temperature, reading.Humidity,
		reading.Timestamp.Format(DeviceTimeLayout))

	i.ack(payload, serial, "")
	i.hub.Broadcast(reading)
	if i.exporter != nil {
		i.exporter.Export(reading)
	}
	if i.alerter != nil {
		i.alerter.Check(reading)
	}
}

// ackPayload is the acknowledgment document published back to the device.
type ackPayload struct {
	Success    bool   `json:"success"`
	DeviceID   string `json:"device_id,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Serial     int    `json:"serial,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (i *Ingest) ack(p *Payload, serial int, failure string) {
	response := ackPayload{
		Success:    len(failure) == 0,
		DeviceID:   p.DeviceID,
		MACAddress: p.MACAddress,
		Timestamp:  p.Timestamp,
	}
	if response.Success {
		response.Serial = serial
		response.Message = "reading logged successfully"
	} else {
		response.Error = failure
	}
	data, _ := json.Marshal(response)
	if err := i.publisher.PublishMessage(i.ackTopic, data); err != nil {
		logger.Default().WithError(err).Errorln("cannot publish acknowledgment")
	}
}
