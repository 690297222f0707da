// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// The simulator stands in for the sensor firmware. It publishes a
// plausible temperature/humidity reading on a fixed interval, listens
// for acknowledgments and logs the round-trips. Useful for manual
// end-to-end testing against a running broker.
package main

import (
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/thermolog/core/logger"
	"github.com/relabs-tech/thermolog/telemetry"
)

// Service holds the configuration for this service
type Service struct {
	MQTTBroker string        `env:"MQTT_BROKER,default=tcp://localhost:1883" description:"URL of the MQTT broker"`
	DeviceID   string        `env:"DEVICE_ID,default=dht22-sim" description:"simulated device ID"`
	MACAddress string        `env:"MAC_ADDRESS,default=AA:BB:CC:DD:EE:FF" description:"simulated MAC address"`
	DataTopic  string        `env:"DATA_TOPIC,default=sensors/dht/data" description:"topic readings are published on"`
	AckTopic   string        `env:"ACK_TOPIC,default=sensors/dht/ack" description:"topic acknowledgments arrive on"`
	Interval   time.Duration `env:"INTERVAL,default=5s" description:"publish interval"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logrus.InfoLevel)
	rlog := logger.Default()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(service.MQTTBroker)
	opts.SetClientID(service.DeviceID)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		rlog.Infoln("connected, subscribing to", service.AckTopic)
		c.Subscribe(service.AckTopic, 1, func(_ mqtt.Client, msg mqtt.Message) {
			rlog.Infoln("ack:", string(msg.Payload()))
		})
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		rlog.WithError(token.Error()).Fatalln("cannot connect to", service.MQTTBroker)
	}
	defer client.Disconnect(250)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(service.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-signalCh:
			rlog.Infoln("simulator stopped")
			return
		case <-ticker.C:
			payload := telemetry.Payload{
				DeviceID:    service.DeviceID,
				MACAddress:  service.MACAddress,
				Temperature: 21.0 + rand.Float64()*4.0,
				Humidity:    45.0 + rand.Float64()*15.0,
				Timestamp:   time.Now().UTC().Format(telemetry.DeviceTimeLayout),
			}
			data, _ := json.Marshal(payload)
			token := client.Publish(service.DataTopic, 1, false, data)
			if token.Wait() && token.Error() != nil {
				rlog.WithError(token.Error()).Errorln("publish failed")
				continue
			}
			rlog.Infof("published temperature=%.1f humidity=%.1f", payload.Temperature, payload.Humidity)
		}
	}
}
