// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*
Package mqtt provides an embedded MQTT broker for self-contained
deployments. Devices authenticate with X.509 client certificates; the
certificate common name is the device ID. The topic policy is narrow:
devices may publish readings to the data topic only, and may subscribe
only to their own ack topic.

In deployments with a managed broker this package is not used, the
ingest subscriber connects to the external broker instead.
*/
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/thermolog/core/logger"
)

// Broker is an embedded MQTT broker for sensor devices.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	// This is mandatory
	CACertFile string
	// CertFile is the file path to the X.509 certificate file. This is mandatory.
	CertFile string
	// KeyFile is the file path to the X.509 private key file. This is mandatory.
	KeyFile string
	// Address is the TLS listen address. Default is ":8883".
	Address string
	// DataTopic is the only topic devices may publish to. Default is "sensors/dht/data".
	DataTopic string
	// AckTopicPrefix is the prefix of the per-device ack topics. A device
	// may subscribe to the shared ack topic AckTopicPrefix or to
	// AckTopicPrefix + "/" + its own device ID. Default is "sensors/dht/ack".
	AckTopicPrefix string
}

// plugin is the plugin for GMQTT
type plugin struct {
	tlsln          net.Listener
	deviceIdsRwmux sync.RWMutex
	deviceIds      map[net.Conn]string

	service gmqtt.Server

	dataTopic      string
	ackTopicPrefix string
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {

	if len(bb.CACertFile) == 0 {
		panic("ca-cert file missing")
	}
	if len(bb.CertFile) == 0 {
		panic("cert file missing")
	}
	if len(bb.KeyFile) == 0 {
		panic("key file missing")
	}

	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		panic(err)
	}

	caCert, _ := os.ReadFile(bb.CACertFile)
	caCertPool := x509.NewCertPool()
	ok := caCertPool.AppendCertsFromPEM(caCert)
	logger.Default().Debugln("certs OK =", ok)

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	address := bb.Address
	if len(address) == 0 {
		address = ":8883"
	}
	tlsln, err := tls.Listen("tcp", address, tlsConfig)
	if err != nil {
		panic(err)
	}

	dataTopic := bb.DataTopic
	if len(dataTopic) == 0 {
		dataTopic = "sensors/dht/data"
	}
	ackTopicPrefix := bb.AckTopicPrefix
	if len(ackTopicPrefix) == 0 {
		ackTopicPrefix = "sensors/dht/ack"
	}

	return &Broker{
		p: &plugin{
			tlsln:          tlsln,
			deviceIds:      make(map[net.Conn]string),
			dataTopic:      dataTopic,
			ackTopicPrefix: ackTopicPrefix,
		},
	}
}

// Run is blocking and runs the server. It listens on syscall.SIGTERM for
// a graceful shutdown.
func (b *Broker) Run() {

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.tlsln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()

	logger.Default().Infoln("embedded mqtt broker started on", b.p.tlsln.Addr())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	s.Stop(context.Background())
	logger.Default().Infoln("embedded mqtt broker stopped")
}

// PublishMessage publishes an MQTT message with quality level 1
func (b *Broker) PublishMessage(topic string, payload []byte) error {
	logger.Default().Debugf("publish on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	logger.Default().Debugln("load thermolog broker plugin")
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "thermolog broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) deviceIDFromConnection(conn net.Conn) string {
	p.deviceIdsRwmux.RLock()
	defer p.deviceIdsRwmux.RUnlock()
	return p.deviceIds[conn]
}

// OnAcceptWrapper authorizes clients via TLS certificates. The certificate
// common name is the device ID.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			err := tlsConn.Handshake()
			if err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			cert := state.VerifiedChains[0][0]
			commonName := cert.Subject.CommonName

			if len(commonName) == 0 || strings.ContainsAny(commonName, "/#+") {
				logger.Default().Warnln("invalid device ID in certificate:", commonName)
				return false
			}

			p.deviceIdsRwmux.Lock()
			defer p.deviceIdsRwmux.Unlock()
			p.deviceIds[conn] = commonName
			logger.Default().Infoln("accept", commonName)
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		deviceID := p.deviceIDFromConnection(client.Connection())
		if client.OptionsReader().ClientID() != deviceID {
			logger.Default().Warnln("connect denied,", client.OptionsReader().ClientID(), "not authorized")
			return packets.CodeNotAuthorized
		}
		logger.Default().Infoln("connect", deviceID)
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper enforces the publish policy: devices publish
// readings to the data topic only, and readings must at least be JSON.
// The content validation proper happens in the ingest subscriber.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		deviceID := client.OptionsReader().ClientID()
		topic := msg.Topic()
		if topic != p.dataTopic {
			logger.Default().Warnln("publish on", topic, "by", deviceID, "denied!")
			return false
		}
		if !json.Valid(msg.Payload()) {
			logger.Default().Warnln("publish of invalid json by", deviceID, "denied!")
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces the subscribe policy: a device may listen
// to the shared ack topic or to its own per-device ack topic, nothing else.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		if topic.Name != p.ackTopicPrefix && topic.Name != p.ackTopicPrefix+"/"+deviceID {
			logger.Default().Warnln("subscribe", deviceID, topic.Name, "denied!")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		logger.Default().Infoln("subscribed", client.OptionsReader().ClientID(), topic.Name)
		subscribed(ctx, client, topic)
	}
}
