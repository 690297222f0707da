// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/thermolog/core/access"
	"github.com/relabs-tech/thermolog/core/csql"
	"github.com/relabs-tech/thermolog/core/logger"
	"github.com/relabs-tech/thermolog/iot/mqtt"
	"github.com/relabs-tech/thermolog/telemetry"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,default=" description:"password for the Postgres DB"`
	Schema           string `env:"SCHEMA,default=thermolog" description:"the database schema"`
	Addr             string `env:"ADDR,default=:3000" description:"the HTTP listen address"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"log level: debug, info, warning or error"`

	MQTTBroker   string `env:"MQTT_BROKER,default=tcp://localhost:1883" description:"URL of the MQTT broker the ingest subscriber connects to"`
	MQTTUsername string `env:"MQTT_USERNAME,default=" description:"optional MQTT username"`
	MQTTPassword string `env:"MQTT_PASSWORD,default=" description:"optional MQTT password"`
	MQTTCACert   string `env:"MQTT_CA_CERT,default=" description:"optional CA certificate for TLS broker connections"`
	DataTopic    string `env:"DATA_TOPIC,default=sensors/dht/data" description:"topic the devices publish readings on"`
	AckTopic     string `env:"ACK_TOPIC,default=sensors/dht/ack" description:"topic acknowledgments are published on"`
	QOS          int    `env:"QOS,default=1" description:"MQTT quality of service level"`

	// the embedded broker is enabled when all three files are configured
	BrokerCACert string `env:"BROKER_CA_CERT,default=" description:"CA certificate for the embedded broker"`
	BrokerCert   string `env:"BROKER_CERT,default=" description:"server certificate for the embedded broker"`
	BrokerKey    string `env:"BROKER_KEY,default=" description:"server key for the embedded broker"`
	BrokerAddr   string `env:"BROKER_ADDR,default=:8883" description:"TLS listen address of the embedded broker"`

	MaxTemperature float64       `env:"MAX_TEMPERATURE,default=35" description:"temperature alert threshold in °C"`
	MaxHumidity    float64       `env:"MAX_HUMIDITY,default=75" description:"relative humidity alert threshold in %"`
	AlertCooldown  time.Duration `env:"ALERT_COOLDOWN,default=15m" description:"per-device alert rate limit"`
	TelegramToken  string        `env:"TELEGRAM_TOKEN,default=" description:"Telegram bot token for alert delivery"`
	TelegramChatID string        `env:"TELEGRAM_CHAT_ID,default=" description:"Telegram chat the alerts go to"`

	KafkaBrokers string `env:"KAFKA_BROKERS,default=" description:"comma separated Kafka brokers for the reading export"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=thermolog.readings" description:"Kafka topic for the reading export"`

	ArchiveBucket    string        `env:"ARCHIVE_BUCKET,default=" description:"S3 bucket for CSV archives of expired readings"`
	ArchiveRegion    string        `env:"ARCHIVE_REGION,default=eu-central-1" description:"region of the archive bucket"`
	ArchiveKeyID     string        `env:"ARCHIVE_KEY_ID,default=" description:"AWS access key ID for the archive bucket"`
	ArchiveKeySecret string        `env:"ARCHIVE_KEY_SECRET,default=" description:"AWS secret access key for the archive bucket"`
	Retention        time.Duration `env:"RETENTION,default=2160h" description:"how long readings stay in the database"`
	ArchiveInterval  time.Duration `env:"ARCHIVE_INTERVAL,default=24h" description:"how often the archiver sweeps"`

	JWTSecret string `env:"JWT_SECRET,default=" description:"HS256 secret for administrative routes; leave empty to disable authorization"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}

	logLevel, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logLevel)
	rlog := logger.Default()

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	defer db.Close()

	store := telemetry.MustNewStore(db)
	hub := telemetry.NewHub()

	var alerter *telemetry.Alerter
	var notifier telemetry.Notifier = telemetry.LogNotifier{}
	if len(service.TelegramToken) > 0 {
		notifier = telemetry.NewTelegramNotifier(service.TelegramToken, service.TelegramChatID)
	}
	alerter = telemetry.MustNewAlerter(&telemetry.AlerterBuilder{
		Notifier:       notifier,
		MaxTemperature: service.MaxTemperature,
		MaxHumidity:    service.MaxHumidity,
		Cooldown:       service.AlertCooldown,
	})

	var exporter *telemetry.Exporter
	if len(service.KafkaBrokers) > 0 {
		exporter = telemetry.NewExporter(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
		defer exporter.Close()
	}

	var archiver *telemetry.Archiver
	if len(service.ArchiveBucket) > 0 {
		archiver, err = telemetry.NewArchiver(&telemetry.ArchiverBuilder{
			Store:         store,
			AWSBucketName: service.ArchiveBucket,
			AWSRegion:     service.ArchiveRegion,
			AccessID:      service.ArchiveKeyID,
			AccessKey:     service.ArchiveKeySecret,
			Retention:     service.Retention,
			Interval:      service.ArchiveInterval,
		})
		if err != nil {
			panic(err)
		}
	}

	embeddedBroker := len(service.BrokerCACert) > 0 && len(service.BrokerCert) > 0 && len(service.BrokerKey) > 0
	var broker *mqtt.Broker
	if embeddedBroker {
		broker = mqtt.NewBroker(&mqtt.Builder{
			CACertFile:     service.BrokerCACert,
			CertFile:       service.BrokerCert,
			KeyFile:        service.BrokerKey,
			Address:        service.BrokerAddr,
			DataTopic:      service.DataTopic,
			AckTopicPrefix: service.AckTopic,
		})
	}

	ingest := telemetry.MustNewIngest(&telemetry.IngestBuilder{
		Store:      store,
		Hub:        hub,
		BrokerURL:  service.MQTTBroker,
		Username:   service.MQTTUsername,
		Password:   service.MQTTPassword,
		CACertFile: service.MQTTCACert,
		DataTopic:  service.DataTopic,
		AckTopic:   service.AckTopic,
		QOS:        byte(service.QOS),
		Alerter:    alerter,
		Exporter:   exporter,
	})
	defer ingest.Close()

	router := mux.NewRouter()
	logger.AddRequestID(router)
	if len(service.JWTSecret) > 0 {
		router.Use(access.MustNewJwtMiddleware(&access.JwtMiddlewareBuilder{
			Secret: service.JWTSecret,
		}))
	}
	telemetry.MustNewAPI(&telemetry.Builder{
		Store:                store,
		Hub:                  hub,
		Router:               router,
		Archiver:             archiver,
		MQTTConnected:        ingest.Connected,
		AuthorizationEnabled: len(service.JWTSecret) > 0,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if archiver != nil {
		go archiver.Run(ctx)
	}

	if err := ingest.Run(); err != nil {
		// connect retry is enabled, the subscriber keeps trying
		rlog.WithError(err).Warnln("initial mqtt connect failed")
	}

	srv := &http.Server{
		Addr:    service.Addr,
		Handler: router,
	}
	go func() {
		rlog.Infoln("listen on", service.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rlog.WithError(err).Fatalln("http server failed")
		}
	}()

	if embeddedBroker {
		broker.Run() // blocking, stops on SIGTERM
	} else {
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	rlog.Infoln("service stopped")
}
