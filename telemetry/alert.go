// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/thermolog/core/logger"
)

// Notifier delivers a threshold alert to the outside world.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// LogNotifier writes alerts to the log. It is the fallback when no
// Telegram bot is configured.
type LogNotifier struct{}

// Notify implements Notifier
func (LogNotifier) Notify(ctx context.Context, text string) error {
	logger.FromContext(ctx).Warnln("ALERT:", text)
	return nil
}

// TelegramNotifier delivers alerts through the Telegram bot API.
type TelegramNotifier struct {
	token      string
	chatID     string
	httpClient *http.Client
}

// NewTelegramNotifier returns a notifier for the given bot token and chat.
func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:      token,
		chatID:     chatID,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify implements Notifier
func (t *TelegramNotifier) Notify(ctx context.Context, text string) error {
	body, _ := json.Marshal(struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}{t.chatID, text})

	url := "https://api.telegram.org/bot" + t.token + "/sendMessage"
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	r.Header.Set("Content-Type", "application/json")
	res, err := t.httpClient.Do(r)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api returned status %d", res.StatusCode)
	}
	return nil
}

// Alerter evaluates the two independent threshold predicates on every
// accepted reading and fires rate-limited alerts. The rate limit is one
// alert per device and predicate within the cooldown.
type Alerter struct {
	notifier       Notifier
	maxTemperature float64
	maxHumidity    float64
	cooldown       time.Duration

	mu        sync.Mutex
	lastAlert map[string]time.Time

	now func() time.Time
}

// AlerterBuilder is a builder helper for the Alerter
type AlerterBuilder struct {
	// Notifier delivers the alerts. This is mandatory.
	Notifier Notifier
	// MaxTemperature is the temperature threshold in °C.
	MaxTemperature float64
	// MaxHumidity is the relative humidity threshold in %.
	MaxHumidity float64
	// Cooldown is the per-device rate limit. Default is 15 minutes.
	Cooldown time.Duration
}

// MustNewAlerter returns a new alerter.
func MustNewAlerter(bb *AlerterBuilder) *Alerter {
	if bb.Notifier == nil {
		panic("notifier is missing")
	}
	cooldown := bb.Cooldown
	if cooldown == 0 {
		cooldown = 15 * time.Minute
	}
	return &Alerter{
		notifier:       bb.Notifier,
		maxTemperature: bb.MaxTemperature,
		maxHumidity:    bb.MaxHumidity,
		cooldown:       cooldown,
		lastAlert:      make(map[string]time.Time),
		now:            time.Now,
	}
}

// Check evaluates the thresholds for one reading. Notification happens
// asynchronously, Check never blocks the ingestion callback.
func (a *Alerter) Check(r Reading) {
	if r.Temperature > a.maxTemperature {
		a.fire(r.DeviceID, "temperature",
			fmt.Sprintf("device %s: temperature %.1f°C exceeds threshold %.1f°C",
				r.DeviceID, r.Temperature, a.maxTemperature))
	}
	if r.Humidity > a.maxHumidity {
		a.fire(r.DeviceID, "humidity",
			fmt.Sprintf("device %s: humidity %.1f%% exceeds threshold %.1f%%",
				r.DeviceID, r.Humidity, a.maxHumidity))
	}
}

func (a *Alerter) fire(deviceID, predicate, text string) {
	key := deviceID + " " + predicate
	now := a.now()

	a.mu.Lock()
	last, ok := a.lastAlert[key]
	if ok && now.Sub(last) < a.cooldown {
		a.mu.Unlock()
		return
	}
	a.lastAlert[key] = now
	a.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.notifier.Notify(ctx, text); err != nil {
			logger.Default().WithError(err).Errorln("cannot deliver alert for", key)
		}
	}()
}
