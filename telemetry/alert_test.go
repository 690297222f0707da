// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNotifier struct {
	alerts chan string
}

func (n *testNotifier) Notify(ctx context.Context, text string) error {
	n.alerts <- text
	return nil
}

func (n *testNotifier) expectAlert(t *testing.T) string {
	t.Helper()
	select {
	case text := <-n.alerts:
		return text
	case <-time.After(2 * time.Second):
		t.Fatal("expected an alert")
		return ""
	}
}

func (n *testNotifier) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case text := <-n.alerts:
		t.Fatal("unexpected alert:", text)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestAlerter() (*Alerter, *testNotifier) {
	notifier := &testNotifier{alerts: make(chan string, 8)}
	alerter := MustNewAlerter(&AlerterBuilder{
		Notifier:       notifier,
		MaxTemperature: 35,
		MaxHumidity:    75,
		Cooldown:       15 * time.Minute,
	})
	return alerter, notifier
}

func TestAlerterThresholds(t *testing.T) {
	alerter, notifier := newTestAlerter()

	alerter.Check(Reading{DeviceID: "dht22-kitchen", Temperature: 21.5, Humidity: 48.2})
	notifier.expectSilence(t)

	alerter.Check(Reading{DeviceID: "dht22-kitchen", Temperature: 36.1, Humidity: 48.2})
	assert.Contains(t, notifier.expectAlert(t), "temperature 36.1")

	alerter.Check(Reading{DeviceID: "dht22-cellar", Temperature: 21.5, Humidity: 80.0})
	assert.Contains(t, notifier.expectAlert(t), "humidity 80.0")
}

func TestAlerterBothPredicates(t *testing.T) {
	alerter, notifier := newTestAlerter()

	// both thresholds exceeded fires two independent alerts
	alerter.Check(Reading{DeviceID: "dht22-kitchen", Temperature: 40, Humidity: 90})
	first := notifier.expectAlert(t)
	second := notifier.expectAlert(t)
	assert.NotEqual(t, first, second)
}

func TestAlerterCooldown(t *testing.T) {
	alerter, notifier := newTestAlerter()

	now := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)
	alerter.now = func() time.Time { return now }

	alerter.Check(Reading{DeviceID: "dht22-kitchen", Temperature: 36.1})
	notifier.expectAlert(t)

	// within the cooldown the same predicate stays silent
	now = now.Add(5 * time.Minute)
	alerter.Check(Reading{DeviceID: "dht22-kitchen", Temperature: 37.0})
	notifier.expectSilence(t)

	// a different device is rate-limited independently
	alerter.Check(Reading{DeviceID: "dht22-cellar", Temperature: 37.0})
	notifier.expectAlert(t)

	// so is a different predicate of the same device
	alerter.Check(Reading{DeviceID: "dht22-kitchen", Humidity: 80.0})
	notifier.expectAlert(t)

	// after the cooldown the alert fires again
	now = now.Add(15 * time.Minute)
	alerter.Check(Reading{DeviceID: "dht22-kitchen", Temperature: 37.0})
	require.Contains(t, notifier.expectAlert(t), "temperature")
}
