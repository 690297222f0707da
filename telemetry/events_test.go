// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStream(t *testing.T) {
	a := &API{hub: NewHub()}
	srv := httptest.NewServer(http.HandlerFunc(a.handleEvents))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	// wait for the subscription before broadcasting
	for i := 0; a.hub.SubscriberCount() == 0 && i < 100; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, a.hub.SubscriberCount())

	a.hub.Broadcast(Reading{
		Serial:      42,
		DeviceID:    "dht22-kitchen",
		MACAddress:  "AA:BB:CC:DD:EE:FF",
		Temperature: 21.5,
		Humidity:    48.2,
		Timestamp:   time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC),
	})

	scanner := bufio.NewScanner(res.Body)
	var event string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			event = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, event)

	var r Reading
	require.NoError(t, json.Unmarshal([]byte(event), &r))
	assert.Equal(t, 42, r.Serial)
	assert.Equal(t, "dht22-kitchen", r.DeviceID)

	// closing the request tears the subscription down
	cancel()
	for i := 0; a.hub.SubscriberCount() > 0 && i < 100; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, a.hub.SubscriberCount())
}
