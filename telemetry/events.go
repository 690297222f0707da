// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/thermolog/core/logger"
)

// handleEvents streams new readings as server-sent events. Each connected
// dashboard session holds one subscription on the hub; the stream ends
// when the client goes away.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := a.hub.Subscribe()
	defer cancel()
	rlog.Debugln("event stream connected,", a.hub.SubscriberCount(), "subscribers")

	for {
		select {
		case <-r.Context().Done():
			rlog.Debugln("event stream disconnected")
			return
		case reading, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(reading)
			if err != nil {
				rlog.WithError(err).Errorln("cannot marshal reading for event stream")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
