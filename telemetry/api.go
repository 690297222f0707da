// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/thermolog/core/access"
	"github.com/relabs-tech/thermolog/core/logger"
)

// API is the stateless REST layer over the reading store.
type API struct {
	store                *Store
	hub                  *Hub
	archiver             *Archiver
	mqttConnected        func() bool
	authorizationEnabled bool
}

// Builder is a builder helper for the API
type Builder struct {
	// Store is the reading store. This is mandatory.
	Store *Store
	// Hub is the realtime fan-out hub. This is mandatory.
	Hub *Hub
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Archiver enables the administrative retention route. This is optional.
	Archiver *Archiver
	// MQTTConnected reports broker connectivity for the health route. This is optional.
	MQTTConnected func() bool
	// AuthorizationEnabled requires the admin role for administrative routes.
	AuthorizationEnabled bool
}

// MustNewAPI realizes the API. It adds all routes to the router.
func MustNewAPI(bb *Builder) *API {
	if bb.Store == nil {
		panic("store is missing")
	}
	if bb.Hub == nil {
		panic("hub is missing")
	}
	if bb.Router == nil {
		panic("router is missing")
	}
	a := &API{
		store:                bb.Store,
		hub:                  bb.Hub,
		archiver:             bb.Archiver,
		mqttConnected:        bb.MQTTConnected,
		authorizationEnabled: bb.AuthorizationEnabled,
	}
	a.handleRoutes(bb.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	rlog := logger.Default()
	rlog.Debugln("api: handle route /api/readings GET")
	rlog.Debugln("api: handle route /api/readings/latest GET")
	rlog.Debugln("api: handle route /api/readings/device/{device_id} GET")
	rlog.Debugln("api: handle route /api/readings/device/{device_id}/range GET")
	rlog.Debugln("api: handle route /api/readings/mac/{mac_address} GET")
	rlog.Debugln("api: handle route /api/devices GET")
	rlog.Debugln("api: handle route /api/stats/device/{device_id} GET")
	rlog.Debugln("api: handle route /api/stats/overview GET")
	rlog.Debugln("api: handle route /api/events GET")
	rlog.Debugln("api: handle route /api/admin/retention POST")
	rlog.Debugln("api: handle route /health GET")

	get := func(path string, handler func(http.ResponseWriter, *http.Request)) {
		router.Handle(path, handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
			handler(w, r)
		}))).Methods(http.MethodOptions, http.MethodGet)
	}

	get("/api/readings", a.listReadings)
	get("/api/readings/latest", a.latestReadings)
	get("/api/readings/device/{device_id}", a.readingsByDevice)
	get("/api/readings/device/{device_id}/range", a.readingsByDeviceRange)
	get("/api/readings/mac/{mac_address}", a.readingsByMAC)
	get("/api/devices", a.listDevices)
	get("/api/stats/device/{device_id}", a.deviceStats)
	get("/api/stats/overview", a.overview)
	get("/health", a.health)

	// the event stream must not run through the compress handler, it
	// needs a flushable response writer
	router.HandleFunc("/api/events", a.handleEvents).Methods(http.MethodGet)

	router.HandleFunc("/api/admin/retention", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		a.retentionWithAuth(w, r)
	}).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, response interface{}) {
	data, _ := json.Marshal(response)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// intParameter reads a positive integer query parameter with bounds. The
// ok flag is false if the parameter was present but unusable; an error
// response has been written in that case.
func intParameter(w http.ResponseWriter, r *http.Request, name string, value, min, max int) (int, bool) {
	s := r.URL.Query().Get(name)
	if len(s) == 0 {
		return value, true
	}
	value, err := strconv.Atoi(s)
	if err != nil || value < min || value > max {
		http.Error(w, "parameter "+name+": out of range", http.StatusBadRequest)
		return 0, false
	}
	return value, true
}

func (a *API) listReadings(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParameter(w, r, "limit", 100, 1, 1000)
	if !ok {
		return
	}
	page, ok := intParameter(w, r, "page", 1, 1, 1<<30)
	if !ok {
		return
	}

	readings, totalCount, err := a.store.List(r.Context(), page, limit)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot list readings")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	pageCount := 0
	if totalCount > 0 {
		pageCount = ((totalCount - 1) / limit) + 1
	}
	w.Header().Set("Pagination-Limit", strconv.Itoa(limit))
	w.Header().Set("Pagination-Total-Count", strconv.Itoa(totalCount))
	w.Header().Set("Pagination-Page-Count", strconv.Itoa(pageCount))
	w.Header().Set("Pagination-Current-Page", strconv.Itoa(page))

	writeJSON(w, http.StatusOK, struct {
		Success    bool      `json:"success"`
		Page       int       `json:"page"`
		Limit      int       `json:"limit"`
		Total      int       `json:"total"`
		TotalPages int       `json:"total_pages"`
		Data       []Reading `json:"data"`
	}{true, page, limit, totalCount, pageCount, readings})
}

func (a *API) latestReadings(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParameter(w, r, "limit", 10, 1, 1000)
	if !ok {
		return
	}
	readings, err := a.store.Latest(r.Context(), limit)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot get latest readings")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool      `json:"success"`
		Count   int       `json:"count"`
		Data    []Reading `json:"data"`
	}{true, len(readings), readings})
}

func (a *API) readingsByDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	limit, ok := intParameter(w, r, "limit", 50, 1, 1000)
	if !ok {
		return
	}
	readings, err := a.store.ByDevice(r.Context(), deviceID, limit)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot get device readings")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success  bool      `json:"success"`
		DeviceID string    `json:"device_id"`
		Count    int       `json:"count"`
		Data     []Reading `json:"data"`
	}{true, deviceID, len(readings), readings})
}

func (a *API) readingsByMAC(w http.ResponseWriter, r *http.Request) {
	macAddress := mux.Vars(r)["mac_address"]
	limit, ok := intParameter(w, r, "limit", 50, 1, 1000)
	if !ok {
		return
	}
	readings, err := a.store.ByMAC(r.Context(), macAddress, limit)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot get readings by mac")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success    bool      `json:"success"`
		MACAddress string    `json:"mac_address"`
		Count      int       `json:"count"`
		Data       []Reading `json:"data"`
	}{true, macAddress, len(readings), readings})
}

// parseQueryTime accepts RFC 3339 as well as the device timestamp layout.
func parseQueryTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return ParseDeviceTime(s)
}

func (a *API) readingsByDeviceRange(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	query := r.URL.Query()

	var readings []Reading
	var from, until time.Time
	var err error

	if window := query.Get("window"); len(window) > 0 {
		d, err := time.ParseDuration(window)
		if err != nil || d <= 0 {
			http.Error(w, "parameter window: invalid duration", http.StatusBadRequest)
			return
		}
		readings, from, until, err = a.store.Window(r.Context(), deviceID, d)
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("cannot get device window")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	} else {
		from, err = parseQueryTime(query.Get("from"))
		if err != nil {
			http.Error(w, "parameter from: invalid timestamp", http.StatusBadRequest)
			return
		}
		until, err = parseQueryTime(query.Get("until"))
		if err != nil {
			http.Error(w, "parameter until: invalid timestamp", http.StatusBadRequest)
			return
		}
		if until.Before(from) {
			http.Error(w, "parameter until: before from", http.StatusBadRequest)
			return
		}
		readings, err = a.store.RangeByDevice(r.Context(), deviceID, from, until)
		if err != nil {
			logger.FromContext(r.Context()).WithError(err).Errorln("cannot get device range")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusOK, struct {
		Success  bool      `json:"success"`
		DeviceID string    `json:"device_id"`
		From     string    `json:"from"`
		Until    string    `json:"until"`
		Count    int       `json:"count"`
		Data     []Reading `json:"data"`
	}{true, deviceID, from.Format(DeviceTimeLayout), until.Format(DeviceTimeLayout), len(readings), readings})
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.store.Devices(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot enumerate devices")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool         `json:"success"`
		Count   int          `json:"count"`
		Data    []DeviceInfo `json:"data"`
	}{true, len(devices), devices})
}

func (a *API) deviceStats(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device_id"]
	stats, err := a.store.DeviceStats(r.Context(), deviceID)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot get device stats")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success  bool        `json:"success"`
		DeviceID string      `json:"device_id"`
		Stats    DeviceStats `json:"stats"`
	}{true, deviceID, stats})
}

func (a *API) overview(w http.ResponseWriter, r *http.Request) {
	overview, err := a.store.Overview(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("cannot get overview")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool     `json:"success"`
		Stats   Overview `json:"stats"`
	}{true, overview})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	database := "connected"
	status := "ok"
	if err := a.store.db.PingContext(r.Context()); err != nil {
		database = "disconnected"
		status = "degraded"
	}
	mqtt := "unknown"
	if a.mqttConnected != nil {
		if a.mqttConnected() {
			mqtt = "connected"
		} else {
			mqtt = "disconnected"
			status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, struct {
		Status   string `json:"status"`
		Database string `json:"database"`
		MQTT     string `json:"mqtt"`
	}{status, database, mqtt})
}

func (a *API) retentionWithAuth(w http.ResponseWriter, r *http.Request) {
	if a.authorizationEnabled {
		auth := access.AuthorizationFromContext(r.Context())
		if !auth.HasRole("admin") {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
	}
	if a.archiver == nil {
		http.Error(w, "archiver not configured", http.StatusServiceUnavailable)
		return
	}
	archived, deleted, err := a.archiver.Sweep(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Errorln("retention sweep failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success  bool  `json:"success"`
		Archived int   `json:"archived"`
		Deleted  int64 `json:"deleted"`
	}{true, archived, deleted})
}
