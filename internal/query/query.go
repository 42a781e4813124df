// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package query exposes the read-only Query/Subscribe surface over HTTP:
// alert listing/acknowledgement/status transitions, flow listing,
// statistics, and push/poll subscriptions. Transport mechanics beyond
// routing (TLS, auth) are out of scope per spec §1.
package query

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flowsentry.dev/core/internal/alert"
	"flowsentry.dev/core/internal/errors"
	"flowsentry.dev/core/internal/flow"
	"flowsentry.dev/core/internal/logging"
	"flowsentry.dev/core/internal/model"
	"flowsentry.dev/core/internal/statistics"
)

// AlertStore is the subset of alert.Manager the surface depends on.
type AlertStore interface {
	Query(f alert.Filters) []alert.Alert
	Acknowledge(id uint64, user, notes string) (alert.Alert, bool)
	SetStatus(id uint64, status alert.Status, notes string) (alert.Alert, bool)
	Subscribe() *alert.Subscriber
	Unsubscribe(s *alert.Subscriber)
}

// FlowSnapshotter is the subset of flow.Aggregator the surface depends on.
type FlowSnapshotter interface {
	Snapshot() []flow.Snapshot
}

// StatisticsQuerier is the subset of statistics.Tracker the surface
// depends on.
type StatisticsQuerier interface {
	Query(w statistics.WindowName) (statistics.Snapshot, time.Duration)
}

// Surface wires gorilla/mux routes over the Alert Manager, Flow
// Aggregator, and Statistics Tracker, grounded on the teacher's
// controlplane.ControlPlane router-setup shape.
type Surface struct {
	alerts AlertStore
	flows  FlowSnapshotter
	stats  StatisticsQuerier

	router   *mux.Router
	upgrader websocket.Upgrader
	log      *logging.Logger
}

// New builds the router. Call Router() to obtain the http.Handler.
func New(alerts AlertStore, flows FlowSnapshotter, stats StatisticsQuerier) *Surface {
	s := &Surface{
		alerts: alerts,
		flows:  flows,
		stats:  stats,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log: logging.WithComponent("query.surface"),
	}
	s.setupRoutes()
	return s
}

// Router returns the composed http.Handler for mounting in an http.Server.
func (s *Surface) Router() http.Handler { return s.router }

func (s *Surface) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/status", s.handleSetStatus).Methods(http.MethodPost)
	api.HandleFunc("/flows", s.handleListFlows).Methods(http.MethodGet)
	api.HandleFunc("/statistics", s.handleStatistics).Methods(http.MethodGet)
	api.HandleFunc("/alerts/subscribe", s.handleSubscribeAlerts)
	api.HandleFunc("/flows/subscribe", s.handleSubscribeFlows)
	s.router.Handle("/metrics", promhttp.Handler())
}

// surfaceError writes the Query surface's {not_found, invalid_input,
// unavailable} three-value enum per spec §4.10/§7.
func surfaceError(w http.ResponseWriter, err error) {
	kind, ok := errors.Surface(err)
	status := http.StatusInternalServerError
	if ok {
		switch kind {
		case errors.SurfaceNotFound:
			status = http.StatusNotFound
		case errors.SurfaceInvalidInput:
			status = http.StatusBadRequest
		case errors.SurfaceUnavailable:
			status = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Surface) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := alert.Filters{
		Severity: model.Severity(q.Get("severity")),
		Label:    q.Get("threat"),
		Status:   alert.Status(q.Get("status")),
	}
	if ackStr := q.Get("acknowledged"); ackStr != "" {
		ack, err := strconv.ParseBool(ackStr)
		if err != nil {
			surfaceError(w, errors.New(errors.KindValidation, "invalid acknowledged filter"))
			return
		}
		f.Acknowledged = &ack
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			surfaceError(w, errors.New(errors.KindValidation, "invalid limit"))
			return
		}
		f.Limit = limit
	}
	writeJSON(w, s.alerts.Query(f))
}

func (s *Surface) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		surfaceError(w, err)
		return
	}
	results := s.alerts.Query(alert.Filters{})
	for _, a := range results {
		if a.ID == id {
			writeJSON(w, a)
			return
		}
	}
	surfaceError(w, errors.New(errors.KindNotFound, "alert not found"))
}

type ackRequest struct {
	User  string `json:"user"`
	Notes string `json:"notes"`
}

func (s *Surface) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		surfaceError(w, err)
		return
	}
	var req ackRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	a, ok := s.alerts.Acknowledge(id, req.User, req.Notes)
	if !ok {
		surfaceError(w, errors.New(errors.KindNotFound, "alert not found"))
		return
	}
	writeJSON(w, a)
}

type statusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (s *Surface) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		surfaceError(w, err)
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		surfaceError(w, errors.Wrap(err, errors.KindValidation, "invalid status request body"))
		return
	}
	status := alert.Status(req.Status)
	switch status {
	case alert.StatusNew, alert.StatusInvestigating, alert.StatusResolved, alert.StatusFalsePositive:
	default:
		surfaceError(w, errors.New(errors.KindValidation, "unknown status"))
		return
	}
	a, ok := s.alerts.SetStatus(id, status, req.Notes)
	if !ok {
		surfaceError(w, errors.New(errors.KindNotFound, "alert not found"))
		return
	}
	writeJSON(w, a)
}

func (s *Surface) handleListFlows(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			limit = n
		}
	}
	snaps := s.flows.Snapshot()
	if len(snaps) > limit {
		snaps = snaps[:limit]
	}
	writeJSON(w, snaps)
}

func (s *Surface) handleStatistics(w http.ResponseWriter, r *http.Request) {
	window := statistics.WindowName(r.URL.Query().Get("window"))
	if window == "" {
		window = statistics.WindowAll
	}
	snap, uptime := s.stats.Query(window)
	writeJSON(w, map[string]any{"snapshot": snap, "uptime_seconds": uptime.Seconds()})
}

func (s *Surface) handleSubscribeAlerts(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.alerts.Subscribe()
	defer s.alerts.Unsubscribe(sub)

	for a := range sub.Chan() {
		if err := conn.WriteJSON(a.SubscriptionFrame()); err != nil {
			return
		}
	}
}

// handleSubscribeFlows polls the Aggregator snapshot at 1Hz and pushes it
// over a websocket connection, per spec §4.10's default 1Hz rate.
func (s *Surface) handleSubscribeFlows(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if err := conn.WriteJSON(s.flows.Snapshot()); err != nil {
			return
		}
	}
}

func parseID(r *http.Request) (uint64, error) {
	idStr := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindValidation, "invalid alert id")
	}
	return id, nil
}
