// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package query

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"flowsentry.dev/core/internal/alert"
	"flowsentry.dev/core/internal/flow"
	"flowsentry.dev/core/internal/model"
	"flowsentry.dev/core/internal/statistics"
)

func newTestManager(t *testing.T) *alert.Manager {
	t.Helper()
	m, err := alert.New(alert.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

type fakeFlows struct{ snap []flow.Snapshot }

func (f fakeFlows) Snapshot() []flow.Snapshot { return f.snap }

func newTestStats(t *testing.T) *statistics.Tracker {
	t.Helper()
	tr, err := statistics.New("")
	require.NoError(t, err)
	return tr
}

func TestHandleListAlerts(t *testing.T) {
	m := newTestManager(t)
	m.Ingest(flow.Key{SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}, "SqlInjection", model.SeverityHigh, 0.9, "", 10)

	s := New(m, fakeFlows{}, newTestStats(t))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []alert.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.Len(t, alerts, 1)
	require.Equal(t, "SqlInjection", alerts[0].Label)
}

func TestHandleGetAlertNotFound(t *testing.T) {
	m := newTestManager(t)
	s := New(m, fakeFlows{}, newTestStats(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts/999", nil)
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Contains(t, body, "error")
}

func TestHandleAcknowledge(t *testing.T) {
	m := newTestManager(t)
	a := m.Ingest(flow.Key{SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}, "XSS", model.SeverityMedium, 0.8, "", 5)
	s := New(m, fakeFlows{}, newTestStats(t))

	body, _ := json.Marshal(ackRequest{User: "analyst1", Notes: "looking into it"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+itoa(a.ID)+"/acknowledge", bytes.NewReader(body))
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got alert.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.True(t, got.Acknowledged)
	require.Equal(t, "analyst1", got.AckUser)
}

func TestHandleSetStatusRejectsUnknownStatus(t *testing.T) {
	m := newTestManager(t)
	a := m.Ingest(flow.Key{SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}, "XSS", model.SeverityMedium, 0.8, "", 5)
	s := New(m, fakeFlows{}, newTestStats(t))

	body, _ := json.Marshal(statusRequest{Status: "bogus"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+itoa(a.ID)+"/status", bytes.NewReader(body))
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSetStatusTransitions(t *testing.T) {
	m := newTestManager(t)
	a := m.Ingest(flow.Key{SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}, "XSS", model.SeverityMedium, 0.8, "", 5)
	s := New(m, fakeFlows{}, newTestStats(t))

	body, _ := json.Marshal(statusRequest{Status: string(alert.StatusInvestigating)})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+itoa(a.ID)+"/status", bytes.NewReader(body))
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got alert.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, alert.StatusInvestigating, got.Status)
}

func TestHandleListFlows(t *testing.T) {
	m := newTestManager(t)
	snaps := []flow.Snapshot{{Key: flow.Key{SrcIP: "1.1.1.1", DstIP: "2.2.2.2"}}}
	s := New(m, fakeFlows{snap: snaps}, newTestStats(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/flows", nil)
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got []flow.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
}

func TestHandleStatistics(t *testing.T) {
	m := newTestManager(t)
	tr := newTestStats(t)
	tr.Record(model.SeverityHigh, "SqlInjection", "10.0.0.1")
	s := New(m, fakeFlows{}, tr)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/statistics?window=all", nil)
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "SqlInjection")
}

func TestSubscribeAlertsStreamsNewAlerts(t *testing.T) {
	m := newTestManager(t)
	s := New(m, fakeFlows{}, newTestStats(t))
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/alerts/subscribe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	m.Ingest(flow.Key{SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}, "DDoS-SYN_Flood", model.SeverityHigh, 0.95, "", 100)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got alert.Alert
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "DDoS-SYN_Flood", got.Label)
}

func itoa(id uint64) string {
	buf := []byte{}
	if id == 0 {
		return "0"
	}
	for id > 0 {
		buf = append([]byte{byte('0' + id%10)}, buf...)
		id /= 10
	}
	return string(buf)
}
