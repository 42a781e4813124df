// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alert

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowsentry.dev/core/internal/flow"
	"flowsentry.dev/core/internal/model"
)

func testKey() flow.Key {
	return flow.Key{SrcIP: "203.0.113.5", DstIP: "198.51.100.9", Protocol: 6, SrcPort: 1234, DstPort: 80}
}

func TestIngestAssignsMonotonicIDs(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)

	a1 := m.Ingest(testKey(), "DDoS-SYN_Flood", model.SeverityMedium, 0.9, "", 100)
	require.Equal(t, uint64(1), a1.ID)
	k2 := testKey()
	k2.SrcPort = 9999
	a2 := m.Ingest(k2, "DDoS-SYN_Flood", model.SeverityMedium, 0.95, "", 200)
	require.Less(t, a1.ID, a2.ID)
}

func TestDedupeKeyIncludesProtocolAndPorts(t *testing.T) {
	m, err := New(Config{DedupeWindow: time.Minute})
	require.NoError(t, err)

	k1 := testKey()
	k2 := testKey()
	k2.DstPort = 8080 // same endpoints/protocol/label, different port: distinct flow

	a1 := m.Ingest(k1, "DDoS-SYN_Flood", model.SeverityMedium, 0.9, "", 100)
	a2 := m.Ingest(k2, "DDoS-SYN_Flood", model.SeverityMedium, 0.9, "", 100)
	require.NotEqual(t, a1.ID, a2.ID)
}

func TestWireFormatIsFlatPerSpec(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)
	a := m.Ingest(testKey(), "DDoS-SYN_Flood", model.SeverityMedium, 0.9, "ctx", 100)

	data, err := json.Marshal(a)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"id", "timestamp", "src_ip", "dst_ip", "src_port", "dst_port",
		"protocol", "threat", "severity", "confidence", "context", "acknowledged",
		"ack_user", "ack_time", "status", "notes"} {
		require.Contains(t, fields, key)
	}
	require.NotContains(t, fields, "flow_key")
	require.NotContains(t, fields, "label")
	require.NotContains(t, fields, "new")

	frameData, err := json.Marshal(a.SubscriptionFrame())
	require.NoError(t, err)
	var frameFields map[string]any
	require.NoError(t, json.Unmarshal(frameData, &frameFields))
	require.Equal(t, true, frameFields["new"])
}

func TestIngestDedupesWithinWindow(t *testing.T) {
	m, err := New(Config{DedupeWindow: time.Minute})
	require.NoError(t, err)

	a1 := m.Ingest(testKey(), "DDoS-SYN_Flood", model.SeverityMedium, 0.8, "", 100)
	a2 := m.Ingest(testKey(), "DDoS-SYN_Flood", model.SeverityMedium, 0.95, "", 150)
	require.Equal(t, a1.ID, a2.ID)
	require.Equal(t, 0.95, a2.Confidence)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)
	a := m.Ingest(testKey(), "DDoS-SYN_Flood", model.SeverityMedium, 0.9, "", 100)

	r1, ok := m.Acknowledge(a.ID, "alice", "looking into it")
	require.True(t, ok)
	require.True(t, r1.Acknowledged)

	r2, ok := m.Acknowledge(a.ID, "alice", "")
	require.True(t, ok)
	require.True(t, r2.Acknowledged)
}

func TestSetStatusStateMachine(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)
	a := m.Ingest(testKey(), "DDoS-SYN_Flood", model.SeverityMedium, 0.9, "", 100)

	r, ok := m.SetStatus(a.ID, StatusInvestigating, "")
	require.True(t, ok)
	require.Equal(t, StatusInvestigating, r.Status)

	r, ok = m.SetStatus(a.ID, StatusResolved, "fixed")
	require.True(t, ok)
	require.Equal(t, StatusResolved, r.Status)

	// Explicit re-open from a terminal state is allowed and recorded.
	r, ok = m.SetStatus(a.ID, StatusInvestigating, "")
	require.True(t, ok)
	require.Equal(t, StatusInvestigating, r.Status)
	require.NotEmpty(t, r.Notes)
}

func TestQueryFiltersAndOrdersNewestFirst(t *testing.T) {
	m, err := New(Config{})
	require.NoError(t, err)
	k1, k2 := testKey(), testKey()
	k2.SrcPort = 2
	m.Ingest(k1, "DDoS-SYN_Flood", model.SeverityMedium, 0.9, "", 100)
	m.Ingest(k2, "SqlInjection", model.SeverityHigh, 0.9, "", 100)

	results := m.Query(Filters{Severity: model.SeverityHigh})
	require.Len(t, results, 1)
	require.Equal(t, "SqlInjection", results[0].Label)
}

func TestSubscribeReceivesNewAlerts(t *testing.T) {
	m, err := New(Config{SubscriberBufferSize: 4})
	require.NoError(t, err)
	sub := m.Subscribe()

	m.Ingest(testKey(), "DDoS-SYN_Flood", model.SeverityMedium, 0.9, "", 100)

	select {
	case a := <-sub.Chan():
		require.Equal(t, "DDoS-SYN_Flood", a.Label)
	case <-time.After(time.Second):
		t.Fatal("expected alert on subscriber channel")
	}
}

func TestSubscriberOverflowDropsOldestAndFlagsDegraded(t *testing.T) {
	m, err := New(Config{SubscriberBufferSize: 1})
	require.NoError(t, err)
	sub := m.Subscribe()

	k1, k2 := testKey(), testKey()
	k2.SrcPort = 2
	m.Ingest(k1, "DDoS-SYN_Flood", model.SeverityMedium, 0.9, "", 100)
	m.Ingest(k2, "SqlInjection", model.SeverityHigh, 0.9, "", 100)

	require.True(t, sub.Degraded())
}

func TestDurableLogReplayReconstructsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.jsonl")

	m1, err := New(Config{LogPath: path})
	require.NoError(t, err)
	a := m1.Ingest(testKey(), "DDoS-SYN_Flood", model.SeverityMedium, 0.9, "", 100)
	require.NoError(t, m1.Close())

	m2, err := New(Config{LogPath: path})
	require.NoError(t, err)
	results := m2.Query(Filters{})
	require.Len(t, results, 1)
	require.Equal(t, a.ID, results[0].ID)
	require.NoError(t, m2.Close())
}
