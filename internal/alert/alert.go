// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alert owns the alert lifecycle: monotonic ID assignment,
// dedup-aware ingestion, the acknowledgement/status state machine,
// durable append-only logging with startup replay, and subscriber fan-out.
package alert

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"flowsentry.dev/core/internal/flow"
	"flowsentry.dev/core/internal/logging"
	"flowsentry.dev/core/internal/model"
)

var (
	alertsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsentry_alerts_ingested_total",
		Help: "Total alerts created by the Alert Manager, after dedup.",
	})
	subscriberOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsentry_alert_subscriber_overflows_total",
		Help: "Total times a subscriber's buffer was full and its oldest alert was dropped.",
	})
)

func init() {
	prometheus.MustRegister(alertsIngested, subscriberOverflows)
}

// Status is the alert lifecycle state.
type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusFalsePositive Status = "false_positive"
)

func (s Status) terminal() bool {
	return s == StatusResolved || s == StatusFalsePositive
}

// Alert is one record in the Alert Manager's table. Internal fields use
// Go-idiomatic names; the wire/persisted shape is fixed by spec §6 and
// produced by MarshalJSON/UnmarshalJSON below, not by these struct tags.
type Alert struct {
	ID          uint64
	CreatedAt   time.Time
	LastUpdated time.Time
	FlowKey     flow.Key
	Label       string
	Severity    model.Severity
	Confidence  float64
	Context     string

	Acknowledged bool
	AckUser      string
	AckTime      time.Time

	AssignedUser string
	Notes        string
	Status       Status

	PacketCount uint64
}

// dedupeKeyFor builds the dedup key the spec requires: the full flow
// 5-tuple plus threat label (spec §4.7/§3), so two distinct flows that
// merely share endpoints but differ in protocol or port never collapse
// into one alert.
func dedupeKeyFor(fk flow.Key, label string) string {
	return fmt.Sprintf("%s|%s|%d|%d|%d|%s", fk.SrcIP, fk.DstIP, fk.Protocol, fk.SrcPort, fk.DstPort, label)
}

func (a Alert) dedupeKey() string {
	return dedupeKeyFor(a.FlowKey, a.Label)
}

// wireAlert is the fixed, flat JSON shape spec §6 assigns to both the
// persisted alert log and (with a `new` marker) the subscription stream.
type wireAlert struct {
	ID           uint64         `json:"id"`
	Timestamp    float64        `json:"timestamp"`
	SrcIP        string         `json:"src_ip"`
	DstIP        string         `json:"dst_ip"`
	SrcPort      uint16         `json:"src_port"`
	DstPort      uint16         `json:"dst_port"`
	Protocol     uint8          `json:"protocol"`
	Threat       string         `json:"threat"`
	Severity     model.Severity `json:"severity"`
	Confidence   float64        `json:"confidence"`
	Context      string         `json:"context"`
	Acknowledged bool           `json:"acknowledged"`
	AckUser      string         `json:"ack_user"`
	AckTime      float64        `json:"ack_time"`
	Status       Status         `json:"status"`
	Notes        string         `json:"notes"`
}

// epochSeconds renders t as wall time in seconds since epoch, as a float,
// per spec §6. The zero time renders as 0.
func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func timeFromEpochSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(s*1e9))
}

func (a Alert) toWire() wireAlert {
	return wireAlert{
		ID:           a.ID,
		Timestamp:    epochSeconds(a.CreatedAt),
		SrcIP:        a.FlowKey.SrcIP,
		DstIP:        a.FlowKey.DstIP,
		SrcPort:      a.FlowKey.SrcPort,
		DstPort:      a.FlowKey.DstPort,
		Protocol:     a.FlowKey.Protocol,
		Threat:       a.Label,
		Severity:     a.Severity,
		Confidence:   a.Confidence,
		Context:      a.Context,
		Acknowledged: a.Acknowledged,
		AckUser:      a.AckUser,
		AckTime:      epochSeconds(a.AckTime),
		Status:       a.Status,
		Notes:        a.Notes,
	}
}

func (a *Alert) fromWire(w wireAlert) {
	a.ID = w.ID
	a.CreatedAt = timeFromEpochSeconds(w.Timestamp)
	a.LastUpdated = a.CreatedAt
	a.FlowKey = flow.Key{SrcIP: w.SrcIP, DstIP: w.DstIP, Protocol: w.Protocol, SrcPort: w.SrcPort, DstPort: w.DstPort}
	a.Label = w.Threat
	a.Severity = w.Severity
	a.Confidence = w.Confidence
	a.Context = w.Context
	a.Acknowledged = w.Acknowledged
	a.AckUser = w.AckUser
	a.AckTime = timeFromEpochSeconds(w.AckTime)
	a.Status = w.Status
	a.Notes = w.Notes
}

// MarshalJSON renders the spec §6 flat persisted-record shape.
func (a Alert) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.toWire())
}

// UnmarshalJSON parses the spec §6 flat persisted-record shape.
func (a *Alert) UnmarshalJSON(data []byte) error {
	var w wireAlert
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	a.fromWire(w)
	return nil
}

// SubscriptionFrame is the wire shape pushed to subscribers: the
// persisted alert record per spec §6 plus a new:true marker, set on every
// frame since Subscribe() only ever broadcasts an alert's first
// appearance (dedupe-matched updates are persisted but never broadcast).
type SubscriptionFrame struct {
	wireAlert
	New bool `json:"new"`
}

// SubscriptionFrame builds the push-subscription wire frame for a.
func (a Alert) SubscriptionFrame() SubscriptionFrame {
	return SubscriptionFrame{wireAlert: a.toWire(), New: true}
}

// NotificationSink is invoked for every newly created alert. Implementations
// must not block the Manager's single writer for long; slow sinks should
// queue internally.
type NotificationSink interface {
	Notify(a Alert)
}

// ResponseSink is an optional automated-response pluggable sink; the core
// ships only a no-op implementation (see NoopResponseSink).
type ResponseSink interface {
	Respond(a Alert)
}

// NoopResponseSink never takes automated action, per spec §1's scoping of
// automated response as out of the detection core's hard-part.
type NoopResponseSink struct{}

func (NoopResponseSink) Respond(Alert) {}

// Subscriber receives newly created alerts from its subscription point
// forward via a bounded, drop-oldest channel.
type Subscriber struct {
	ch       chan Alert
	mu       sync.Mutex
	degraded bool
}

// Chan returns the channel to receive alerts on.
func (s *Subscriber) Chan() <-chan Alert { return s.ch }

// Degraded reports whether this subscriber has ever dropped an alert due
// to a full buffer.
func (s *Subscriber) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Subscriber) send(a Alert) {
	select {
	case s.ch <- a:
	default:
		// Drop oldest to make room, then send, per spec §4.7.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- a:
		default:
		}
		s.mu.Lock()
		s.degraded = true
		s.mu.Unlock()
		subscriberOverflows.Inc()
	}
}

// Config tunes the Alert Manager.
type Config struct {
	MaxAlerts            int
	DedupeWindow         time.Duration
	SubscriberBufferSize int
	LogPath              string
}

// Manager owns the monotonic ID counter and the bounded alert table. All
// mutating operations are serialized through mu. Query also holds mu while
// it copies the table into a snapshot, then filters that copy after
// releasing the lock; reads are not lock-free.
type Manager struct {
	cfg Config
	log *logging.Logger

	mu        sync.Mutex
	nextID    uint64
	byID      map[uint64]*Alert
	order     []uint64 // insertion order, for bounded eviction and query newest-first
	dedupeIdx map[string]uint64

	subsMu sync.Mutex
	subs   []*Subscriber

	notifySinks   []NotificationSink
	responseSinks []ResponseSink

	logFile *durableLog
}

// New constructs a Manager and replays any existing durable log.
func New(cfg Config) (*Manager, error) {
	if cfg.MaxAlerts == 0 {
		cfg.MaxAlerts = 10000
	}
	if cfg.DedupeWindow == 0 {
		cfg.DedupeWindow = 10 * time.Second
	}
	if cfg.SubscriberBufferSize == 0 {
		cfg.SubscriberBufferSize = 1024
	}
	m := &Manager{
		cfg:       cfg,
		log:       logging.WithComponent("alert.manager"),
		nextID:    1,
		byID:      make(map[uint64]*Alert),
		dedupeIdx: make(map[string]uint64),
	}
	if cfg.LogPath != "" {
		dl, err := openDurableLog(cfg.LogPath)
		if err != nil {
			return nil, err
		}
		m.logFile = dl
		if err := m.replay(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) replay() error {
	records, err := m.logFile.replay()
	if err != nil {
		return err
	}
	for _, a := range records {
		m.byID[a.ID] = &a
		m.order = append(m.order, a.ID)
		if !a.Status.terminal() {
			m.dedupeIdx[a.dedupeKey()] = a.ID
		}
		if a.ID >= m.nextID {
			m.nextID = a.ID + 1
		}
	}
	return nil
}

// AddNotificationSink registers a sink invoked on every newly created alert.
func (m *Manager) AddNotificationSink(s NotificationSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifySinks = append(m.notifySinks, s)
}

// AddResponseSink registers an automated-response sink.
func (m *Manager) AddResponseSink(s ResponseSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responseSinks = append(m.responseSinks, s)
}

// Ingest records a new threat detection, deduping against an existing
// non-terminal alert for the same (flow key, threat label) within the
// dedupe window, per spec §4.7.
func (m *Manager) Ingest(fk flow.Key, label string, severity model.Severity, confidence float64, context string, packetCount uint64) Alert {
	m.mu.Lock()

	key := dedupeKeyFor(fk, label)
	now := time.Now()
	if id, ok := m.dedupeIdx[key]; ok {
		if existing := m.byID[id]; existing != nil && now.Sub(existing.LastUpdated) <= m.cfg.DedupeWindow {
			if confidence > existing.Confidence {
				existing.Confidence = confidence
			}
			existing.LastUpdated = now
			existing.PacketCount = packetCount
			result := *existing
			m.mu.Unlock()
			m.persist(result)
			return result
		}
	}

	id := m.nextID
	m.nextID++
	a := &Alert{
		ID:          id,
		CreatedAt:   now,
		LastUpdated: now,
		FlowKey:     fk,
		Label:       label,
		Severity:    severity,
		Confidence:  confidence,
		Context:     context,
		Status:      StatusNew,
		PacketCount: packetCount,
	}
	m.byID[id] = a
	m.order = append(m.order, id)
	m.dedupeIdx[key] = id
	m.evictLocked()
	alertsIngested.Inc()

	sinks := append([]NotificationSink(nil), m.notifySinks...)
	responses := append([]ResponseSink(nil), m.responseSinks...)
	result := *a
	m.mu.Unlock()

	m.persist(result)
	m.broadcast(result)
	for _, s := range sinks {
		s.Notify(result)
	}
	for _, s := range responses {
		s.Respond(result)
	}
	return result
}

// evictLocked drops the oldest non-new alert once the table exceeds
// MaxAlerts, per spec §4.7.
func (m *Manager) evictLocked() {
	for len(m.order) > m.cfg.MaxAlerts {
		evicted := false
		for i, id := range m.order {
			a := m.byID[id]
			if a == nil {
				m.order = append(m.order[:i], m.order[i+1:]...)
				evicted = true
				break
			}
			if a.Status != StatusNew {
				delete(m.byID, id)
				delete(m.dedupeIdx, a.dedupeKey())
				m.order = append(m.order[:i], m.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			break
		}
	}
}

// Acknowledge sets acknowledged=true, ack_user, ack_time. Idempotent.
func (m *Manager) Acknowledge(id uint64, user, notes string) (Alert, bool) {
	m.mu.Lock()
	a, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return Alert{}, false
	}
	a.Acknowledged = true
	a.AckUser = user
	a.AckTime = time.Now()
	if notes != "" {
		a.Notes = notes
	}
	a.LastUpdated = time.Now()
	result := *a
	m.mu.Unlock()
	m.persist(result)
	return result, true
}

// SetStatus transitions id's status per the state machine in spec §4.7.
// Any non-terminal state may move to resolved/false_positive; an operator
// may explicitly re-open a terminal alert, recorded in notes.
func (m *Manager) SetStatus(id uint64, status Status, notes string) (Alert, bool) {
	m.mu.Lock()
	a, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return Alert{}, false
	}
	if a.Status == status {
		result := *a
		m.mu.Unlock()
		return result, true
	}
	prevStatus := a.Status
	wasTerminal := prevStatus.terminal()
	a.Status = status
	a.LastUpdated = time.Now()
	if wasTerminal && !status.terminal() {
		note := "reopened from " + string(prevStatus)
		if notes != "" {
			note = notes
		}
		a.Notes = note
	} else if notes != "" {
		a.Notes = notes
	}
	if !status.terminal() {
		m.dedupeIdx[a.dedupeKey()] = a.ID
	} else {
		delete(m.dedupeIdx, a.dedupeKey())
	}
	result := *a
	m.mu.Unlock()
	m.persist(result)
	return result, true
}

// Filters narrows Query's result set.
type Filters struct {
	Severity     model.Severity
	Label        string
	Acknowledged *bool
	Status       Status
	Limit        int
}

// Query returns matching alerts sorted newest-first.
func (m *Manager) Query(f Filters) []Alert {
	m.mu.Lock()
	snapshot := make([]Alert, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		a := m.byID[m.order[i]]
		if a == nil {
			continue
		}
		snapshot = append(snapshot, *a)
	}
	m.mu.Unlock()

	out := make([]Alert, 0, len(snapshot))
	for _, a := range snapshot {
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Label != "" && a.Label != f.Label {
			continue
		}
		if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Subscribe returns a Subscriber that receives every alert created from
// this point forward.
func (m *Manager) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan Alert, m.cfg.SubscriberBufferSize)}
	m.subsMu.Lock()
	m.subs = append(m.subs, s)
	m.subsMu.Unlock()
	return s
}

// Unsubscribe removes a Subscriber from the fan-out list.
func (m *Manager) Unsubscribe(s *Subscriber) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, x := range m.subs {
		if x == s {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

func (m *Manager) broadcast(a Alert) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, s := range m.subs {
		s.send(a)
	}
}

func (m *Manager) persist(a Alert) {
	if m.logFile == nil {
		return
	}
	if err := m.logFile.append(a); err != nil {
		m.log.Warn("failed to append alert log entry", "error", err, "alert_id", a.ID)
	}
}

// Close flushes and closes the durable log, if any.
func (m *Manager) Close() error {
	if m.logFile == nil {
		return nil
	}
	return m.logFile.close()
}
