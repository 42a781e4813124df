// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flowstore append-only persists every scored flow to sqlite, one
// row per scored flow, decoupled from the scoring hot path via a bounded
// write queue.
package flowstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"flowsentry.dev/core/internal/features"
	"flowsentry.dev/core/internal/flow"
	"flowsentry.dev/core/internal/logging"
	"flowsentry.dev/core/internal/model"
)

var (
	writesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsentry_flowstore_writes_dropped_total",
		Help: "Total records dropped because the flow store write queue was full.",
	})
	bypassDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsentry_flowstore_bypass_dropped_total",
		Help: "Total records silently discarded while the flow store is in bypass mode.",
	})
	bypassActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowsentry_flowstore_bypass_active",
		Help: "1 when the flow store has tripped into bypass mode, 0 otherwise.",
	})
)

func init() {
	prometheus.MustRegister(writesDropped, bypassDroppedTotal, bypassActive)
}

// Record is one persisted row: flow identity, the 37-feature vector in
// canonical order, and the prediction summary, per spec §4.8.
type Record struct {
	ID         int64
	Timestamp  time.Time
	Key        flow.Key
	Features   features.Vector
	Label      string
	Severity   model.Severity
	Confidence float64
	Method     string

	GroundTruth   string
	LabelVerified bool
}

// FilterConfig tunes ingest-time persistence decisions, per spec §4.8.
type FilterConfig struct {
	SaveBenignFlows     bool
	SaveAttackFlows     bool
	MinConfidenceToSave float64
}

// bypassFailureThreshold and bypassWindow bound the "N consecutive
// failures within a window" rule of spec §7: five failed writes inside
// one minute trip bypass mode.
const (
	bypassFailureThreshold = 5
	bypassWindow           = time.Minute
)

// OperationalAlert is invoked at most once per bypass-mode transition, to
// let the composition root raise it through the Alert Manager without
// this package importing it back.
type OperationalAlert func(message string)

// Store owns the sqlite-backed flow table and its bounded write queue.
type Store struct {
	db  *sql.DB
	log *logging.Logger

	filter FilterConfig

	queue   chan Record
	dropped uint64
	mu      sync.Mutex

	retentionDays int

	failMu        sync.Mutex
	consecutive   int
	windowStart   time.Time
	bypassed      bool
	bypassDropped uint64
	onBypass      OperationalAlert

	wg   sync.WaitGroup
	done chan struct{}
}

// Open opens or creates the sqlite database at directory/flows.db,
// grounded on the teacher's internal/analytics/store.go Open/initSchema
// shape.
func Open(directory string, filter FilterConfig, retentionDays int) (*Store, error) {
	path := filepath.Join(directory, "flows.db")
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("flowstore: open %q: %w", path, err)
	}
	s := &Store{
		db:            db,
		log:           logging.WithComponent("flowstore"),
		filter:        filter,
		queue:         make(chan Record, 10000),
		retentionDays: retentionDays,
		done:          make(chan struct{}),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

func (s *Store) initSchema() error {
	cols := make([]string, features.Count)
	for i, name := range features.Names {
		cols[i] = fmt.Sprintf("f_%d REAL NOT NULL DEFAULT 0", i)
		_ = name
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS flows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		src_ip TEXT NOT NULL,
		dst_ip TEXT NOT NULL,
		protocol INTEGER NOT NULL,
		src_port INTEGER NOT NULL,
		dst_port INTEGER NOT NULL,
		%s,
		predicted_label TEXT NOT NULL,
		severity TEXT NOT NULL,
		confidence REAL NOT NULL,
		method TEXT NOT NULL,
		ground_truth TEXT,
		label_verified INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_flows_time_label ON flows(timestamp, predicted_label);
	CREATE INDEX IF NOT EXISTS idx_flows_endpoints ON flows(src_ip, dst_ip);
	CREATE INDEX IF NOT EXISTS idx_flows_label ON flows(predicted_label);
	`, strings.Join(cols, ",\n\t\t"))
	_, err := s.db.Exec(schema)
	return err
}

// Ingest applies the save_benign_flows/save_attack_flows/min_confidence_to_save
// filters and, if the record passes, enqueues it for the writer; a full
// queue drops the newest record with a counter increment rather than
// blocking the scoring hot path, per spec §4.8. In bypass mode (see
// SetOperationalAlert) records are accepted and silently discarded so the
// scoring pipeline never observes backpressure from a failed store.
func (s *Store) Ingest(r Record) {
	if r.Label == model.BenignLabel {
		if !s.filter.SaveBenignFlows {
			return
		}
	} else if !s.filter.SaveAttackFlows {
		return
	}
	if r.Confidence < s.filter.MinConfidenceToSave {
		return
	}

	if s.Bypassed() {
		s.mu.Lock()
		s.bypassDropped++
		s.mu.Unlock()
		bypassDroppedTotal.Inc()
		return
	}

	select {
	case s.queue <- r:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		writesDropped.Inc()
		s.log.Warn("flow store queue full, dropping record", "key", r.Key)
	}
}

// Dropped returns the count of records dropped due to a full write queue.
func (s *Store) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// BypassDropped returns the count of records silently discarded while in
// bypass mode.
func (s *Store) BypassDropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bypassDropped
}

// SetOperationalAlert registers the callback invoked once, at the moment
// the store trips into bypass mode. Must be called before Open's writer
// goroutine observes its first failure to avoid a missed notification;
// composition roots call it immediately after Open.
func (s *Store) SetOperationalAlert(f OperationalAlert) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.onBypass = f
}

// Bypassed reports whether the store has tripped into bypass mode, per
// spec §7. Once tripped the store does not self-heal; recovery requires a
// restart, mirroring the teacher's circuit-breaker components' lack of
// automatic reset.
func (s *Store) Bypassed() bool {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.bypassed
}

// recordFailure tracks consecutive write failures within bypassWindow and
// trips bypass mode, emitting one operational alert, once the threshold is
// crossed.
func (s *Store) recordFailure() {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	now := time.Now()
	if s.windowStart.IsZero() || now.Sub(s.windowStart) > bypassWindow {
		s.windowStart = now
		s.consecutive = 0
	}
	s.consecutive++
	if s.consecutive >= bypassFailureThreshold && !s.bypassed {
		s.bypassed = true
		bypassActive.Set(1)
		s.log.Error("flow store entering bypass mode after repeated write failures",
			"consecutive_failures", s.consecutive, "window", bypassWindow)
		if s.onBypass != nil {
			s.onBypass(fmt.Sprintf("flow store switched to bypass mode after %d consecutive write failures", s.consecutive))
		}
	}
}

func (s *Store) recordSuccess() {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.consecutive = 0
	s.windowStart = time.Time{}
}

func (s *Store) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case r := <-s.queue:
			if err := s.write(r); err != nil {
				s.log.Error("failed to persist flow record", "error", err)
				s.recordFailure()
			} else {
				s.recordSuccess()
			}
		case <-s.done:
			// Drain whatever remains before returning, for at most the
			// 10-second shutdown deadline; records still queued then are
			// dropped and counted in writesDropped.
			deadline := time.After(10 * time.Second)
			for {
				select {
				case r := <-s.queue:
					_ = s.write(r)
				case <-deadline:
					writesDropped.Add(float64(len(s.queue)))
					return
				default:
					return
				}
			}
		}
	}
}

func (s *Store) write(r Record) error {
	args := make([]any, 0, 6+features.Count+5)
	args = append(args, r.Timestamp.Unix(), r.Key.SrcIP, r.Key.DstIP, r.Key.Protocol, r.Key.SrcPort, r.Key.DstPort)
	for _, v := range r.Features {
		args = append(args, v)
	}
	args = append(args, r.Label, string(r.Severity), r.Confidence, r.Method, nullable(r.GroundTruth), r.LabelVerified)

	placeholders := make([]string, len(args))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	featureCols := make([]string, features.Count)
	for i := range featureCols {
		featureCols[i] = fmt.Sprintf("f_%d", i)
	}
	query := fmt.Sprintf(
		"INSERT INTO flows (timestamp, src_ip, dst_ip, protocol, src_port, dst_port, %s, predicted_label, severity, confidence, method, ground_truth, label_verified) VALUES (%s)",
		strings.Join(featureCols, ", "), strings.Join(placeholders, ", "),
	)
	_, err := s.db.Exec(query, args...)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Recent returns the newest-first subset of persisted records, optionally
// since a timestamp.
func (s *Store) Recent(limit int, since time.Time) ([]Record, error) {
	query := "SELECT id, timestamp, src_ip, dst_ip, protocol, src_port, dst_port, predicted_label, severity, confidence, method, ground_truth, label_verified FROM flows"
	args := []any{}
	if !since.IsZero() {
		query += " WHERE timestamp >= ?"
		args = append(args, since.Unix())
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	return s.queryRecords(query, args...)
}

// ByAttack returns records matching label, newest-first.
func (s *Store) ByAttack(label string, limit int) ([]Record, error) {
	query := "SELECT id, timestamp, src_ip, dst_ip, protocol, src_port, dst_port, predicted_label, severity, confidence, method, ground_truth, label_verified FROM flows WHERE predicted_label = ? ORDER BY id DESC LIMIT ?"
	return s.queryRecords(query, label, limit)
}

func (s *Store) queryRecords(query string, args ...any) ([]Record, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts int64
		var groundTruth sql.NullString
		var verified int
		if err := rows.Scan(&r.ID, &ts, &r.Key.SrcIP, &r.Key.DstIP, &r.Key.Protocol, &r.Key.SrcPort, &r.Key.DstPort,
			&r.Label, &r.Severity, &r.Confidence, &r.Method, &groundTruth, &verified); err != nil {
			return nil, err
		}
		r.Timestamp = time.Unix(ts, 0)
		r.GroundTruth = groundTruth.String
		r.LabelVerified = verified != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// StatisticsSummary is the aggregate returned by Statistics.
type StatisticsSummary struct {
	Total      int
	ByLabel    map[string]int
	BySeverity map[string]int
}

// Statistics returns aggregate counts over the last `hours` hours.
func (s *Store) Statistics(hours int) (StatisticsSummary, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour).Unix()
	out := StatisticsSummary{ByLabel: map[string]int{}, BySeverity: map[string]int{}}

	rows, err := s.db.Query("SELECT predicted_label, severity, COUNT(*) FROM flows WHERE timestamp >= ? GROUP BY predicted_label, severity", since)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var label, severity string
		var count int
		if err := rows.Scan(&label, &severity, &count); err != nil {
			return out, err
		}
		out.Total += count
		out.ByLabel[label] += count
		out.BySeverity[severity] += count
	}
	return out, rows.Err()
}

// Export streams matching records, oldest first, to emit for training
// bootstrapping; an empty label matches every record.
func (s *Store) Export(ctx context.Context, label string, emit func(Record) error) error {
	query := "SELECT id, timestamp, src_ip, dst_ip, protocol, src_port, dst_port, predicted_label, severity, confidence, method, ground_truth, label_verified FROM flows"
	args := []any{}
	if label != "" {
		query += " WHERE predicted_label = ?"
		args = append(args, label)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		var r Record
		var ts int64
		var groundTruth sql.NullString
		var verified int
		if err := rows.Scan(&r.ID, &ts, &r.Key.SrcIP, &r.Key.DstIP, &r.Key.Protocol, &r.Key.SrcPort, &r.Key.DstPort,
			&r.Label, &r.Severity, &r.Confidence, &r.Method, &groundTruth, &verified); err != nil {
			return err
		}
		r.Timestamp = time.Unix(ts, 0)
		r.GroundTruth = groundTruth.String
		r.LabelVerified = verified != 0
		if err := emit(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Sweep deletes rows older than retention_days; a retentionDays of 0
// disables sweeping.
func (s *Store) Sweep() (int64, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays).Unix()
	result, err := s.db.Exec("DELETE FROM flows WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Run periodically sweeps expired rows until ctx is cancelled, per spec
// §4.8's hourly sweeper.
func (s *Store) Run(ctx context.Context) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := s.Sweep(); err != nil {
				s.log.Error("retention sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info("retention sweep removed expired flow records", "count", n)
			}
		}
	}
}

// Close drains the write queue (for at most 10 seconds, see writeLoop) and
// closes the database.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}
