// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"flowsentry.dev/core/internal/logging"
)

var (
	flowTableSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowsentry_flow_table_size",
		Help: "Number of live flows currently held in the flow table.",
	})
	flowsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsentry_flows_evicted_total",
		Help: "Total flows evicted from the flow table, idle or over capacity.",
	})
	scoreEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsentry_score_events_dropped_total",
		Help: "Total scoring events dropped because the scoring queue was full.",
	})
)

func init() {
	prometheus.MustRegister(flowTableSize, flowsEvicted, scoreEventsDropped)
}

// Config tunes the Aggregator. Zero values are replaced by DefaultConfig's.
type Config struct {
	// IdleTimeout is T_idle: a flow idle longer than this is evicted.
	IdleTimeout time.Duration
	// MaxFlows is F_max: the live flow table's capacity ceiling.
	MaxFlows int
	// ScoreTrigger is S: ingest schedules a scoring event once
	// packet_count - last_scored_packet_count >= S.
	ScoreTrigger uint64
}

// DefaultConfig mirrors spec defaults: T_idle=60s, F_max=50000, S=10.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:  60 * time.Second,
		MaxFlows:     50000,
		ScoreTrigger: 10,
	}
}

// ScoreEvent is handed to the scoring pipeline when a flow crosses its
// scoring threshold, either mid-life or at eviction (final scoring).
type ScoreEvent struct {
	Snapshot Snapshot
	Final    bool // true when this is the flow's eviction-triggered final score
}

// Aggregator owns the flow table. All mutation is serialized through mu;
// readers only ever see copy-on-read Snapshots. Modeled
// on the teacher's internal/ebpf/flow.Manager (mutex-guarded map + ticker
// driven cleanup), generalized to pure in-memory Flow records.
type Aggregator struct {
	cfg    Config
	logger *logging.Logger

	mu    sync.RWMutex
	table map[Key]*Flow
	lru   *list.List // front = most recently seen
	elems map[Key]*list.Element

	scoreCh chan ScoreEvent

	droppedPackets uint64
	evictedFlows   uint64
}

// New constructs an Aggregator. Pass cfg.ScoreTrigger == 0 to take the
// default of 10.
func New(cfg Config, logger *logging.Logger) *Aggregator {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.MaxFlows <= 0 {
		cfg.MaxFlows = DefaultConfig().MaxFlows
	}
	if cfg.ScoreTrigger == 0 {
		cfg.ScoreTrigger = DefaultConfig().ScoreTrigger
	}
	if logger == nil {
		logger = logging.WithComponent("flow")
	}
	return &Aggregator{
		cfg:     cfg,
		logger:  logger,
		table:   make(map[Key]*Flow),
		lru:     list.New(),
		elems:   make(map[Key]*list.Element),
		scoreCh: make(chan ScoreEvent, 1024),
	}
}

// Events returns the channel of scoring events for the Feature
// Extractor / Model Ensemble stage to consume.
func (a *Aggregator) Events() <-chan ScoreEvent { return a.scoreCh }

// canonicalKey resolves pkt's 5-tuple to the flow's canonical direction:
// the (src,dst) order first observed for this unordered endpoint pair.
func (a *Aggregator) canonicalKey(pkt Packet) Key {
	k := Key{SrcIP: pkt.SrcIP, DstIP: pkt.DstIP, Protocol: pkt.Protocol, SrcPort: pkt.SrcPort, DstPort: pkt.DstPort}
	if _, ok := a.table[k]; ok {
		return k
	}
	if _, ok := a.table[k.Reverse()]; ok {
		return k.Reverse()
	}
	return k
}

// Ingest locates or creates the flow for pkt, updates counters, and
// schedules a scoring event if the S threshold was crossed. It holds mu
// for the update, so it may run concurrently with Run's eviction.
func (a *Aggregator) Ingest(pkt Packet) {
	a.mu.Lock()
	k := a.canonicalKey(pkt)
	f, ok := a.table[k]
	if !ok {
		f = newFlow(k, pkt.WallTime)
		a.table[k] = f
		a.elems[k] = a.lru.PushFront(k)
		a.evictToCapacityLocked()
		flowTableSize.Set(float64(len(a.table)))
	} else {
		a.touchLocked(k)
	}
	f.append(pkt)
	pc := f.Counters.PacketCount
	shouldScore := pc-f.LastScoredPacketCount >= a.cfg.ScoreTrigger
	var snap Snapshot
	if shouldScore {
		f.LastScoredPacketCount = pc
		snap = f.snapshot()
	}
	a.mu.Unlock()

	if shouldScore {
		a.emit(ScoreEvent{Snapshot: snap})
	}
}

func (a *Aggregator) touchLocked(k Key) {
	if e, ok := a.elems[k]; ok {
		a.lru.MoveToFront(e)
	}
}

func (a *Aggregator) emit(ev ScoreEvent) {
	select {
	case a.scoreCh <- ev:
	default:
		scoreEventsDropped.Inc()
		a.logger.Warn("scoring queue full, dropping score event", "key", ev.Snapshot.Key)
	}
}

// EvictIdle removes flows idle longer than IdleTimeout, performing a
// final scoring pass first when packet_count >= 2.
func (a *Aggregator) EvictIdle(now time.Time) int {
	a.mu.Lock()
	var toEvict []Key
	for k, f := range a.table {
		if now.Sub(f.LastSeen) > a.cfg.IdleTimeout {
			toEvict = append(toEvict, k)
		}
	}
	finals := a.evictLocked(toEvict)
	a.mu.Unlock()

	for _, ev := range finals {
		a.emit(ev)
	}
	return len(toEvict)
}

// evictToCapacityLocked removes least-recently-seen flows until the table
// is at or under MaxFlows. Caller must hold a.mu.
func (a *Aggregator) evictToCapacityLocked() {
	for len(a.table) > a.cfg.MaxFlows {
		back := a.lru.Back()
		if back == nil {
			return
		}
		k := back.Value.(Key)
		for _, ev := range a.evictLocked([]Key{k}) {
			a.emit(ev)
		}
	}
}

// evictLocked removes the named flows, returning final ScoreEvents for
// flows with packet_count >= 2. Caller must hold a.mu.
func (a *Aggregator) evictLocked(keys []Key) []ScoreEvent {
	var finals []ScoreEvent
	for _, k := range keys {
		f, ok := a.table[k]
		if !ok {
			continue
		}
		if f.Counters.PacketCount >= 2 {
			finals = append(finals, ScoreEvent{Snapshot: f.snapshot(), Final: true})
		}
		delete(a.table, k)
		if e, ok := a.elems[k]; ok {
			a.lru.Remove(e)
			delete(a.elems, k)
		}
		a.evictedFlows++
		flowsEvicted.Inc()
	}
	flowTableSize.Set(float64(len(a.table)))
	return finals
}

// Snapshot returns an immutable view of (key, packet_count, last_seen) for
// every live flow.
func (a *Aggregator) Snapshot() []Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Snapshot, 0, len(a.table))
	for _, f := range a.table {
		out = append(out, f.snapshot())
	}
	return out
}

// FlowCount returns the number of live flows.
func (a *Aggregator) FlowCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.table)
}

// Run drives the idle-eviction ticker until ctx is cancelled, then
// finalizes every remaining flow (triggering final scoring) before
// returning — the cooperative shutdown sequence from spec §5.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdleTimeout / 4)
	defer ticker.Stop()

	a.logger.Info("flow aggregator started", "idle_timeout", a.cfg.IdleTimeout, "max_flows", a.cfg.MaxFlows, "score_trigger", a.cfg.ScoreTrigger)

	for {
		select {
		case <-ctx.Done():
			a.finalizeAll()
			close(a.scoreCh)
			a.logger.Info("flow aggregator stopped")
			return
		case <-ticker.C:
			a.EvictIdle(time.Now())
		}
	}
}

func (a *Aggregator) finalizeAll() {
	a.mu.Lock()
	keys := make([]Key, 0, len(a.table))
	for k := range a.table {
		keys = append(keys, k)
	}
	finals := a.evictLocked(keys)
	a.mu.Unlock()

	for _, ev := range finals {
		select {
		case a.scoreCh <- ev:
		default:
			a.logger.Warn("scoring queue full during shutdown finalization, dropping", "key", ev.Snapshot.Key)
		}
	}
}
