// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package baseline implements the adaptive, network-wide learning window that
// backs the Suppressor's layer 7: during the learning period, fingerprints
// are only counted; once the window closes, a fingerprint seen often enough
// during learning is treated as this network's normal and suppressed.
package baseline

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"
)

// Fingerprint identifies a class of traffic for baseline purposes:
// (protocol, destination port, rate bucket, packet-size bucket).
type Fingerprint struct {
	Protocol   uint8
	DstPort    uint16
	RateBucket int
	SizeBucket int
}

// Bucket applies floor(log2(x+1)) bucketing, per spec §9's Open Question
// resolution: coarse enough to generalize, cheap enough to compute inline.
func Bucket(x float64) int {
	if x < 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return int(math.Floor(math.Log2(x + 1)))
}

// persisted is the on-disk snapshot of the baseline's state, written by
// Save: on each Run tick and once more when Run's done channel closes.
type persisted struct {
	StartedAt time.Time      `json:"started_at"`
	Elapsed   time.Duration  `json:"elapsed"`
	Counts    map[string]int `json:"counts"`
}

// Baseline owns the fingerprint occurrence table and the learning-window
// clock. All operations are serialized through a single mutex; the clock
// survives restarts via persisted elapsed time rather than wall-clock
// start time, so capture gaps never extend the window per spec §4.6.
type Baseline struct {
	mu sync.Mutex

	enabled        bool
	learningPeriod time.Duration
	minOccurrences int

	path string

	startedAt     time.Time
	elapsedAtLoad time.Duration
	counts        map[Fingerprint]int
	closed        bool
}

// Config tunes a Baseline.
type Config struct {
	Enabled                bool
	LearningPeriod         time.Duration
	BaselineMinOccurrences int
	PersistPath            string
}

// New constructs a Baseline and loads any persisted state at PersistPath.
func New(cfg Config) (*Baseline, error) {
	b := &Baseline{
		enabled:        cfg.Enabled,
		learningPeriod: cfg.LearningPeriod,
		minOccurrences: cfg.BaselineMinOccurrences,
		path:           cfg.PersistPath,
		startedAt:      time.Now(),
		counts:         make(map[Fingerprint]int),
	}
	if cfg.PersistPath == "" {
		return b, nil
	}
	data, err := os.ReadFile(cfg.PersistPath)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("baseline: read state: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("baseline: parse state: %w", err)
	}
	b.elapsedAtLoad = p.Elapsed
	for k, v := range p.Counts {
		var fp Fingerprint
		if _, err := fmt.Sscanf(k, "%d|%d|%d|%d", &fp.Protocol, &fp.DstPort, &fp.RateBucket, &fp.SizeBucket); err == nil {
			b.counts[fp] = v
		}
	}
	if b.elapsedAtLoad >= b.learningPeriod {
		b.closed = true
	}
	return b, nil
}

func (k Fingerprint) String() string {
	return fmt.Sprintf("%d|%d|%d|%d", k.Protocol, k.DstPort, k.RateBucket, k.SizeBucket)
}

// elapsedLocked returns the total learning-window elapsed time, combining
// time persisted from prior runs with time elapsed since this process
// started.
func (b *Baseline) elapsedLocked() time.Duration {
	return b.elapsedAtLoad + time.Since(b.startedAt)
}

// Learning reports whether the learning window is still open.
func (b *Baseline) Learning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled && !b.closed && b.elapsedLocked() < b.learningPeriod
}

// Observe records a fingerprint occurrence while the learning window is
// open and then reports false. Once the window has closed it records
// nothing and reports whether the fingerprint was seen at least
// minOccurrences times during learning (baseline_match). Called by the
// Suppressor's layer 7 check, per spec §4.6.
func (b *Baseline) Observe(fp Fingerprint) (matched bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return false
	}
	if !b.closed && b.elapsedLocked() >= b.learningPeriod {
		b.closed = true
	}
	if !b.closed {
		b.counts[fp]++
		return false
	}
	return b.counts[fp] >= b.minOccurrences
}

// FingerprintFor derives the baseline fingerprint for a flow from its
// protocol, destination port, packets-per-second rate, and mean packet
// size, per spec §4.6.
func FingerprintFor(protocol uint8, dstPort uint16, ratePerSecond, meanPacketSize float64) Fingerprint {
	return Fingerprint{
		Protocol:   protocol,
		DstPort:    dstPort,
		RateBucket: Bucket(ratePerSecond),
		SizeBucket: Bucket(meanPacketSize),
	}
}

// Save persists the current learning-window state to PersistPath. A no-op
// if no path was configured.
func (b *Baseline) Save() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.path == "" {
		return nil
	}
	counts := make(map[string]int, len(b.counts))
	for k, v := range b.counts {
		counts[k.String()] = v
	}
	p := persisted{
		StartedAt: b.startedAt,
		Elapsed:   b.elapsedLocked(),
		Counts:    counts,
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("baseline: marshal state: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("baseline: write state: %w", err)
	}
	return os.Rename(tmp, b.path)
}

// Run periodically persists state until done is closed, mirroring the
// Flow Aggregator's idle-eviction ticker shape.
func (b *Baseline) Run(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			_ = b.Save()
			return
		case <-t.C:
			_ = b.Save()
		}
	}
}
