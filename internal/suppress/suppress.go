// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package suppress implements the filter cascade that decides, for each
// (flow snapshot, prediction) pair, whether to emit an alert or suppress
// it with a recorded reason.
package suppress

import (
	"net"
	"strings"
	"sync"
	"time"

	"flowsentry.dev/core/internal/baseline"
	"flowsentry.dev/core/internal/flow"
	"flowsentry.dev/core/internal/model"
)

// Reason names why a layer suppressed a prediction. The empty Reason means
// the cascade passed every layer and the alert should be emitted.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNotAThreat          Reason = "not_a_threat"
	ReasonLowConfidence       Reason = "low_confidence"
	ReasonInsufficientTraffic Reason = "insufficient_traffic"
	ReasonCloudTraffic        Reason = "cloud_traffic"
	ReasonWhitelistedIP       Reason = "whitelisted_ip"
	ReasonPrivateNetwork      Reason = "private_network"
	ReasonLegitimateLowVolume Reason = "legitimate_low_volume"
	ReasonBaselineMatch       Reason = "baseline_match"
)

// Verdict is the cascade's outcome for one (flow, prediction) pair.
type Verdict struct {
	Emit   bool
	Reason Reason
}

// Config tunes every layer of the cascade; see spec §4.5/§6 for defaults.
type Config struct {
	Mode string // "threshold" (all layers) or "pure_ml" (layer 1 only)

	IgnoredAttackTypes []string

	ConfidenceThreshold float64
	MinPacketThreshold  int

	CloudPrefixes []string
	CloudASNs     []uint // known cloud-provider ASNs, corroborated via ASNLookup
	WhitelistIPs  []*net.IPNet

	FilterPrivateNetworks bool

	WhitelistPorts                map[uint16]bool
	LegitimatePortPacketThreshold int
}

// debugEntry is one record in the append-only suppression ring.
type debugEntry struct {
	At     time.Time
	Key    flow.Key
	Label  string
	Reason Reason
}

// ASNLookup resolves the autonomous system number advertising ip, or 0 if
// unknown. Satisfied by *geoctx.Enricher; left nil to disable the
// ASN-based corroboration on layer 4.
type ASNLookup interface {
	ASNOf(ip string) uint
}

// Cascade is the Suppressor: an ordered, short-circuiting sequence of
// layers plus a bounded debug ring for tuning, grounded on the teacher's
// ordered-rule classifier shape (internal/sentinel.Classifier.Classify).
type Cascade struct {
	cfg      Config
	baseline *baseline.Baseline
	asn      ASNLookup

	mu   sync.Mutex
	ring []debugEntry
	cap  int
}

// New constructs a Cascade. b may be nil if adaptive baseline is disabled.
func New(cfg Config, b *baseline.Baseline) *Cascade {
	return &Cascade{cfg: cfg, baseline: b, cap: 1000}
}

// WithASNLookup attaches a secondary, data-driven corroboration source for
// layer 4's cloud-provider check, alongside the configured prefix list.
func (c *Cascade) WithASNLookup(l ASNLookup) *Cascade {
	c.asn = l
	return c
}

// Evaluate runs snap/pred through every configured layer in order,
// short-circuiting on the first suppress, and records the outcome to the
// debug ring.
func (c *Cascade) Evaluate(snap flow.Snapshot, pred model.Prediction) Verdict {
	v := c.evaluate(snap, pred)
	c.record(snap.Key, pred.Label, v.Reason)
	return v
}

func (c *Cascade) evaluate(snap flow.Snapshot, pred model.Prediction) Verdict {
	// Layer 1: threat class.
	if pred.Label == model.BenignLabel || contains(c.cfg.IgnoredAttackTypes, pred.Label) {
		return Verdict{false, ReasonNotAThreat}
	}
	if c.cfg.Mode == "pure_ml" {
		return Verdict{true, ReasonNone}
	}

	// Layer 2: confidence.
	threshold := c.cfg.ConfidenceThreshold
	if threshold == 0 {
		threshold = 0.95
	}
	if pred.Confidence < threshold {
		return Verdict{false, ReasonLowConfidence}
	}

	// Layer 3: packet count.
	minPackets := c.cfg.MinPacketThreshold
	if minPackets == 0 {
		minPackets = 200
	}
	if snap.Counters.PacketCount < uint64(minPackets) {
		return Verdict{false, ReasonInsufficientTraffic}
	}

	// Layer 4: cloud-provider whitelist.
	if c.matchesCloudPrefix(snap.Key.SrcIP) || c.matchesCloudPrefix(snap.Key.DstIP) {
		return Verdict{false, ReasonCloudTraffic}
	}

	// Layer 4.5: explicit IP whitelist.
	if c.matchesWhitelistIP(snap.Key.SrcIP) || c.matchesWhitelistIP(snap.Key.DstIP) {
		return Verdict{false, ReasonWhitelistedIP}
	}

	// Layer 5: private-network filter.
	if c.cfg.FilterPrivateNetworks && !hasPublicEndpoint(snap.Key.SrcIP, snap.Key.DstIP) {
		return Verdict{false, ReasonPrivateNetwork}
	}

	// Layer 6: legitimate-port-with-low-volume.
	threshold2 := c.cfg.LegitimatePortPacketThreshold
	if threshold2 == 0 {
		threshold2 = 500
	}
	if c.cfg.WhitelistPorts[snap.Key.DstPort] && snap.Counters.PacketCount < uint64(threshold2) {
		return Verdict{false, ReasonLegitimateLowVolume}
	}

	// Layer 7: adaptive baseline.
	if c.baseline != nil {
		rate, size := rateAndSize(snap)
		fp := baseline.FingerprintFor(snap.Key.Protocol, snap.Key.DstPort, rate, size)
		if c.baseline.Observe(fp) {
			return Verdict{false, ReasonBaselineMatch}
		}
	}

	return Verdict{true, ReasonNone}
}

func rateAndSize(snap flow.Snapshot) (ratePerSecond, meanPacketSize float64) {
	n := len(snap.Packets)
	if n == 0 {
		return 0, 0
	}
	var totalBytes int
	for _, p := range snap.Packets {
		totalBytes += p.TotalLen
	}
	meanPacketSize = float64(totalBytes) / float64(n)
	dur := snap.LastSeen.Sub(snap.FirstSeen).Seconds()
	if dur <= 0 {
		return float64(n), meanPacketSize
	}
	return float64(n) / dur, meanPacketSize
}

func (c *Cascade) matchesCloudPrefix(ip string) bool {
	for _, prefix := range c.cfg.CloudPrefixes {
		if strings.HasPrefix(ip, prefix) {
			return true
		}
	}
	return c.matchesCloudASN(ip)
}

// matchesCloudASN corroborates the prefix list with a live ASN lookup
// (when configured) against the operator's known-cloud-ASN list.
func (c *Cascade) matchesCloudASN(ip string) bool {
	if c.asn == nil || len(c.cfg.CloudASNs) == 0 {
		return false
	}
	n := c.asn.ASNOf(ip)
	if n == 0 {
		return false
	}
	for _, known := range c.cfg.CloudASNs {
		if known == n {
			return true
		}
	}
	return false
}

func (c *Cascade) matchesWhitelistIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range c.cfg.WhitelistIPs {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

// hasPublicEndpoint reports whether at least one of src/dst is a public
// address (not RFC1918, link-local, loopback, or multicast).
func hasPublicEndpoint(src, dst string) bool {
	return !isPrivate(src) || !isPrivate(dst)
}

func isPrivate(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsMulticast()
}

func contains(set []string, s string) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func (c *Cascade) record(key flow.Key, label string, reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = append(c.ring, debugEntry{At: time.Now(), Key: key, Label: label, Reason: reason})
	if len(c.ring) > c.cap {
		c.ring = c.ring[len(c.ring)-c.cap:]
	}
}

// DebugRing returns a copy of the bounded suppression debug ring, newest
// entries last.
func (c *Cascade) DebugRing() []debugEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]debugEntry, len(c.ring))
	copy(out, c.ring)
	return out
}

// ParseWhitelistIPs parses a list of CIDR strings into *net.IPNet, accepting
// (and not erroring on) bare IPs by widening them to a /32 or /128.
func ParseWhitelistIPs(cidrs []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, s := range cidrs {
		if !strings.Contains(s, "/") {
			if ip := net.ParseIP(s); ip != nil {
				if ip.To4() != nil {
					s = s + "/32"
				} else {
					s = s + "/128"
				}
			}
		}
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ipnet)
	}
	return out, nil
}

// ParseWhitelistPorts converts a slice of ints into the lookup set Evaluate
// expects.
func ParseWhitelistPorts(ports []int) map[uint16]bool {
	out := make(map[uint16]bool, len(ports))
	for _, p := range ports {
		out[uint16(p)] = true
	}
	return out
}
