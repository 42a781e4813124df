// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package suppress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowsentry.dev/core/internal/flow"
	"flowsentry.dev/core/internal/model"
)

func baseSnapshot() flow.Snapshot {
	now := time.Now()
	return flow.Snapshot{
		Key: flow.Key{SrcIP: "203.0.113.5", DstIP: "198.51.100.9", Protocol: 6, SrcPort: 4444, DstPort: 8080},
		Counters: flow.Counters{
			PacketCount: 1000,
		},
		FirstSeen: now,
		LastSeen:  now.Add(time.Second),
		Packets:   []flow.PacketSummary{{TotalLen: 100}},
	}
}

func attackPrediction() model.Prediction {
	return model.Prediction{Label: "DDoS-SYN_Flood", Confidence: 0.99}
}

func TestLayer1SuppressesBenign(t *testing.T) {
	c := New(Config{Mode: "threshold"}, nil)
	v := c.Evaluate(baseSnapshot(), model.Prediction{Label: model.BenignLabel, Confidence: 1})
	require.False(t, v.Emit)
	require.Equal(t, ReasonNotAThreat, v.Reason)
}

func TestLayer1SuppressesIgnoredAttackType(t *testing.T) {
	c := New(Config{Mode: "threshold", IgnoredAttackTypes: []string{"DDoS-SYN_Flood"}}, nil)
	v := c.Evaluate(baseSnapshot(), attackPrediction())
	require.False(t, v.Emit)
	require.Equal(t, ReasonNotAThreat, v.Reason)
}

func TestPureMLModeSkipsAllButLayer1(t *testing.T) {
	c := New(Config{Mode: "pure_ml"}, nil)
	snap := baseSnapshot()
	snap.Counters.PacketCount = 1 // would fail layer 3 under threshold mode
	v := c.Evaluate(snap, attackPrediction())
	require.True(t, v.Emit)
}

func TestLayer2SuppressesLowConfidence(t *testing.T) {
	c := New(Config{Mode: "threshold", ConfidenceThreshold: 0.95}, nil)
	pred := attackPrediction()
	pred.Confidence = 0.5
	v := c.Evaluate(baseSnapshot(), pred)
	require.False(t, v.Emit)
	require.Equal(t, ReasonLowConfidence, v.Reason)
}

func TestLayer3SuppressesInsufficientTraffic(t *testing.T) {
	c := New(Config{Mode: "threshold", ConfidenceThreshold: 0.9, MinPacketThreshold: 200}, nil)
	snap := baseSnapshot()
	snap.Counters.PacketCount = 50
	v := c.Evaluate(snap, attackPrediction())
	require.False(t, v.Emit)
	require.Equal(t, ReasonInsufficientTraffic, v.Reason)
}

func TestLayer4SuppressesCloudPrefix(t *testing.T) {
	c := New(Config{Mode: "threshold", ConfidenceThreshold: 0.9, MinPacketThreshold: 1, CloudPrefixes: []string{"198.51.100."}}, nil)
	v := c.Evaluate(baseSnapshot(), attackPrediction())
	require.False(t, v.Emit)
	require.Equal(t, ReasonCloudTraffic, v.Reason)
}

func TestLayer4Point5SuppressesWhitelistedIP(t *testing.T) {
	nets, err := ParseWhitelistIPs([]string{"203.0.113.0/24"})
	require.NoError(t, err)
	c := New(Config{Mode: "threshold", ConfidenceThreshold: 0.9, MinPacketThreshold: 1, WhitelistIPs: nets}, nil)
	v := c.Evaluate(baseSnapshot(), attackPrediction())
	require.False(t, v.Emit)
	require.Equal(t, ReasonWhitelistedIP, v.Reason)
}

func TestLayer5SuppressesAllPrivateEndpoints(t *testing.T) {
	c := New(Config{Mode: "threshold", ConfidenceThreshold: 0.9, MinPacketThreshold: 1, FilterPrivateNetworks: true}, nil)
	snap := baseSnapshot()
	snap.Key.SrcIP = "10.0.0.1"
	snap.Key.DstIP = "192.168.1.1"
	v := c.Evaluate(snap, attackPrediction())
	require.False(t, v.Emit)
	require.Equal(t, ReasonPrivateNetwork, v.Reason)
}

func TestLayer6SuppressesLegitimatePortLowVolume(t *testing.T) {
	c := New(Config{
		Mode: "threshold", ConfidenceThreshold: 0.9, MinPacketThreshold: 1,
		WhitelistPorts: ParseWhitelistPorts([]int{443}), LegitimatePortPacketThreshold: 500,
	}, nil)
	snap := baseSnapshot()
	snap.Key.DstPort = 443
	snap.Counters.PacketCount = 10
	v := c.Evaluate(snap, attackPrediction())
	require.False(t, v.Emit)
	require.Equal(t, ReasonLegitimateLowVolume, v.Reason)
}

func TestFullCascadeEmitsWhenAllLayersPass(t *testing.T) {
	c := New(Config{Mode: "threshold", ConfidenceThreshold: 0.9, MinPacketThreshold: 1}, nil)
	v := c.Evaluate(baseSnapshot(), attackPrediction())
	require.True(t, v.Emit)
	require.Equal(t, ReasonNone, v.Reason)
}

func TestDebugRingBounded(t *testing.T) {
	c := New(Config{Mode: "threshold"}, nil)
	c.cap = 3
	for i := 0; i < 10; i++ {
		c.Evaluate(baseSnapshot(), model.Prediction{Label: model.BenignLabel})
	}
	require.Len(t, c.DebugRing(), 3)
}

type fakeASNLookup struct{ asns map[string]uint }

func (f fakeASNLookup) ASNOf(ip string) uint { return f.asns[ip] }

func TestLayer4CorroboratesCloudASN(t *testing.T) {
	c := New(Config{Mode: "threshold", CloudASNs: []uint{15169}}, nil).
		WithASNLookup(fakeASNLookup{asns: map[string]uint{"203.0.113.5": 15169}})
	v := c.Evaluate(baseSnapshot(), attackPrediction())
	require.False(t, v.Emit)
	require.Equal(t, ReasonCloudTraffic, v.Reason)
}

func TestLayer4IgnoresASNWithoutConfiguredList(t *testing.T) {
	c := New(Config{Mode: "threshold", FilterPrivateNetworks: false}, nil).
		WithASNLookup(fakeASNLookup{asns: map[string]uint{"203.0.113.5": 15169}})
	v := c.Evaluate(baseSnapshot(), attackPrediction())
	require.True(t, v.Emit)
}
