// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flowsentry.dev/core/internal/flow"
)

func snapshotWith(pkts []flow.PacketSummary, first, last time.Time) flow.Snapshot {
	var c flow.Counters
	for _, p := range pkts {
		c.PacketCount++
		if p.FlagSYN {
			c.SYNCount++
		}
	}
	return flow.Snapshot{
		Key:       flow.Key{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Protocol: 6, SrcPort: 1, DstPort: 80},
		FirstSeen: first,
		LastSeen:  last,
		Packets:   pkts,
		Counters:  c,
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	now := time.Now()
	pkts := []flow.PacketSummary{
		{MonotonicNanos: 0, DstIP: "10.0.0.2", TotalLen: 60, FlagSYN: true, IsIPv4: true, TTL: 64},
		{MonotonicNanos: int64(time.Millisecond), DstIP: "10.0.0.2", TotalLen: 100, FlagACK: true, IsIPv4: true, TTL: 64},
	}
	snap := snapshotWith(pkts, now, now.Add(time.Millisecond))

	v1 := Extract(snap)
	v2 := Extract(snap)
	require.Equal(t, v1, v2)
}

func TestExtractOnePacketFlowUsesEpsilonAndZeroStats(t *testing.T) {
	now := time.Now()
	pkts := []flow.PacketSummary{
		{MonotonicNanos: 0, DstIP: "10.0.0.2", TotalLen: 60, IsIPv4: true, TTL: 64},
	}
	snap := snapshotWith(pkts, now, now)

	v := Extract(snap)
	require.Equal(t, 0.0, v[0], "flow_duration must be 0 for a single-packet flow")
	require.Equal(t, 0.0, v[34], "IAT must be 0 when packet_count < 2")
	require.Equal(t, 0.0, v[35], "Covariance must be 0 when packet_count < 2")
	require.Equal(t, 0.0, v[36], "Variance must be 0 when packet_count < 2")
	require.Greater(t, v[4], 0.0, "Rate must use epsilon, not divide by zero")
}

func TestExtractZeroPacketSnapshotIsSafe(t *testing.T) {
	// Not a specific API assertion (the aggregator never snapshots an empty
	// flow), but Extract must still behave safely if given one.
	now := time.Now()
	snap := snapshotWith(nil, now, now)
	v := Extract(snap)
	for _, x := range v {
		require.False(t, isNaNOrInf(x))
	}
}

func isNaNOrInf(x float64) bool {
	return x != x || x > 1e308 || x < -1e308
}
