// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPacket(src, dst string, proto uint8, srcPort, dstPort uint16, t time.Time) Packet {
	return Packet{
		WallTime: t,
		SrcIP:    src, DstIP: dst, Protocol: proto, SrcPort: srcPort, DstPort: dstPort,
		IsIPv4: true, TotalLen: 60, TransportLen: 20,
	}
}

func TestIngestCanonicalizesDirection(t *testing.T) {
	a := New(Config{ScoreTrigger: 100}, nil)
	now := time.Now()

	a.Ingest(testPacket("10.0.0.1", "10.0.0.2", 6, 1111, 80, now))
	a.Ingest(testPacket("10.0.0.2", "10.0.0.1", 6, 80, 1111, now.Add(time.Millisecond)))

	require.Equal(t, 1, a.FlowCount(), "reverse-direction packets must join the same canonical flow")
}

func TestIngestSchedulesScoringAtThreshold(t *testing.T) {
	a := New(Config{ScoreTrigger: 3}, nil)
	now := time.Now()

	for i := 0; i < 2; i++ {
		a.Ingest(testPacket("10.0.0.1", "10.0.0.2", 6, 1111, 80, now))
	}
	select {
	case <-a.Events():
		t.Fatal("should not score before threshold")
	default:
	}

	a.Ingest(testPacket("10.0.0.1", "10.0.0.2", 6, 1111, 80, now))
	select {
	case ev := <-a.Events():
		require.EqualValues(t, 3, ev.Snapshot.Counters.PacketCount)
	default:
		t.Fatal("expected a scoring event at threshold")
	}
}

func TestEvictIdlePerformsFinalScoringWhenTwoOrMorePackets(t *testing.T) {
	a := New(Config{IdleTimeout: time.Millisecond, ScoreTrigger: 100}, nil)
	now := time.Now()
	a.Ingest(testPacket("10.0.0.1", "10.0.0.2", 6, 1111, 80, now))
	a.Ingest(testPacket("10.0.0.1", "10.0.0.2", 6, 1111, 80, now))

	n := a.EvictIdle(now.Add(time.Second))
	require.Equal(t, 1, n)

	select {
	case ev := <-a.Events():
		require.True(t, ev.Final)
	default:
		t.Fatal("expected a final scoring event on eviction")
	}
}

func TestEvictToCapacityRemovesLeastRecentlySeen(t *testing.T) {
	a := New(Config{MaxFlows: 1, ScoreTrigger: 100}, nil)
	now := time.Now()
	a.Ingest(testPacket("10.0.0.1", "10.0.0.2", 6, 1, 80, now))
	a.Ingest(testPacket("10.0.0.3", "10.0.0.4", 6, 2, 80, now.Add(time.Millisecond)))

	require.Equal(t, 1, a.FlowCount())
}
