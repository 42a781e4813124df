// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package flow owns the live flow table: a single-writer, copy-on-read
// aggregation of packets into bidirectional flows keyed by 5-tuple.
package flow

import "time"

// Key is the canonical 5-tuple identifying a bidirectional flow. For ICMP,
// SrcPort and DstPort are 0.
type Key struct {
	SrcIP    string
	DstIP    string
	Protocol uint8
	SrcPort  uint16
	DstPort  uint16
}

// Reverse returns the 5-tuple for the opposite direction of the same pair
// of endpoints; used to detect the canonical direction of a new flow.
func (k Key) Reverse() Key {
	return Key{
		SrcIP:    k.DstIP,
		DstIP:    k.SrcIP,
		Protocol: k.Protocol,
		SrcPort:  k.DstPort,
		DstPort:  k.SrcPort,
	}
}

// Packet is a transient, parsed packet handed from Capture to the Aggregator.
// Only header fields survive; payload bytes are never retained past extraction
// of PayloadLen.
type Packet struct {
	MonotonicNanos int64
	WallTime       time.Time

	SrcIP, DstIP string
	Protocol     uint8 // IP protocol / next-header number: 6=TCP, 17=UDP, 1=ICMP, ...
	SrcPort      uint16
	DstPort      uint16

	FlagSYN, FlagFIN, FlagRST, FlagPSH, FlagACK, FlagURG, FlagECE, FlagCWR bool

	TTL          uint8
	IsIPv4       bool
	TotalLen     int
	TransportLen int
	PayloadLen   int
}

// PacketSummary is the header-only record a Flow retains per packet; the
// field set mirrors Packet minus anything extraction does not need kept
// per-packet (payload bytes are never stored at all).
type PacketSummary struct {
	MonotonicNanos int64
	DstIP          string // for per-packet "destination-directed" rate (feature 6)
	Protocol       uint8
	SrcPort        uint16
	DstPort        uint16
	FlagSYN, FlagFIN, FlagRST, FlagPSH, FlagACK, FlagURG, FlagECE, FlagCWR bool
	TTL        uint8
	IsIPv4     bool
	TotalLen   int
	TransportLen int
	PayloadLen int
}

// Counters are the incrementally maintained, saturating totals for a Flow.
type Counters struct {
	PacketCount uint64
	ByteTotal   uint64

	SYNCount, FINCount, RSTCount, PSHCount, ACKCount, URGCount, ECECount, CWRCount uint64

	HTTPSeen, HTTPSSeen, DNSSeen, TelnetSeen, SMTPSeen, SSHSeen, IRCSeen bool
	TCPSeen, UDPSeen, DHCPSeen, ARPSeen, ICMPSeen, IPv4Seen              bool
}

func saturatingAdd(v *uint64, n uint64) {
	if *v+n < *v {
		*v = ^uint64(0)
		return
	}
	*v += n
}

// Flow owns its packet summaries exclusively until eviction; it is mutated
// only by the Aggregator, under its mutex.
type Flow struct {
	Key Key

	FirstSeen time.Time
	LastSeen  time.Time

	Packets []PacketSummary

	Counters Counters

	LastScoredPacketCount uint64
}

// Snapshot is an immutable, copy-on-read view of a Flow handed to the
// Feature Extractor and to UI/query consumers.
type Snapshot struct {
	Key       Key
	FirstSeen time.Time
	LastSeen  time.Time
	Packets   []PacketSummary
	Counters  Counters
}

func newFlow(k Key, now time.Time) *Flow {
	return &Flow{Key: k, FirstSeen: now, LastSeen: now}
}

func (f *Flow) append(pkt Packet) {
	f.LastSeen = pkt.WallTime
	saturatingAdd(&f.Counters.PacketCount, 1)
	saturatingAdd(&f.Counters.ByteTotal, uint64(pkt.TotalLen))

	if pkt.FlagSYN {
		saturatingAdd(&f.Counters.SYNCount, 1)
	}
	if pkt.FlagFIN {
		saturatingAdd(&f.Counters.FINCount, 1)
	}
	if pkt.FlagRST {
		saturatingAdd(&f.Counters.RSTCount, 1)
	}
	if pkt.FlagPSH {
		saturatingAdd(&f.Counters.PSHCount, 1)
	}
	if pkt.FlagACK {
		saturatingAdd(&f.Counters.ACKCount, 1)
	}
	if pkt.FlagURG {
		saturatingAdd(&f.Counters.URGCount, 1)
	}
	if pkt.FlagECE {
		saturatingAdd(&f.Counters.ECECount, 1)
	}
	if pkt.FlagCWR {
		saturatingAdd(&f.Counters.CWRCount, 1)
	}

	switch {
	case pkt.Protocol == 6:
		f.Counters.TCPSeen = true
	case pkt.Protocol == 17:
		f.Counters.UDPSeen = true
	case pkt.Protocol == 1:
		f.Counters.ICMPSeen = true
	}
	if pkt.IsIPv4 {
		f.Counters.IPv4Seen = true
	}

	switch pkt.DstPort {
	case 80:
		f.Counters.HTTPSeen = true
	case 443:
		f.Counters.HTTPSSeen = true
	case 53:
		f.Counters.DNSSeen = true
	case 23:
		f.Counters.TelnetSeen = true
	case 25:
		f.Counters.SMTPSeen = true
	case 22:
		f.Counters.SSHSeen = true
	case 194:
		f.Counters.IRCSeen = true
	case 67, 68:
		f.Counters.DHCPSeen = true
	}
	if pkt.Protocol == 17 && (pkt.SrcPort == 67 || pkt.SrcPort == 68) {
		f.Counters.DHCPSeen = true
	}

	f.Packets = append(f.Packets, PacketSummary{
		MonotonicNanos: pkt.MonotonicNanos,
		DstIP:          pkt.DstIP,
		Protocol:       pkt.Protocol,
		SrcPort:        pkt.SrcPort,
		DstPort:        pkt.DstPort,
		FlagSYN:        pkt.FlagSYN,
		FlagFIN:        pkt.FlagFIN,
		FlagRST:        pkt.FlagRST,
		FlagPSH:        pkt.FlagPSH,
		FlagACK:        pkt.FlagACK,
		FlagURG:        pkt.FlagURG,
		FlagECE:        pkt.FlagECE,
		FlagCWR:        pkt.FlagCWR,
		TTL:            pkt.TTL,
		IsIPv4:         pkt.IsIPv4,
		TotalLen:       pkt.TotalLen,
		TransportLen:   pkt.TransportLen,
		PayloadLen:     pkt.PayloadLen,
	})
}

func (f *Flow) snapshot() Snapshot {
	pkts := make([]PacketSummary, len(f.Packets))
	copy(pkts, f.Packets)
	return Snapshot{
		Key:       f.Key,
		FirstSeen: f.FirstSeen,
		LastSeen:  f.LastSeen,
		Packets:   pkts,
		Counters:  f.Counters,
	}
}
