// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package features computes the fixed, ordered 37-dimensional feature
// vector the Model Ensemble was trained on from a flow snapshot.
package features

import (
	"math"

	"flowsentry.dev/core/internal/flow"
)

// Count is the canonical feature vector dimensionality.
const Count = 37

// Names is the canonical, ordered column list; downstream scalers and
// models depend on this exact order never changing.
var Names = [Count]string{
	"flow_duration", "Header_Length", "Protocol Type", "Duration", "Rate", "Drate",
	"fin_flag_number", "syn_flag_number", "psh_flag_number", "ack_flag_number", "ece_flag_number", "cwr_flag_number",
	"syn_count", "fin_count", "urg_count", "rst_count",
	"HTTP", "HTTPS", "DNS", "Telnet", "SMTP", "SSH", "IRC",
	"TCP", "UDP", "DHCP", "ARP", "ICMP", "IPv",
	"Tot sum", "Min", "Max", "AVG", "Tot size", "IAT", "Covariance", "Variance",
}

const epsilon = 1e-6

// Vector is the ordered 37-scalar feature vector for one flow snapshot.
type Vector [Count]float64

// Extract computes Vector deterministically from snap: the same snapshot
// extracted twice yields a bit-identical vector. NaN/Inf never appear in
// the output; any such intermediate is normalized to 0.
func Extract(snap flow.Snapshot) Vector {
	var v Vector
	pkts := snap.Packets
	n := len(pkts)

	duration := snap.LastSeen.Sub(snap.FirstSeen).Seconds()
	if duration < 0 {
		duration = 0
	}
	v[0] = duration // flow_duration

	var headerLen int64
	var minTTL uint8 = 255
	var sawTTL bool
	var destDirected int
	sizes := make([]float64, 0, n)
	iats := make([]float64, 0, n)
	var totSum, totSize int64
	var minSize, maxSize int64 = math.MaxInt64, math.MinInt64

	for i, p := range pkts {
		headerLen += int64(p.TransportLen)
		if p.IsIPv4 {
			if !sawTTL || p.TTL < minTTL {
				minTTL = p.TTL
				sawTTL = true
			}
		}
		if p.DstIP == snap.Key.DstIP {
			destDirected++
		}

		size := int64(p.TotalLen)
		totSum += size
		totSize += int64(p.PayloadLen)
		if size < minSize {
			minSize = size
		}
		if size > maxSize {
			maxSize = size
		}
		sizes = append(sizes, float64(size))

		if i > 0 {
			dt := float64(p.MonotonicNanos-pkts[i-1].MonotonicNanos) / 1e9
			if dt < 0 {
				dt = 0
			}
			iats = append(iats, dt)
		}
	}

	v[1] = float64(headerLen) // Header_Length
	v[2] = protocolTypeNumeric(snap.Key.Protocol)
	if sawTTL {
		v[3] = float64(minTTL) // Duration (TTL surrogate)
	}
	v[4] = float64(n) / math.Max(duration, epsilon)           // Rate
	v[5] = float64(destDirected) / math.Max(duration, epsilon) // Drate

	c := snap.Counters
	v[6] = boolF(c.FINCount > 0)
	v[7] = boolF(c.SYNCount > 0)
	v[8] = boolF(c.PSHCount > 0)
	v[9] = boolF(c.ACKCount > 0)
	v[10] = boolF(c.ECECount > 0)
	v[11] = boolF(c.CWRCount > 0)

	v[12] = float64(c.SYNCount)
	v[13] = float64(c.FINCount)
	v[14] = float64(c.URGCount)
	v[15] = float64(c.RSTCount)

	v[16] = boolF(c.HTTPSeen)
	v[17] = boolF(c.HTTPSSeen)
	v[18] = boolF(c.DNSSeen)
	v[19] = boolF(c.TelnetSeen)
	v[20] = boolF(c.SMTPSeen)
	v[21] = boolF(c.SSHSeen)
	v[22] = boolF(c.IRCSeen)

	v[23] = boolF(c.TCPSeen)
	v[24] = boolF(c.UDPSeen)
	v[25] = boolF(c.DHCPSeen)
	v[26] = boolF(c.ARPSeen)
	v[27] = boolF(c.ICMPSeen)
	v[28] = boolF(c.IPv4Seen)

	if n == 0 {
		minSize, maxSize = 0, 0
	}
	v[29] = float64(totSum)  // Tot sum
	v[30] = float64(minSize) // Min
	v[31] = float64(maxSize) // Max
	v[32] = mean(sizes)      // AVG
	v[33] = float64(totSize) // Tot size

	if n >= 2 {
		v[34] = mean(iats)              // IAT
		v[35] = covariance(sizes[1:], iats)
		v[36] = variance(sizes)
	}

	return sanitize(v)
}

func protocolTypeNumeric(proto uint8) float64 {
	switch proto {
	case 6, 17, 1:
		return float64(proto)
	default:
		return 0
	}
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs))
}

// covariance of two equal-length samples (packet size on adjacent packets,
// paired with the inter-arrival time that precedes each).
func covariance(xs, ys []float64) float64 {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n < 2 {
		return 0
	}
	mx, my := mean(xs[:n]), mean(ys[:n])
	var sum float64
	for i := 0; i < n; i++ {
		sum += (xs[i] - mx) * (ys[i] - my)
	}
	return sum / float64(n)
}

func sanitize(v Vector) Vector {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			v[i] = 0
		}
	}
	return v
}
