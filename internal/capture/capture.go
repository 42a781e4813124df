// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package capture opens a network interface in promiscuous read-only mode
// and emits parsed packets to the Flow Aggregator. Grounded on the
// teacher's pcap.OpenOffline replay path and the netscope reference
// engine's inactive-handle configuration sequence, generalized to live
// capture.
package capture

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vishvananda/netlink"

	"flowsentry.dev/core/internal/errors"
	"flowsentry.dev/core/internal/flow"
	"flowsentry.dev/core/internal/logging"
)

var (
	packetsCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsentry_capture_packets_total",
		Help: "Total packets parsed off the capture handle.",
	})
	packetsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowsentry_capture_packets_dropped_total",
		Help: "Total packets dropped because the Aggregator's queue was full.",
	})
)

func init() {
	prometheus.MustRegister(packetsCaptured, packetsDropped)
}

// Config tunes the capture handle. Mirrors the knobs a production sniffer
// needs: snapshot length, promiscuous mode, kernel poll timeout, kernel
// buffer size, and an optional BPF filter applied at the kernel.
type Config struct {
	Interface   string
	SnapLen     int32
	Promiscuous bool
	PollTimeout time.Duration
	BufferMB    int
	BPFFilter   string
	QueueSize   int // capacity of the channel handed to the Aggregator
}

// DefaultConfig mirrors the spec's "promiscuous read-only" capture mode.
func DefaultConfig(iface string) Config {
	return Config{
		Interface:   iface,
		SnapLen:     65536,
		Promiscuous: true,
		PollTimeout: pcap.BlockForever,
		BufferMB:    32,
		QueueSize:   8192,
	}
}

// Capture owns one live pcap handle and the goroutine draining it into a
// channel of flow.Packet for the Aggregator to Ingest.
type Capture struct {
	cfg    Config
	handle *pcap.Handle
	source *gopacket.PacketSource
	out    chan flow.Packet
	log    *logging.Logger

	dropped     uint64
	warnMu      sync.Mutex
	lastWarnLog time.Time

	closeOnce sync.Once
}

// Open validates the interface exists and opens it for live capture,
// applying cfg's snaplen/promiscuous/timeout/buffer/BPF settings in that
// order, per spec §4.1's `open(interface_name) → handle | InterfaceNotFound
// | InsufficientPrivilege` contract.
func Open(cfg Config) (*Capture, error) {
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = DefaultConfig(cfg.Interface).SnapLen
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = pcap.BlockForever
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig(cfg.Interface).QueueSize
	}

	if _, err := netlink.LinkByName(cfg.Interface); err != nil {
		return nil, classifyLinkError(err, cfg.Interface)
	}

	inactive, err := pcap.NewInactiveHandle(cfg.Interface)
	if err != nil {
		return nil, classifyOpenError(err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(int(cfg.SnapLen)); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "set snaplen")
	}
	if err := inactive.SetPromisc(cfg.Promiscuous); err != nil {
		return nil, classifyOpenError(err)
	}
	if err := inactive.SetTimeout(cfg.PollTimeout); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "set timeout")
	}
	if cfg.BufferMB > 0 {
		if err := inactive.SetBufferSize(cfg.BufferMB * 1024 * 1024); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "set buffer size")
		}
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, classifyOpenError(err)
	}

	if cfg.BPFFilter != "" {
		if err := handle.SetBPFFilter(cfg.BPFFilter); err != nil {
			handle.Close()
			return nil, errors.Wrap(err, errors.KindValidation, "invalid BPF filter")
		}
	}

	c := &Capture{
		cfg:    cfg,
		handle: handle,
		source: gopacket.NewPacketSource(handle, handle.LinkType()),
		out:    make(chan flow.Packet, cfg.QueueSize),
		log:    logging.WithComponent("capture"),
	}
	return c, nil
}

// classifyLinkError distinguishes a missing interface from a permission
// failure when netlink resolves it, tagging the result with iface so the
// caller's error message names the interface either way.
func classifyLinkError(err error, iface string) error {
	if os.IsPermission(err) {
		return errors.Wrap(err, errors.KindPermission, "insufficient privilege to resolve interface "+iface)
	}
	return errors.Wrap(err, errors.KindNotFound, "interface not found: "+iface)
}

// classifyOpenError maps libpcap's permission/device error strings onto the
// capture contract's two failure modes, per spec §4.1. libpcap reports
// these as plain string errors rather than syscall.Errno, so classification
// is by message content — the same approach the pcap bindings themselves
// use internally.
func classifyOpenError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case os.IsPermission(err), strings.Contains(msg, "permission"), strings.Contains(msg, "not permitted"):
		return errors.Wrap(err, errors.KindPermission, "insufficient privilege for raw capture")
	case strings.Contains(msg, "no such device"), strings.Contains(msg, "not found"):
		return errors.Wrap(err, errors.KindNotFound, "interface not found")
	default:
		return errors.Wrap(err, errors.KindInternal, "failed to open capture handle")
	}
}

// Packets returns the channel of parsed packets for the Aggregator to
// drain. Closed when Run returns.
func (c *Capture) Packets() <-chan flow.Packet { return c.out }

// Dropped returns the number of packets dropped because the downstream
// queue was full.
func (c *Capture) Dropped() uint64 { return atomic.LoadUint64(&c.dropped) }

// Run reads from the pcap source until ctx is cancelled or the handle is
// closed, parsing each packet and emitting it onto Packets(). Never
// blocks the capture loop on a full downstream queue: full queues drop
// the packet, increment the counter, and log at warn level at most once
// per second, per spec §4.1.
func (c *Capture) Run(ctx context.Context) {
	defer close(c.out)

	packets := c.source.Packets()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			parsed, ok := parsePacket(pkt)
			if !ok {
				continue
			}
			c.emit(parsed)
		}
	}
}

func (c *Capture) emit(pkt flow.Packet) {
	packetsCaptured.Inc()
	select {
	case c.out <- pkt:
		return
	default:
	}
	atomic.AddUint64(&c.dropped, 1)
	packetsDropped.Inc()
	c.warnMu.Lock()
	defer c.warnMu.Unlock()
	if time.Since(c.lastWarnLog) >= time.Second {
		c.log.Warn("downstream queue full, dropping packet", "dropped_total", atomic.LoadUint64(&c.dropped))
		c.lastWarnLog = time.Now()
	}
}

// Close releases the pcap handle. Safe to call more than once.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		if c.handle != nil {
			c.handle.Close()
		}
	})
	return nil
}

// parsePacket extracts the header fields the Flow Aggregator and Feature
// Extractor need, discarding payload bytes beyond their length.
func parsePacket(pkt gopacket.Packet) (flow.Packet, bool) {
	var out flow.Packet
	meta := pkt.Metadata()
	if meta != nil {
		out.WallTime = meta.Timestamp
		out.MonotonicNanos = meta.Timestamp.UnixNano()
		out.TotalLen = meta.Length
	}

	haveNetwork := false
	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		v := ip4.(*layers.IPv4)
		out.SrcIP = v.SrcIP.String()
		out.DstIP = v.DstIP.String()
		out.Protocol = uint8(v.Protocol)
		out.TTL = v.TTL
		out.IsIPv4 = true
		haveNetwork = true
	} else if ip6 := pkt.Layer(layers.LayerTypeIPv6); ip6 != nil {
		v := ip6.(*layers.IPv6)
		out.SrcIP = v.SrcIP.String()
		out.DstIP = v.DstIP.String()
		out.Protocol = uint8(v.NextHeader)
		out.TTL = v.HopLimit
		haveNetwork = true
	}
	if !haveNetwork {
		return out, false
	}

	if tcp := pkt.Layer(layers.LayerTypeTCP); tcp != nil {
		v := tcp.(*layers.TCP)
		out.SrcPort = uint16(v.SrcPort)
		out.DstPort = uint16(v.DstPort)
		out.FlagSYN = v.SYN
		out.FlagFIN = v.FIN
		out.FlagRST = v.RST
		out.FlagPSH = v.PSH
		out.FlagACK = v.ACK
		out.FlagURG = v.URG
		out.FlagECE = v.ECE
		out.FlagCWR = v.CWR
		out.TransportLen = len(v.LayerContents()) + len(v.LayerPayload())
		out.PayloadLen = len(v.LayerPayload())
	} else if udp := pkt.Layer(layers.LayerTypeUDP); udp != nil {
		v := udp.(*layers.UDP)
		out.SrcPort = uint16(v.SrcPort)
		out.DstPort = uint16(v.DstPort)
		out.TransportLen = int(v.Length)
		out.PayloadLen = len(v.LayerPayload())
	} else if icmp := pkt.Layer(layers.LayerTypeICMPv4); icmp != nil {
		out.PayloadLen = len(icmp.LayerPayload())
	} else if icmp6 := pkt.Layer(layers.LayerTypeICMPv6); icmp6 != nil {
		out.PayloadLen = len(icmp6.LayerPayload())
	}

	return out, true
}
