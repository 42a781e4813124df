// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"errors"
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"

	coreerrors "flowsentry.dev/core/internal/errors"
	"flowsentry.dev/core/internal/flow"
	"flowsentry.dev/core/internal/logging"
)

func buildTCPPacket(t *testing.T, flags func(*layers.TCP)) gopacket.Packet {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
		Protocol: layers.IPProtocolTCP,
	}
	tcp := &layers.TCP{SrcPort: 1234, DstPort: 80}
	if flags != nil {
		flags(tcp)
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	payload := gopacket.Payload([]byte("hello"))
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, payload))

	return gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
}

func TestParsePacketExtractsTCPFields(t *testing.T) {
	pkt := buildTCPPacket(t, func(tcp *layers.TCP) { tcp.SYN = true })

	parsed, ok := parsePacket(pkt)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", parsed.SrcIP)
	require.Equal(t, "10.0.0.2", parsed.DstIP)
	require.Equal(t, uint16(1234), parsed.SrcPort)
	require.Equal(t, uint16(80), parsed.DstPort)
	require.True(t, parsed.FlagSYN)
	require.True(t, parsed.IsIPv4)
	require.Equal(t, uint8(6), parsed.Protocol)
	require.Greater(t, parsed.PayloadLen, 0)
}

func TestParsePacketRejectsNonIPPacket(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   []byte{0, 1, 2, 3, 4, 5},
		SourceProtAddress: []byte{10, 0, 0, 1},
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    []byte{10, 0, 0, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, arp))

	pkt := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)
	_, ok := parsePacket(pkt)
	require.False(t, ok)
}

func TestClassifyOpenErrorPermission(t *testing.T) {
	err := classifyOpenError(errors.New("eth0: You don't have permission to capture on that device"))
	require.Equal(t, coreerrors.KindPermission, coreerrors.GetKind(err))
}

func TestClassifyOpenErrorNoSuchDevice(t *testing.T) {
	err := classifyOpenError(errors.New("eth9: No such device exists"))
	require.Equal(t, coreerrors.KindNotFound, coreerrors.GetKind(err))
}

func TestClassifyOpenErrorDefaultsInternal(t *testing.T) {
	err := classifyOpenError(errors.New("some other pcap failure"))
	require.Equal(t, coreerrors.KindInternal, coreerrors.GetKind(err))
}

func TestEmitDropsOnFullQueueAndCountsDrops(t *testing.T) {
	c := &Capture{
		out: make(chan flow.Packet), // unbuffered: any send blocks unless a receiver is ready
		log: logging.WithComponent("capture_test"),
	}

	c.emit(flow.Packet{SrcIP: "10.0.0.1"})
	require.Equal(t, uint64(1), c.Dropped())

	c.emit(flow.Packet{SrcIP: "10.0.0.2"})
	require.Equal(t, uint64(2), c.Dropped())
}
