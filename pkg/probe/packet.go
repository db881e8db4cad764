package probe

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/runZeroInc/sweeper/pkg/validate"
)

// Frame layout constants for the fixed Ethernet+IPv4 template every
// module prepares. Options are never emitted, so offsets are constant.
const (
	EthHeaderLen = 14
	IPHeaderLen  = 20
	ipOffset     = EthHeaderLen
	l4Offset     = EthHeaderLen + IPHeaderLen

	// MaxFrameLen bounds the per-thread template buffer.
	MaxFrameLen = 4096

	defaultTTL = 255
)

// Packet is a captured frame decoded once by the receiver and shared
// with the module callbacks.
type Packet struct {
	Data []byte
	IP   *layers.IPv4
	TCP  *layers.TCP
	UDP  *layers.UDP
	ICMP *layers.ICMPv4
}

// Decode parses a captured Ethernet frame. It returns false for
// anything that is not IPv4, including fragments past the first, which
// carry no L4 header to validate.
func Decode(frame []byte) (*Packet, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil, false
	}
	p := &Packet{Data: frame, IP: ipLayer.(*layers.IPv4)}
	if p.IP.FragOffset != 0 {
		return nil, false
	}
	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		p.TCP = l.(*layers.TCP)
	}
	if l := pkt.Layer(layers.LayerTypeUDP); l != nil {
		p.UDP = l.(*layers.UDP)
	}
	if l := pkt.Layer(layers.LayerTypeICMPv4); l != nil {
		p.ICMP = l.(*layers.ICMPv4)
	}
	return p, true
}

// SrcAddr returns the host-ordered IPv4 source of the packet.
func (p *Packet) SrcAddr() uint32 {
	return binary.BigEndian.Uint32(p.IP.SrcIP.To4())
}

// DstAddr returns the host-ordered IPv4 destination of the packet.
func (p *Packet) DstAddr() uint32 {
	return binary.BigEndian.Uint32(p.IP.DstIP.To4())
}

// prepareTemplate serializes the shared Ethernet+IPv4 template with
// gopacket and returns the bytes written. Per-target fields (addresses,
// lengths, checksums) are patched in MakePacket.
func prepareTemplate(buf []byte, srcMAC, gwMAC net.HardwareAddr, proto layers.IPProtocol, ttl uint8, payload []byte) (int, error) {
	if ttl == 0 {
		ttl = defaultTTL
	}
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       gwMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      ttl,
		Protocol: proto,
		SrcIP:    net.IPv4zero.To4(),
		DstIP:    net.IPv4zero.To4(),
	}
	sbuf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: false}
	if err := gopacket.SerializeLayers(sbuf, opts, eth, ip, gopacket.Payload(payload)); err != nil {
		return 0, err
	}
	return copy(buf, sbuf.Bytes()), nil
}

// patchIP writes per-target IP fields into a prepared template and
// recomputes the header checksum. totalLen covers IP header + L4.
func patchIP(buf []byte, srcIP, dstIP uint32, ipID uint16, totalLen int) {
	hdr := buf[ipOffset : ipOffset+IPHeaderLen]
	binary.BigEndian.PutUint16(hdr[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(hdr[4:6], ipID)
	binary.BigEndian.PutUint32(hdr[12:16], srcIP)
	binary.BigEndian.PutUint32(hdr[16:20], dstIP)
	binary.BigEndian.PutUint16(hdr[10:12], 0)
	binary.BigEndian.PutUint16(hdr[10:12], ipChecksum(hdr))
}

// onesSum accumulates the one's-complement sum over data.
func onesSum(sum uint32, data []byte) uint32 {
	for len(data) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(data[:2]))
		data = data[2:]
	}
	if len(data) == 1 {
		sum += uint32(data[0]) << 8
	}
	return sum
}

func onesFinish(sum uint32) uint16 {
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return ^uint16(sum)
}

func ipChecksum(hdr []byte) uint16 {
	return onesFinish(onesSum(0, hdr))
}

// l4Checksum computes a TCP/UDP/ICMP checksum. For TCP and UDP the
// IPv4 pseudo-header is folded in; ICMP covers the payload alone.
func l4Checksum(proto layers.IPProtocol, srcIP, dstIP uint32, segment []byte) uint16 {
	var sum uint32
	if proto == layers.IPProtocolTCP || proto == layers.IPProtocolUDP {
		sum += srcIP>>16 + srcIP&0xFFFF
		sum += dstIP>>16 + dstIP&0xFFFF
		sum += uint32(proto)
		sum += uint32(len(segment))
	}
	return onesFinish(onesSum(sum, segment))
}

// SourcePort derives the probe source port for a stream ordinal from
// the validation block, staying inside the configured range.
func SourcePort(first uint16, numPorts int, val validate.Block, probeNum int) uint16 {
	return first + uint16((uint64(val.Uint32(1))+uint64(probeNum))%uint64(numPorts))
}

// checkResponsePort reports whether a response's destination port is
// one the scan could have probed from: some stream ordinal must derive
// exactly this port.
func checkResponsePort(port uint16, first uint16, numPorts, streams int, val validate.Block) bool {
	if int(port) < int(first) || int(port) >= int(first)+numPorts {
		return false
	}
	for probeNum := 0; probeNum < streams; probeNum++ {
		if SourcePort(first, numPorts, val, probeNum) == port {
			return true
		}
	}
	return false
}
