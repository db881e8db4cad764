package probe

import (
	"encoding/binary"
	"encoding/hex"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/runZeroInc/sweeper/pkg/config"
	"github.com/runZeroInc/sweeper/pkg/fieldset"
	"github.com/runZeroInc/sweeper/pkg/validate"
)

// The udp module sends a fixed payload per target, configured through
// --probe-args as text:<str>, hex:<bytes> or file:<path>. UDP has no
// handshake to prove provenance, so validation leans on the derived
// source port plus the ICMP quote path for errors.

const udpHeaderLen = 8

var udpConf struct {
	numPorts        int
	firstPort       uint16
	streams         int
	ttl             uint8
	validateSrcPort bool
	payload         []byte
}

// icmpErrorFields is the shared tail every UDP-derived module reports
// for ICMP error responses.
var icmpErrorFields = []fieldset.Def{
	{Name: "icmp_responder", Type: fieldset.TypeString, Desc: "source IP of ICMP error message"},
	{Name: "icmp_type", Type: fieldset.TypeInt, Desc: "ICMP message type"},
	{Name: "icmp_code", Type: fieldset.TypeInt, Desc: "ICMP message sub type code"},
	{Name: "icmp_unreach_str", Type: fieldset.TypeString, Desc: "ICMP unreachable code string"},
}

var icmpUnreachStrings = map[uint8]string{
	0: "network unreachable", 1: "host unreachable", 2: "protocol unreachable",
	3: "port unreachable", 4: "fragments required", 5: "source route failed",
	6: "dest network unknown", 7: "dest host unknown", 9: "network admin. prohibited",
	10: "host admin. prohibited", 13: "communication admin. prohibited",
}

func udpParseArgs(args string) ([]byte, error) {
	switch {
	case args == "":
		return nil, nil
	case strings.HasPrefix(args, "text:"):
		return []byte(strings.TrimPrefix(args, "text:")), nil
	case strings.HasPrefix(args, "hex:"):
		b, err := hex.DecodeString(strings.TrimPrefix(args, "hex:"))
		if err != nil {
			return nil, errors.Wrap(err, "decoding hex probe payload")
		}
		return b, nil
	case strings.HasPrefix(args, "file:"):
		b, err := os.ReadFile(strings.TrimPrefix(args, "file:"))
		if err != nil {
			return nil, errors.Wrap(err, "reading probe payload file")
		}
		return b, nil
	}
	return nil, errors.Errorf("unknown probe-args %q (expected text:, hex: or file:)", args)
}

func udpGlobalInit(conf *config.Run) error {
	udpConf.numPorts = conf.NumSourcePorts()
	udpConf.firstPort = conf.SourcePortFirst
	udpConf.streams = conf.PacketStreams
	udpConf.ttl = uint8(conf.ProbeTTL)
	udpConf.validateSrcPort = conf.ValidateSourcePort != config.ValidateSrcPortDisable
	payload, err := udpParseArgs(conf.ProbeArgs)
	if err != nil {
		return err
	}
	if udpHeaderLen+len(payload) > MaxFrameLen-l4Offset {
		return errors.Errorf("probe payload too large (%d bytes)", len(payload))
	}
	udpConf.payload = payload
	return nil
}

func udpPrepare(buf []byte, srcMAC, gwMAC net.HardwareAddr) (int, error) {
	segment := make([]byte, udpHeaderLen+len(udpConf.payload))
	copy(segment[udpHeaderLen:], udpConf.payload)
	return prepareTemplate(buf, srcMAC, gwMAC, layers.IPProtocolUDP, udpConf.ttl, segment)
}

func udpPatch(buf []byte, srcIP, dstIP uint32, dport uint16, val validate.Block, probeNum, payloadLen int) int {
	sport := SourcePort(udpConf.firstPort, udpConf.numPorts, val, probeNum)
	segLen := udpHeaderLen + payloadLen
	seg := buf[l4Offset : l4Offset+segLen]
	binary.BigEndian.PutUint16(seg[0:2], sport)
	binary.BigEndian.PutUint16(seg[2:4], dport)
	binary.BigEndian.PutUint16(seg[4:6], uint16(segLen))
	binary.BigEndian.PutUint16(seg[6:8], 0)
	binary.BigEndian.PutUint16(seg[6:8], l4Checksum(layers.IPProtocolUDP, srcIP, dstIP, seg))
	patchIP(buf, srcIP, dstIP, uint16(val.Uint32(2)), IPHeaderLen+segLen)
	return l4Offset + segLen
}

func udpMakePacket(buf []byte, srcIP, dstIP uint32, dport uint16, val validate.Block, probeNum int, _ State) (int, error) {
	return udpPatch(buf, srcIP, dstIP, dport, val, probeNum, len(udpConf.payload)), nil
}

// udpInnerProbe extracts (saddr, daddr, sport, dport) of the UDP probe
// quoted inside an ICMP error payload.
func udpInnerProbe(icmpPayload []byte) (src, dst uint32, sport, dport uint16, ok bool) {
	if len(icmpPayload) < IPHeaderLen+udpHeaderLen {
		return 0, 0, 0, 0, false
	}
	inner := icmpPayload
	ihl := int(inner[0]&0x0F) * 4
	if inner[0]>>4 != 4 || len(inner) < ihl+udpHeaderLen || inner[9] != 17 {
		return 0, 0, 0, 0, false
	}
	src = binary.BigEndian.Uint32(inner[12:16])
	dst = binary.BigEndian.Uint32(inner[16:20])
	sport = binary.BigEndian.Uint16(inner[ihl : ihl+2])
	dport = binary.BigEndian.Uint16(inner[ihl+2 : ihl+4])
	return src, dst, sport, dport, true
}

// udpDoValidate is shared by every UDP-derived module.
func udpDoValidate(p *Packet, val validate.Block, o Deriver, ports *config.Ports) bool {
	if p.UDP != nil {
		if udpConf.validateSrcPort && !checkResponsePort(uint16(p.UDP.DstPort),
			udpConf.firstPort, udpConf.numPorts, udpConf.streams, val) {
			return false
		}
		return ports.Contains(uint16(p.UDP.SrcPort))
	}
	if p.ICMP != nil {
		switch p.ICMP.TypeCode.Type() {
		case layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4TypeTimeExceeded,
			layers.ICMPv4TypeSourceQuench, layers.ICMPv4TypeRedirect, layers.ICMPv4TypeParameterProblem:
		default:
			return false
		}
		src, dst, sport, dport, ok := udpInnerProbe(p.ICMP.Payload)
		if !ok || !ports.Contains(dport) {
			return false
		}
		innerVal := o.Derive(src, dst, dport)
		return checkResponsePort(sport, udpConf.firstPort, udpConf.numPorts, udpConf.streams, innerVal)
	}
	return false
}

// udpAddICMPError fills the shared ICMP error fields, rewriting saddr
// to the probed host quoted in the error.
func udpAddICMPError(p *Packet, fs *fieldset.FieldSet) {
	_, dst, _, _, ok := udpInnerProbe(p.ICMP.Payload)
	if ok {
		fs.Set("saddr", fieldset.IPString(dst))
	}
	fs.AddString("classification", "icmp")
	fs.AddBool("success", false)
	fs.AddNull("sport")
	fs.AddNull("dport")
	fs.AddIP("icmp_responder", p.SrcAddr())
	fs.AddUint64("icmp_type", uint64(p.ICMP.TypeCode.Type()))
	fs.AddUint64("icmp_code", uint64(p.ICMP.TypeCode.Code()))
	if p.ICMP.TypeCode.Type() == layers.ICMPv4TypeDestinationUnreachable {
		if s, ok := icmpUnreachStrings[p.ICMP.TypeCode.Code()]; ok {
			fs.AddString("icmp_unreach_str", s)
			return
		}
	}
	fs.AddNull("icmp_unreach_str")
}

func udpProcess(p *Packet, fs *fieldset.FieldSet, _ validate.Block, _ Deriver, _ time.Time) {
	if p.UDP != nil {
		fs.AddString("classification", "udp")
		fs.AddBool("success", true)
		fs.AddUint64("sport", uint64(p.UDP.SrcPort))
		fs.AddUint64("dport", uint64(p.UDP.DstPort))
		for _, d := range icmpErrorFields {
			fs.AddNull(d.Name)
		}
		fs.AddUint64("udp_pkt_size", uint64(p.UDP.Length))
		fs.AddBinary("data", p.UDP.Payload)
		return
	}
	udpAddICMPError(p, fs)
	fs.AddNull("udp_pkt_size")
	fs.AddNull("data")
}

func init() {
	fields := []fieldset.Def{
		{Name: "classification", Type: fieldset.TypeString, Desc: "packet classification"},
		{Name: "success", Type: fieldset.TypeBool, Desc: "is response considered success"},
		{Name: "sport", Type: fieldset.TypeInt, Desc: "UDP source port"},
		{Name: "dport", Type: fieldset.TypeInt, Desc: "UDP destination port"},
	}
	fields = append(fields, icmpErrorFields...)
	fields = append(fields,
		fieldset.Def{Name: "udp_pkt_size", Type: fieldset.TypeInt, Desc: "UDP packet length"},
		fieldset.Def{Name: "data", Type: fieldset.TypeBinary, Desc: "UDP payload"},
	)
	Register(&Module{
		Name:            "udp",
		Helptext:        "Probe module that sends UDP packets to hosts. Payload is configured with --probe-args as text:<string>, hex:<bytes> or file:<path>.",
		PcapFilter:      "udp || icmp",
		Snaplen:         1500,
		MaxPacketLength: MaxFrameLen,
		PortArgs:        true,
		OutputType:      OutputStatic,
		Fields:          fields,
		GlobalInit:      udpGlobalInit,
		ThreadInit:      func(uint64) State { return nil },
		Prepare:         udpPrepare,
		MakePacket:      udpMakePacket,
		Validate:        udpDoValidate,
		Process:         udpProcess,
	})
}
