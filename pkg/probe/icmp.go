package probe

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/runZeroInc/sweeper/pkg/config"
	"github.com/runZeroInc/sweeper/pkg/fieldset"
	"github.com/runZeroInc/sweeper/pkg/validate"
)

// icmp_echoscan sends echo requests whose identifier and sequence come
// from the validation derivation. Replies echo both back; error
// messages quote the original probe, which is validated from the inner
// header instead.

const (
	icmpHeaderLen   = 8
	icmpEchoPayload = 8 // trailing validation bytes carried in the probe
)

var icmpTTL uint8

func icmpPrepare(buf []byte, srcMAC, gwMAC net.HardwareAddr) (int, error) {
	payload := make([]byte, icmpHeaderLen+icmpEchoPayload)
	payload[0] = 8 // echo request
	return prepareTemplate(buf, srcMAC, gwMAC, layers.IPProtocolICMPv4, icmpTTL, payload)
}

func icmpMakePacket(buf []byte, srcIP, dstIP uint32, _ uint16, val validate.Block, _ int, _ State) (int, error) {
	icmp := buf[l4Offset : l4Offset+icmpHeaderLen+icmpEchoPayload]
	binary.BigEndian.PutUint16(icmp[4:6], uint16(val.Uint32(2))) // identifier
	binary.BigEndian.PutUint16(icmp[6:8], uint16(val.Uint32(3))) // sequence
	copy(icmp[icmpHeaderLen:], val[8:16])
	binary.BigEndian.PutUint16(icmp[2:4], 0)
	binary.BigEndian.PutUint16(icmp[2:4], l4Checksum(layers.IPProtocolICMPv4, srcIP, dstIP, icmp))
	patchIP(buf, srcIP, dstIP, uint16(val.Uint32(1)), IPHeaderLen+len(icmp))
	return l4Offset + len(icmp), nil
}

// icmpInnerProbe extracts (saddr, daddr, id) of the probe quoted inside
// an ICMP error payload, returning ok=false when the quote is too short
// or not one of ours.
func icmpInnerProbe(icmpPayload []byte) (src, dst uint32, id uint16, ok bool) {
	if len(icmpPayload) < IPHeaderLen+icmpHeaderLen {
		return 0, 0, 0, false
	}
	inner := icmpPayload
	ihl := int(inner[0]&0x0F) * 4
	if inner[0]>>4 != 4 || len(inner) < ihl+icmpHeaderLen || inner[9] != 1 {
		return 0, 0, 0, false
	}
	src = binary.BigEndian.Uint32(inner[12:16])
	dst = binary.BigEndian.Uint32(inner[16:20])
	id = binary.BigEndian.Uint16(inner[ihl+4 : ihl+6])
	return src, dst, id, true
}

func icmpValidate(p *Packet, val validate.Block, o Deriver, _ *config.Ports) bool {
	if p.ICMP == nil {
		return false
	}
	switch p.ICMP.TypeCode.Type() {
	case layers.ICMPv4TypeEchoReply:
		return p.ICMP.Id == uint16(val.Uint32(2)) && p.ICMP.Seq == uint16(val.Uint32(3))
	case layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4TypeTimeExceeded,
		layers.ICMPv4TypeSourceQuench, layers.ICMPv4TypeRedirect, layers.ICMPv4TypeParameterProblem:
		src, dst, id, ok := icmpInnerProbe(p.ICMP.Payload)
		if !ok {
			return false
		}
		innerVal := o.Derive(src, dst, 0)
		return id == uint16(innerVal.Uint32(2))
	}
	return false
}

func icmpClassify(t uint8) (string, bool) {
	switch t {
	case layers.ICMPv4TypeEchoReply:
		return "echoreply", true
	case layers.ICMPv4TypeDestinationUnreachable:
		return "unreach", false
	case layers.ICMPv4TypeTimeExceeded:
		return "timxceed", false
	case layers.ICMPv4TypeRedirect:
		return "redirect", false
	case layers.ICMPv4TypeSourceQuench:
		return "sourcequench", false
	default:
		return "other", false
	}
}

func icmpProcess(p *Packet, fs *fieldset.FieldSet, _ validate.Block, _ Deriver, _ time.Time) {
	icmp := p.ICMP
	fs.AddUint64("type", uint64(icmp.TypeCode.Type()))
	fs.AddUint64("code", uint64(icmp.TypeCode.Code()))
	fs.AddUint64("icmp_id", uint64(icmp.Id))
	fs.AddUint64("seq", uint64(icmp.Seq))
	classification, success := icmpClassify(icmp.TypeCode.Type())
	if !success {
		// For error responses the interesting host is the probed one,
		// quoted in the inner header; the outer source is the reporter.
		if _, dst, _, ok := icmpInnerProbe(icmp.Payload); ok {
			fs.Set("saddr", fieldset.IPString(dst))
			fs.AddIP("icmp_responder", p.SrcAddr())
		} else {
			fs.AddNull("icmp_responder")
		}
	} else {
		fs.AddNull("icmp_responder")
	}
	fs.AddString("classification", classification)
	fs.AddBool("success", success)
}

func init() {
	Register(&Module{
		Name:            "icmp_echoscan",
		Helptext:        "Probe module that sends ICMP echo requests. Possible classifications are: echoreply, unreach, timxceed, redirect, sourcequench, and other.",
		PcapFilter:      "icmp and icmp[0]!=8",
		Snaplen:         96,
		MaxPacketLength: l4Offset + icmpHeaderLen + icmpEchoPayload,
		PortArgs:        false,
		OutputType:      OutputStatic,
		Fields: []fieldset.Def{
			{Name: "type", Type: fieldset.TypeInt, Desc: "ICMP message type"},
			{Name: "code", Type: fieldset.TypeInt, Desc: "ICMP message sub type code"},
			{Name: "icmp_id", Type: fieldset.TypeInt, Desc: "ICMP identifier"},
			{Name: "seq", Type: fieldset.TypeInt, Desc: "ICMP sequence number"},
			{Name: "icmp_responder", Type: fieldset.TypeString, Desc: "source IP of ICMP error message"},
			{Name: "classification", Type: fieldset.TypeString, Desc: "packet classification"},
			{Name: "success", Type: fieldset.TypeBool, Desc: "is response considered success"},
		},
		GlobalInit: func(conf *config.Run) error {
			icmpTTL = uint8(conf.ProbeTTL)
			return nil
		},
		ThreadInit: func(uint64) State { return nil },
		Prepare:    icmpPrepare,
		MakePacket: icmpMakePacket,
		Validate:   icmpValidate,
		Process:    icmpProcess,
	})
}
