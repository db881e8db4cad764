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

// The ntp module is a udp derivative that sends a client-mode NTPv4
// request and decodes the response header. Field offsets follow RFC
// 5905 section 7.3.

const (
	ntpHeaderLen = 48
	// LI=3 (unsynchronized), VN=4, Mode=3 (client).
	ntpLIVNMode = 0xe3
)

var ntpFieldNames = []string{
	"LI_VN_MODE", "stratum", "poll", "precision", "root_delay",
	"root_dispersion", "reference_clock_identifier", "reference_timestamp",
	"originate_timestamp", "receive_timestamp", "transmit_timestamp",
}

func ntpGlobalInit(conf *config.Run) error {
	udpConf.numPorts = conf.NumSourcePorts()
	udpConf.firstPort = conf.SourcePortFirst
	udpConf.streams = conf.PacketStreams
	udpConf.ttl = uint8(conf.ProbeTTL)
	udpConf.validateSrcPort = conf.ValidateSourcePort != config.ValidateSrcPortDisable
	return nil
}

func ntpPrepare(buf []byte, srcMAC, gwMAC net.HardwareAddr) (int, error) {
	segment := make([]byte, udpHeaderLen+ntpHeaderLen)
	segment[udpHeaderLen] = ntpLIVNMode
	return prepareTemplate(buf, srcMAC, gwMAC, layers.IPProtocolUDP, udpConf.ttl, segment)
}

func ntpMakePacket(buf []byte, srcIP, dstIP uint32, dport uint16, val validate.Block, probeNum int, _ State) (int, error) {
	return udpPatch(buf, srcIP, dstIP, dport, val, probeNum, ntpHeaderLen), nil
}

func ntpProcess(p *Packet, fs *fieldset.FieldSet, _ validate.Block, _ Deriver, _ time.Time) {
	if p.UDP == nil {
		udpAddICMPError(p, fs)
		for _, name := range ntpFieldNames {
			fs.AddNull(name)
		}
		return
	}
	fs.AddString("classification", "ntp")
	fs.AddBool("success", true)
	fs.AddUint64("sport", uint64(p.UDP.SrcPort))
	fs.AddUint64("dport", uint64(p.UDP.DstPort))
	for _, d := range icmpErrorFields {
		fs.AddNull(d.Name)
	}
	ntp := p.UDP.Payload
	if len(ntp) < ntpHeaderLen {
		for _, name := range ntpFieldNames {
			fs.AddNull(name)
		}
		return
	}
	fs.AddUint64("LI_VN_MODE", uint64(ntp[0]))
	fs.AddUint64("stratum", uint64(ntp[1]))
	fs.AddUint64("poll", uint64(ntp[2]))
	fs.AddUint64("precision", uint64(ntp[3]))
	fs.AddUint64("root_delay", uint64(binary.BigEndian.Uint32(ntp[4:8])))
	fs.AddUint64("root_dispersion", uint64(binary.BigEndian.Uint32(ntp[8:12])))
	fs.AddUint64("reference_clock_identifier", uint64(binary.BigEndian.Uint32(ntp[12:16])))
	fs.AddUint64("reference_timestamp", binary.BigEndian.Uint64(ntp[16:24]))
	fs.AddUint64("originate_timestamp", binary.BigEndian.Uint64(ntp[24:32]))
	fs.AddUint64("receive_timestamp", binary.BigEndian.Uint64(ntp[32:40]))
	fs.AddUint64("transmit_timestamp", binary.BigEndian.Uint64(ntp[40:48]))
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
		fieldset.Def{Name: "LI_VN_MODE", Type: fieldset.TypeInt, Desc: "leap indication, version number, mode"},
		fieldset.Def{Name: "stratum", Type: fieldset.TypeInt, Desc: "stratum"},
		fieldset.Def{Name: "poll", Type: fieldset.TypeInt, Desc: "poll"},
		fieldset.Def{Name: "precision", Type: fieldset.TypeInt, Desc: "precision"},
		fieldset.Def{Name: "root_delay", Type: fieldset.TypeInt, Desc: "root delay"},
		fieldset.Def{Name: "root_dispersion", Type: fieldset.TypeInt, Desc: "root dispersion"},
		fieldset.Def{Name: "reference_clock_identifier", Type: fieldset.TypeInt, Desc: "code identifying clock reference"},
		fieldset.Def{Name: "reference_timestamp", Type: fieldset.TypeInt, Desc: "local time at which local clock was last set or corrected"},
		fieldset.Def{Name: "originate_timestamp", Type: fieldset.TypeInt, Desc: "local time at which request departed client for service"},
		fieldset.Def{Name: "receive_timestamp", Type: fieldset.TypeInt, Desc: "local time at which request arrived at service host"},
		fieldset.Def{Name: "transmit_timestamp", Type: fieldset.TypeInt, Desc: "local time at which reply departed service host for client"},
	)
	Register(&Module{
		Name:            "ntp",
		Helptext:        "Probe module that sends NTP client requests and decodes NTP responses.",
		PcapFilter:      "udp || icmp",
		Snaplen:         1500,
		MaxPacketLength: l4Offset + udpHeaderLen + ntpHeaderLen,
		PortArgs:        true,
		OutputType:      OutputStatic,
		Fields:          fields,
		GlobalInit:      ntpGlobalInit,
		ThreadInit:      func(uint64) State { return nil },
		Prepare:         ntpPrepare,
		MakePacket:      ntpMakePacket,
		Validate:        udpDoValidate,
		Process:         ntpProcess,
	})
}
