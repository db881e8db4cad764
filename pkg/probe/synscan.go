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

// tcp_synscan sends a single SYN per target with the sequence number
// taken from the validation derivation, so a SYN-ACK or RST proves
// itself by acknowledging ISN+1.

const tcpHeaderLen = 20

var synConf struct {
	numPorts        int
	firstPort       uint16
	streams         int
	ttl             uint8
	validateSrcPort bool
}

func synGlobalInit(conf *config.Run) error {
	synConf.numPorts = conf.NumSourcePorts()
	synConf.firstPort = conf.SourcePortFirst
	synConf.streams = conf.PacketStreams
	synConf.ttl = uint8(conf.ProbeTTL)
	synConf.validateSrcPort = conf.ValidateSourcePort != config.ValidateSrcPortDisable
	return nil
}

func synPrepare(buf []byte, srcMAC, gwMAC net.HardwareAddr) (int, error) {
	segment := make([]byte, tcpHeaderLen)
	segment[12] = 5 << 4                              // data offset
	segment[13] = 0x02                                // SYN
	binary.BigEndian.PutUint16(segment[14:16], 65535) // window
	return prepareTemplate(buf, srcMAC, gwMAC, layers.IPProtocolTCP, synConf.ttl, segment)
}

func synMakePacket(buf []byte, srcIP, dstIP uint32, dport uint16, val validate.Block, probeNum int, _ State) (int, error) {
	sport := SourcePort(synConf.firstPort, synConf.numPorts, val, probeNum)
	tcp := buf[l4Offset : l4Offset+tcpHeaderLen]
	binary.BigEndian.PutUint16(tcp[0:2], sport)
	binary.BigEndian.PutUint16(tcp[2:4], dport)
	binary.BigEndian.PutUint32(tcp[4:8], val.Word()) // ISN
	binary.BigEndian.PutUint16(tcp[16:18], 0)
	binary.BigEndian.PutUint16(tcp[16:18], l4Checksum(layers.IPProtocolTCP, srcIP, dstIP, tcp))
	patchIP(buf, srcIP, dstIP, uint16(val.Uint32(2)), IPHeaderLen+tcpHeaderLen)
	return l4Offset + tcpHeaderLen, nil
}

func synValidate(p *Packet, val validate.Block, _ Deriver, ports *config.Ports) bool {
	if p.TCP == nil {
		return false
	}
	if synConf.validateSrcPort && !checkResponsePort(uint16(p.TCP.DstPort),
		synConf.firstPort, synConf.numPorts, synConf.streams, val) {
		return false
	}
	if !ports.Contains(uint16(p.TCP.SrcPort)) {
		return false
	}
	// Both SYN-ACK and RST acknowledge our ISN+1.
	return p.TCP.Ack == val.Word()+1
}

func synProcess(p *Packet, fs *fieldset.FieldSet, _ validate.Block, _ Deriver, _ time.Time) {
	tcp := p.TCP
	fs.AddUint64("sport", uint64(tcp.SrcPort))
	fs.AddUint64("dport", uint64(tcp.DstPort))
	fs.AddUint64("seqnum", uint64(tcp.Seq))
	fs.AddUint64("acknum", uint64(tcp.Ack))
	fs.AddUint64("window", uint64(tcp.Window))
	if tcp.RST {
		fs.AddString("classification", "rst")
		fs.AddBool("success", false)
	} else {
		fs.AddString("classification", "synack")
		fs.AddBool("success", true)
	}
}

func init() {
	Register(&Module{
		Name:            "tcp_synscan",
		Helptext:        "Probe module that sends a TCP SYN packet to a specific port. Possible classifications are: synack and rst.",
		PcapFilter:      "tcp && tcp[13] & 4 != 0 || tcp[13] == 18",
		Snaplen:         96,
		MaxPacketLength: l4Offset + tcpHeaderLen,
		PortArgs:        true,
		OutputType:      OutputStatic,
		Fields: []fieldset.Def{
			{Name: "sport", Type: fieldset.TypeInt, Desc: "TCP source port"},
			{Name: "dport", Type: fieldset.TypeInt, Desc: "TCP destination port"},
			{Name: "seqnum", Type: fieldset.TypeInt, Desc: "TCP sequence number"},
			{Name: "acknum", Type: fieldset.TypeInt, Desc: "TCP acknowledgement number"},
			{Name: "window", Type: fieldset.TypeInt, Desc: "TCP window"},
			{Name: "classification", Type: fieldset.TypeString, Desc: "packet classification"},
			{Name: "success", Type: fieldset.TypeBool, Desc: "is response considered success"},
		},
		GlobalInit: synGlobalInit,
		ThreadInit: func(uint64) State { return nil },
		Prepare:    synPrepare,
		MakePacket: synMakePacket,
		Validate:   synValidate,
		Process:    synProcess,
	})
}
