package probe

import (
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runZeroInc/sweeper/pkg/config"
	"github.com/runZeroInc/sweeper/pkg/fieldset"
	"github.com/runZeroInc/sweeper/pkg/validate"
)

func udpTestConf(t *testing.T, probeArgs string) *config.Run {
	t.Helper()
	ports, err := config.ParsePorts("53")
	require.NoError(t, err)
	conf := &config.Run{
		Ports:           ports,
		SourcePortFirst: 40000,
		SourcePortLast:  40063,
		PacketStreams:   1,
		TotalShards:     1,
		Senders:         1,
		BatchSize:       1,
		ProbeArgs:       probeArgs,
	}
	require.NoError(t, udpGlobalInit(conf))
	return conf
}

func TestUDPParseArgs(t *testing.T) {
	b, err := udpParseArgs("text:hello")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)

	b, err = udpParseArgs("hex:deadbeef")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)

	_, err = udpParseArgs("hex:xyz")
	assert.Error(t, err)
	_, err = udpParseArgs("template:foo")
	assert.Error(t, err)

	b, err = udpParseArgs("")
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestUDPMakePacketCarriesPayload(t *testing.T) {
	conf := udpTestConf(t, "text:ping")
	oracle := validate.NewOracle(31)
	val := oracle.Derive(0x0A000001, 0x0A000002, 53)

	buf := make([]byte, MaxFrameLen)
	_, err := udpPrepare(buf, testSrcMAC, testGwMAC)
	require.NoError(t, err)
	n, err := udpMakePacket(buf, 0x0A000001, 0x0A000002, 53, val, 0, nil)
	require.NoError(t, err)

	pkt, ok := Decode(buf[:n])
	require.True(t, ok)
	require.NotNil(t, pkt.UDP)
	assert.Equal(t, uint16(53), uint16(pkt.UDP.DstPort))
	assert.Equal(t, SourcePort(conf.SourcePortFirst, conf.NumSourcePorts(), val, 0), uint16(pkt.UDP.SrcPort))
	assert.Equal(t, []byte("ping"), pkt.UDP.Payload)
}

func TestUDPValidateAcceptsDerivedPortResponse(t *testing.T) {
	conf := udpTestConf(t, "")
	oracle := validate.NewOracle(32)
	val := oracle.Derive(0x0A000001, 0x0A000002, 53)
	sport := SourcePort(conf.SourcePortFirst, conf.NumSourcePorts(), val, 0)

	resp := buildUDPResponse(t, ip4(10, 0, 0, 2), ip4(10, 0, 0, 1), 53, sport, []byte("pong"))
	assert.True(t, udpDoValidate(resp, val, oracle, conf.Ports))

	// A response aimed at a port no stream derives is not ours.
	other := buildUDPResponse(t, ip4(10, 0, 0, 2), ip4(10, 0, 0, 1), 53, sport+1, []byte("pong"))
	assert.False(t, udpDoValidate(other, val, oracle, conf.Ports))
}

// buildICMPUnreachable wraps a quoted UDP probe in a port-unreachable
// error from a router.
func buildICMPUnreachable(t *testing.T, routerIP, scannerIP net.IP, quoted []byte) *Packet {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: testGwMAC, DstMAC: testSrcMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: routerIP, DstIP: scannerIP}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, 3)}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, icmp, gopacket.Payload(quoted)))
	pkt, ok := Decode(buf.Bytes())
	require.True(t, ok)
	return pkt
}

func TestUDPValidateICMPErrorQuotingOurProbe(t *testing.T) {
	conf := udpTestConf(t, "")
	oracle := validate.NewOracle(33)
	val := oracle.Derive(0x0A000001, 0x0A000002, 53)

	// Build the probe we would have sent; its IP packet becomes the
	// ICMP quote.
	buf := make([]byte, MaxFrameLen)
	_, err := udpPrepare(buf, testSrcMAC, testGwMAC)
	require.NoError(t, err)
	n, err := udpMakePacket(buf, 0x0A000001, 0x0A000002, 53, val, 0, nil)
	require.NoError(t, err)
	quoted := buf[ipOffset:n]

	resp := buildICMPUnreachable(t, ip4(192, 0, 2, 1), ip4(10, 0, 0, 1), quoted)
	// The receiver derives over the outer tuple, which is meaningless
	// here; the module re-derives from the quote.
	outer := oracle.Derive(resp.DstAddr(), resp.SrcAddr(), 0)
	assert.True(t, udpDoValidate(resp, outer, oracle, conf.Ports))

	fs := fieldset.New()
	fs.AddIP("saddr", resp.SrcAddr())
	udpProcess(resp, fs, outer, oracle, time.Now())
	assert.Equal(t, "icmp", fs.GetString("classification"))
	assert.False(t, fs.GetBool("success"))
	// saddr is rewritten to the probed host, not the reporting router.
	assert.Equal(t, "10.0.0.2", fs.GetString("saddr"))
	assert.Equal(t, "192.0.2.1", fs.GetString("icmp_responder"))
	assert.Equal(t, "port unreachable", fs.GetString("icmp_unreach_str"))
}

func TestUDPValidateRejectsForeignQuote(t *testing.T) {
	conf := udpTestConf(t, "")
	oracle := validate.NewOracle(34)
	val := oracle.Derive(0x0A000001, 0x0A000002, 53)
	buf := make([]byte, MaxFrameLen)
	_, err := udpPrepare(buf, testSrcMAC, testGwMAC)
	require.NoError(t, err)
	n, err := udpMakePacket(buf, 0x0A000001, 0x0A000002, 53, val, 0, nil)
	require.NoError(t, err)
	// Corrupt the quoted source port so it no longer matches any
	// stream's derivation.
	quoted := append([]byte{}, buf[ipOffset:n]...)
	quoted[IPHeaderLen]++

	resp := buildICMPUnreachable(t, ip4(192, 0, 2, 1), ip4(10, 0, 0, 1), quoted)
	outer := oracle.Derive(resp.DstAddr(), resp.SrcAddr(), 0)
	assert.False(t, udpDoValidate(resp, outer, oracle, conf.Ports))
}

func TestUDPProcessSuccess(t *testing.T) {
	conf := udpTestConf(t, "")
	oracle := validate.NewOracle(36)
	val := oracle.Derive(0x0A000001, 0x0A000002, 53)
	sport := SourcePort(conf.SourcePortFirst, conf.NumSourcePorts(), val, 0)
	resp := buildUDPResponse(t, ip4(10, 0, 0, 2), ip4(10, 0, 0, 1), 53, sport, []byte("pong"))

	fs := fieldset.New()
	fs.AddIP("saddr", resp.SrcAddr())
	udpProcess(resp, fs, val, oracle, time.Now())
	assert.Equal(t, "udp", fs.GetString("classification"))
	assert.True(t, fs.GetBool("success"))
	assert.Equal(t, uint64(53), fs.GetUint64("sport"))
	v, ok := fs.Get("data")
	require.True(t, ok)
	assert.Equal(t, []byte("pong"), v)
}
