package probe

import (
	"encoding/binary"
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

func ntpTestConf(t *testing.T) *config.Run {
	t.Helper()
	ports, err := config.ParsePorts("123")
	require.NoError(t, err)
	conf := &config.Run{
		Ports:           ports,
		SourcePortFirst: 40000,
		SourcePortLast:  40063,
		PacketStreams:   1,
		TotalShards:     1,
		Senders:         1,
		BatchSize:       1,
	}
	require.NoError(t, ntpGlobalInit(conf))
	return conf
}

// ntpResponsePayload builds an RFC 5905 server reply header with
// distinct values in every field.
func ntpResponsePayload() []byte {
	p := make([]byte, ntpHeaderLen)
	p[0] = 0x24 // LI=0 VN=4 Mode=4 (server)
	p[1] = 2    // stratum
	p[2] = 6    // poll
	p[3] = 0xE9 // precision
	binary.BigEndian.PutUint32(p[4:8], 0x00000A0B)
	binary.BigEndian.PutUint32(p[8:12], 0x00000C0D)
	binary.BigEndian.PutUint32(p[12:16], 0x47505300) // "GPS"
	binary.BigEndian.PutUint64(p[16:24], 0x1111111111111111)
	binary.BigEndian.PutUint64(p[24:32], 0x2222222222222222)
	binary.BigEndian.PutUint64(p[32:40], 0x3333333333333333)
	binary.BigEndian.PutUint64(p[40:48], 0x4444444444444444)
	return p
}

func buildUDPResponse(t *testing.T, srcIP, dstIP net.IP, sport, dport uint16, payload []byte) *Packet {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: testGwMAC, DstMAC: testSrcMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: srcIP, DstIP: dstIP}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	pkt, ok := Decode(buf.Bytes())
	require.True(t, ok)
	return pkt
}

func TestNTPMakePacketShape(t *testing.T) {
	ntpTestConf(t)
	oracle := validate.NewOracle(21)
	val := oracle.Derive(0x0A000001, 0x0A000002, 123)

	buf := make([]byte, MaxFrameLen)
	_, err := ntpPrepare(buf, testSrcMAC, testGwMAC)
	require.NoError(t, err)
	n, err := ntpMakePacket(buf, 0x0A000001, 0x0A000002, 123, val, 0, nil)
	require.NoError(t, err)
	require.Equal(t, l4Offset+udpHeaderLen+ntpHeaderLen, n)

	pkt, ok := Decode(buf[:n])
	require.True(t, ok)
	require.NotNil(t, pkt.UDP)
	assert.Equal(t, uint16(123), uint16(pkt.UDP.DstPort))
	require.Len(t, pkt.UDP.Payload, ntpHeaderLen)
	assert.Equal(t, uint8(ntpLIVNMode), pkt.UDP.Payload[0])
}

func TestNTPProcessDecodesRFC5905Offsets(t *testing.T) {
	conf := ntpTestConf(t)
	oracle := validate.NewOracle(22)
	val := oracle.Derive(0x0A000001, 0x0A000002, 123)
	sport := SourcePort(conf.SourcePortFirst, conf.NumSourcePorts(), val, 0)

	resp := buildUDPResponse(t, ip4(10, 0, 0, 2), ip4(10, 0, 0, 1), 123, sport, ntpResponsePayload())
	require.True(t, udpDoValidate(resp, val, oracle, conf.Ports))

	fs := fieldset.New()
	fs.AddIP("saddr", resp.SrcAddr())
	ntpProcess(resp, fs, val, oracle, time.Now())

	assert.Equal(t, "ntp", fs.GetString("classification"))
	assert.True(t, fs.GetBool("success"))
	assert.Equal(t, uint64(0x24), fs.GetUint64("LI_VN_MODE"))
	assert.Equal(t, uint64(2), fs.GetUint64("stratum"))
	assert.Equal(t, uint64(6), fs.GetUint64("poll"))
	assert.Equal(t, uint64(0xE9), fs.GetUint64("precision"))
	assert.Equal(t, uint64(0x00000A0B), fs.GetUint64("root_delay"))
	assert.Equal(t, uint64(0x00000C0D), fs.GetUint64("root_dispersion"))
	assert.Equal(t, uint64(0x47505300), fs.GetUint64("reference_clock_identifier"))
	assert.Equal(t, uint64(0x1111111111111111), fs.GetUint64("reference_timestamp"))
	assert.Equal(t, uint64(0x2222222222222222), fs.GetUint64("originate_timestamp"))
	assert.Equal(t, uint64(0x3333333333333333), fs.GetUint64("receive_timestamp"))
	assert.Equal(t, uint64(0x4444444444444444), fs.GetUint64("transmit_timestamp"))
}

func TestNTPProcessShortPayload(t *testing.T) {
	conf := ntpTestConf(t)
	oracle := validate.NewOracle(23)
	val := oracle.Derive(0x0A000001, 0x0A000002, 123)
	sport := SourcePort(conf.SourcePortFirst, conf.NumSourcePorts(), val, 0)
	resp := buildUDPResponse(t, ip4(10, 0, 0, 2), ip4(10, 0, 0, 1), 123, sport, []byte{0x24, 2})

	fs := fieldset.New()
	ntpProcess(resp, fs, val, oracle, time.Now())
	assert.Equal(t, "ntp", fs.GetString("classification"))
	v, ok := fs.Get("stratum")
	require.True(t, ok)
	assert.Nil(t, v)
}
