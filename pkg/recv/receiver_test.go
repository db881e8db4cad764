package recv

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runZeroInc/sweeper/pkg/config"
	"github.com/runZeroInc/sweeper/pkg/dedup"
	"github.com/runZeroInc/sweeper/pkg/fieldset"
	"github.com/runZeroInc/sweeper/pkg/monitor"
	"github.com/runZeroInc/sweeper/pkg/output"
	"github.com/runZeroInc/sweeper/pkg/probe"
	"github.com/runZeroInc/sweeper/pkg/validate"
)

func testReceiver(t *testing.T, buf *bytes.Buffer) (*Receiver, *config.Run, *validate.Oracle) {
	t.Helper()
	ports, err := config.ParsePorts("80")
	require.NoError(t, err)
	conf := &config.Run{
		Ports:           ports,
		SourceIPs:       []uint32{0x0A000001},
		SourcePortFirst: 40000,
		SourcePortLast:  40063,
		PacketStreams:   1,
		TotalShards:     1,
		Senders:         1,
		BatchSize:       1,
	}
	mod, err := probe.Lookup("tcp_synscan")
	require.NoError(t, err)
	require.NoError(t, mod.GlobalInit(conf))

	catalogue, err := fieldset.NewCatalogue(fieldset.IPFields, mod.Fields, fieldset.SysFields)
	require.NoError(t, err)
	translation, err := fieldset.NewTranslation(catalogue, []string{"saddr", "sport", "classification"})
	require.NoError(t, err)
	filter, err := fieldset.ParseFilter("success = 1 && repeat = 0", catalogue)
	require.NoError(t, err)
	deduper, err := dedup.New(dedup.MethodWindow, 1, 100)
	require.NoError(t, err)

	outMod, err := output.Lookup("csv")
	require.NoError(t, err)
	sink, err := outMod.New(buf, translation.Fields(), false)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	oracle := validate.NewOracle(77)
	return &Receiver{
		Conf:        conf,
		State:       monitor.NewState(),
		Module:      mod,
		Oracle:      oracle,
		Dedup:       deduper,
		Filter:      filter,
		Translation: translation,
		Sink:        sink,
		Log:         logrus.NewEntry(log),
		Ready:       make(chan struct{}),
	}, conf, oracle
}

// synackFrame builds a response to the probe (scanner 10.0.0.1 ->
// target) with a correct or corrupted acknowledgement.
func synackFrame(t *testing.T, oracle *validate.Oracle, conf *config.Run, target net.IP, valid bool) []byte {
	t.Helper()
	targetAddr := uint32(target[0])<<24 | uint32(target[1])<<16 | uint32(target[2])<<8 | uint32(target[3])
	val := oracle.Derive(0x0A000001, targetAddr, 80)
	ack := val.Word() + 1
	if !valid {
		ack++
	}
	dport := probe.SourcePort(conf.SourcePortFirst, conf.NumSourcePorts(), val, 0)

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: target, DstIP: net.IPv4(10, 0, 0, 1).To4()}
	tcp := &layers.TCP{
		SrcPort: 80, DstPort: layers.TCPPort(dport),
		Seq: 42, Ack: ack, DataOffset: 5, Window: 1024, SYN: true, ACK: true,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	out := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(out, opts, eth, ip, tcp))
	return out.Bytes()
}

func TestProcessEmitsValidResponse(t *testing.T) {
	var buf bytes.Buffer
	r, conf, oracle := testReceiver(t, &buf)
	r.process(synackFrame(t, oracle, conf, net.IPv4(10, 0, 0, 2).To4(), true), time.Now())

	assert.Equal(t, uint64(1), r.State.ValidationPassed.Load())
	assert.Equal(t, uint64(1), r.State.SuccessUnique.Load())
	require.NoError(t, r.Sink.Close())
	assert.Equal(t, "10.0.0.2,80,synack\n", buf.String())
}

func TestProcessDiscardsFailedValidation(t *testing.T) {
	var buf bytes.Buffer
	r, conf, oracle := testReceiver(t, &buf)
	r.process(synackFrame(t, oracle, conf, net.IPv4(10, 0, 0, 2).To4(), false), time.Now())

	assert.Equal(t, uint64(1), r.State.ValidationFailed.Load())
	assert.Zero(t, r.State.SuccessTotal.Load())
	require.NoError(t, r.Sink.Close())
	assert.Empty(t, buf.String())
}

func TestProcessSuppressesDuplicates(t *testing.T) {
	var buf bytes.Buffer
	r, conf, oracle := testReceiver(t, &buf)
	frame := synackFrame(t, oracle, conf, net.IPv4(1, 2, 3, 4).To4(), true)
	r.process(frame, time.Now())
	r.process(frame, time.Now())

	assert.Equal(t, uint64(2), r.State.SuccessTotal.Load())
	assert.Equal(t, uint64(1), r.State.SuccessUnique.Load())
	assert.Equal(t, uint64(1), r.State.Duplicates.Load())
	require.NoError(t, r.Sink.Close())
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}

func TestProcessRecordsResponseTimes(t *testing.T) {
	var buf bytes.Buffer
	r, conf, oracle := testReceiver(t, &buf)
	ts := time.Now().Add(-time.Minute)
	r.process(synackFrame(t, oracle, conf, net.IPv4(10, 9, 8, 7).To4(), true), ts)
	assert.Equal(t, ts.UnixNano(), r.State.FirstResponse.Load())
	assert.Equal(t, ts.UnixNano(), r.State.LastResponse.Load())
}

func TestProcessIgnoresNonIP(t *testing.T) {
	var buf bytes.Buffer
	r, _, _ := testReceiver(t, &buf)
	r.process([]byte{0x01, 0x02, 0x03}, time.Now())
	assert.Zero(t, r.State.ValidationPassed.Load())
	assert.Zero(t, r.State.ValidationFailed.Load())
}

func TestResponsePortExtraction(t *testing.T) {
	var buf bytes.Buffer
	r, conf, oracle := testReceiver(t, &buf)
	frame := synackFrame(t, oracle, conf, net.IPv4(10, 0, 0, 9).To4(), true)
	pkt, ok := probe.Decode(frame)
	require.True(t, ok)
	assert.Equal(t, uint16(80), responsePort(pkt))
	_ = r
}
