// Package send drives the probe side of a scan: one sender per shard
// partition, each pacing its own share of the global rate and pushing
// prepared frames through a transmit backend.
package send

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/sweeper/pkg/config"
	"github.com/runZeroInc/sweeper/pkg/linux"
)

// Transport is the transmit capability: backends only move prepared L2
// frames. Selection happens at open time; the sender never cares which
// one it got.
type Transport interface {
	Send(frame []byte) error
	SendBatch(frames [][]byte) (int, error)
	Close() error
}

// OpenTransport picks a backend for one sender thread: the dryrun
// printer, the AF_PACKET socket, or pcap injection where raw sockets
// are unavailable.
func OpenTransport(conf *config.Run, log *logrus.Entry) (Transport, error) {
	if conf.DryRun {
		return &dryrunTransport{log: log}, nil
	}
	if s, err := linux.OpenAFPacket(conf.Interface, conf.GatewayMAC); err == nil {
		return s, nil
	} else {
		log.WithError(err).Debug("AF_PACKET unavailable, falling back to pcap injection")
	}
	handle, err := pcap.OpenLive(conf.Interface, 96, false, pcap.BlockForever)
	if err != nil {
		return nil, errors.Wrap(err, "opening pcap inject handle")
	}
	return &pcapTransport{handle: handle}, nil
}

// pcapTransport injects through libpcap. Batches degrade to a loop;
// there is no batched inject API.
type pcapTransport struct {
	handle *pcap.Handle
}

func (t *pcapTransport) Send(frame []byte) error {
	return t.handle.WritePacketData(frame)
}

func (t *pcapTransport) SendBatch(frames [][]byte) (int, error) {
	for i, frame := range frames {
		if err := t.handle.WritePacketData(frame); err != nil {
			return i, err
		}
	}
	return len(frames), nil
}

func (t *pcapTransport) Close() error {
	t.handle.Close()
	return nil
}

// dryrunTransport decodes each frame and logs it instead of sending.
type dryrunTransport struct {
	log *logrus.Entry
}

func (t *dryrunTransport) Send(frame []byte) error {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	t.log.Info(pkt.String())
	return nil
}

func (t *dryrunTransport) SendBatch(frames [][]byte) (int, error) {
	for _, frame := range frames {
		_ = t.Send(frame)
	}
	return len(frames), nil
}

func (t *dryrunTransport) Close() error { return nil }
