package send

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/sweeper/pkg/blocklist"
	"github.com/runZeroInc/sweeper/pkg/config"
	"github.com/runZeroInc/sweeper/pkg/cyclic"
	"github.com/runZeroInc/sweeper/pkg/linux"
	"github.com/runZeroInc/sweeper/pkg/monitor"
	"github.com/runZeroInc/sweeper/pkg/probe"
	"github.com/runZeroInc/sweeper/pkg/validate"
)

// interframeGap is the on-wire overhead per Ethernet frame (preamble,
// start delimiter, FCS, inter-frame gap) used for bandwidth pacing.
const interframeGap = 24

// retryBackoff is the pause after transient transmit backpressure.
const retryBackoff = time.Millisecond

// Sender owns one shard partition: it walks its slice of the cycle,
// builds frames through the probe module and paces them onto the wire.
type Sender struct {
	ID        int
	Conf      *config.Run
	State     *monitor.State
	Iter      *cyclic.Iterator
	Addrs     *blocklist.Set
	IPList    *blocklist.IPBitmap // optional explicit target list
	Module    *probe.Module
	Oracle    *validate.Oracle
	Transport Transport
	Log       *logrus.Entry

	// MaxTargets caps targets across all senders; 0 = unlimited.
	MaxTargets uint64
}

// pacer spreads batches over time so the sender never runs ahead of
// its rate share by more than one batch.
type pacer struct {
	interval time.Duration
	next     time.Time
}

func newPacer(pps float64, batch int) *pacer {
	if pps <= 0 {
		return nil
	}
	return &pacer{
		interval: time.Duration(float64(batch) / pps * float64(time.Second)),
		next:     time.Now(),
	}
}

func (p *pacer) wait() {
	if p == nil {
		return
	}
	now := time.Now()
	if now.Before(p.next) {
		time.Sleep(p.next.Sub(now))
		now = p.next
	} else if now.Sub(p.next) > time.Second {
		// Fell behind (backpressure, scheduling); don't bank the
		// deficit into a later burst.
		p.next = now
	}
	p.next = p.next.Add(p.interval)
}

// rateShare computes this sender's packets/sec budget.
func (s *Sender) rateShare(frameLen int) float64 {
	if s.Conf.Bandwidth > 0 {
		perPacketBits := float64((frameLen + interframeGap) * 8)
		return float64(s.Conf.Bandwidth) / perPacketBits / float64(s.Conf.Senders)
	}
	if s.Conf.Rate > 0 {
		return float64(s.Conf.Rate) / float64(s.Conf.Senders)
	}
	return 0
}

// Run walks the sender's partition to exhaustion or shutdown. It is
// called on its own goroutine; the receiver is already capturing.
func (s *Sender) Run(ctx context.Context) error {
	if len(s.Conf.PinCores) > 0 {
		core := s.Conf.PinCores[(s.ID+1)%len(s.Conf.PinCores)]
		if err := linux.PinThread(core); err != nil {
			s.Log.WithError(err).Warnf("could not pin to core %d", core)
		}
	}
	defer s.Transport.Close()

	// Per-thread frame buffers, one per batch slot, each carrying the
	// module's prepared template.
	targetsPerBatch := s.Conf.BatchSize / s.Conf.PacketStreams
	if targetsPerBatch < 1 {
		targetsPerBatch = 1
	}
	slots := targetsPerBatch * s.Conf.PacketStreams
	bufs := make([][]byte, slots)
	var frameLen int
	for i := range bufs {
		bufs[i] = make([]byte, probe.MaxFrameLen)
		n, err := s.Module.Prepare(bufs[i], s.Conf.SourceMAC, s.Conf.GatewayMAC)
		if err != nil {
			return errors.Wrap(err, "preparing packet template")
		}
		frameLen = n
	}
	st := s.Module.ThreadInit(s.Oracle.Seed() ^ uint64(s.ID+1))

	pace := newPacer(s.rateShare(frameLen), slots)
	batch := make([][]byte, 0, slots)
	ports := s.Conf.Ports
	numPorts := uint64(ports.Count())
	var srcRR uint64

	for s.State.Running() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		batch = batch[:0]
		for filled := 0; filled < targetsPerBatch; {
			idx, ok := s.Iter.Next()
			if !ok {
				if len(batch) > 0 {
					if err := s.flush(batch); err != nil {
						return err
					}
				}
				return nil
			}
			dstIP := s.Addrs.AddrAt(idx / numPorts)
			if s.IPList != nil && !s.IPList.Contains(dstIP) {
				continue
			}
			if offered := s.State.TargetsOffered.Add(1); s.MaxTargets > 0 && offered > s.MaxTargets {
				s.State.StopSending("max-targets")
				break
			}
			dport := ports.At(int(idx % numPorts))
			srcIP := s.Conf.SourceIPs[srcRR%uint64(len(s.Conf.SourceIPs))]
			srcRR++
			val := s.Oracle.Derive(srcIP, dstIP, dport)
			for probeNum := 0; probeNum < s.Conf.PacketStreams; probeNum++ {
				buf := bufs[len(batch)]
				n, err := s.Module.MakePacket(buf, srcIP, dstIP, dport, val, probeNum, st)
				if err != nil {
					return errors.Wrap(err, "building probe packet")
				}
				batch = append(batch, buf[:n])
			}
			filled++
		}
		if len(batch) > 0 {
			if err := s.flush(batch); err != nil {
				return err
			}
		}
		pace.wait()
	}
	return nil
}

// flush pushes a batch through the transport, resubmitting short
// writes and backing off on transient errors. A non-transient error or
// breach of the failure budget aborts the scan.
func (s *Sender) flush(frames [][]byte) error {
	attempts := 0
	for len(frames) > 0 {
		n, err := s.Transport.SendBatch(frames)
		s.State.PacketsSent.Add(uint64(n))
		frames = frames[n:]
		if n > 0 {
			// The frame now at the head gets its own retry budget.
			attempts = 0
		}
		if err == nil || len(frames) == 0 {
			continue
		}
		failures := s.State.SendtoFailures.Add(1)
		if s.Conf.MaxSendtoFailures >= 0 && failures > s.Conf.MaxSendtoFailures {
			s.State.StopSending("sendto-failures")
			return errors.Errorf("too many transmit failures (%d)", failures)
		}
		if !linux.Retryable(err) || attempts >= s.Conf.Retries {
			return errors.Wrap(err, "transmit")
		}
		attempts++
		time.Sleep(retryBackoff)
	}
	return nil
}
