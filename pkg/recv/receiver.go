// Package recv owns the response path: capture, validation,
// classification, dedup and output. Everything here runs on a single
// goroutine, so the dedup structure and the sink need no locking.
package recv

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/sweeper/pkg/config"
	"github.com/runZeroInc/sweeper/pkg/dedup"
	"github.com/runZeroInc/sweeper/pkg/fieldset"
	"github.com/runZeroInc/sweeper/pkg/linux"
	"github.com/runZeroInc/sweeper/pkg/monitor"
	"github.com/runZeroInc/sweeper/pkg/output"
	"github.com/runZeroInc/sweeper/pkg/probe"
	"github.com/runZeroInc/sweeper/pkg/validate"
)

// captureTimeout bounds each capture read so the loop can observe the
// run state even when no packets arrive.
const captureTimeout = 100 * time.Millisecond

// Receiver is the single capture-and-classify loop.
type Receiver struct {
	Conf        *config.Run
	State       *monitor.State
	Module      *probe.Module
	Oracle      *validate.Oracle
	Dedup       dedup.Deduper
	Filter      *fieldset.Filter // nil = emit everything
	Translation *fieldset.Translation
	Sink        output.Sink
	Log         *logrus.Entry

	// Ready is closed once the capture filter is installed; senders
	// hold their first batch until then so no early response is lost.
	Ready chan struct{}
}

// Run captures until senders have finished and the cooldown has
// drained, then flushes the sink.
func (r *Receiver) Run(ctx context.Context) error {
	if len(r.Conf.PinCores) > 0 {
		if err := linux.PinThread(r.Conf.PinCores[0]); err != nil {
			r.Log.WithError(err).Warn("could not pin receiver thread")
		}
	}
	handle, err := pcap.OpenLive(r.Conf.Interface, r.Module.Snaplen, true, captureTimeout)
	if err != nil {
		return errors.Wrap(err, "opening capture handle")
	}
	defer handle.Close()
	if err := handle.SetBPFFilter(r.Module.PcapFilter); err != nil {
		return errors.Wrapf(err, "installing capture filter %q", r.Module.PcapFilter)
	}
	close(r.Ready)
	r.Log.WithField("filter", r.Module.PcapFilter).Debug("capture ready")

	for {
		frame, ci, err := handle.ReadPacketData()
		switch {
		case err == nil:
			r.process(frame, ci.Timestamp)
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
			// Idle; fall through to the termination check.
		case errors.Is(err, pcap.NextErrorNoMorePackets):
			r.updatePcapStats(handle)
			return r.Sink.Close()
		default:
			r.Log.WithError(err).Warn("capture read failed")
		}
		r.updatePcapStats(handle)
		select {
		case <-ctx.Done():
			_ = r.Sink.Close()
			return ctx.Err()
		default:
		}
		if done, at := r.drained(); done {
			r.Log.WithField("cooldown", r.Conf.Cooldown).Debugf("capture drained %s after send completion", time.Since(at).Truncate(time.Millisecond))
			return r.Sink.Close()
		}
	}
}

// drained reports whether senders finished at least a cooldown ago.
func (r *Receiver) drained() (bool, time.Time) {
	at, done := r.State.SendCompleteAt()
	if !done {
		return false, time.Time{}
	}
	return time.Since(at) >= r.Conf.Cooldown, at
}

func (r *Receiver) updatePcapStats(handle *pcap.Handle) {
	stats, err := handle.Stats()
	if err != nil {
		return
	}
	r.State.PcapReceived.Store(uint64(stats.PacketsReceived))
	r.State.PcapDropped.Store(uint64(stats.PacketsDropped + stats.PacketsIfDropped))
}

// process runs the per-frame pipeline from spec order: validate,
// classify, dedup, filter, translate, emit.
func (r *Receiver) process(frame []byte, ts time.Time) {
	pkt, ok := probe.Decode(frame)
	if !ok {
		return
	}
	// The response tuple mirrors the probe tuple: the response source
	// was the probe destination and vice versa.
	val := r.Oracle.Derive(pkt.DstAddr(), pkt.SrcAddr(), responsePort(pkt))
	if !r.Module.Validate(pkt, val, r.Oracle, r.Conf.Ports) {
		r.State.ValidationFailed.Add(1)
		return
	}
	r.State.ValidationPassed.Add(1)
	r.State.RecordResponse(ts)

	fs := fieldset.New()
	fs.AddIP("saddr", pkt.SrcAddr())
	fs.AddIP("daddr", pkt.DstAddr())
	fs.AddUint64("ipid", uint64(pkt.IP.Id))
	fs.AddUint64("ttl", uint64(pkt.IP.TTL))
	r.Module.Process(pkt, fs, val, r.Oracle, ts)

	success := fs.GetBool("success")
	inCooldown := r.State.InCooldown()
	if success {
		r.State.SuccessTotal.Add(1)
		if inCooldown {
			r.State.CooldownTotal.Add(1)
		}
	}
	if r.Dedup.SeenBefore(r.dedupKey(fs)) {
		r.State.Duplicates.Add(1)
		return
	}
	if success {
		r.State.SuccessUnique.Add(1)
		if fs.GetBool("app_success") {
			r.State.AppSuccessUnique.Add(1)
		}
	}
	fs.AddBool("repeat", false)
	fs.AddBool("cooldown", inCooldown)
	fs.AddString("timestamp_str", ts.Format(time.RFC3339Nano))
	fs.AddUint64("timestamp_ts", uint64(ts.Unix()))
	fs.AddUint64("timestamp_us", uint64(ts.Nanosecond()/1000))

	if r.Filter != nil && !r.Filter.Matches(fs) {
		r.State.FilterMiss.Add(1)
		return
	}
	if err := r.Sink.Write(r.Translation.Apply(fs)); err != nil {
		r.Log.WithError(err).Error("output sink write failed, aborting scan")
		r.State.StopSending("output-failure")
	}
}

// dedupKey builds the suppression key from the classified record; the
// saddr field is authoritative because ICMP error handling rewrites it
// to the probed host.
func (r *Receiver) dedupKey(fs *fieldset.FieldSet) dedup.Key {
	var saddr uint32
	if ip := net.ParseIP(fs.GetString("saddr")); ip != nil && ip.To4() != nil {
		saddr = binary.BigEndian.Uint32(ip.To4())
	}
	return dedup.Key{
		Saddr:          saddr,
		Sport:          uint16(fs.GetUint64("sport")),
		Dport:          uint16(fs.GetUint64("dport")),
		Classification: fs.GetString("classification"),
	}
}

// responsePort extracts the L4 source port of a response, which was
// the probe's destination port. Portless protocols derive with zero.
func responsePort(pkt *probe.Packet) uint16 {
	switch {
	case pkt.TCP != nil:
		return uint16(pkt.TCP.SrcPort)
	case pkt.UDP != nil:
		return uint16(pkt.UDP.SrcPort)
	}
	return 0
}
