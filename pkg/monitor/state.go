// Package monitor owns the state shared between sender, receiver and
// the progress loop: the run flag, the counters both sides publish,
// and the termination rules.
package monitor

import (
	"sync/atomic"
	"time"
)

// Counters are the per-run statistics. Every field is atomic: all
// sender goroutines add to the send-side fields, the receiver writes
// the receive side, and readers tolerate slightly stale values for
// reporting.
type Counters struct {
	// Send side.
	TargetsOffered  atomic.Uint64 // targets handed to senders by the iterator
	PacketsSent     atomic.Uint64
	SendtoFailures  atomic.Int64

	// Receive side.
	PcapReceived     atomic.Uint64
	PcapDropped      atomic.Uint64
	ValidationPassed atomic.Uint64
	ValidationFailed atomic.Uint64
	SuccessTotal     atomic.Uint64
	SuccessUnique    atomic.Uint64
	AppSuccessUnique atomic.Uint64
	Duplicates       atomic.Uint64
	FilterMiss       atomic.Uint64
	CooldownTotal    atomic.Uint64
	FirstResponse    atomic.Int64 // unix nanos, 0 = none yet
	LastResponse     atomic.Int64
}

// State is the run lifecycle: a run flag the monitor clears to stop
// senders, and the send-completion timestamp the receiver's cooldown
// is measured from.
type State struct {
	Counters

	StartTime time.Time

	running        atomic.Bool
	sendCompleteAt atomic.Int64 // unix nanos, 0 = still sending
	exitReason     atomic.Pointer[string]
	// TotalTargets is the eligible target count for this process's
	// shard, fixed at startup for progress estimates.
	TotalTargets uint64
}

// NewState creates a running state.
func NewState() *State {
	s := &State{StartTime: time.Now()}
	s.running.Store(true)
	return s
}

// Running reports whether senders should keep going. Senders poll this
// between batches; the receiver does not read it and stops on
// SendCompleteAt plus the cooldown instead.
func (s *State) Running() bool {
	return s.running.Load()
}

// StopSending clears the run flag. reason is recorded once for the
// metadata summary; later calls keep the first reason.
func (s *State) StopSending(reason string) {
	if s.running.CompareAndSwap(true, false) {
		s.exitReason.CompareAndSwap(nil, &reason)
	}
}

// ExitReason returns why the scan stopped sending, if recorded.
func (s *State) ExitReason() string {
	if p := s.exitReason.Load(); p != nil {
		return *p
	}
	return ""
}

// MarkSendComplete records that every sender has exited; the cooldown
// clock starts here.
func (s *State) MarkSendComplete() {
	s.sendCompleteAt.CompareAndSwap(0, time.Now().UnixNano())
}

// SendCompleteAt returns when senders finished, or false while they
// are still running.
func (s *State) SendCompleteAt() (time.Time, bool) {
	ns := s.sendCompleteAt.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// InCooldown reports whether senders are done and responses are being
// drained.
func (s *State) InCooldown() bool {
	_, done := s.SendCompleteAt()
	return done
}

// RecordResponse stamps the first/last capture times.
func (s *State) RecordResponse(ts time.Time) {
	ns := ts.UnixNano()
	s.FirstResponse.CompareAndSwap(0, ns)
	s.LastResponse.Store(ns)
}
