package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/runZeroInc/sweeper/pkg/config"
)

// hitrateWarmup is how long the scan must have run before the
// min-hitrate abort is armed.
const hitrateWarmup = 5 * time.Second

// Monitor emits a progress line every interval and triggers graceful
// shutdown when a termination condition fires.
type Monitor struct {
	conf     *config.Run
	state    *State
	log      *logrus.Entry
	interval time.Duration

	lastSent uint64
	lastRecv uint64
	lastTick time.Time
}

// New builds a monitor over the shared state.
func New(conf *config.Run, state *State, log *logrus.Entry) *Monitor {
	return &Monitor{
		conf:     conf,
		state:    state,
		log:      log,
		interval: time.Second,
	}
}

// Run ticks until ctx is cancelled, which the orchestrator does once
// the receiver has drained. One final status line is printed on exit.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.lastTick = m.state.StartTime
	for {
		select {
		case <-ctx.Done():
			m.tick(time.Now())
			return
		case now := <-ticker.C:
			m.tick(now)
			m.checkTermination(now)
		}
	}
}

func (m *Monitor) tick(now time.Time) {
	if m.conf.Quiet {
		return
	}
	sent := m.state.PacketsSent.Load()
	recv := m.state.SuccessUnique.Load()
	elapsed := now.Sub(m.lastTick).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	sendRate := float64(sent-m.lastSent) / elapsed
	recvRate := float64(recv-m.lastRecv) / elapsed
	m.lastSent, m.lastRecv, m.lastTick = sent, recv, now

	offered := m.state.TargetsOffered.Load()
	m.log.WithFields(logrus.Fields{
		"elapsed":  now.Sub(m.state.StartTime).Truncate(time.Second).String(),
		"offered":  offered,
		"sent":     sent,
		"send_pps": fmt.Sprintf("%.0f", sendRate),
		"recv":     recv,
		"recv_pps": fmt.Sprintf("%.0f", recvRate),
		"drops":    m.state.PcapDropped.Load(),
		"failed":   m.state.SendtoFailures.Load(),
		"hitrate":  fmt.Sprintf("%.4f%%", m.hitrate()*100),
		"eta":      m.eta(sendRate),
	}).Info("scan progress")
}

// hitrate is unique successes over packets sent.
func (m *Monitor) hitrate() float64 {
	sent := m.state.PacketsSent.Load()
	if sent == 0 {
		return 0
	}
	return float64(m.state.SuccessUnique.Load()) / float64(sent)
}

func (m *Monitor) eta(sendRate float64) string {
	if m.state.InCooldown() {
		return "cooldown"
	}
	offered := m.state.TargetsOffered.Load()
	if sendRate <= 0 || offered >= m.state.TotalTargets {
		return "-"
	}
	remaining := float64(m.state.TotalTargets-offered) * float64(m.conf.PacketStreams)
	return (time.Duration(remaining/sendRate) * time.Second).String()
}

func (m *Monitor) checkTermination(now time.Time) {
	if !m.state.Running() {
		return
	}
	elapsed := now.Sub(m.state.StartTime)
	if m.conf.MaxRuntime > 0 && elapsed >= m.conf.MaxRuntime {
		m.log.Info("max runtime reached, stopping senders")
		m.state.StopSending("max-runtime")
		return
	}
	if m.conf.MaxResults > 0 && m.state.SuccessUnique.Load() >= m.conf.MaxResults {
		m.log.Info("max results reached, stopping senders")
		m.state.StopSending("max-results")
		return
	}
	if m.conf.MinHitrate > 0 && elapsed > hitrateWarmup && m.hitrate() < m.conf.MinHitrate {
		m.log.Warnf("hitrate %.6f below minimum %.6f, aborting scan", m.hitrate(), m.conf.MinHitrate)
		m.state.StopSending("min-hitrate")
	}
}
