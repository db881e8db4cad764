package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metric binds a prometheus description to the counter it reads, so
// Collect is a walk over a table rather than a pile of gauges.
type metric struct {
	desc     *prometheus.Desc
	valueTyp prometheus.ValueType
	supplier func(s *State) float64
}

// Collector exposes the scan counters as prometheus metrics. Register
// it on the default registry to serve them; the scan itself never
// depends on a metrics endpoint being up.
type Collector struct {
	state   *State
	metrics []metric
}

// NewCollector builds a collector over the shared state. constLabels
// should carry at least the run id.
func NewCollector(state *State, constLabels prometheus.Labels) *Collector {
	counter := prometheus.CounterValue
	table := []struct {
		name     string
		help     string
		supplier func(s *State) float64
	}{
		{"sweeper_targets_offered_total", "Targets handed to senders by the iterator", func(s *State) float64 { return float64(s.TargetsOffered.Load()) }},
		{"sweeper_packets_sent_total", "Probe packets written to the wire", func(s *State) float64 { return float64(s.PacketsSent.Load()) }},
		{"sweeper_send_failures_total", "Transient transmit failures", func(s *State) float64 { return float64(s.SendtoFailures.Load()) }},
		{"sweeper_pcap_received_total", "Frames delivered by the capture filter", func(s *State) float64 { return float64(s.PcapReceived.Load()) }},
		{"sweeper_pcap_dropped_total", "Frames dropped by the capture layer", func(s *State) float64 { return float64(s.PcapDropped.Load()) }},
		{"sweeper_validation_passed_total", "Responses passing validation", func(s *State) float64 { return float64(s.ValidationPassed.Load()) }},
		{"sweeper_validation_failed_total", "Responses failing validation", func(s *State) float64 { return float64(s.ValidationFailed.Load()) }},
		{"sweeper_success_total", "Successful responses including duplicates", func(s *State) float64 { return float64(s.SuccessTotal.Load()) }},
		{"sweeper_success_unique_total", "Unique successful responses", func(s *State) float64 { return float64(s.SuccessUnique.Load()) }},
		{"sweeper_duplicates_total", "Responses suppressed by dedup", func(s *State) float64 { return float64(s.Duplicates.Load()) }},
		{"sweeper_filter_miss_total", "Responses rejected by the output filter", func(s *State) float64 { return float64(s.FilterMiss.Load()) }},
	}
	c := &Collector{state: state}
	for _, row := range table {
		c.metrics = append(c.metrics, metric{
			desc:     prometheus.NewDesc(row.name, row.help, nil, constLabels),
			valueTyp: counter,
			supplier: row.supplier,
		})
	}
	return c
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		descs <- m.desc
	}
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	for _, m := range c.metrics {
		metrics <- prometheus.MustNewConstMetric(m.desc, m.valueTyp, m.supplier(c.state))
	}
}
