package scan

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/runZeroInc/sweeper/pkg/config"
	"github.com/runZeroInc/sweeper/pkg/monitor"
	"github.com/runZeroInc/sweeper/pkg/validate"
)

// metadata is the JSON summary written at exit: a configuration echo,
// the final counters and the run timeline.
type metadata struct {
	RunID        string `json:"run_id"`
	ProbeModule  string `json:"probe_module"`
	OutputModule string `json:"output_module"`
	Interface    string `json:"iface,omitempty"`
	Ports        []uint16 `json:"target_ports"`
	Rate         int64  `json:"rate"`
	Bandwidth    int64  `json:"bandwidth,omitempty"`
	PacketStreams int   `json:"probes_per_target"`
	Senders      int    `json:"sender_threads"`
	Shard        uint32 `json:"shard"`
	TotalShards  uint32 `json:"shards"`
	Seed         uint64 `json:"seed"`
	SeedProvided bool   `json:"seed_provided"`
	DedupMethod  string `json:"dedup_method"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  float64   `json:"duration_secs"`

	TargetsOffered   uint64 `json:"targets_offered"`
	PacketsSent      uint64 `json:"packets_sent"`
	SendFailures     int64  `json:"send_failures"`
	PcapReceived     uint64 `json:"pcap_received"`
	PcapDropped      uint64 `json:"pcap_dropped"`
	ValidationPassed uint64 `json:"validation_passed"`
	ValidationFailed uint64 `json:"validation_failed"`
	SuccessTotal     uint64 `json:"success_total"`
	SuccessUnique    uint64 `json:"success_unique"`
	AppSuccessUnique uint64 `json:"app_success_unique"`
	Duplicates       uint64 `json:"duplicates"`
	FilterMiss       uint64 `json:"filter_miss"`
	CooldownTotal    uint64 `json:"cooldown_total"`

	FirstResponse *time.Time `json:"first_response_time,omitempty"`
	LastResponse  *time.Time `json:"last_response_time,omitempty"`
	ExitReason    string     `json:"exit_reason"`

	Notes        string          `json:"notes,omitempty"`
	UserMetadata json.RawMessage `json:"user_metadata,omitempty"`
}

func writeMetadata(conf *config.Run, state *monitor.State, oracle *validate.Oracle, runID string) error {
	now := time.Now()
	md := metadata{
		RunID:         runID,
		ProbeModule:   conf.ProbeModule,
		OutputModule:  conf.OutputModule,
		Interface:     conf.Interface,
		Ports:         conf.Ports.List(),
		Rate:          conf.Rate,
		Bandwidth:     conf.Bandwidth,
		PacketStreams: conf.PacketStreams,
		Senders:       conf.Senders,
		Shard:         conf.ShardID,
		TotalShards:   conf.TotalShards,
		Seed:          oracle.Seed(),
		SeedProvided:  conf.SeedProvided,
		DedupMethod:   conf.DedupMethod,

		StartTime: state.StartTime,
		EndTime:   now,
		Duration:  now.Sub(state.StartTime).Seconds(),

		TargetsOffered:   state.TargetsOffered.Load(),
		PacketsSent:      state.PacketsSent.Load(),
		SendFailures:     state.SendtoFailures.Load(),
		PcapReceived:     state.PcapReceived.Load(),
		PcapDropped:      state.PcapDropped.Load(),
		ValidationPassed: state.ValidationPassed.Load(),
		ValidationFailed: state.ValidationFailed.Load(),
		SuccessTotal:     state.SuccessTotal.Load(),
		SuccessUnique:    state.SuccessUnique.Load(),
		AppSuccessUnique: state.AppSuccessUnique.Load(),
		Duplicates:       state.Duplicates.Load(),
		FilterMiss:       state.FilterMiss.Load(),
		CooldownTotal:    state.CooldownTotal.Load(),

		ExitReason:   state.ExitReason(),
		Notes:        conf.Notes,
		UserMetadata: conf.UserMetadata,
	}
	if ns := state.FirstResponse.Load(); ns != 0 {
		t := time.Unix(0, ns)
		md.FirstResponse = &t
	}
	if ns := state.LastResponse.Load(); ns != 0 {
		t := time.Unix(0, ns)
		md.LastResponse = &t
	}

	w := os.Stdout
	if conf.MetadataFile != "-" {
		f, err := os.Create(conf.MetadataFile)
		if err != nil {
			return errors.Wrap(err, "unable to open metadata file")
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(&md)
}
