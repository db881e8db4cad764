// Package config holds the immutable run configuration. The entry
// point builds one Run from the command line, validates it, and passes
// it by pointer into every component; nothing mutates it after startup.
package config

import (
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Source port validation override states (--validate-source-port).
const (
	ValidateSrcPortUnset = iota
	ValidateSrcPortEnable
	ValidateSrcPortDisable
)

// Default source port range for probes when -s is not given.
const (
	DefaultSourcePortFirst = 32768
	DefaultSourcePortLast  = 61000
)

// Run is the frozen configuration for one scan.
type Run struct {
	// Probe and output selection.
	ProbeModule  string
	ProbeArgs    string
	ProbeTTL     int
	OutputModule string
	OutputFields []string
	OutputFilter string
	OutputFile   string
	NoHeaderRow  bool
	// DefaultMode is set when none of output module, fields, or filter
	// were given: unique successful hosts without a header row, as bare
	// addresses (address and port when several ports are scanned).
	DefaultMode bool

	// Target space.
	Ports            *Ports
	DestinationCIDRs []string
	AllowlistFile    string
	BlocklistFile    string
	ListOfIPsFile    string
	MaxTargetsRaw    string // absolute count or percentage; resolved once the allowed count is known
	MaxResults       uint64
	MaxRuntime       time.Duration
	Cooldown         time.Duration

	// Send path.
	Interface         string
	SourceIPs         []uint32
	SourcePortFirst   uint16
	SourcePortLast    uint16
	SourceMAC         net.HardwareAddr
	GatewayMAC        net.HardwareAddr
	Rate              int64 // packets/sec, 0 = unthrottled
	Bandwidth         int64 // bits/sec, takes precedence over Rate when set
	BatchSize         int
	PacketStreams     int // probes per target
	Retries           int // transient send retries per packet
	MaxSendtoFailures int64
	MinHitrate        float64
	DryRun            bool

	// Concurrency and sharding.
	Senders         int
	PinCores        []int
	ShardID         uint32
	TotalShards     uint32
	Seed            uint64
	SeedProvided    bool

	// Response handling.
	DedupMethod            string
	DedupWindowSize        int
	ValidateSourcePort     int

	// Reporting.
	Quiet        bool
	MetricsAddr  string
	MetadataFile string
	UserMetadata json.RawMessage
	Notes        string
	LogFile      string
	Verbosity    int
}

// NumSourcePorts returns the size of the configured source port range.
func (r *Run) NumSourcePorts() int {
	return int(r.SourcePortLast) - int(r.SourcePortFirst) + 1
}

// Validate applies the startup-time consistency rules. Every violation
// here is a configuration error: precise message, exit before any
// thread starts.
func (r *Run) Validate() error {
	if r.Ports == nil || r.Ports.Count() == 0 {
		return errors.New("no target ports configured")
	}
	if r.SourcePortFirst > r.SourcePortLast {
		return errors.New("invalid source port range: last port is less than first port")
	}
	if r.PacketStreams < 1 {
		return errors.New("probes per target must be at least 1")
	}
	if r.PacketStreams > r.NumSourcePorts() {
		return errors.Errorf("probes per target (%d) must not exceed the source port range size (%d), otherwise some probe packets would be identical",
			r.PacketStreams, r.NumSourcePorts())
	}
	if r.BatchSize < 1 || r.BatchSize > 65535 {
		return errors.New("batch size must be > 0 and <= 65535")
	}
	if r.Retries < 0 {
		return errors.New("invalid retry count")
	}
	if (r.TotalShards > 1 || r.ShardID > 0) && !r.SeedProvided {
		return errors.New("need to specify seed if sharding a scan")
	}
	if r.TotalShards < 1 || r.TotalShards > 65535 {
		return errors.New("total shards must be in [1, 65535]")
	}
	if r.ShardID >= r.TotalShards {
		return errors.Errorf("with %d total shards, shard number (%d) must be in range [0, %d)",
			r.TotalShards, r.ShardID, r.TotalShards)
	}
	if r.Senders < 1 || r.Senders > 255 {
		return errors.New("sender threads must be in [1, 255]")
	}
	if r.MinHitrate < 0 || r.MinHitrate > 1 {
		return errors.New("min hitrate must be in [0, 1]")
	}
	switch r.ValidateSourcePort {
	case ValidateSrcPortUnset, ValidateSrcPortEnable, ValidateSrcPortDisable:
	default:
		return errors.New("unknown value for --validate-source-port, use either \"enable\" or \"disable\"")
	}
	if len(r.UserMetadata) > 0 && !json.Valid(r.UserMetadata) {
		return errors.New("unable to parse custom user metadata")
	}
	return nil
}
