// Package probe defines the pluggable layer between targets and
// packets: a module turns a target tuple into an outgoing frame, and a
// captured frame into a classified field record. Modules register by
// name in a process-wide dispatch table; no state survives between
// packets once a module is initialized — anything shared between send
// and receive lives in the validation derivation.
package probe

import (
	"net"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/runZeroInc/sweeper/pkg/config"
	"github.com/runZeroInc/sweeper/pkg/fieldset"
	"github.com/runZeroInc/sweeper/pkg/validate"
)

// OutputType declares whether every response yields the same field set.
type OutputType int

const (
	OutputStatic OutputType = iota
	// OutputDynamic modules vary their fields per response and need a
	// sink that can represent that (JSON).
	OutputDynamic
)

// State is opaque per-sender-thread module state, created by ThreadInit
// and handed back to every MakePacket call on that thread.
type State any

// Deriver recomputes validation blocks; modules that parse ICMP error
// envelopes need it to validate the quoted inner probe.
type Deriver interface {
	Derive(srcIP, dstIP uint32, dstPort uint16) validate.Block
}

// Module is one named probe implementation.
type Module struct {
	Name            string
	Helptext        string
	PcapFilter      string
	Snaplen         int32
	MaxPacketLength int
	PortArgs        bool
	OutputType      OutputType
	Fields          []fieldset.Def

	// GlobalInit runs once per process before any thread starts.
	GlobalInit func(conf *config.Run) error
	// ThreadInit runs once per sender thread; seed feeds the thread's
	// deterministic payload stream.
	ThreadInit func(seed uint64) State
	// Prepare builds the static L2+L3+L4 template into buf and returns
	// the frame length.
	Prepare func(buf []byte, srcMAC, gwMAC net.HardwareAddr) (int, error)
	// MakePacket patches per-target fields and checksums into the
	// prepared template and returns the frame length.
	MakePacket func(buf []byte, srcIP, dstIP uint32, dport uint16, val validate.Block, probeNum int, st State) (int, error)
	// Validate decides whether a captured packet is a response to this
	// scan. val is the derivation for the outer tuple as seen from the
	// probe's perspective.
	Validate func(p *Packet, val validate.Block, o Deriver, ports *config.Ports) bool
	// Process writes the module's declared fields for a validated
	// packet. The framework has already populated the IP header fields.
	Process func(p *Packet, fs *fieldset.FieldSet, val validate.Block, o Deriver, ts time.Time)
	// Close runs at scan end; may be nil.
	Close func() error
}

var registry = map[string]*Module{}

// Register adds a module to the dispatch table; modules call it from
// init functions.
func Register(m *Module) {
	registry[m.Name] = m
}

// Lookup returns a module by name.
func Lookup(name string) (*Module, error) {
	m, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("specified probe module (%s) does not exist", name)
	}
	return m, nil
}

// Names lists registered modules, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
