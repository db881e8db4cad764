// Command sweeper is a single-packet network scanner: it enumerates a
// target address space in shuffled order, emits one stateless probe
// per target at a configured rate, and classifies the responses.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/runZeroInc/sweeper/pkg/config"
	"github.com/runZeroInc/sweeper/pkg/dedup"
	"github.com/runZeroInc/sweeper/pkg/fieldset"
	"github.com/runZeroInc/sweeper/pkg/output"
	"github.com/runZeroInc/sweeper/pkg/probe"
	"github.com/runZeroInc/sweeper/pkg/scan"
)

var flags struct {
	targetPorts        string
	sourcePort         string
	sourceIP           string
	gatewayMAC         string
	sourceMAC          string
	iface              string
	rate               int64
	bandwidth          string
	batch              int
	probes             int
	retries            int
	maxSendtoFailures  int64
	maxTargets         string
	maxResults         uint64
	maxRuntime         int
	cooldown           int
	minHitrate         float64
	shard              uint32
	shards             uint32
	senderThreads      int
	cores              string
	outputFields       string
	outputModule       string
	outputFilter       string
	outputFile         string
	noHeaderRow        bool
	blocklistFile      string
	allowlistFile      string
	listOfIPsFile      string
	probeModule        string
	probeArgs          string
	probeTTL           int
	validateSourcePort string
	dedupMethod        string
	dedupWindowSize    int
	seed               uint64
	metadataFile       string
	userMetadata       string
	notes              string
	metricsAddr        string
	dryRun             bool
	quiet              bool
	logFile            string
	verbosity          int

	listProbeModules  bool
	listOutputModules bool
	listOutputFields  bool
}

func main() {
	cmd := &cobra.Command{
		Use:   "sweeper [cidr ...]",
		Short: "Fast single-packet IPv4 network scanner",
		Long: "sweeper probes an address space with one stateless packet per target and\n" +
			"classifies responses without keeping per-probe state. By default it prints\n" +
			"unique, successful addresses (e.g. hosts that sent a SYN-ACK) as CSV.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	fl := cmd.Flags()
	fl.StringVarP(&flags.targetPorts, "target-ports", "p", "", "comma/range list of destination ports")
	fl.StringVarP(&flags.sourcePort, "source-port", "s", "", "source port or inclusive range for probes")
	fl.StringVarP(&flags.sourceIP, "source-ip", "S", "", "source address(es), round-robin")
	fl.StringVarP(&flags.gatewayMAC, "gateway-mac", "G", "", "next-hop MAC address")
	fl.StringVar(&flags.sourceMAC, "source-mac", "", "source MAC address (default: interface MAC)")
	fl.StringVarP(&flags.iface, "interface", "i", "", "capture/send interface")
	fl.Int64VarP(&flags.rate, "rate", "r", 10000, "global send rate in packets/sec, 0 = unlimited")
	fl.StringVarP(&flags.bandwidth, "bandwidth", "B", "", "send rate in bits/sec, suffixes G, M, K")
	fl.IntVar(&flags.batch, "batch", 100, "packets per batch, 1-65535")
	fl.IntVarP(&flags.probes, "probes", "P", 1, "probes sent to each target")
	fl.IntVar(&flags.retries, "retries", 10, "retries for transient send failures")
	fl.Int64Var(&flags.maxSendtoFailures, "max-sendto-failures", -1, "abort after this many send failures, -1 = unlimited")
	fl.StringVarP(&flags.maxTargets, "max-targets", "n", "", "cap on targets, absolute or percentage")
	fl.Uint64VarP(&flags.maxResults, "max-results", "N", 0, "stop after this many successful results")
	fl.IntVarP(&flags.maxRuntime, "max-runtime", "t", 0, "stop sending after this many seconds")
	fl.IntVarP(&flags.cooldown, "cooldown-time", "c", 8, "seconds to keep capturing after senders finish")
	fl.Float64Var(&flags.minHitrate, "min-hitrate", 0, "abort when hitrate falls below this fraction")
	fl.Uint32Var(&flags.shard, "shard", 0, "this shard's id")
	fl.Uint32Var(&flags.shards, "shards", 1, "total shard count (requires --seed)")
	fl.IntVarP(&flags.senderThreads, "sender-threads", "T", 0, "sender threads (default: min(4, cores-1))")
	fl.StringVar(&flags.cores, "cores", "", "comma list of CPUs to pin threads to")
	fl.StringVarP(&flags.outputFields, "output-fields", "f", "", "comma list of output fields, or *")
	fl.StringVarP(&flags.outputModule, "output-module", "O", "", "output module (default: csv)")
	fl.StringVarP(&flags.outputFilter, "output-filter", "u", "", "filter expression over output fields")
	fl.StringVar(&flags.outputFile, "output-file", "-", "output destination, - = stdout")
	fl.BoolVar(&flags.noHeaderRow, "no-header-row", false, "suppress the CSV header row")
	fl.StringVarP(&flags.blocklistFile, "blocklist-file", "b", "", "file of CIDRs to exclude")
	fl.StringVarP(&flags.allowlistFile, "allowlist-file", "w", "", "file of CIDRs to scan")
	fl.StringVarP(&flags.listOfIPsFile, "list-of-ips-file", "I", "", "file of individual addresses to scan")
	fl.StringVarP(&flags.probeModule, "probe-module", "M", "tcp_synscan", "probe module")
	fl.StringVar(&flags.probeArgs, "probe-args", "", "probe module arguments")
	fl.IntVar(&flags.probeTTL, "probe-ttl", 0, "IP TTL for probes (default 255)")
	fl.StringVar(&flags.validateSourcePort, "validate-source-port", "", "enable or disable source port validation")
	fl.StringVar(&flags.dedupMethod, "dedup-method", dedup.MethodDefault, "default, none, full or window")
	fl.IntVar(&flags.dedupWindowSize, "dedup-window-size", dedup.DefaultWindowSize, "dedup window capacity")
	fl.Uint64Var(&flags.seed, "seed", 0, "seed for target selection and validation")
	fl.StringVar(&flags.metadataFile, "metadata-file", "", "write a JSON run summary here, - = stdout")
	fl.StringVar(&flags.userMetadata, "user-metadata", "", "JSON blob recorded in the metadata summary")
	fl.StringVar(&flags.notes, "notes", "", "free-form note recorded in the metadata summary")
	fl.StringVar(&flags.metricsAddr, "metrics", "", "serve prometheus metrics on this address")
	fl.BoolVarP(&flags.dryRun, "dryrun", "d", false, "print packets instead of sending them")
	fl.BoolVarP(&flags.quiet, "quiet", "q", false, "suppress periodic status updates")
	fl.StringVar(&flags.logFile, "log-file", "", "write log output here instead of stderr")
	fl.IntVarP(&flags.verbosity, "verbosity", "v", 3, "log level 0-5")

	fl.BoolVar(&flags.listProbeModules, "list-probe-modules", false, "list available probe modules and exit")
	fl.BoolVar(&flags.listOutputModules, "list-output-modules", false, "list available output modules and exit")
	fl.BoolVar(&flags.listOutputFields, "list-output-fields", false, "list the selected probe's output fields and exit")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sweeper: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, err := setupLogging()
	if err != nil {
		return err
	}

	if flags.listProbeModules {
		for _, name := range probe.Names() {
			fmt.Println(name)
		}
		return nil
	}
	if flags.listOutputModules {
		for _, name := range output.Names() {
			fmt.Println(name)
		}
		return nil
	}

	if flags.listOutputFields {
		mod, err := probe.Lookup(flags.probeModule)
		if err != nil {
			return err
		}
		catalogue, err := fieldset.NewCatalogue(fieldset.IPFields, mod.Fields, fieldset.SysFields)
		if err != nil {
			return err
		}
		for _, d := range catalogue.Defs() {
			fmt.Printf("%-28s %6s: %s\n", d.Name, d.Type, d.Desc)
		}
		return nil
	}

	conf, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}

	if err := conf.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return scan.Run(ctx, conf, log)
}

func setupLogging() (*logrus.Logger, error) {
	log := logrus.New()
	levels := []logrus.Level{
		logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel,
		logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel,
	}
	v := flags.verbosity
	if v < 0 {
		v = 0
	}
	if v >= len(levels) {
		v = len(levels) - 1
	}
	log.SetLevel(levels[v])
	if flags.logFile != "" {
		f, err := os.OpenFile(flags.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		log.SetOutput(f)
	}
	return log, nil
}

// buildConfig turns the flag surface into a frozen run configuration.
func buildConfig(cmd *cobra.Command, args []string) (*config.Run, error) {
	mod, err := probe.Lookup(flags.probeModule)
	if err != nil {
		return nil, err
	}

	conf := &config.Run{
		ProbeModule:       flags.probeModule,
		ProbeArgs:         flags.probeArgs,
		ProbeTTL:          flags.probeTTL,
		OutputFile:        flags.outputFile,
		NoHeaderRow:       flags.noHeaderRow,
		DestinationCIDRs:  args,
		AllowlistFile:     flags.allowlistFile,
		BlocklistFile:     flags.blocklistFile,
		ListOfIPsFile:     flags.listOfIPsFile,
		MaxTargetsRaw:     flags.maxTargets,
		MaxResults:        flags.maxResults,
		Interface:         flags.iface,
		Rate:              flags.rate,
		BatchSize:         flags.batch,
		PacketStreams:     flags.probes,
		Retries:           flags.retries,
		MaxSendtoFailures: flags.maxSendtoFailures,
		MinHitrate:        flags.minHitrate,
		DryRun:            flags.dryRun,
		ShardID:           flags.shard,
		TotalShards:       flags.shards,
		Seed:              flags.seed,
		SeedProvided:      cmd.Flags().Changed("seed"),
		DedupMethod:       flags.dedupMethod,
		DedupWindowSize:   flags.dedupWindowSize,
		Quiet:             flags.quiet,
		MetricsAddr:       flags.metricsAddr,
		MetadataFile:      flags.metadataFile,
		Notes:             flags.notes,
		LogFile:           flags.logFile,
		Verbosity:         flags.verbosity,
	}
	conf.MaxRuntime = secondsFlag(flags.maxRuntime)
	conf.Cooldown = secondsFlag(flags.cooldown)

	// Default mode: no output module, fields or filter given.
	conf.DefaultMode = flags.outputModule == "" && flags.outputFields == "" &&
		!cmd.Flags().Changed("output-filter")
	conf.OutputModule = flags.outputModule
	if conf.OutputModule == "" {
		conf.OutputModule = "csv"
	}
	if conf.DefaultMode {
		conf.NoHeaderRow = true
	}
	conf.OutputFilter = flags.outputFilter

	// Destination ports. Portless probes reject -p and scan "port 0".
	if mod.PortArgs {
		if flags.targetPorts == "" {
			return nil, fmt.Errorf("target ports (-p) required for %s probe", mod.Name)
		}
		conf.Ports, err = config.ParsePorts(flags.targetPorts)
		if err != nil {
			return nil, err
		}
	} else {
		if flags.targetPorts != "" {
			return nil, fmt.Errorf("destination port cannot be set for %s probe", mod.Name)
		}
		conf.Ports = config.SinglePort(0)
	}

	if flags.outputFields != "" {
		conf.OutputFields = splitTrim(flags.outputFields)
	} else if conf.Ports.Count() > 1 {
		conf.OutputFields = []string{"saddr", "sport"}
	} else {
		conf.OutputFields = []string{"saddr"}
	}

	conf.SourcePortFirst, conf.SourcePortLast = config.DefaultSourcePortFirst, config.DefaultSourcePortLast
	if flags.sourcePort != "" {
		conf.SourcePortFirst, conf.SourcePortLast, err = config.ParseSourcePorts(flags.sourcePort)
		if err != nil {
			return nil, err
		}
	}
	if flags.sourceIP != "" {
		conf.SourceIPs, err = config.ParseSourceIPs(flags.sourceIP)
		if err != nil {
			return nil, err
		}
	} else if conf.Interface != "" {
		conf.SourceIPs, err = interfaceSourceIPs(conf.Interface)
		if err != nil {
			return nil, err
		}
	}
	if flags.gatewayMAC != "" {
		conf.GatewayMAC, err = config.ParseMAC(flags.gatewayMAC)
		if err != nil {
			return nil, err
		}
	}
	if flags.sourceMAC != "" {
		conf.SourceMAC, err = config.ParseMAC(flags.sourceMAC)
		if err != nil {
			return nil, err
		}
	}
	if flags.bandwidth != "" {
		conf.Bandwidth, err = config.ParseBandwidth(flags.bandwidth)
		if err != nil {
			return nil, err
		}
	}
	if flags.cores != "" {
		conf.PinCores, err = config.ParseCoreList(flags.cores)
		if err != nil {
			return nil, err
		}
	}
	switch flags.validateSourcePort {
	case "":
		conf.ValidateSourcePort = config.ValidateSrcPortUnset
	case "enable":
		conf.ValidateSourcePort = config.ValidateSrcPortEnable
	case "disable":
		conf.ValidateSourcePort = config.ValidateSrcPortDisable
	default:
		return nil, fmt.Errorf("unknown value for --validate-source-port, use either \"enable\" or \"disable\"")
	}
	if flags.userMetadata != "" {
		conf.UserMetadata = []byte(flags.userMetadata)
	}

	conf.Senders = flags.senderThreads
	if conf.Senders == 0 {
		cores := runtime.NumCPU()
		if cores > 1 {
			cores--
		}
		conf.Senders = cores
		if conf.Senders > 4 {
			conf.Senders = 4
		}
	}
	return conf, nil
}

func secondsFlag(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func splitTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// interfaceSourceIPs finds the interface's IPv4 addresses for use as
// default probe sources.
func interfaceSourceIPs(iface string) ([]uint32, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %q not found: %w", iface, err)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.To4() == nil {
			continue
		}
		out = append(out, binary.BigEndian.Uint32(ipnet.IP.To4()))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("could not detect an IPv4 address on %s; try specifying a source address (-S)", iface)
	}
	return out, nil
}
