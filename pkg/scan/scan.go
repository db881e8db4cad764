// Package scan wires the components of a run together: probe and
// output modules, allowed address space, iterator, receiver, monitor
// and senders, in that order. Teardown joins the senders, then the
// receiver, then stops the monitor and closes the probe module.
package scan

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/runZeroInc/sweeper/pkg/blocklist"
	"github.com/runZeroInc/sweeper/pkg/config"
	"github.com/runZeroInc/sweeper/pkg/cyclic"
	"github.com/runZeroInc/sweeper/pkg/dedup"
	"github.com/runZeroInc/sweeper/pkg/fieldset"
	"github.com/runZeroInc/sweeper/pkg/monitor"
	"github.com/runZeroInc/sweeper/pkg/output"
	"github.com/runZeroInc/sweeper/pkg/probe"
	"github.com/runZeroInc/sweeper/pkg/recv"
	"github.com/runZeroInc/sweeper/pkg/send"
	"github.com/runZeroInc/sweeper/pkg/validate"
)

// DefaultFilter is applied in default mode: unique successful hosts.
const DefaultFilter = "success = 1 && repeat = 0"

// Run executes one scan to completion. Startup errors return before
// any goroutine exists; steady-state problems surface through counters
// and the exit reason.
func Run(ctx context.Context, conf *config.Run, log *logrus.Logger) error {
	runID := xid.New().String()
	logger := log.WithField("run_id", runID)

	oracle, err := newOracle(conf)
	if err != nil {
		return err
	}

	mod, err := probe.Lookup(conf.ProbeModule)
	if err != nil {
		return err
	}
	outMod, err := output.Lookup(conf.OutputModule)
	if err != nil {
		return err
	}
	if mod.OutputType == probe.OutputDynamic && !outMod.SupportsDynamic {
		return errors.Errorf("probe module (%s) requires dynamic output support, which output module (%s) does not provide; use JSON output",
			mod.Name, outMod.Name)
	}
	if err := mod.GlobalInit(conf); err != nil {
		return errors.Wrap(err, "initializing probe module")
	}

	addrs, ipList, err := buildAllowedSpace(conf)
	if err != nil {
		return err
	}
	targets := addrs.Count() * uint64(conf.Ports.Count())
	if targets == 0 {
		return errors.New("zero eligible addresses to scan")
	}
	maxTargets, err := config.ResolveMaxTargets(conf.MaxTargetsRaw, targets)
	if err != nil {
		return err
	}

	catalogue, err := fieldset.NewCatalogue(fieldset.IPFields, mod.Fields, fieldset.SysFields)
	if err != nil {
		return err
	}
	for _, required := range []string{"success", "classification"} {
		if !catalogue.Has(required) {
			return errors.Errorf("probe module does not supply required %s field", required)
		}
	}
	translation, err := fieldset.NewTranslation(catalogue, conf.OutputFields)
	if err != nil {
		return err
	}
	filter, err := buildFilter(conf, catalogue)
	if err != nil {
		return err
	}

	deduper, err := dedup.New(conf.DedupMethod, conf.Ports.Count(), conf.DedupWindowSize)
	if err != nil {
		return err
	}

	w, err := output.OpenFile(conf.OutputFile)
	if err != nil {
		return err
	}
	sink, err := outMod.New(w, translation.Fields(), !conf.NoHeaderRow)
	if err != nil {
		return errors.Wrap(err, "initializing output module")
	}

	group, err := cyclic.NewGroup(targets, validate.NewRand(oracle.Seed()).Uint64)
	if err != nil {
		return err
	}
	cycle := cyclic.NewCycle(group, targets, validate.NewRand(oracle.Seed()^0x5ca11ab1e).Uint64())

	if err := resolveNetwork(conf); err != nil {
		return err
	}

	state := monitor.NewState()
	state.TotalTargets = targets / uint64(conf.TotalShards)
	if err := prometheus.Register(monitor.NewCollector(state, prometheus.Labels{"run_id": runID})); err != nil {
		logger.WithError(err).Debug("metrics collector not registered")
	}
	if conf.MetricsAddr != "" {
		go serveMetrics(conf.MetricsAddr, logger)
	}

	logger.WithFields(logrus.Fields{
		"probe_module":  mod.Name,
		"output_module": outMod.Name,
		"targets":       targets,
		"ports":         conf.Ports.Count(),
		"senders":       conf.Senders,
		"shard":         conf.ShardID,
		"shards":        conf.TotalShards,
		"seed":          oracle.Seed(),
	}).Info("starting scan")

	// Receiver first: senders hold their first batch until capture is
	// live so no early response is lost.
	receiver := &recv.Receiver{
		Conf:        conf,
		State:       state,
		Module:      mod,
		Oracle:      oracle,
		Dedup:       deduper,
		Filter:      filter,
		Translation: translation,
		Sink:        sink,
		Log:         logger.WithField("component", "recv"),
		Ready:       make(chan struct{}),
	}
	recvErr := make(chan error, 1)
	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	if conf.DryRun {
		// No capture in dryrun mode; nothing will respond to frames
		// that never hit the wire.
		close(receiver.Ready)
	} else {
		go func() { recvErr <- receiver.Run(recvCtx) }()
		select {
		case <-receiver.Ready:
		case err := <-recvErr:
			return errors.Wrap(err, "receiver failed to start")
		}
	}

	monCtx, cancelMon := context.WithCancel(context.Background())
	defer cancelMon()
	mon := monitor.New(conf, state, logger.WithField("component", "monitor"))
	go mon.Run(monCtx)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < conf.Senders; i++ {
		offset, workers := cyclic.Workers(conf.ShardID, conf.TotalShards, uint32(i), uint32(conf.Senders))
		transport, err := send.OpenTransport(conf, logger.WithField("component", "send"))
		if err != nil {
			state.StopSending("startup-failure")
			cancelRecv()
			return err
		}
		sender := &send.Sender{
			ID:         i,
			Conf:       conf,
			State:      state,
			Iter:       cycle.Iter(offset, workers),
			Addrs:      addrs,
			IPList:     ipList,
			Module:     mod,
			Oracle:     oracle,
			Transport:  transport,
			Log:        logger.WithField("component", "send").WithField("sender", i),
			MaxTargets: maxTargets,
		}
		eg.Go(func() error { return sender.Run(egCtx) })
	}
	sendErr := eg.Wait()
	if sendErr != nil && !errors.Is(sendErr, context.Canceled) {
		state.StopSending("send-failure")
	}
	state.StopSending("complete")
	state.MarkSendComplete()
	logger.Debug("senders finished")

	var recvRunErr error
	if !conf.DryRun {
		recvRunErr = <-recvErr
		if errors.Is(recvRunErr, context.Canceled) {
			recvRunErr = nil
		}
	} else {
		recvRunErr = sink.Close()
	}
	cancelMon()

	if mod.Close != nil {
		if err := mod.Close(); err != nil {
			logger.WithError(err).Warn("probe module close failed")
		}
	}
	if conf.MetadataFile != "" {
		if err := writeMetadata(conf, state, oracle, runID); err != nil {
			logger.WithError(err).Error("writing metadata file failed")
		}
	}
	logger.WithFields(logrus.Fields{
		"sent":           state.PacketsSent.Load(),
		"success_unique": state.SuccessUnique.Load(),
		"duplicates":     state.Duplicates.Load(),
		"exit_reason":    state.ExitReason(),
	}).Info("scan completed")

	if sendErr != nil && !errors.Is(sendErr, context.Canceled) {
		return sendErr
	}
	return recvRunErr
}

func newOracle(conf *config.Run) (*validate.Oracle, error) {
	if conf.SeedProvided {
		return validate.NewOracle(conf.Seed), nil
	}
	return validate.NewRandomOracle()
}

// buildAllowedSpace assembles the allowed address set from the
// destination CIDRs, allowlist and blocklist files, plus the optional
// explicit IP list.
func buildAllowedSpace(conf *config.Run) (*blocklist.Set, *blocklist.IPBitmap, error) {
	b := blocklist.NewBuilder()
	for _, cidr := range conf.DestinationCIDRs {
		if err := b.Allow(cidr); err != nil {
			return nil, nil, err
		}
	}
	if conf.AllowlistFile != "" {
		if err := b.AllowFile(conf.AllowlistFile); err != nil {
			return nil, nil, err
		}
	}
	if conf.BlocklistFile != "" {
		if err := b.BlockFile(conf.BlocklistFile); err != nil {
			return nil, nil, err
		}
	}
	var ipList *blocklist.IPBitmap
	if conf.ListOfIPsFile != "" {
		var err error
		ipList, err = blocklist.LoadIPFile(conf.ListOfIPsFile)
		if err != nil {
			return nil, nil, err
		}
	}
	return b.Build(), ipList, nil
}

func buildFilter(conf *config.Run, catalogue *fieldset.Catalogue) (*fieldset.Filter, error) {
	expr := conf.OutputFilter
	if conf.DefaultMode {
		expr = DefaultFilter
	}
	if expr == "" {
		return nil, nil
	}
	f, err := fieldset.ParseFilter(expr, catalogue)
	if err != nil {
		return nil, errors.Wrap(err, "unable to parse filter expression")
	}
	return f, nil
}

// resolveNetwork fills in the source MAC from the interface when not
// given. Gateway discovery is deliberately out of scope: a live send
// needs an explicit -G.
func resolveNetwork(conf *config.Run) error {
	if conf.Interface == "" && !conf.DryRun {
		return errors.New("no interface given (-i)")
	}
	if conf.SourceMAC == nil && conf.Interface != "" {
		ifi, err := net.InterfaceByName(conf.Interface)
		if err != nil {
			return errors.Wrapf(err, "interface %q not found", conf.Interface)
		}
		conf.SourceMAC = ifi.HardwareAddr
	}
	if conf.DryRun {
		if conf.SourceMAC == nil {
			conf.SourceMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}
		}
		if conf.GatewayMAC == nil {
			conf.GatewayMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}
		}
	}
	if conf.GatewayMAC == nil {
		return errors.New("could not determine gateway MAC; specify it with -G")
	}
	if len(conf.SourceIPs) == 0 {
		return errors.New("no source IP address given; specify one with -S")
	}
	return nil
}

func serveMetrics(addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Warn("metrics listener failed")
	}
}
