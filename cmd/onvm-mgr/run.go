package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"onvmgo.dev/onvm/internal/backpressure"
	"onvmgo.dev/onvm/internal/chain"
	"onvmgo.dev/onvm/internal/config"
	"onvmgo.dev/onvm/internal/control"
	"onvmgo.dev/onvm/internal/dispatch"
	"onvmgo.dev/onvm/internal/enqueue"
	"onvmgo.dev/onvm/internal/ipc"
	"onvmgo.dev/onvm/internal/log"
	"onvmgo.dev/onvm/internal/master"
	"onvmgo.dev/onvm/internal/mempool"
	"onvmgo.dev/onvm/internal/metrics"
	"onvmgo.dev/onvm/internal/port"
	"onvmgo.dev/onvm/internal/registry"
	"onvmgo.dev/onvm/internal/wake"
)

var (
	portmask   uint32
	numClients int
	chainFile  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the manager in the foreground",
	Long: `run starts the manager's RX/TX dispatch pipelines, NF registry,
backpressure engine, wake-up scheduler, master loop, and control socket.
It blocks until SIGINT/SIGTERM.`,
}

func init() {
	runCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runManager(cmd.Context())
	}
	runCmd.Flags().Uint32VarP(&portmask, "portmask", "p", 1, "bitmask of enabled NIC ports")
	runCmd.Flags().IntVarP(&numClients, "num-clients", "n", 4, "advisory NF count, sizes worker-local bookkeeping only")
	runCmd.Flags().StringVar(&chainFile, "default-chain", "", "YAML/JSON file describing the boot-time default service chain")
}

// runManager wires every collaborator on the NIC → RX → NF → TX → port
// path and runs until interrupted, shutting down on SIGINT/SIGTERM.
func runManager(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		// CLI flags override a missing/partial config file for the two
		// values the command line itself carries.
		cfg = &config.ManagerConfig{}
		cfg.Workers.RXWorkers = 1
		cfg.Workers.TXWorkers = 1
	}
	if cmdChanged("portmask") {
		cfg.Ports.Portmask = portmask
	} else if cfg.Ports.Portmask == 0 {
		cfg.Ports.Portmask = portmask
	}
	if cmdChanged("num-clients") {
		cfg.Workers.NumClients = numClients
	}
	if cmdChanged("default-chain") {
		cfg.DefaultChainFile = chainFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	log.Init(cfg.Log.LoggerConfig())
	logger := log.GetLogger()
	logger.WithFields(map[string]interface{}{
		"portmask":   cfg.Ports.Portmask,
		"rx_workers": cfg.Workers.RXWorkers,
		"tx_workers": cfg.Workers.TXWorkers,
	}).Info("onvm-mgr starting")

	reg := registry.New(registry.WithStrategy(cfg.Strategy()))
	pool := mempool.New(mempool.WithDoubleFreeDetection())
	nic := port.NewFakeNIC() // in-memory NIC collaborator; a real driver binding replaces this
	ports := port.NewTable(cfg.Ports.PortIDs())

	flowTable := chain.NewMapFlowTable()
	defaultChain := loadDefaultChain(cfg.DefaultChainFile, logger)
	resolver := chain.NewResolver(flowTable, defaultChain)

	bp := backpressure.NewEngine(cfg.Backpressure.Engine())
	enqMode := enqueue.ModeDropOnFull
	if cfg.Enqueue.HoldOnBottleneck {
		enqMode = enqueue.ModeHoldOnBottleneck
	}
	enq := enqueue.NewEngine(reg, bp, pool, enqMode)

	disp := &dispatch.Dispatcher{
		Resolver: resolver,
		Enqueue:  enq,
		Registry: reg,
		Ports:    ports,
		NIC:      nic,
		Pool:     pool,
	}

	sched := wake.New(wake.Config{
		DynamicWeights: cfg.Wake.DynamicWeights,
		EpochCycles:    cfg.Wake.EpochCycles,
		WakeThreshold:  cfg.Wake.WakeThreshold,
	}, reg, nil, bp)

	queue := registry.NewAdmissionQueue(256)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, func() error {
			if reg == nil {
				return fmt.Errorf("registry not initialized")
			}
			return nil
		})
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("fatal: metrics server: %w", err)
		}
	}

	ctrl := control.NewServer(cfg.Control.Socket, queue, reg)

	ipcMode := cfg.Wake.IPCMode()
	sink := wake.WeightSink(wake.NoopWeightSink{})

	var wakersMu sync.RWMutex
	wakers := make(map[uint16]ipc.Waker)

	mst := &master.Master{
		Registry:  reg,
		Scheduler: sched,
		Wakers:    wakers,
		Sink:      sink,
		Probe:     func(pid int) error { return unix.Kill(pid, 0) },
		Renderer:  metrics.NewRenderer(),
		OnAdmit: func(id uint16, status registry.Status) {
			if status != registry.StatusRunning {
				return
			}
			d, ok := reg.Get(id)
			if !ok {
				return
			}
			wakersMu.Lock()
			wakers[id] = newWaker(ipcMode, d)
			wakersMu.Unlock()
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if ipcMode != ipc.ModePoll {
		// The dedicated wake goroutine owns the 100µs scheduler tick; the
		// master loop would otherwise double-drive the same scheduler from
		// a second goroutine at its own 1s cadence.
		mst.Scheduler = nil
		go runWakeLoop(runCtx, sched, sink, func() map[uint16]ipc.Waker {
			wakersMu.RLock()
			defer wakersMu.RUnlock()
			out := make(map[uint16]ipc.Waker, len(wakers))
			for k, v := range wakers {
				out[k] = v
			}
			return out
		})
	}

	go func() { _ = ctrl.Start(runCtx) }()
	go mst.Run(runCtx, queue)

	portIDs := cfg.Ports.PortIDs()
	rxWorker := dispatch.NewRXWorker(0, portIDs, disp)
	txRanges := dispatch.AssignTXRanges(cfg.Workers.TXWorkers)
	txWorkers := make([]*dispatch.TXWorker, len(txRanges))
	for i, r := range txRanges {
		txWorkers[i] = dispatch.NewTXWorker(r, disp)
	}

	for i := 0; i < cfg.Workers.RXWorkers; i++ {
		go runRXLoop(runCtx, rxWorker)
	}
	for _, w := range txWorkers {
		go runTXLoop(runCtx, w)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig).Info("onvm-mgr: shutting down")
	case <-ctx.Done():
	}
	cancel()
	if metricsServer != nil {
		_ = metricsServer.Stop(context.Background())
	}
	return nil
}

// runRXLoop drives one RX worker's poll loop. Frame batches always
// complete once started; the context is only checked between passes.
func runRXLoop(ctx context.Context, w *dispatch.RXWorker) {
	ts := dispatch.NewThreadState()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			w.RunOnce(ts)
			time.Sleep(time.Millisecond) // pacing; a busy-poll deployment drops this
		}
	}
}

// runWakeLoop drives the wake-up scheduler at its 100µs tick; it only runs
// when NFs use a blocking IPC primitive. snapshot copies the waker table
// under its read lock so the master loop's admissions never race the tick.
func runWakeLoop(ctx context.Context, sched *wake.Scheduler, sink wake.WeightSink, snapshot func() map[uint16]ipc.Waker) {
	ticker := time.NewTicker(wake.DefaultTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sched.Recompute(snapshot(), sink)
		}
	}
}

// newWaker builds the manager-side wake handle for one admitted NF per the
// configured IPC mode. Socket mode dials the NF's well-known wake socket; a
// dial failure degrades to a no-op waker rather than failing admission —
// the NF then behaves as a busy-poller until it re-registers.
func newWaker(mode ipc.Mode, d *registry.Descriptor) ipc.Waker {
	switch mode {
	case ipc.ModeSemaphore:
		return ipc.NewSemWaker()
	case ipc.ModeSignal:
		return ipc.SignalWaker{PID: d.WorkerPID}
	case ipc.ModeSocket:
		conn, err := net.Dial("unixgram", fmt.Sprintf("/var/run/onvm-nf-%d.sock", d.InstanceID))
		if err != nil {
			return ipc.PollWaker{}
		}
		return ipc.NewSocketWaker(func(b byte) error {
			_, err := conn.Write([]byte{b})
			return err
		})
	default:
		return ipc.PollWaker{}
	}
}

// runTXLoop drives one TX worker's poll loop, mirroring runRXLoop.
func runTXLoop(ctx context.Context, w *dispatch.TXWorker) {
	ts := dispatch.NewThreadState()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			w.RunOnce(ts)
			time.Sleep(time.Millisecond)
		}
	}
}

func cmdChanged(name string) bool {
	return runCmd.Flags().Changed(name)
}

// loadDefaultChain reads path (YAML or JSON, sniffed by extension) into the
// resolver's fallback chain for flows absent from the flow table. A
// missing/empty path or a read error falls back to the single-hop Drop
// chain; fatal aborts are reserved for resources the manager cannot
// function without, and this is not one.
func loadDefaultChain(path string, logger log.Logger) *chain.Chain {
	fallback := chain.NewChain(chain.Hop{Action: chain.ActionDrop})
	if path == "" {
		return fallback
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithField("path", path).Warn("onvm-mgr: default chain file unreadable, using Drop fallback")
		return fallback
	}
	spec, err := chain.ParseChainSpecAuto(data, filepath.Base(path))
	if err != nil {
		logger.WithField("error", err.Error()).Warn("onvm-mgr: default chain file invalid, using Drop fallback")
		return fallback
	}
	return spec.Build()
}
