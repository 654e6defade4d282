// starmeter - passive combat meter
//
// starmeter watches the game's TCP traffic, binds the game server flow,
// reassembles and decodes its frames, and turns damage records into combat
// events served over a console, a REST API, MQTT and Prometheus.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/api"
	"github.com/starmeter-project/starmeter/internal/capture"
	"github.com/starmeter-project/starmeter/internal/capture/live"
	"github.com/starmeter-project/starmeter/internal/cli"
	"github.com/starmeter-project/starmeter/internal/config"
	"github.com/starmeter-project/starmeter/internal/db"
	"github.com/starmeter-project/starmeter/internal/entity"
	"github.com/starmeter-project/starmeter/internal/events"
	"github.com/starmeter-project/starmeter/internal/flow"
	"github.com/starmeter-project/starmeter/internal/meter"
	"github.com/starmeter-project/starmeter/internal/metrics"
	"github.com/starmeter-project/starmeter/internal/pipeline"
	"github.com/starmeter-project/starmeter/internal/protocol"
	"github.com/starmeter-project/starmeter/internal/reassembly"
	"github.com/starmeter-project/starmeter/internal/scheduler"
	"github.com/starmeter-project/starmeter/internal/tables"
	"github.com/starmeter-project/starmeter/internal/telemetry"
	"github.com/starmeter-project/starmeter/internal/util"
)

const (
	AppName = "starmeter"
	Banner  = `
     _                            _
 ___| |_ __ _ _ __ _ __ ___   ___| |_ ___ _ __
/ __| __/ _' | '__| '_ ' _ \ / _ \ __/ _ \ '__|
\__ \ || (_| | |  | | | | | |  __/ ||  __/ |
|___/\__\__,_|_|  |_| |_| |_|\___|\__\___|_|   v%s
 passive combat meter
`
)

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	pcapFile := flag.String("pcap", "", "replay a pcap or pcapng file instead of live capture")
	device := flag.String("device", "", "capture device (overrides config)")
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	fmt.Printf(Banner, api.Version)
	fmt.Println()

	if *listDevices {
		if err := printDevices(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to list devices: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Initialize logger with defaults first (reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", api.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting starmeter")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	// command line overrides apply to this run only
	capCfg := cfg.GetCapture()
	if *pcapFile != "" {
		capCfg.PcapFile = *pcapFile
	}
	if *device != "" {
		capCfg.Device = *device
	}

	source, err := openSource(capCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open capture source")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	eventBus.Subscribe(events.EventShutdown, "main.shutdown", func(context.Context, events.Event) error {
		cancel()
		return nil
	})

	// Static tables and the entity directory, seeded from storage
	tbl := tables.New(cfg.Tables.SkillNames, cfg.Tables.MonsterNames)
	directory := entity.NewDirectory()

	storageCfg := cfg.GetStorage()
	var combatLog *db.CombatLog
	var writer *db.Writer
	if storageCfg.Enabled {
		combatLog, err = db.NewCombatLog(storageCfg.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open combat log")
		}
		defer combatLog.Close()

		if recs, err := combatLog.LoadEntities(); err != nil {
			log.Warn().Err(err).Msg("failed to load stored entities")
		} else {
			log.Info().Int("entities", directory.Restore(recs)).Msg("entity directory restored")
		}

		writer = db.NewWriter(combatLog, directory, storageCfg.BatchSize)
		writer.Attach(eventBus)
	}

	// Pipeline
	pipeCfg := cfg.GetPipeline()
	dec, err := protocol.NewDecompressor(uint64(pipeCfg.MaxDecompressedMB) << 20)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create decompressor")
	}
	defer dec.Close()

	sink := pipeline.NewBusSink(ctx, eventBus)
	session := pipeline.NewSession(pipeline.Config{
		InactivityTimeout: pipeCfg.InactivityTimeout(),
		InactivityCheck:   pipeCfg.InactivityCheck(),
		AllowRebind:       pipeCfg.AllowRebind,
		Reassembly: reassembly.Options{
			MaxFrameSize:   uint32(pipeCfg.MaxFrameSize),
			SegmentTimeout: pipeCfg.SegmentTimeout(),
			MaxPending:     pipeCfg.MaxPendingSegments,
		},
	}, directory, tbl, dec, sink)

	tally := meter.NewTally(meter.DefaultRecentSize)
	tally.Attach(eventBus)

	// Optional packet recorder for bound-flow traffic
	var recorder *capture.Recorder
	if capCfg.RecordFile != "" && capCfg.PcapFile == "" {
		recorder, err = capture.NewRecorder(capCfg.RecordFile, source.LinkType())
		if err != nil {
			log.Warn().Err(err).Msg("failed to open recorder, recording disabled")
		} else {
			defer recorder.Close()
		}
	}

	var mqttHandler *telemetry.MQTTHandler
	if mqttCfg := cfg.GetMQTT(); mqttCfg.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(mqttCfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	deps := api.Deps{
		Config:    cfg,
		Bus:       eventBus,
		Session:   session,
		Tally:     tally,
		Directory: directory,
		CombatLog: combatLog,
		Capture:   source.Stats,
	}
	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector(metrics.Sources{
			Session:   session,
			Capture:   source.Stats,
			Tally:     tally,
			Directory: directory,
			Dropped:   eventBus.Dropped,
		})
		deps.Metrics = metrics.Handler(metrics.NewRegistry(collector))
	}

	apiCfg := cfg.GetAPI()
	var apiServer *api.Server
	if apiCfg.Enabled {
		apiServer = api.NewServer(apiCfg, deps)
	}

	sched := scheduler.NewScheduler()
	timers := cfg.GetTimers()
	if writer != nil {
		sched.Add(scheduler.FlushTask(writer, seconds(timers.FlushInterval)))
		sched.Add(scheduler.PruneTask(combatLog, storageCfg.RetentionDays, seconds(timers.PruneInterval), storageCfg.Path))
	}
	sched.Add(scheduler.StatsTask(seconds(timers.StatsInterval), func(e *zerolog.Event) {
		st := session.Snapshot()
		cs := source.Stats()
		players, monsters := directory.Len()
		e.Bool("bound", st.Bound).
			Str("flow", st.Flow).
			Uint64("packets", cs.Packets).
			Uint64("segments", st.Counters.Segments).
			Uint64("reassembled", st.Counters.Reassembled).
			Uint64("frame_errors", st.Counters.FrameErrors).
			Uint64("combat_events", tally.Events()).
			Int("players", players).
			Int("monsters", monsters).
			Uint64("bus_dropped", eventBus.Dropped())
		if writer != nil {
			stored, failed := writer.Stats()
			e.Uint64("stored", stored).Uint64("store_failed", failed)
		}
		if recorder != nil {
			e.Uint64("recorded", recorder.Written())
		}
	}))

	// ---------------------------------------------------------------
	// Launch all concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	captureDone := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(captureDone)
		log.Info().Str("source", source.Name()).Msg("starting capture")
		source.Run(ctx, func(seg flow.Segment, pkt gopacket.Packet) {
			if !session.HandleSegment(seg) || recorder == nil {
				return
			}
			if err := recorder.Write(pkt); err != nil {
				log.Debug().Err(err).Msg("failed to record packet")
			}
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		session.Run(ctx)
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", apiCfg.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if !*noConsole {
		// the console blocks on stdin, so it is not waited for
		cliHandler := cli.NewCLI(cfg, eventBus, session, tally, directory, combatLog)
		go cliHandler.Start(ctx)
	}

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("shutdown requested")
	case <-captureDone:
		if capCfg.PcapFile == "" {
			log.Error().Msg("live capture ended unexpectedly")
		} else {
			log.Info().Str("file", capCfg.PcapFile).Msg("capture file replayed")
		}
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// deliver what is still queued, then persist it
	eventBus.Stop()
	if writer != nil {
		if err := writer.Flush(); err != nil {
			log.Warn().Err(err).Msg("final combat log flush failed")
		}
	}

	log.Info().Msg("starmeter stopped")
}

// openSource opens the replay file when one is configured, a live device
// otherwise.
func openSource(c config.CaptureConfig) (*capture.Source, error) {
	if c.PcapFile != "" {
		return capture.OpenFile(c.PcapFile)
	}
	skip := c.SkipKeywords
	if len(skip) == 0 {
		skip = live.DefaultSkipKeywords
	}
	return live.Open(live.Options{
		Device:       c.Device,
		BPFFilter:    c.BPFFilter,
		SnapLen:      c.SnapLen,
		Promiscuous:  c.Promiscuous,
		ReadTimeout:  c.ReadTimeout(),
		BufferSize:   c.BufferSizeMB << 20,
		SkipKeywords: skip,
	})
}

func printDevices() error {
	devs, err := live.Devices()
	if err != nil {
		return err
	}
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Name", "Description", "Addresses"})
	tw.SetAutoWrapText(false)
	for _, d := range devs {
		addrs := ""
		for i, a := range d.Addresses {
			if i > 0 {
				addrs += ", "
			}
			addrs += a.IP.String()
		}
		tw.Append([]string{d.Name, d.Description, addrs})
	}
	tw.Render()
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// startWithRetry attempts to start a listener/server with retry on bind errors.
// Returns nil on success, or the last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
