package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/daylight-mirror/host/internal/bridge"
	"github.com/daylight-mirror/host/internal/capture"
	"github.com/daylight-mirror/host/internal/config"
	"github.com/daylight-mirror/host/internal/display"
	"github.com/daylight-mirror/host/internal/events"
	"github.com/daylight-mirror/host/internal/health"
	"github.com/daylight-mirror/host/internal/logging"
	"github.com/daylight-mirror/host/internal/pipeline"
	"github.com/daylight-mirror/host/internal/record"
	"github.com/daylight-mirror/host/internal/stats"
	"github.com/daylight-mirror/host/internal/webmirror"
)

var (
	version = "0.1.0"
	cfgFile string

	flagPort   int
	flagWidth  int
	flagHeight int
	flagFPS    int
	flagSource string
	flagRecord string
	flagWeb    bool
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "mirror-host",
	Short: "Daylight Mirror host",
	Long:  `Daylight Mirror host — streams the display to a Daylight tablet over USB or WiFi`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start streaming",
	Run: func(cmd *cobra.Command, args []string) {
		runMirror(cmd)
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay [recording]",
	Short: "Serve a session recording to connected clients",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runReplay(args[0])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mirror-host v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/daylight-mirror/mirror.yaml)")

	runCmd.Flags().IntVar(&flagPort, "port", 0, "frame protocol port (overrides config)")
	runCmd.Flags().IntVar(&flagWidth, "width", 0, "stream width in pixels (overrides config)")
	runCmd.Flags().IntVar(&flagHeight, "height", 0, "stream height in pixels (overrides config)")
	runCmd.Flags().IntVar(&flagFPS, "fps", 0, "target capture rate (overrides config)")
	runCmd.Flags().StringVar(&flagSource, "source", "", "capture source (overrides config)")
	runCmd.Flags().StringVar(&flagRecord, "record", "", "record the emitted stream to this file")
	runCmd.Flags().BoolVar(&flagWeb, "web", false, "serve the browser fallback viewer")

	replayCmd.Flags().IntVar(&flagPort, "port", 0, "frame protocol port (overrides config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	// Re-bind package-level logger after Init
	log = logging.L("main")
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if cmd.Flags().Changed("width") {
		cfg.Width = flagWidth
	}
	if cmd.Flags().Changed("height") {
		cfg.Height = flagHeight
	}
	if cmd.Flags().Changed("fps") {
		cfg.TargetFPS = flagFPS
	}
	if cmd.Flags().Changed("source") {
		cfg.Source = flagSource
	}
	if cmd.Flags().Changed("record") {
		cfg.RecordPath = flagRecord
	}
	if cmd.Flags().Changed("web") {
		cfg.WebMirrorEnabled = flagWeb
	}
}

func newSource(name string) (capture.Source, error) {
	switch name {
	case "", "testpattern":
		return capture.TestPattern{}, nil
	default:
		return nil, fmt.Errorf("unknown capture source %q: %w", name, capture.ErrNotSupported)
	}
}

func runMirror(cmd *cobra.Command) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cmd, cfg)

	initLogging(cfg)
	log.Info("starting mirror host",
		"version", version,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.TargetFPS,
		"port", cfg.Port,
		"source", cfg.Source,
	)

	source, err := newSource(cfg.Source)
	if err != nil {
		log.Error("capture source unavailable", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	collector := stats.NewCollector()
	monitor := health.NewMonitor()

	// The bridge is best-effort: no adb or no device means WiFi mode, with
	// default display state.
	var initialDisplay display.State
	var br *bridge.Bridge
	if cfg.BridgeEnabled {
		br = bridge.New(cfg.AdbPath, cfg.DeviceSerial)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := br.SetupTunnel(ctx, cfg.Port); err != nil {
			log.Warn("device bridge unavailable, continuing over WiFi", "error", err)
			monitor.Update(health.ComponentBridge, health.Degraded, err.Error())
			br = nil
		} else if st, err := br.InitialDisplayState(ctx); err != nil {
			log.Warn("could not read device display state", "error", err)
			monitor.Update(health.ComponentBridge, health.Degraded, err.Error())
		} else {
			initialDisplay = st
			monitor.Update(health.ComponentBridge, health.Healthy, "")
		}
		cancel()
	}

	p := pipeline.New(pipeline.Config{
		Width:              cfg.Width,
		Height:             cfg.Height,
		FPS:                cfg.TargetFPS,
		KeyframeInterval:   cfg.KeyframeInterval,
		Addr:               fmt.Sprintf(":%d", cfg.Port),
		SendQueueDepth:     cfg.SendQueueDepth,
		SkipStreakKeyframe: cfg.SkipStreakKeyframe,
		InitialDisplay:     initialDisplay,
	}, source, bus, collector, monitor)

	var recorder *record.Writer
	if cfg.RecordPath != "" {
		recorder, err = record.NewWriter(cfg.RecordPath)
		if err != nil {
			log.Error("cannot open recording", "path", cfg.RecordPath, "error", err)
			os.Exit(1)
		}
		p.SetRecorder(recorder)
	}

	var web *webmirror.Mirror
	if cfg.WebMirrorEnabled {
		web = webmirror.New(
			fmt.Sprintf(":%d", cfg.WebSocketPort),
			fmt.Sprintf(":%d", cfg.WebHTTPPort),
			cfg.Width, cfg.Height,
		)
		if err := web.Start(); err != nil {
			log.Warn("browser fallback viewer unavailable", "error", err)
			web = nil
		} else {
			p.AddMirror(web)
		}
	}

	if err := p.Start(); err != nil {
		log.Error("session start failed", "error", err)
		if recorder != nil {
			recorder.Close()
		}
		if web != nil {
			web.Stop()
		}
		os.Exit(1)
	}

	go watchEvents(bus)
	go reportStats(collector, p)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	p.Stop()
	if web != nil {
		web.Stop()
	}
	if recorder != nil {
		if err := recorder.Close(); err != nil {
			log.Warn("recording close failed", "error", err)
		}
	}
	if br != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		br.TeardownTunnel(ctx, cfg.Port)
		cancel()
	}
}

// watchEvents logs state changes as they happen.
func watchEvents(bus *events.Bus) {
	ch, cancel := bus.Subscribe(32)
	defer cancel()

	for ev := range ch {
		switch ev.Kind {
		case events.KindStatus:
			log.Info("session status", "status", ev.Text)
		case events.KindClientCount:
			log.Info("client count changed", "clients", ev.Value)
		case events.KindBrightness, events.KindWarmth, events.KindBacklight, events.KindResolution:
			log.Debug("display changed", "what", ev.Kind.String(), "value", ev.Value)
		}
	}
}

// reportStats prints a stream summary every five seconds while running.
func reportStats(collector *stats.Collector, p *pipeline.Pipeline) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if p.State().Status != pipeline.StatusRunning {
			return
		}
		s := collector.Snapshot()
		log.Info("stream",
			"fps", fmt.Sprintf("%.1f", s.FPS),
			"jitterMs", fmt.Sprintf("%.2f", s.JitterMs),
			"skips", s.SkipCount,
			"greyscaleMs", fmt.Sprintf("%.2f", s.GreyscaleMs),
			"compressMs", fmt.Sprintf("%.2f", s.CompressMs),
			"rttMs", fmt.Sprintf("%.1f", s.RTTAvgMs),
			"rttP95Ms", fmt.Sprintf("%.1f", s.RTTP95Ms),
			"kbps", fmt.Sprintf("%.0f", s.BandwidthKBps),
			"clients", p.Server().ClientCount(),
			"hostCPU", fmt.Sprintf("%.0f%%", s.HostCPUPercent),
		)
	}
}
