package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetlink/fleetlink/internal/config"
	"github.com/fleetlink/fleetlink/internal/metrics"
	"github.com/fleetlink/fleetlink/internal/mq"
	"github.com/fleetlink/fleetlink/internal/session"
	"github.com/fleetlink/fleetlink/internal/state"
	"github.com/fleetlink/fleetlink/internal/stream"
	"github.com/fleetlink/fleetlink/internal/util"
)

var (
	openDevices []string
	streamMode  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the fleet server and drive control sessions",
	Long:  `Connect to the fleet server, keep the device registry current, and run the remote-control session engine until interrupted.`,
	RunE:  runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.PersistentFlags().StringSliceVar(&openDevices, "devices", nil, "Device udids to open for control at startup")
	rootCmd.PersistentFlags().BoolVar(&streamMode, "stream", false, "Start in low-latency streaming mode instead of polling")
}

func runEngine(cmd *cobra.Command, args []string) error {
	// A relative --config resolves under FLEETLINK_HOME when set; an
	// absolute path always wins.
	path := configPath
	if base := os.Getenv("FLEETLINK_HOME"); base != "" {
		path = util.ResolvePath(base, configPath)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", path).
		Msg("starting fleetlink")

	if cfg.Metrics.Enabled {
		metrics.Register()
		ln, err := metrics.Serve(cfg.Metrics.Addr, logger)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		defer ln.Close()
	}

	mgr := mq.New(cfg.Server.URL, cfg.Server.Passhash, logger)
	table := state.NewDeviceTable()
	transport := stream.NewWebRTCTransport(mgr, cfg.Stream.ICEServers, logger)

	engine := session.New(mgr, mgr, mgr, transport, table, util.RealClock{}, session.Settings{
		FrameRate: cfg.Capture.FrameRate,
		Scale:     cfg.Capture.Scale,
		Stream: stream.Options{
			ResolutionFraction: cfg.Stream.ResolutionFraction,
			FPS:                cfg.Stream.FPS,
			Force:              cfg.Stream.Force,
		},
	}, logger)
	defer engine.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go func() {
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("message channel stopped")
		}
	}()
	defer mgr.Close()

	events := table.Subscribe()
	defer table.Unsubscribe(events)
	go func() {
		for evt := range events {
			e := logger.Info().Str("udid", evt.UDID)
			if evt.Device != nil {
				e = e.Str("name", evt.Device.Name)
			}
			e.Str("event", evt.Type).Msg("device")
		}
	}()

	if len(openDevices) > 0 {
		if err := engine.SetDevices(openDevices); err != nil {
			return err
		}
		if streamMode {
			if err := engine.SetMode(session.ModeStreaming); err != nil {
				return err
			}
		}
		if err := engine.Start(); err != nil {
			logger.Warn().Err(err).Msg("session start deferred")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	return nil
}

func setupLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
