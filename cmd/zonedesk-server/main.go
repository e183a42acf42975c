// Package main provides the zonedesk real-time server binary.
// It serves WebSocket sessions, the event ingest API and, optionally, a
// gRPC health endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zonedesk/zonedesk/internal/bus"
	"github.com/zonedesk/zonedesk/internal/config"
	"github.com/zonedesk/zonedesk/internal/grpcserver"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
	"github.com/zonedesk/zonedesk/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zonedesk-server",
		Short: "zonedesk real-time server - live DNS management events over WebSocket",
		Long: `zonedesk-server delivers DNS management events to connected dashboards.

The server exposes:
  - WebSocket sessions on /ws for authenticated clients
  - HTTP API on :8080 (configurable) for event ingest, stats and health
  - gRPC health service on :9090 (configurable) for orchestrators

Examples:
  zonedesk-server                            # Start with defaults
  zonedesk-server -c zonedesk.yaml           # Load a config file
  zonedesk-server --http-port 8081 --no-grpc # Custom port, no gRPC`,
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().Int("http-port", 8080, "HTTP server port")
	rootCmd.Flags().Int("grpc-port", 9090, "gRPC health server port")
	rootCmd.Flags().String("host", "0.0.0.0", "server host")
	rootCmd.Flags().Bool("no-grpc", false, "disable the gRPC health server")
	rootCmd.Flags().String("bus", "", "event bus type (memory, kafka, redis)")

	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zonedesk-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags override file and environment
	if cmd.Flags().Changed("http-port") {
		cfg.Port, _ = cmd.Flags().GetInt("http-port")
	}
	if cmd.Flags().Changed("grpc-port") {
		cfg.GRPC.Port, _ = cmd.Flags().GetInt("grpc-port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Host, _ = cmd.Flags().GetString("host")
	}
	if noGRPC, _ := cmd.Flags().GetBool("no-grpc"); noGRPC {
		cfg.GRPC.Enabled = false
	}
	if cmd.Flags().Changed("bus") {
		cfg.Bus.Type, _ = cmd.Flags().GetString("bus")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	log := logger.New(level, cfg.Log.Format)

	log.Info("Starting zonedesk server",
		"version", version,
		"http_addr", cfg.Address(),
		"grpc_enabled", cfg.GRPC.Enabled,
		"bus", cfg.Bus.Type,
	)

	srv, err := server.New(cfg, log, server.Options{Version: version})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if cfg.GRPC.Enabled {
		grpcCfg := grpcserver.DefaultConfig()
		grpcCfg.Addr = cfg.GRPCAddress()
		grpcSrv := grpcserver.New(grpcCfg, log, srv.Ready)
		g.Go(func() error {
			return grpcSrv.Run(gctx)
		})
	}

	err = g.Wait()
	log.Info("Server stopped")
	return err
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Republish journaled events onto the configured bus",
		Long: `Read the ingest journal (bus.event_log_path) and publish matching
entries onto the configured bus, oldest first. Running servers deliver
them to connected sessions as if they had just been ingested.

Examples:
  zonedesk-server replay --since 15m
  zonedesk-server replay --after 1200 --topic zonedesk.events`,
		RunE: runReplay,
	}
	cmd.Flags().StringP("config", "c", "", "config file path")
	cmd.Flags().Duration("since", 0, "only entries recorded within this window")
	cmd.Flags().Uint64("after", 0, "only entries after this sequence number")
	cmd.Flags().String("topic", "", "only entries published on this topic")
	cmd.Flags().Int("limit", 0, "replay at most this many entries")
	return cmd
}

func runReplay(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Bus.EventLogPath == "" {
		return fmt.Errorf("no journal configured (set bus.event_log_path)")
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	journal, err := bus.OpenJournal(cfg.Bus.EventLogPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	// Publish on the bare backend so replayed events are not journaled twice.
	backend, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("failed to connect bus: %w", err)
	}
	defer backend.Close()

	q := bus.JournalQuery{}
	q.AfterSeq, _ = cmd.Flags().GetUint64("after")
	q.Topic, _ = cmd.Flags().GetString("topic")
	q.Limit, _ = cmd.Flags().GetInt("limit")
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		q.Since = time.Now().Add(-since)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := journal.Replay(ctx, backend, q)
	fmt.Printf("replayed %d events\n", n)
	return err
}
