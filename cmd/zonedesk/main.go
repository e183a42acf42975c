// Package main provides the zonedesk command line client.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zonedesk/zonedesk/internal/client"
	"github.com/zonedesk/zonedesk/internal/config"
	"github.com/zonedesk/zonedesk/internal/events"
	apperrors "github.com/zonedesk/zonedesk/internal/pkg/errors"
	"github.com/zonedesk/zonedesk/internal/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "zonedesk",
		Short: "zonedesk - live DNS management events from the command line",
		Long: `zonedesk connects to a zonedesk server and streams the DNS management
events your role may see.

Run 'zonedesk watch' to follow events live.
Run 'zonedesk --help' for available commands.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("format", "text", "output format (text, json)")
	rootCmd.PersistentFlags().StringP("server", "s", "", "server WebSocket URL (overrides config)")
	rootCmd.PersistentFlags().StringP("token", "t", "", "bearer token (overrides config)")

	rootCmd.AddCommand(
		watchCmd(),
		publishCmd(),
		historyCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// cliEnv is what every subcommand needs from the global flags.
type cliEnv struct {
	cfg    *config.Config
	log    *logger.Logger
	format string
}

func loadEnv(cmd *cobra.Command) (*cliEnv, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	format, _ := cmd.Flags().GetString("format")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if s, _ := cmd.Flags().GetString("server"); s != "" {
		cfg.Client.ServerURL = s
	}
	if t, _ := cmd.Flags().GetString("token"); t != "" {
		cfg.Client.Token = t
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	return &cliEnv{
		cfg:    cfg,
		log:    logger.NewWithWriter(level, "text", os.Stderr),
		format: format,
	}, nil
}

func (e *cliEnv) api() *client.APIClient {
	return client.NewAPIClient(client.APIConfig{
		BaseURL: client.BaseURLFromWS(e.cfg.Client.ServerURL),
		Token:   e.cfg.Client.Token,
	})
}

func (e *cliEnv) print(v any, text string) {
	if e.format == "json" {
		data, _ := json.Marshal(v)
		fmt.Println(string(data))
		return
	}
	fmt.Println(text)
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [category...]",
		Short: "Stream live events",
		Long: `Connect to the server and print events as they arrive.

With no categories the role's default subscription is used. The
connection is kept alive with heartbeats and re-established with
backoff when it drops.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			categories, err := events.ParseCategories(args)
			if err != nil {
				return err
			}
			return runWatch(cmd.Context(), env, categories)
		},
	}
	return cmd
}

func runWatch(parent context.Context, env *cliEnv, categories []events.Category) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := client.NewProvider(client.FromConfig(env.cfg.Client), client.Options{Log: env.log}, nil)
	defer func() { _ = provider.Close() }()

	sess, err := provider.Session()
	if err != nil {
		return err
	}

	sess.RegisterEventHandler("cli", categories, func(e events.Event) error {
		env.print(e, fmt.Sprintf("%s [%s] %s %s",
			e.CreatedAt.Format("15:04:05"), e.Priority, e.Category, payloadText(e.Payload)))
		return nil
	})
	sess.Health().Observe(client.HealthObserverFunc(func(ev client.HealthEvent) {
		switch ev.Kind {
		case client.EventStatusChanged:
			fmt.Fprintf(os.Stderr, "connection: %s -> %s\n", ev.Previous, ev.Status)
		case client.EventReconnectAttempt:
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d)\n", ev.Attempt)
		case client.EventFailed:
			fmt.Fprintln(os.Stderr, "giving up: reconnect attempts exhausted")
			stop()
		}
	}))

	var expired error
	sess.Observe(client.ObserverFuncs{
		OnMismatch: func(local, server []string) {
			fmt.Fprintf(os.Stderr, "server narrowed subscription to %s\n", strings.Join(server, ", "))
		},
		OnExpired: func(reason string) {
			expired = apperrors.SessionExpiredError()
			fmt.Fprintf(os.Stderr, "session expired: %s\n", reason)
			stop()
		},
	})

	if len(categories) > 0 {
		if err := sess.SubscribeToEvents(categories...); err != nil {
			return err
		}
	}
	if err := provider.Start(ctx); err != nil {
		return err
	}
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", env.cfg.Client.ServerURL, err)
	}

	<-ctx.Done()
	return expired
}

func payloadText(p map[string]any) string {
	if len(p) == 0 {
		return ""
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprint(p)
	}
	return string(data)
}

func publishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <category>",
		Short: "Publish an event (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			category, err := events.ParseCategory(args[0])
			if err != nil {
				return err
			}
			prio, _ := cmd.Flags().GetString("priority")
			priority, err := events.ParsePriority(prio)
			if err != nil {
				return err
			}
			var payload map[string]any
			if raw, _ := cmd.Flags().GetString("data"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &payload); err != nil {
					return fmt.Errorf("invalid --data: %w", err)
				}
			}

			resp, err := env.api().Publish(cmd.Context(), events.New(category, priority, payload))
			if err != nil {
				return err
			}
			env.print(resp, fmt.Sprintf("published %s (%s)", resp.ID, resp.Category))
			return nil
		},
	}
	cmd.Flags().StringP("priority", "p", "normal", "event priority (low, normal, high, critical)")
	cmd.Flags().StringP("data", "d", "", "event payload as a JSON object")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently broadcast events (admin only)",
		Long: `List the newest events from the server's ingest journal, oldest first.

The server must be started with bus.event_log_path set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			var q client.RecentQuery
			q.Limit, _ = cmd.Flags().GetInt("limit")
			q.After, _ = cmd.Flags().GetUint64("after")
			q.Since, _ = cmd.Flags().GetDuration("since")

			recent, err := env.api().RecentEvents(cmd.Context(), q)
			if err != nil {
				return err
			}
			if env.format == "json" {
				env.print(recent, "")
				return nil
			}
			for _, r := range recent.Events {
				e := r.Event
				fmt.Printf("%6d  %s [%s] %s %s\n", r.Seq,
					r.Recorded.Local().Format("2006-01-02 15:04:05"), e.Priority, e.Category, payloadText(e.Payload))
			}
			fmt.Fprintf(os.Stderr, "%d events, journal at seq %d\n", len(recent.Events), recent.LastSeq)
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "number of events to list")
	cmd.Flags().Uint64("after", 0, "only events after this sequence number")
	cmd.Flags().Duration("since", 0, "only events recorded within this window")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health and delivery statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			api := env.api()
			health, err := api.Health(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := api.Stats(cmd.Context())
			if err != nil && !apperrors.IsForbidden(err) {
				return err
			}

			if env.format == "json" {
				env.print(map[string]any{"health": health, "stats": stats}, "")
				return nil
			}
			fmt.Printf("server:   %s (%s)\n", health.Status, health.Version)
			fmt.Printf("sessions: %d\n", health.Sessions)
			if stats != nil {
				fmt.Printf("subscriptions: %d\n", stats.Subscriptions)
				fmt.Printf("dispatched:    %d\n", stats.Dispatch.Dispatched)
				fmt.Printf("delivered:     %d\n", stats.Dispatch.Delivered)
				fmt.Printf("batches sent:  %d\n", stats.Dispatch.BatchesSent)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zonedesk %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}
