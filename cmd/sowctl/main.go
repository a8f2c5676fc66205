// Package main provides sowctl, the operator command line for sowbridge.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sowbridge/sowbridge/internal/app"
	"github.com/sowbridge/sowbridge/internal/invalidation"
	"github.com/sowbridge/sowbridge/pkg/config"
	"github.com/sowbridge/sowbridge/pkg/health"
	"github.com/sowbridge/sowbridge/pkg/kafka"
	"github.com/sowbridge/sowbridge/pkg/logger"
	"github.com/sowbridge/sowbridge/pkg/postgres"
)

const Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	logLevel   string
}

func (o *options) load() (*config.Config, error) {
	cfg, err := app.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	logger.SetupWriter(os.Stderr, level, "text")
	return cfg, nil
}

func rootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "sowctl",
		Short:         "Operate the sowbridge access layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/development.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(cacheCmd(opts), fetchCmd(opts), probeCmd(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sowctl version %s\n", Version)
		},
	})
	return cmd
}

func cacheCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Inspect or clear the response cache"}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cache, client := app.NewCache(cmd.Context(), cfg, nil)
			if client != nil {
				defer client.Close()
			}
			return printJSON(cmd.OutOrStdout(), cache.Stats(cmd.Context()))
		},
	})

	var all bool
	clearCmd := &cobra.Command{
		Use:   "clear [noticeID]",
		Short: "Drop cached sections for one notice, or everything with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := invalidation.Request{All: all, Reason: "sowctl"}
			if len(args) == 1 {
				req.NoticeID = args[0]
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			cache, client := app.NewCache(cmd.Context(), cfg, nil)
			if client != nil {
				defer client.Close()
			}
			deleted, err := invalidation.NewHandler(cache).Apply(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d keys deleted\n", deleted)
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&all, "all", false, "clear every cached entry")
	cmd.AddCommand(clearCmd)

	return cmd
}

func fetchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <noticeID>",
		Short: "Look up a notice's resource links on SAM.gov",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			clients, err := app.NewClients(cfg, nil)
			if err != nil {
				return err
			}
			res, err := clients.SAM.ResourceLinks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func probeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Check connectivity to the configured backing services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			checker := health.NewChecker()

			cache, client := app.NewCache(ctx, cfg, nil)
			if client != nil {
				defer client.Close()
				checker.Register("redis", health.PingCheck(client.Ping, health.StatusDegraded))
			} else {
				checker.Register("cache", func(context.Context) health.ComponentHealth {
					if cache.Available() {
						return health.ComponentHealth{Status: health.StatusUp, Message: cfg.Cache.Backend}
					}
					return health.ComponentHealth{Status: health.StatusDegraded, Message: "cache unavailable"}
				})
			}

			if cfg.Postgres.Enabled {
				pg, err := postgres.New(ctx, cfg.Postgres)
				if err != nil {
					checker.Register("postgres", func(context.Context) health.ComponentHealth {
						return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
					})
				} else {
					defer pg.Close()
					checker.Register("postgres", health.PingCheck(pg.Ping, health.StatusDown))
				}
			}

			if cfg.Kafka.Enabled {
				checker.Register("kafka", health.PingCheck(func(ctx context.Context) error {
					return kafka.Ping(ctx, cfg.Kafka.Brokers)
				}, health.StatusDegraded))
			}

			report := checker.Run(ctx)
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status == health.StatusDown {
				return fmt.Errorf("one or more required services are down")
			}
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
