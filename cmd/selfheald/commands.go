package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/selfheald/selfheald/pkg/config"
	"github.com/selfheald/selfheald/pkg/health"
	"github.com/selfheald/selfheald/pkg/observability"
	"github.com/selfheald/selfheald/pkg/orchestrator"
	"github.com/selfheald/selfheald/pkg/version"
)

const shutdownTimeout = 10 * time.Second

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, withExit(exitConfigError, fmt.Errorf("failed to load configuration: %w", err))
	}
	return cfg, nil
}

func newRunCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the self-healing daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath, "path to configuration file")
	return cmd
}

func runDaemon(ctx context.Context, cfg *config.Config, logOutput io.Writer) error {
	logger, err := observability.NewZapLogger(observability.ZapLoggerOptions{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		Output:      logOutput,
	})
	if err != nil {
		return withExit(exitConfigError, err)
	}
	defer logger.Sync()

	collector := observability.NewPrometheusCollector()
	reporter := observability.NewStructuredReporter(cfg.NodeName, logger, collector)

	backends, err := orchestrator.OpenBackends(cfg)
	if err != nil {
		return withExit(exitRuntime, err)
	}
	defer backends.Close()

	opts := append(backends.Options(), orchestrator.WithReporter(reporter))
	orch, err := orchestrator.New(cfg, opts...)
	if err != nil {
		return withExit(exitConfigError, err)
	}

	reporter.RecordEvent(ctx, observability.Event{
		Level:   observability.LevelInfo,
		Event:   "daemon_started",
		Message: "selfheald started",
		Fields: map[string]interface{}{
			"version": version.Get().Version,
			"store":   cfg.Store.Backend,
		},
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return orch.Run(groupCtx) })
	if cfg.Metrics.Enabled {
		server := &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           orch.Handler(collector.Handler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		group.Go(func() error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()
	reporter.RecordEvent(context.Background(), observability.Event{
		Level:   observability.LevelInfo,
		Event:   "daemon_stopped",
		Message: "selfheald stopped",
	})
	if err != nil && ctx.Err() == nil {
		return withExit(exitRuntime, err)
	}
	return nil
}

func newValidateCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return withExit(exitConfigError, fmt.Errorf("configuration invalid: %w", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration at %s is valid\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath, "path to configuration file")
	return cmd
}

func newCheckCommand() *cobra.Command {
	var (
		configPath string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one health cycle and show the tier it maps to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			orch, err := orchestrator.New(cfg)
			if err != nil {
				return withExit(exitConfigError, err)
			}
			report := orch.Health().RunHealthChecks(cmd.Context())
			tier := orch.Degradation().Evaluate(report)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(struct {
					Report *health.Report `json:"report"`
					Tier   string         `json:"tier"`
				}{report, tier.String()}); err != nil {
					return withExit(exitRuntime, err)
				}
			} else {
				printReport(out, cfg.NodeName, report, tier.String())
			}
			if report.OverallStatus == health.StatusUnhealthy {
				return withExit(exitUnhealthy, nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath, "path to configuration file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(out io.Writer, node string, report *health.Report, tier string) {
	fmt.Fprintf(out, "node %s health: %s\n", node, report.OverallStatus)
	names := report.Names()
	sort.Strings(names)
	for _, name := range names {
		res, _ := report.Check(name)
		line := fmt.Sprintf("  - %s => %s (%s, %s)", name, res.Status, res.Kind, res.Duration.Round(time.Millisecond))
		if res.Excluded {
			line += " [excluded]"
		}
		fmt.Fprintln(out, line)
		if msg := strings.TrimSpace(res.Message); msg != "" && res.Status != health.StatusHealthy {
			fmt.Fprintf(out, "      %s\n", msg)
		}
	}
	fmt.Fprintf(out, "degradation tier: %s\n", tier)
}

func newVersionCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(info)
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print build information as JSON")
	return cmd
}
