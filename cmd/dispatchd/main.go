package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	dispatch "github.com/glimte/dispatch-go"
	"github.com/glimte/dispatch-go/config"
	"github.com/glimte/dispatch-go/interceptors"
	"github.com/glimte/dispatch-go/logging"
	"github.com/glimte/dispatch-go/metrics"
	"github.com/glimte/dispatch-go/topology"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "Relay messages between RabbitMQ queues and exchanges",
		Long: `dispatchd consumes the configured queues and republishes every message
to its route target with confirmed publishing and bounded retries.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $CONFIG_PATH or "+config.DefaultPath+")")

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the broker configuration derived from the routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return printTopology(cmd.OutOrStdout(), cfg)
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Consume the routed queues until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	rootCmd.AddCommand(topologyCmd, runCmd)
	return rootCmd
}

// printTopology writes the broker configuration of cfg as YAML
func printTopology(w io.Writer, cfg config.Config) error {
	queues := make([]topology.Queue, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		queues = append(queues, topology.Queue{Name: r.Queue, Override: cfg.Override(r.Queue)})
	}

	bc := topology.NewBuilder(cfg.BuilderOptions()...).Build(queues, cfg.AllTargets())

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(bc); err != nil {
		return fmt.Errorf("failed to encode topology: %w", err)
	}
	return enc.Close()
}

func run(ctx context.Context, cfg config.Config) error {
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	logger.Info("starting dispatchd", "version", version, "config", cfg.String())

	collector := metrics.NewCollector(nil)
	if err := collector.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	chain := []interceptors.Interceptor{interceptors.NewLoggingInterceptor(logger)}
	if cfg.DuplicateWindow > 0 {
		chain = append(chain, interceptors.NewDuplicateDetectionInterceptor(
			interceptors.NewMemoryDuplicateDetector(cfg.DuplicateWindow)))
	}

	client := dispatch.NewClient(cfg.AMQPURI,
		dispatch.WithLogger(logger),
		dispatch.WithInterceptors(chain...),
		dispatch.WithMetrics(collector),
		dispatch.WithTargets(cfg.AllTargets()...),
		dispatch.WithBuilderOptions(cfg.BuilderOptions()...),
	)

	for _, r := range cfg.Routes {
		if err := client.AddHandler(r.Queue, relay(r.To), cfg.Override(r.Queue)); err != nil {
			return err
		}
	}

	if err := client.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.Metrics.Enabled {
		checkers, err := client.HealthCheckers()
		if err != nil {
			return err
		}
		srv = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           newRouter(checkers),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics and health", "address", cfg.Metrics.Address)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server", "error", err)
		}
	}

	return client.Stop(shutdownCtx)
}
