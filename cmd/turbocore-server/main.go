// Command turbocore-server runs the controller headless: schedulers, pools,
// pubsub, storage and the session manager, with prometheus metrics on the
// side.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/gaohao-creator/turbocore"
	"github.com/gaohao-creator/turbocore/profiling"
	"github.com/gaohao-creator/turbocore/sessions"
)

var rootCmd = &cobra.Command{
	Use:   "turbocore-server",
	Short: "Headless turbocore controller",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the controller and serve until interrupted",
	RunE:  runServer,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE:  printConfig,
}

var (
	configPath  string
	metricsAddr string
	debug       bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	runCmd.Flags().StringVar(&metricsAddr, "metrics", "", "override metrics listen address")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (turbocore.Config, error) {
	if configPath == "" {
		return turbocore.DefaultConfig(), nil
	}
	cfg, err := turbocore.LoadConfig(configPath)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func printConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if debug {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}
	logger, err := cfg.Log.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c, err := turbocore.New("server", cfg,
		turbocore.WithLogger(logger),
		turbocore.WithRegisterer(reg),
	)
	if err != nil {
		return err
	}
	if err := c.InitModel(); err != nil {
		return fmt.Errorf("failed to start model: %w", err)
	}
	if err := c.InitView(); err != nil {
		_ = c.ShutdownModel()
		return fmt.Errorf("failed to start view: %w", err)
	}

	sm := sessions.NewManager(c, sessions.WithLogger(logger))
	if err := sm.Start(ctx); err != nil {
		_ = c.ShutdownModel()
		return fmt.Errorf("failed to start sessions: %w", err)
	}
	defer sm.Stop()

	profiling.StartProcessProfiler(cfg.Profiling.ProcessConfig, logger)

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("turbocore server running", zap.Strings("daemons", c.DaemonNames()), zap.Int("sessions", sm.Len()))
	<-ctx.Done()
	logger.Info("shutting down")

	if metricsServer != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(sctx)
		cancel()
	}
	if err := c.ShutdownView(); err != nil {
		logger.Warn("view shutdown", zap.Error(err))
	}
	return c.ShutdownModel()
}
