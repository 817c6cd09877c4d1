package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pandemicsyn/ring-master/pkg/config"
	"github.com/pandemicsyn/ring-master/pkg/daemon"
	"github.com/pandemicsyn/ring-master/pkg/log"
	"github.com/pandemicsyn/ring-master/pkg/metrics"
	"github.com/pandemicsyn/ring-master/pkg/orchestrator"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	confPath    string
	pidPath     string
	foreground  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitStartupError)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ringmasterd",
	Short:   "Ring Master orchestrates Swift ring convergence and publishes new builder/ring artifacts",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ringmasterd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().StringVar(&confPath, "conf", "/etc/swift/ring-master.conf.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&pidPath, "pid", "/var/run/swift-ring-master.pid", "path to pid file")

	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")
	restartCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, pauseCmd, unpauseCmd)
}

func loadConfig() config.OrchestratorConfig {
	cfg := config.DefaultOrchestratorConfig()
	if _, err := os.Stat(confPath); err == nil {
		if err := config.Load(confPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(daemon.ExitUsageError)
		}
	}
	return cfg
}

func initLogging(cfg config.OrchestratorConfig) {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}

func runOrchestrator(cfg config.OrchestratorConfig) error {
	initLogging(cfg)
	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("artifact_store")
	metrics.RegisterComponent("artifact_store", true, "ready")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		srv := &http.Server{Addr: cfg.MetricsBind, Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	o := orchestrator.New(cfg, orchestrator.LogNotifier{Logger: log.WithComponent("notifier")})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("shutting down")
		o.Stop()
		cancel()
	}()

	o.Run(ctx)
	return nil
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the ring master",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		d := daemon.New(pidPath)
		if foreground {
			return d.StartForeground(func() error { return runOrchestrator(cfg) })
		}
		return d.StartBackground([]string{"start", "--conf", confPath, "--pid", pidPath})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop the ring master",
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemon.New(pidPath).Stop()
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "restart the ring master",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		d := daemon.New(pidPath)
		return d.Restart(foreground, []string{"start", "--conf", confPath, "--pid", pidPath}, func() error {
			return runOrchestrator(cfg)
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "create the pause sentinel file so the orchestrator stops at its next poll",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		f, err := os.Create(cfg.PauseFile)
		if err != nil {
			return err
		}
		return f.Close()
	},
}

var unpauseCmd = &cobra.Command{
	Use:   "unpause",
	Short: "remove the pause sentinel file so the orchestrator resumes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := os.Remove(cfg.PauseFile); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	},
}
