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
	"github.com/pandemicsyn/ring-master/pkg/minion"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	confPath   string
	pidPath    string
	foreground bool
	once       bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitStartupError)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ringminiond",
	Short:   "Ring minion: pulls published ring files from the distribution service and installs them",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ringminiond version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().StringVar(&confPath, "conf", "/etc/swift/ring-minion.conf.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&pidPath, "pid", "/var/run/swift/swift-ring-minion-server.pid", "path to pid file")

	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")
	startCmd.Flags().BoolVarP(&once, "once", "o", false, "run a single pull pass and exit, instead of looping")
	restartCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd)
}

func loadConfig() config.MinionConfig {
	cfg := config.DefaultMinionConfig()
	if _, err := os.Stat(confPath); err == nil {
		if err := config.Load(confPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(daemon.ExitUsageError)
		}
	}
	return cfg
}

func runMinion(cfg config.MinionConfig, runOnce bool) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	metrics.SetVersion(Version)
	metrics.SetCriticalComponents()
	m := minion.New(cfg)

	if runOnce {
		results := m.Once(context.Background())
		for kind, outcome := range results {
			fmt.Printf("%s ring %s\n", kind, outcome)
		}
		return nil
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		srv := &http.Server{Addr: "127.0.0.1:9091", Handler: mux, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		m.Stop()
		cancel()
	}()

	m.Run(ctx)
	return nil
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the ring minion",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if foreground || once {
			return runMinion(cfg, once)
		}
		d := daemon.New(pidPath)
		return d.StartBackground([]string{"start", "--conf", confPath, "--pid", pidPath})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop the ring minion",
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemon.New(pidPath).Stop()
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "restart the ring minion",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		d := daemon.New(pidPath)
		return d.Restart(foreground, []string{"start", "--conf", confPath, "--pid", pidPath}, func() error {
			return runMinion(cfg, false)
		})
	},
}
