package main

import (
	"fmt"
	"os"

	"github.com/pandemicsyn/ring-master/pkg/config"
	"github.com/pandemicsyn/ring-master/pkg/daemon"
	"github.com/pandemicsyn/ring-master/pkg/distributor"
	"github.com/pandemicsyn/ring-master/pkg/log"
	"github.com/pandemicsyn/ring-master/pkg/metrics"
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
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(daemon.ExitStartupError)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ringdistd",
	Short:   "Ring distribution service: serves published ring files over HTTP with ETag semantics",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("ringdistd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	rootCmd.PersistentFlags().StringVar(&confPath, "conf", "/etc/swift/ring-master.conf.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&pidPath, "pid", "/var/run/swift-ring-master-wsgi.pid", "path to pid file")

	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")
	restartCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground instead of daemonizing")

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd)
}

func loadConfig() config.DistributorConfig {
	cfg := config.DefaultDistributorConfig()
	if _, err := os.Stat(confPath); err == nil {
		if err := config.Load(confPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(daemon.ExitUsageError)
		}
	}
	return cfg
}

func runDistributor(cfg config.DistributorConfig) error {
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	metrics.SetVersion(Version)
	metrics.SetCriticalComponents("ring_cache")
	metrics.RegisterComponent("ring_cache", true, "ready")

	d := distributor.New(cfg.Swiftdir)
	return d.ListenAndServe(cfg.Bind)
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start the distribution service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		d := daemon.New(pidPath)
		if foreground {
			return d.StartForeground(func() error { return runDistributor(cfg) })
		}
		return d.StartBackground([]string{"start", "--conf", confPath, "--pid", pidPath})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop the distribution service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return daemon.New(pidPath).Stop()
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "restart the distribution service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		d := daemon.New(pidPath)
		return d.Restart(foreground, []string{"start", "--conf", confPath, "--pid", pidPath}, func() error {
			return runDistributor(cfg)
		})
	},
}
