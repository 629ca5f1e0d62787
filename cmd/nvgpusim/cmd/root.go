// Package cmd provides the command-line interface of nvgpusim.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sarchlab/nvgpusim/config"
	"github.com/sarchlab/nvgpusim/platform"
)

var rootCmd = &cobra.Command{
	Use:   "nvgpusim",
	Short: "nvgpusim simulates the command submission and fault core of a GPU.",
	Long: `nvgpusim simulates the command submission, interrupt and fault ` +
		`handling core of a GPU driver. It can run synthetic workloads and ` +
		`inject interrupts and MMU faults.`,
	SilenceUsage: true,
}

var (
	envFile     string
	logLevel    string
	record      bool
	recordPath  string
	monitor     bool
	monitorPort int
	openMonitor bool
)

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&envFile, "env", ".env", "dotenv file with NVGPU_* settings")
	f.StringVar(&logLevel, "log-level", "", "logrus level, overrides NVGPU_LOG_LEVEL")
	f.BoolVar(&record, "record", false, "record events into a SQLite file")
	f.StringVar(&recordPath, "record-path", "", "SQLite file to record into")
	f.BoolVar(&monitor, "monitor", false, "serve the monitoring API")
	f.IntVar(&monitorPort, "monitor-port", 0, "port of the monitoring API")
	f.BoolVar(&openMonitor, "open-monitor", false,
		"open the monitoring API in a browser")
}

// Execute runs the command line and returns the exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}

	return 0
}

// loadConfig layers the flags that were set over the loaded configuration.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c, err := config.Load(envFile)
	if err != nil {
		return c, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		c.LogLevel = logLevel
	}

	if flags.Changed("record") {
		c.Record = record
	}

	if flags.Changed("record-path") {
		c.RecordPath = recordPath
		c.Record = true
	}

	if flags.Changed("monitor-port") {
		c.MonitorPort = monitorPort
	}

	return c, c.Validate()
}

func newLogger(level string) (*logrus.Logger, error) {
	l := logrus.New()
	l.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	l.SetLevel(lvl)

	return l, nil
}

func buildPlatform(cmd *cobra.Command) (*platform.Platform, error) {
	c, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(c.LogLevel)
	if err != nil {
		return nil, err
	}

	b := platform.MakeBuilder().WithConfig(c).WithLogger(logger)
	if monitor || openMonitor {
		b = b.WithMonitoring()
	}

	p, err := b.Build("GPU")
	if err != nil {
		return nil, err
	}

	if openMonitor && p.Monitor != nil {
		openInBrowser(p, logger)
	}

	return p, nil
}
