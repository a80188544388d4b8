// verbsctl inspects RDMA devices and exercises the verbs transport engine.
//
// Usage:
//
//	verbsctl devices
//	verbsctl config
//	verbsctl loopback --iterations 1000 --size 4096
//	verbsctl serve --metrics-addr :9464
//	verbsctl ping 10.0.0.7 --count 10
package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/internal/config"
	"github.com/rocketbitz/verbs-go/verbs"
)

const (
	exitOK           = 0
	exitRuntimeError = 1
)

// Build-time variables injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
	os.Exit(exitOK)
}

// app carries state shared by subcommands once the root pre-run has loaded
// configuration.
type app struct {
	configPath string
	opts       config.Options

	cfg      *config.Config
	log      *zap.Logger
	registry *prometheus.Registry
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath, a.opts)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.cfg = cfg
	a.log = log
	a.registry = reg
	return nil
}

// openDevice opens the configured device through the configured provider.
func (a *app) openDevice() (*verbs.Device, error) {
	p, err := newProvider(a.cfg.Provider)
	if err != nil {
		return nil, err
	}
	dev, err := verbs.Open(p, verbs.WithConfig(a.cfg.Verbs()), verbs.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("open %s device: %w", a.cfg.Provider, err)
	}
	return dev, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// rootCmd builds the top-level cobra command tree.
func rootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "verbsctl",
		Short:         "RDMA verbs transport tool",
		Long:          "Inspect RDMA devices, connect queue pairs and move data with the verbs transport engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Path to a YAML configuration file")
	flags.StringVar(&a.opts.Provider, "provider", "", "Verbs provider (loopback or ibverbs)")
	flags.StringVar(&a.opts.Device, "device", "", "RDMA device name (default: first device)")
	flags.StringVar(&a.opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&a.opts.MetricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address")

	root.AddCommand(
		newDevicesCmd(a),
		newConfigCmd(a),
		newLoopbackCmd(a),
		newServeCmd(a),
		newPingCmd(a),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "verbsctl %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}
