// Command stampstress drives a StampedLock under contention and fails if any
// reader observes a torn write.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"github.com/llxisdsh/stamplock/internal/stress"
)

type options struct {
	configPath  string
	metricsAddr string
	verbose     bool
	cfg         stress.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "stampstress:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{cfg: stress.DefaultConfig()}
	cmd := &cobra.Command{
		Use:           "stampstress",
		Short:         "Stress a StampedLock with concurrent readers and writers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd.Flags(), opts)
		},
	}

	bindFlags(cmd.Flags(), opts)
	return cmd
}

func bindFlags(fs *pflag.FlagSet, opts *options) {
	fs.StringVar(&opts.configPath, "config", "", "YAML workload profile; flags that are set override it")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "development logging")
	fs.StringVar(&opts.cfg.Workload, "workload", opts.cfg.Workload, "counter, queue or point")
	fs.IntVar(&opts.cfg.Readers, "readers", opts.cfg.Readers, "reader (or consumer) goroutines")
	fs.IntVar(&opts.cfg.Writers, "writers", opts.cfg.Writers, "writer (or producer) goroutines")
	fs.DurationVar(&opts.cfg.Duration, "duration", opts.cfg.Duration, "run time")
	fs.Float64Var(&opts.cfg.OptimisticRatio, "optimistic-ratio", opts.cfg.OptimisticRatio, "share of reads tried optimistically")
	fs.DurationVar(&opts.cfg.WriteTimeout, "write-timeout", opts.cfg.WriteTimeout, "bound on each write acquisition, 0 waits forever")
	fs.IntVar(&opts.cfg.Capacity, "capacity", opts.cfg.Capacity, "queue workload ring size")
}

func run(ctx context.Context, fs *pflag.FlagSet, opts *options) error {
	log, err := newLogger(opts.verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := resolveConfig(fs, opts)
	if err != nil {
		log.Error("bad configuration", zap.Error(err))
		return err
	}

	reg := prometheus.NewRegistry()
	m := stress.NewMetrics(reg)
	if opts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info("serving metrics", zap.String("addr", opts.metricsAddr))
	}

	rep, err := stress.Run(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	_, err = os.Stdout.Write(out)
	return err
}

// resolveConfig layers the YAML profile, then the flags the user set.
func resolveConfig(fs *pflag.FlagSet, opts *options) (stress.Config, error) {
	if opts.configPath == "" {
		return opts.cfg, opts.cfg.Validate()
	}
	cfg, err := stress.LoadConfig(opts.configPath)
	if err != nil {
		return cfg, err
	}
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "workload":
			cfg.Workload = opts.cfg.Workload
		case "readers":
			cfg.Readers = opts.cfg.Readers
		case "writers":
			cfg.Writers = opts.cfg.Writers
		case "duration":
			cfg.Duration = opts.cfg.Duration
		case "optimistic-ratio":
			cfg.OptimisticRatio = opts.cfg.OptimisticRatio
		case "write-timeout":
			cfg.WriteTimeout = opts.cfg.WriteTimeout
		case "capacity":
			cfg.Capacity = opts.cfg.Capacity
		}
	})
	return cfg, cfg.Validate()
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
