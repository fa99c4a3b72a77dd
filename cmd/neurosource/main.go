package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"neurosource/pkg/config"
	"neurosource/pkg/logging"
	"neurosource/pkg/metrics"
	"neurosource/pkg/pipeline"
)

// rootOptions holds the persistent flags
type rootOptions struct {
	configPath string
	logLevel   string
	cores      int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "neurosource",
		Short:         "EEG/MEG forward and inverse modelling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "neurosource.yaml", "config file path")
	pf.StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	pf.IntVar(&opts.cores, "cores", 0, "number of CPU cores to use (default: config or all available)")

	cmd.AddCommand(newRunCommand(opts), newSweepCommand(opts), newInitCommand(opts))
	return cmd
}

// load reads the config file, overlays the environment and the flags
func (o *rootOptions) load() (*config.Config, logging.Logger, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.cores > 0 {
		cfg.Processing.NumCores = o.cores
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("logger initialization failed: %w", err)
	}
	return cfg, log, nil
}

type runOptions struct {
	outputDir        string
	saveIntermediate bool
	metricsAddr      string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the validation scenario and print its metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			pl, m, err := newPipeline(cmd.Context(), cfg, log, opts)
			if err != nil {
				return err
			}
			if opts.metricsAddr != "" {
				go serveMetrics(opts.metricsAddr, m, log)
			}

			fmt.Println("================================")
			fmt.Println("NEUROSOURCE VALIDATION SCENARIO")
			fmt.Println("================================")
			start := time.Now()
			if err := pl.Process(cmd.Context()); err != nil {
				return fmt.Errorf("pipeline failed: %w", err)
			}
			printMetrics(pl.GetMetrics(), cfg, time.Since(start))
			if opts.saveIntermediate {
				fmt.Printf("\nIntermediate results saved to: %s\n", opts.outputDir)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.outputDir, "output", "o", "neurosource_results", "directory for saved records")
	f.BoolVar(&opts.saveIntermediate, "save-intermediate", true, "save geometry, operators and metrics")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	return cmd
}

func newSweepCommand(root *rootOptions) *cobra.Command {
	var lambdas string
	var trials int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Trade estimate variance against localization bias over λ²",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseFloats(lambdas)
			if err != nil {
				return err
			}
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer log.Sync()
			pl, _, err := newPipeline(cmd.Context(), cfg, log, &runOptions{})
			if err != nil {
				return err
			}
			if err := pl.Process(cmd.Context()); err != nil {
				return fmt.Errorf("pipeline failed: %w", err)
			}
			points, err := pl.RegularizationSweep(cmd.Context(), values, trials)
			if err != nil {
				return err
			}
			fmt.Printf("%-12s %-14s %-11s %-9s %s\n", "lambda2", "variance", "bias (mm)", "leakage", "peak (mm)")
			for _, p := range points {
				fmt.Printf("%-12g %-14.4g %-11.1f %-9.3f %.1f\n", p.Lambda2, p.Variance, p.Bias*1000, p.Leakage, p.PeakError*1000)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&lambdas, "lambdas", "0.01,0.1,0.33,1,10", "comma separated λ² values")
	cmd.Flags().IntVar(&trials, "trials", 20, "noisy trials per λ²")
	return cmd
}

func newInitCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(root.configPath); err == nil {
				return fmt.Errorf("%s already exists", root.configPath)
			}
			if err := config.CreateDefaultConfigFile(root.configPath); err != nil {
				return err
			}
			fmt.Printf("Default configuration written to: %s\n", root.configPath)
			return nil
		},
	}
}

func newPipeline(ctx context.Context, cfg *config.Config, log logging.Logger, opts *runOptions) (*pipeline.Pipeline, *metrics.Metrics, error) {
	m := metrics.New(nil)
	solutions, err := pipeline.OpenSolutions(ctx, cfg, log, m)
	if err != nil {
		return nil, nil, err
	}
	checkpoints, err := pipeline.OpenCheckpoints(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	pl := pipeline.New(&pipeline.Params{
		Config:           cfg,
		OutputDir:        opts.outputDir,
		SaveIntermediate: opts.saveIntermediate,
		Solutions:        solutions,
		Checkpoints:      checkpoints,
		Logger:           log,
		Metrics:          m,
	})
	return pl, m, nil
}

func serveMetrics(addr string, m *metrics.Metrics, log logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Warn("metrics server stopped", logging.String("addr", addr), logging.Err(err))
	}
}

func parseFloats(s string) ([]float64, error) {
	var out []float64
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid λ² %q: %w", f, err)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no λ² values given")
	}
	return out, nil
}

func printMetrics(vm pipeline.ValidationMetrics, cfg *config.Config, elapsed time.Duration) {
	fmt.Printf("\nScenario completed successfully in %.2f seconds!\n\n", elapsed.Seconds())

	fmt.Printf("Forward model (%d channels, %d sources, %d excluded):\n", vm.Channels, vm.Sources, vm.Excluded)
	fmt.Printf("=======================================\n")
	fmt.Printf("MEG relative error vs sphere: %.4f\n", vm.MEGError)
	fmt.Printf("EEG relative difference (RDM): %.4f\n", vm.EEGRDM)
	fmt.Printf("EEG topography correlation: %.4f\n", vm.EEGCorrelation)
	fmt.Printf("Noise covariance shrinkage: %.3f\n", vm.Shrinkage)

	fmt.Printf("\nPeak localization error:\n")
	fmt.Printf("=======================================\n")
	for _, name := range []string{"MNE", "dSPM", "sLORETA", "eLORETA", "LCMV", "DICS"} {
		if d, ok := vm.PeakError[name]; ok {
			fmt.Printf("%-8s %6.1f mm\n", name, d*1000)
		}
	}
	if strings.EqualFold(cfg.Inverse.Method, "eLORETA") {
		fmt.Printf("eLORETA converged: %v after %d iterations\n", vm.Converged, vm.Iterations)
	}

	cores := cfg.Processing.NumCores
	if cores < 1 {
		cores = runtime.NumCPU()
	}
	fmt.Printf("\nUsed %d cores, run %s\n", cores, vm.RunID)
}
