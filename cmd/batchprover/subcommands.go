package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/batchprover/internal/core"
	"github.com/3cpo-dev/batchprover/internal/lemma"
	"github.com/3cpo-dev/batchprover/internal/recipe"
	"github.com/3cpo-dev/batchprover/internal/telemetry"
	"github.com/3cpo-dev/batchprover/pkg/api"
)

// plan is a loaded recipe expanded against the local host.
type plan struct {
	cfg    core.AppConfig
	recipe *recipe.Recipe
	host   core.HostCapacity
	limits core.GlobalLimits
	units  []core.Unit
}

// Load config and recipe, resolve limits and expand units
func loadPlan(cmd *cobra.Command, recipePath string) (*plan, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	r, err := recipe.Load(recipePath)
	if err != nil {
		return nil, err
	}
	if out, _ := cmd.Flags().GetString("output-dir"); out != "" {
		r.Config.OutputDirectory = out
	}
	host, err := core.DetectHost(cmd.Context())
	if err != nil {
		return nil, err
	}
	limits, err := core.ResolveLimits(r.Config, host)
	if err != nil {
		return nil, err
	}
	units, err := core.NewExpander(lemma.NewExtractor()).Expand(r, limits)
	if err != nil {
		return nil, err
	}
	return &plan{cfg: cfg, recipe: r, host: host, limits: limits, units: units}, nil
}

// Run a recipe
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <recipe>",
		Short: "Run every unit of a recipe under its resource budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlan(cmd, args[0])
			if err != nil {
				return err
			}
			cfg := p.cfg
			noCache, _ := cmd.Flags().GetBool("no-cache")
			cacheDB, _ := cmd.Flags().GetString("cache-db")
			maxConc, _ := cmd.Flags().GetInt("max-concurrent")
			sampleMS, _ := cmd.Flags().GetInt("sample-interval")
			monitorAddr, _ := cmd.Flags().GetString("monitor-addr")
			traceFile, _ := cmd.Flags().GetString("trace-file")
			failOnError, _ := cmd.Flags().GetBool("fail-on-error")
			if cacheDB != "" {
				cfg.Cache.Path = cacheDB
			}
			if maxConc <= 0 {
				maxConc = cfg.Scheduler.MaxConcurrent
			}
			if monitorAddr == "" {
				monitorAddr = cfg.Telemetry.MonitoringAddr
			}
			if traceFile == "" {
				traceFile = cfg.Telemetry.TraceFile
			}

			metricsOn := cfg.Telemetry.Enabled || monitorAddr != ""
			collector := telemetry.InitGlobal(metricsOn)
			defer telemetry.Shutdown()
			perf := telemetry.NewPerformanceMonitor(collector, metricsOn)
			defer perf.Shutdown()
			if traceFile != "" {
				if err := telemetry.InitTracing("batchprover", version, traceFile); err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
				defer telemetry.ShutdownTracing(context.Background())
			}

			pool := core.NewPool(p.limits.MaxCores, p.limits.MaxMemoryGB, maxConc)
			sup := core.NewSupervisor()
			sup.SampleInterval = cfg.SampleInterval()
			if sampleMS > 0 {
				sup.SampleInterval = time.Duration(sampleMS) * time.Millisecond
			}
			sup.StderrLines = cfg.Supervisor.StderrTailLines
			sched := core.NewScheduler(pool, core.Traced(sup))

			if monitorAddr != "" {
				ms := telemetry.NewMonitoringServer(monitorAddr, collector)
				for name, fn := range telemetry.DefaultHealthChecks() {
					ms.RegisterHealthCheck(name, fn)
				}
				ms.RegisterHealthCheck("pool", poolHealthCheck(pool))
				ms.SetProgress(func() any { return sched.Progress() })
				go func() {
					if err := ms.Start(); err != nil {
						log.Error().Err(err).Msg("monitoring server")
					}
				}()
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = ms.Shutdown(ctx)
				}()
			}

			orch := core.NewOrchestrator(sched)
			orch.Recipe = args[0]
			orch.OutputDir = p.recipe.Config.OutputDirectory
			orch.Source = p.recipe
			orch.Perf = perf
			if cfg.CacheEnabled() && !noCache {
				store, err := core.NewStore(cfg.Cache.Path)
				if err != nil {
					return fmt.Errorf("open cache: %w", err)
				}
				defer store.Close()
				orch.Cache = store
			}

			log.Info().Str("run", orch.RunID).Int("units", len(p.units)).
				Int("max_cores", p.limits.MaxCores).Int("max_memory_gb", p.limits.MaxMemoryGB).
				Int("host_cores", p.host.Cores).Int("host_memory_gb", p.host.MemoryGB).
				Msg("starting run")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			rep, runErr := orch.Run(ctx, p.units)
			printSummary(rep)
			if runErr != nil {
				return runErr
			}
			if failOnError && rep.Summary.Failed > 0 {
				return &exitError{code: 2, msg: fmt.Sprintf("%d of %d units failed", rep.Summary.Failed, rep.Summary.TotalUnits)}
			}
			return nil
		},
	}
	cmd.Flags().String("output-dir", "", "override the recipe's output directory")
	cmd.Flags().Bool("no-cache", false, "do not read or write the result cache")
	cmd.Flags().String("cache-db", "", "result cache database path")
	cmd.Flags().Int("max-concurrent", 0, "maximum units running at once (0 = limited by resources only)")
	cmd.Flags().Int("sample-interval", 0, "memory sampling interval in milliseconds")
	cmd.Flags().String("monitor-addr", "", "serve health and metrics on this address while running")
	cmd.Flags().String("trace-file", "", "write OpenTelemetry spans to this file")
	cmd.Flags().Bool("fail-on-error", false, "exit with status 2 when any unit does not complete")
	return cmd
}

// Check a recipe without running it
func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <recipe>",
		Short: "Validate a recipe and list the units it expands to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadPlan(cmd, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("limits: %d cores, %d GB (host %d cores, %d GB), default timeout %ds\n",
				p.limits.MaxCores, p.limits.MaxMemoryGB, p.host.Cores, p.host.MemoryGB, p.limits.DefaultTimeoutS)
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCORES\tMEM(GB)\tTIMEOUT(s)\tCOMMAND")
			for _, u := range p.units {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", u.ID, u.Resources.Cores, u.Resources.MemoryGB, u.Resources.TimeoutS, u.CommandLine())
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Printf("%d units\n", len(p.units))

			skipTools, _ := cmd.Flags().GetBool("skip-tools")
			if skipTools {
				return nil
			}
			selfTest, _ := cmd.Flags().GetBool("self-test")
			strict, _ := cmd.Flags().GetBool("strict")
			checker := core.NewChecker(core.NewSupervisor())
			checker.SelfTest = selfTest
			tools := checker.CheckTools(cmd.Context(), p.recipe)
			theories := checker.CheckTheories(cmd.Context(), p.units)
			problems := printChecks(tools, theories)
			if strict && problems > 0 {
				return &exitError{code: 2, msg: fmt.Sprintf("%d check problems", problems)}
			}
			return nil
		},
	}
	cmd.Flags().String("output-dir", "", "override the recipe's output directory")
	cmd.Flags().Bool("skip-tools", false, "do not run the tool versions; only validate and expand")
	cmd.Flags().Bool("self-test", true, "run each tool version's built-in self test")
	cmd.Flags().Bool("strict", false, "exit with status 2 when a tool or theory check reports problems")
	return cmd
}

// printChecks renders tool and theory check results and returns the number
// of problems found.
func printChecks(tools []core.ToolReport, theories []core.TheoryReport) int {
	problems := 0
	fmt.Println()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tVERSION\tDECLARED\tSTATUS\tEXECUTABLE")
	for _, t := range tools {
		status := "ok"
		if !t.Passed {
			status = "FAILED"
		}
		version := t.Version
		if version == "" {
			version = "?"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.Alias, version, t.Declared, status, t.Executable)
	}
	_ = tw.Flush()
	for _, t := range tools {
		for _, p := range t.Problems {
			fmt.Printf("  %s: %s\n", t.Alias, p)
		}
		problems += len(t.Problems)
	}

	fmt.Println()
	for _, th := range theories {
		if len(th.Problems) == 0 {
			fmt.Printf("%s with %s: ok\n", th.TheoryFile, th.ToolAlias)
			continue
		}
		fmt.Printf("%s with %s: %d problems\n", th.TheoryFile, th.ToolAlias, len(th.Problems))
		for _, p := range th.Problems {
			fmt.Printf("  %s\n", p)
		}
		problems += len(th.Problems)
	}
	return problems
}

// Inspect or clear the result cache
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the result cache",
	}
	cmd.PersistentFlags().String("cache-db", "", "result cache database path")

	openStore := func(cmd *cobra.Command) (*core.Store, error) {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := core.LoadConfig(cfgPath)
		if err != nil {
			return nil, err
		}
		if p, _ := cmd.Flags().GetString("cache-db"); p != "" {
			cfg.Cache.Path = p
		}
		return core.NewStore(cfg.Cache.Path)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache entry count and size",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			st, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("entries: %d\ntasks: %d\nstored: %.1f KB\n", st.Entries, st.Tasks, float64(st.Bytes)/1024)
			if st.Entries > 0 {
				fmt.Printf("oldest: %s\nnewest: %s\n", st.Oldest.Format(time.RFC3339), st.Newest.Format(time.RFC3339))
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached result",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d entries\n", n)
			return nil
		},
	})
	return cmd
}

func poolHealthCheck(pool *core.Pool) func() telemetry.HealthCheck {
	return func() telemetry.HealthCheck {
		st := pool.Stats()
		status := telemetry.HealthStatusHealthy
		msg := fmt.Sprintf("%d running, %d/%d cores free", st.Running, st.AvailableCores, st.TotalCores)
		if st.AvailableCores == 0 || st.AvailableMemoryGB == 0 {
			status = telemetry.HealthStatusDegraded
			msg = "pool saturated: " + msg
		}
		return telemetry.HealthCheck{
			Name:    "pool",
			Status:  status,
			Message: msg,
			Details: map[string]string{
				"available_cores":     fmt.Sprintf("%d", st.AvailableCores),
				"available_memory_gb": fmt.Sprintf("%d", st.AvailableMemoryGB),
				"running":             fmt.Sprintf("%d", st.Running),
			},
		}
	}
}

func printSummary(rep *api.Report) {
	if rep == nil {
		return
	}
	s := rep.Summary
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tSTATUS\tTIME(s)\tPEAK(MB)\tDETAIL")
	for _, u := range rep.Units {
		status := string(u.Status)
		if u.Cached {
			status += " (cached)"
		}
		detail := u.LemmaStatus
		if u.Status != api.OutcomeCompleted {
			detail = u.Message
			if u.Failure != api.FailureNone {
				detail = fmt.Sprintf("%s: %s", u.Failure, u.Message)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f\t%.0f\t%s\n", u.ID, status, u.DurationS, u.PeakMemMB, detail)
	}
	_ = tw.Flush()
	fmt.Printf("\n%s: %d units, %d succeeded (%d cached), %d failed, wall %.1fs, max peak %.0f MB\n",
		rep.Status, s.TotalUnits, s.Succeeded, s.CacheHits, s.Failed, s.WallTimeS, s.MaxPeakMemMB)
	if rep.RerunRecipe != "" {
		fmt.Printf("rerun recipe for the failed units: %s\n", rep.RerunRecipe)
	}
	for _, u := range rep.Units {
		if u.Status == api.OutcomeCompleted || len(u.StderrTail) == 0 {
			continue
		}
		fmt.Printf("\n%s stderr:\n", u.ID)
		for _, line := range u.StderrTail {
			fmt.Printf("  %s\n", line)
		}
	}
}
