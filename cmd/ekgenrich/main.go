// Package main provides the ekgenrich CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/ekgenrich/pkg/bolt"
	"github.com/orneryd/ekgenrich/pkg/config"
	"github.com/orneryd/ekgenrich/pkg/enrich"
	"github.com/orneryd/ekgenrich/pkg/graph"
	"github.com/orneryd/ekgenrich/pkg/ledger"
	"github.com/orneryd/ekgenrich/pkg/logging"
	"github.com/orneryd/ekgenrich/pkg/metrics"
	"github.com/orneryd/ekgenrich/pkg/report"
	"github.com/orneryd/ekgenrich/pkg/storage"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

// errEntriesFailed makes the process exit non-zero without repeating the
// failures already printed in the report.
var errEntriesFailed = errors.New("one or more entries failed")

func main() {
	// A missing .env is normal.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errEntriesFailed) {
			fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ekgenrich",
		Short: "ekgenrich - event knowledge graph enrichment",
		Long: `ekgenrich enriches an event knowledge graph that was extracted from
event logs into a Neo4j-compatible database.

Stages (run in order):
  • types              link extraction labels to ObjectType/EventType markers
  • materialize        turn object-to-object relations into reified nodes
  • relationships      infer edges between objects that share context
  • directly_follows   chain each object's events by timestamp
  • boundaries         mark the first and last event of each object
  • high_level_events  summarize each object's lifespan as one event`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (default: search ~/.ekgenrich, executable dir, cwd)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ekgenrich v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run an enrichment plan",
		RunE:  runEnrich,
	}
	runCmd.Flags().String("plan", "", "Plan file (YAML or JSON)")
	runCmd.Flags().String("engine", "", "Engine: bolt or memory")
	runCmd.Flags().String("load", "", "JSON export to load into the memory engine before running")
	runCmd.Flags().String("dump", "", "Write the memory engine graph to this JSON export after running")
	runCmd.Flags().Int("workers", 0, "Entries run concurrently within a stage")
	runCmd.Flags().Int("batch-size", 0, "Rows committed per engine transaction")
	runCmd.Flags().Int("flush-rows", 0, "Precomputed rows sent per bulk request")
	runCmd.Flags().Bool("skip-succeeded", false, "Skip entries that already succeeded unchanged in a recorded run")
	runCmd.Flags().Bool("no-ledger", false, "Do not record this run")
	runCmd.Flags().String("ledger-dir", "", "Run ledger directory")
	runCmd.Flags().String("format", "text", "Report format: text or markdown")
	runCmd.Flags().Bool("ambiguities", false, "Also list objects with ambiguous lifecycles")
	runCmd.Flags().String("metrics-file", "", "Write Prometheus metrics to this file after the run")
	_ = runCmd.MarkFlagRequired("plan")
	rootCmd.AddCommand(runCmd)

	validateCmd := &cobra.Command{
		Use:   "validate [plan]",
		Short: "Validate a plan without touching the graph",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
	rootCmd.AddCommand(validateCmd)

	indexesCmd := &cobra.Command{
		Use:   "indexes",
		Short: "List the node indexes of the configured engine",
		RunE:  runIndexes,
	}
	indexesCmd.Flags().String("engine", "", "Engine: bolt or memory")
	indexesCmd.Flags().String("load", "", "JSON export to load into the memory engine")
	rootCmd.AddCommand(indexesCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs",
		RunE:  runHistory,
	}
	historyCmd.Flags().Int("limit", 20, "Maximum runs to show (0 for all)")
	historyCmd.Flags().String("ledger-dir", "", "Run ledger directory")
	historyCmd.Flags().String("format", "text", "Report format: text or markdown")
	historyCmd.Flags().String("forget", "", "Clear the succeeded marks of a stage so --skip-succeeded repeats it")
	rootCmd.AddCommand(historyCmd)

	return rootCmd
}

// loadConfig resolves file, environment and flag settings, in increasing
// precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if f := flags.Lookup("engine"); f != nil && f.Changed {
		cfg.Enrichment.Engine = f.Value.String()
	}
	if f := flags.Lookup("workers"); f != nil && f.Changed {
		cfg.Enrichment.Workers, _ = flags.GetInt("workers")
	}
	if f := flags.Lookup("batch-size"); f != nil && f.Changed {
		cfg.Enrichment.BatchSize, _ = flags.GetInt("batch-size")
	}
	if f := flags.Lookup("flush-rows"); f != nil && f.Changed {
		cfg.Enrichment.FlushRows, _ = flags.GetInt("flush-rows")
	}
	if f := flags.Lookup("ledger-dir"); f != nil && f.Changed {
		cfg.Ledger.Dir = f.Value.String()
		cfg.Ledger.Enabled = true
	}
	if f := flags.Lookup("no-ledger"); f != nil && f.Changed {
		cfg.Ledger.Enabled = false
	}
	if f := flags.Lookup("metrics-file"); f != nil && f.Changed {
		cfg.Metrics.TextfilePath = f.Value.String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openEngine opens the configured engine. mem is set for the memory engine.
func openEngine(ctx context.Context, cfg *config.Config, load string, log *zap.Logger) (eng graph.Engine, mem *storage.MemoryEngine, closeFn func(), err error) {
	switch cfg.Enrichment.Engine {
	case config.EngineMemory:
		mem = storage.NewMemoryEngine()
		if load != "" {
			if err := storage.LoadFromNeo4jExport(mem, load); err != nil {
				return nil, nil, nil, fmt.Errorf("loading %s: %w", load, err)
			}
		}
		return mem, mem, func() { mem.Close() }, nil
	default:
		if load != "" {
			return nil, nil, nil, fmt.Errorf("--load needs the memory engine")
		}
		b, err := bolt.Open(ctx, cfg.Neo4j, bolt.Options{
			Logger:             log,
			SlowQueryThreshold: cfg.Logging.SlowQueryThreshold,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return b, nil, func() { b.Close(context.Background()) }, nil
	}
}

func runEnrich(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	planPath, _ := cmd.Flags().GetString("plan")
	formatName, _ := cmd.Flags().GetString("format")
	format, err := report.ParseFormat(formatName)
	if err != nil {
		return err
	}
	plan, err := enrich.LoadPlan(planPath)
	if err != nil {
		return err
	}

	load, _ := cmd.Flags().GetString("load")
	dump, _ := cmd.Flags().GetString("dump")
	if dump != "" && cfg.Enrichment.Engine != config.EngineMemory {
		return fmt.Errorf("--dump needs the memory engine")
	}
	engine, mem, closeEngine, err := openEngine(ctx, cfg, load, log)
	if err != nil {
		return err
	}
	defer closeEngine()

	m := metrics.New()
	opts := enrich.Options{
		BatchSize:       cfg.Enrichment.BatchSize,
		FlushRows:       cfg.Enrichment.FlushRows,
		Workers:         cfg.Enrichment.Workers,
		CorrelationType: cfg.Enrichment.CorrelationType,
		Progress:        out,
		Observer:        m.ObserveEntry,
	}

	var runLedger *ledger.Ledger
	if cfg.Ledger.Enabled {
		runLedger, err = ledger.Open(ledger.Options{Dir: cfg.Ledger.Dir, Logger: log})
		if err != nil {
			return err
		}
		defer runLedger.Close()
		if skip, _ := cmd.Flags().GetBool("skip-succeeded"); skip {
			opts.Skip = runLedger.SkipSucceeded()
		}
	} else if skip, _ := cmd.Flags().GetBool("skip-succeeded"); skip {
		return fmt.Errorf("--skip-succeeded needs the run ledger")
	}

	fmt.Fprintf(out, "🚀 Running %s against the %s engine\n", planPath, cfg.Enrichment.Engine)
	res, err := enrich.New(engine, opts, log).Run(ctx, plan)
	if err != nil {
		return err
	}
	m.ObserveRun(res)

	fmt.Fprintln(out)
	fmt.Fprintln(out, report.Run(res, format))
	if showAmb, _ := cmd.Flags().GetBool("ambiguities"); showAmb {
		fmt.Fprintln(out, report.Ambiguities(res, format))
	}

	if runLedger != nil {
		if err := runLedger.Record(res, planPath); err != nil {
			log.Warn("failed to record run", zap.String("run", res.ID), zap.Error(err))
		}
	}
	if cfg.Metrics.TextfilePath != "" {
		if err := m.WriteToTextfile(cfg.Metrics.TextfilePath); err != nil {
			log.Warn("failed to write metrics", zap.Error(err))
		}
	}
	if dump != "" {
		if err := storage.SaveNeo4jExport(mem, dump); err != nil {
			return fmt.Errorf("writing %s: %w", dump, err)
		}
		fmt.Fprintf(out, "💾 Graph written to %s\n", dump)
	}

	if failed := res.Failed(); len(failed) > 0 {
		fmt.Fprintf(out, "❌ %d of %d entries failed\n", len(failed), len(res.Entries))
		return errEntriesFailed
	}
	fmt.Fprintf(out, "✅ Run %s finished in %v\n", res.ID, res.Duration().Round(time.Millisecond))
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	plan, err := enrich.LoadPlan(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ %s is valid: %d object types, %d event types, %d materializations, %d relationships, %d directly-follows scopes, %d high-level events\n",
		args[0], len(plan.Types.ObjectTypes), len(plan.Types.EventTypes), len(plan.Materialize),
		len(plan.Relationships), len(plan.DirectlyFollows), len(plan.HighLevelEvents))
	return nil
}

func runIndexes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	load, _ := cmd.Flags().GetString("load")
	engine, _, closeEngine, err := openEngine(cmd.Context(), cfg, load, log)
	if err != nil {
		return err
	}
	defer closeEngine()

	infos, err := engine.Indexes(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No indexes")
		return nil
	}
	for _, info := range infos {
		fmt.Fprintf(out, "%-40s %v %v\n", info.Name, info.Labels, info.Properties)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	formatName, _ := cmd.Flags().GetString("format")
	format, err := report.ParseFormat(formatName)
	if err != nil {
		return err
	}

	l, err := ledger.Open(ledger.Options{Dir: cfg.Ledger.Dir})
	if err != nil {
		return err
	}
	defer l.Close()

	out := cmd.OutOrStdout()
	if stage, _ := cmd.Flags().GetString("forget"); stage != "" {
		if !knownStage(stage) {
			return fmt.Errorf("unknown stage %q", stage)
		}
		n, err := l.Forget(enrich.Stage(stage))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "🧹 Cleared %d succeeded entries of %s\n", n, stage)
		return nil
	}

	runs, err := l.History(limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No recorded runs")
		return nil
	}
	fmt.Fprintln(out, report.History(runs, format))
	return nil
}

func knownStage(s string) bool {
	for _, st := range enrich.Stages {
		if string(st) == s {
			return true
		}
	}
	return false
}
