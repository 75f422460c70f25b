// Squeeze Momentum Optimizer CLI
// Evolves indicator parameters against historical bar data and
// optionally applies the winning candidate as the new override set.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/evoquant/squeezevolve/internal/config"
	"github.com/evoquant/squeezevolve/internal/evolution"
	"github.com/evoquant/squeezevolve/internal/fitness"
	"github.com/evoquant/squeezevolve/internal/genetic"
	"github.com/evoquant/squeezevolve/internal/market"
	"github.com/evoquant/squeezevolve/internal/meta"
	"github.com/evoquant/squeezevolve/internal/metrics"
	"github.com/evoquant/squeezevolve/internal/persistence"
)

// ============================================================================
// CLI FLAGS
// ============================================================================

var (
	// Input
	dataFile   = flag.String("data", "", "CSV file with historical bars (ts_open,open,high,low,close,volume)")
	configFile = flag.String("config", "", "Config file path (optional)")

	// Search budget; zero means take the configured default
	population    = flag.Int("population", 0, "Population size")
	generations   = flag.Int("generations", 0, "Number of generations")
	mutationRate  = flag.Float64("mutation-rate", 0, "Per-gene mutation probability")
	crossoverRate = flag.Float64("crossover-rate", 0, "Crossover probability")
	elites        = flag.Int("elites", 0, "Individuals copied unchanged each generation")
	seed          = flag.Int64("seed", 0, "Random seed (0 = time-based)")
	method        = flag.String("method", "", "Evolution method (genetic, external, hybrid; empty = auto)")

	// Output
	apply       = flag.Bool("apply", false, "Persist the winning candidate as the new override set")
	dumpConfig  = flag.Bool("dump-config", false, "Print the effective configuration as YAML and exit")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
)

// ============================================================================
// MAIN
// ============================================================================

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.App.LogLevel
	if *verbose {
		logLevel = "debug"
	}
	config.InitLogger(logLevel, cfg.App.LogFormat)
	logger := config.NewLogger("optimize")

	if *dumpConfig {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to render configuration")
		}
		fmt.Print(string(out))
		return
	}

	if *metricsAddr != "" {
		cfg.Monitoring.MetricsAddr = *metricsAddr
		cfg.Monitoring.EnableMetrics = true
	}
	if cfg.Monitoring.EnableMetrics && cfg.Monitoring.MetricsAddr != "" {
		mux := http.NewServeMux()
		metrics.RegisterHandlers(mux)
		go func() {
			logger.Info().Str("addr", cfg.Monitoring.MetricsAddr).Msg("Serving metrics")
			if err := http.ListenAndServe(cfg.Monitoring.MetricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	// Load bar data
	bars, err := loadBars(*dataFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	specs := genetic.DefaultSpecs()

	// Baseline candidate: spec defaults, overridden by any persisted set
	overrideStore := persistence.NewFileStore(
		filepath.Join(cfg.Persistence.Dir, cfg.Persistence.OverrideFile),
		config.NewLogger("persistence"),
	)
	baseline := loadBaseline(overrideStore, specs)

	evaluator := fitness.NewEvaluator(bars, fitness.Weights{
		Drawdown: cfg.Fitness.DrawdownWeight,
		Sharpe:   cfg.Fitness.SharpeWeight,
	}, config.NewLogger("fitness"))

	opts := []evolution.Option{
		evolution.WithBaseline(baseline),
		evolution.WithSuccessThreshold(cfg.Fitness.SuccessThreshold),
		evolution.WithExternalTimeout(cfg.External.GetTimeout()),
	}

	// Adaptive meta optimizer, persisted between runs
	var metaOpt *meta.Optimizer
	if cfg.Meta.Enabled {
		metaStore := persistence.NewFileStore(
			filepath.Join(cfg.Persistence.Dir, cfg.Persistence.MetaFile),
			config.NewLogger("persistence"),
		)
		metaOpt = meta.New(meta.DefaultParameters(), meta.Options{
			ExplorationRate: cfg.Meta.ExplorationRate,
			LearningRate:    cfg.Meta.LearningRate,
			Store:           metaStore,
			SaveEvery:       cfg.Meta.SaveEvery,
			Seed:            *seed,
		}, config.NewLogger("meta"))
		if err := metaOpt.Load(); err != nil && err != persistence.ErrNotFound {
			logger.Warn().Err(err).Msg("Could not restore meta state, starting fresh")
		}
		opts = append(opts, evolution.WithMetaOptimizer(metaOpt))
	}

	// External mutation source behind a circuit breaker
	if cfg.External.Endpoint != "" {
		src := evolution.NewHTTPSource(evolution.HTTPSourceConfig{
			Endpoint:      cfg.External.Endpoint,
			APIKey:        cfg.External.APIKey,
			Timeout:       cfg.External.GetTimeout(),
			ProposalCount: cfg.External.ProposalCount,
			Temperature:   cfg.External.Temperature,
		}, specs, config.NewLogger("external"))
		breaker := evolution.NewBreakerSource(src, "mutation-source", config.NewLogger("external"))
		opts = append(opts, evolution.WithExternalSource(breaker))
	}

	orch := evolution.New(bars, specs, evaluator, config.NewLogger("evolution"), opts...)

	directive := buildDirective(cfg, metaOpt)

	logger.Info().
		Int("bars", len(bars)).
		Int("population", directive.PopulationSize).
		Int("generations", directive.Generations).
		Str("method", string(directive.Method)).
		Msg("Starting optimization")

	result := orch.Run(context.Background(), directive)

	fmt.Println(buildReport(result))

	if !result.Success {
		logger.Error().Str("error", result.Error).Msg("Optimization did not succeed")
		return
	}

	if metaOpt != nil {
		if err := metaOpt.Save(); err != nil {
			logger.Warn().Err(err).Msg("Could not persist meta state")
		}
	}

	if *apply {
		if err := overrideStore.Save(result.BestCandidate); err != nil {
			logger.Error().Err(err).Msg("Could not persist winning candidate")
			return
		}
		logger.Info().Msg("Winning candidate applied as override set")
	}
}

// ============================================================================
// INPUT
// ============================================================================

// loadBars reads the CSV data file, or generates a synthetic trending
// series when no file is given so the optimizer stays runnable without
// market data.
func loadBars(path string) ([]market.Bar, error) {
	if path == "" {
		log.Warn().Msg("No -data file given, using a synthetic trending series")
		return market.SyntheticTrend(240, 100, 0.5), nil
	}

	bars, err := market.LoadCSV(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := market.ValidateSeries(bars); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}

	log.Info().Str("file", path).Int("bars", len(bars)).Msg("Loaded bar data")
	return bars, nil
}

// loadBaseline restores the persisted override candidate, falling back
// to the spec defaults. A missing or unreadable override file is never
// fatal.
func loadBaseline(store persistence.Port, specs []genetic.ParameterSpec) genetic.Candidate {
	var overrides genetic.Candidate
	err := store.Load(&overrides)
	switch {
	case err == nil:
		log.Info().Int("params", len(overrides)).Msg("Loaded parameter overrides")
		return genetic.Sanitize(overrides, specs)
	case err == persistence.ErrNotFound:
		return genetic.DefaultCandidate(specs)
	default:
		log.Warn().Err(err).Msg("Could not load parameter overrides, using defaults")
		return genetic.DefaultCandidate(specs)
	}
}

// ============================================================================
// DIRECTIVE
// ============================================================================

// buildDirective resolves the search budget: explicit flags win, then
// the meta optimizer's suggestion, then the configured defaults.
func buildDirective(cfg *config.Config, metaOpt *meta.Optimizer) evolution.Directive {
	d := evolution.Directive{
		PopulationSize: cfg.Search.PopulationSize,
		Generations:    cfg.Search.Generations,
		MutationRate:   cfg.Search.MutationRate,
		CrossoverRate:  cfg.Search.CrossoverRate,
		EliteCount:     cfg.Search.EliteCount,
		Parallel:       cfg.Search.Parallel,
		Seed:           cfg.Search.Seed,
		Method:         evolution.Method(strings.ToLower(*method)),
	}

	if metaOpt != nil {
		suggestion := metaOpt.Suggest()
		d.MetaConfig = suggestion
		if v, ok := suggestion["mutation_rate"]; ok {
			d.MutationRate = v
		}
		if v, ok := suggestion["population_size"]; ok {
			d.PopulationSize = int(v)
		}
	}

	if *population > 0 {
		d.PopulationSize = *population
	}
	if *generations > 0 {
		d.Generations = *generations
	}
	if *mutationRate > 0 {
		d.MutationRate = *mutationRate
	}
	if *crossoverRate > 0 {
		d.CrossoverRate = *crossoverRate
	}
	if *elites > 0 {
		d.EliteCount = *elites
	}
	if *seed != 0 {
		d.Seed = *seed
	}

	return d
}

// ============================================================================
// REPORT
// ============================================================================

func buildReport(r *evolution.Result) string {
	var b strings.Builder

	b.WriteString("=============================================\n")
	b.WriteString("         SQUEEZE MOMENTUM OPTIMIZATION\n")
	b.WriteString("=============================================\n")
	fmt.Fprintf(&b, "Run ID:       %s\n", r.RunID)
	fmt.Fprintf(&b, "Method:       %s\n", r.MethodUsed)
	fmt.Fprintf(&b, "Duration:     %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "Generations:  %d\n", r.GenerationsCompleted)
	fmt.Fprintf(&b, "Evaluations:  %d\n", r.TotalEvaluations)

	if !r.Success {
		fmt.Fprintf(&b, "Outcome:      FAILED (%s)\n", r.Error)
		b.WriteString("=============================================")
		return b.String()
	}

	fmt.Fprintf(&b, "Best Fitness: %.6f\n", r.BestFitness)
	b.WriteString("---------------------------------------------\n")
	b.WriteString("Best Candidate:\n")
	for _, name := range []string{"length_bb", "mult_bb", "length_kc", "mult_kc", "use_true_range"} {
		fmt.Fprintf(&b, "  %-16s %v\n", name, r.BestCandidate[name])
	}

	if len(r.History) > 0 {
		b.WriteString("---------------------------------------------\n")
		b.WriteString("Progress (best / avg fitness):\n")
		for _, h := range r.History {
			fmt.Fprintf(&b, "  gen %3d  %12.6f / %.6f\n", h.Generation, h.BestFitness, h.AvgFitness)
		}
	}

	b.WriteString("=============================================")
	return b.String()
}
