// Package evolution orchestrates the competing search strategies: the
// genetic optimizer, an externally supplied mutation source, and a
// hybrid of both, with automatic fallback when the preferred method
// fails. Every run returns a uniform Result record regardless of the
// method used; raw errors never escape to the caller.
package evolution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evoquant/squeezevolve/internal/genetic"
	"github.com/evoquant/squeezevolve/internal/market"
	"github.com/evoquant/squeezevolve/internal/meta"
	"github.com/evoquant/squeezevolve/internal/metrics"
)

// Method is the closed set of evolution strategies.
type Method string

const (
	// MethodAuto lets the orchestrator pick per its selection policy.
	MethodAuto     Method = ""
	MethodGenetic  Method = "genetic"
	MethodExternal Method = "external"
	MethodHybrid   Method = "hybrid"
)

// ErrMethodUnavailable is returned when a directive demands a method the
// orchestrator has no backing for, e.g. external without a configured
// mutation source. With fallback enabled it triggers the genetic path
// instead of surfacing.
var ErrMethodUnavailable = errors.New("evolution method unavailable")

// Directive is the caller-supplied goal description for one run. It is
// consumed read-only.
type Directive struct {
	// Goal constraints, forwarded to the external mutation source.
	TargetSharpe  float64 `json:"target_sharpe,omitempty"`
	MaxDrawdown   float64 `json:"max_drawdown,omitempty"`
	RiskTolerance string  `json:"risk_tolerance,omitempty"`
	HorizonBars   int     `json:"horizon_bars,omitempty"`

	// Search budget. Zero values fall back to the genetic defaults.
	PopulationSize int     `json:"population_size,omitempty"`
	Generations    int     `json:"generations,omitempty"`
	MutationRate   float64 `json:"mutation_rate,omitempty"`
	CrossoverRate  float64 `json:"crossover_rate,omitempty"`
	EliteCount     int     `json:"elite_count,omitempty"`
	Parallel       int     `json:"parallel,omitempty"`
	Seed           int64   `json:"seed,omitempty"`

	// Method forces a specific strategy; MethodAuto applies the
	// selection policy.
	Method Method `json:"method,omitempty"`

	// MetaConfig is the meta-optimizer configuration that shaped this
	// directive, echoed back to it by the post-run hook.
	MetaConfig map[string]float64 `json:"meta_config,omitempty"`
}

// Result is the uniform outcome record of one orchestrator run.
// Immutable after return.
type Result struct {
	RunID                uuid.UUID                 `json:"run_id"`
	MethodUsed           Method                    `json:"method_used"`
	BestCandidate        genetic.Candidate         `json:"best_candidate"`
	BestFitness          float64                   `json:"best_fitness"`
	GenerationsCompleted int                       `json:"generations_completed"`
	TotalEvaluations     int                       `json:"total_evaluations"`
	History              []genetic.GenerationStats `json:"history"`
	Success              bool                      `json:"success"`
	Error                string                    `json:"error,omitempty"`
	Duration             time.Duration             `json:"duration"`
}

// Evaluator scores candidates; satisfied by fitness.Evaluator.
type Evaluator interface {
	EvaluateCandidate(genetic.Candidate) float64
}

// Orchestrator wires the methods together for one bar series.
type Orchestrator struct {
	bars     []market.Bar
	specs    []genetic.ParameterSpec
	eval     Evaluator
	baseline genetic.Candidate

	external        MutationSource
	metaOpt         *meta.Optimizer
	fallback        bool
	successThresh   float64
	externalTimeout time.Duration

	log zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExternalSource attaches an external mutation source.
func WithExternalSource(src MutationSource) Option {
	return func(o *Orchestrator) { o.external = src }
}

// WithMetaOptimizer attaches the adaptive meta optimizer; successful
// runs feed it through the post-run hook.
func WithMetaOptimizer(m *meta.Optimizer) Option {
	return func(o *Orchestrator) { o.metaOpt = m }
}

// WithFallback enables or disables fallback to the genetic method when
// the preferred method fails. Enabled by default.
func WithFallback(enabled bool) Option {
	return func(o *Orchestrator) { o.fallback = enabled }
}

// WithSuccessThreshold sets the fitness above which a run counts as a
// success for the meta optimizer. Default 1.0 (break-even equity).
func WithSuccessThreshold(threshold float64) Option {
	return func(o *Orchestrator) { o.successThresh = threshold }
}

// WithExternalTimeout bounds each external mutation call. Default 30s.
func WithExternalTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.externalTimeout = d }
}

// WithBaseline sets the candidate reported back when a run fails
// outright. Defaults to the spec defaults.
func WithBaseline(c genetic.Candidate) Option {
	return func(o *Orchestrator) { o.baseline = genetic.Sanitize(c, o.specs) }
}

// New creates an orchestrator for one immutable bar series.
func New(bars []market.Bar, specs []genetic.ParameterSpec, eval Evaluator, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		bars:            bars,
		specs:           specs,
		eval:            eval,
		fallback:        true,
		successThresh:   1.0,
		externalTimeout: 30 * time.Second,
		log:             logger,
	}
	o.baseline = genetic.DefaultCandidate(specs)

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Run executes one evolution per the directive: method selection,
// execution, and on failure of the preferred method a single fallback.
// It never returns an error and never lets a panic escape; failures
// surface as Success=false with a human-readable message and the
// baseline candidate.
func (o *Orchestrator) Run(ctx context.Context, d Directive) (result *Result) {
	start := time.Now()
	result = &Result{
		RunID:         uuid.New(),
		BestCandidate: o.baseline.Clone(),
		BestFitness:   math.Inf(-1),
	}

	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Interface("panic", r).Msg("Evolution run panicked")
			result.Success = false
			result.Error = fmt.Sprintf("evolution panicked: %v", r)
		}
		result.Duration = time.Since(start)
		metrics.RecordRun(string(result.MethodUsed), result.Success)
		if result.Success {
			metrics.SetBestFitness(result.BestFitness)
			o.notifyMeta(d, result)
		}
	}()

	if err := market.ValidateSeries(o.bars); err != nil {
		result.MethodUsed = MethodGenetic
		result.Error = fmt.Sprintf("unusable bar series: %v", err)
		return result
	}

	method := o.selectMethod(d)
	result.MethodUsed = method

	o.log.Info().
		Str("run_id", result.RunID.String()).
		Str("method", string(method)).
		Int("generations", o.budget(d).Generations).
		Msg("Starting evolution run")

	var err error
	switch method {
	case MethodExternal:
		err = o.runExternal(ctx, d, result)
		if err != nil && o.fallback {
			o.log.Warn().Err(err).Msg("External method failed, falling back to genetic")
			metrics.RecordFallback()
			result.MethodUsed = MethodGenetic
			result.History = nil
			err = o.runGenetic(ctx, d, result)
		}
	case MethodHybrid:
		err = o.runHybrid(ctx, d, result)
	default:
		err = o.runGenetic(ctx, d, result)
	}

	if err != nil {
		result.Success = false
		result.Error = err.Error()
		result.BestCandidate = o.baseline.Clone()
		o.log.Error().Err(err).Str("method", string(result.MethodUsed)).Msg("Evolution run failed")
		return result
	}

	result.Success = true
	o.log.Info().
		Str("run_id", result.RunID.String()).
		Str("method", string(result.MethodUsed)).
		Float64("best_fitness", result.BestFitness).
		Int("evaluations", result.TotalEvaluations).
		Msg("Evolution run complete")

	return result
}

// selectMethod applies the selection policy: an explicitly requested
// method wins; otherwise prefer an available external source, then fall
// to hybrid when a source is configured but not currently available
// (it may come back mid-run), then plain genetic.
func (o *Orchestrator) selectMethod(d Directive) Method {
	if d.Method != MethodAuto {
		return d.Method
	}

	if o.external != nil {
		if o.external.Available() {
			return MethodExternal
		}
		return MethodHybrid
	}

	return MethodGenetic
}

// budget resolves the directive's search budget against the defaults.
func (o *Orchestrator) budget(d Directive) genetic.Config {
	cfg := genetic.DefaultConfig()

	if d.PopulationSize > 0 {
		cfg.PopulationSize = d.PopulationSize
	}
	if d.Generations > 0 {
		cfg.Generations = d.Generations
	}
	if d.MutationRate > 0 {
		cfg.MutationRate = d.MutationRate
	}
	if d.CrossoverRate > 0 {
		cfg.CrossoverRate = d.CrossoverRate
	}
	if d.EliteCount > 0 {
		cfg.EliteCount = d.EliteCount
	}
	if d.Parallel > 0 {
		cfg.Parallel = d.Parallel
	}

	if cfg.EliteCount >= cfg.PopulationSize {
		cfg.EliteCount = cfg.PopulationSize - 1
	}

	return cfg
}

// runGenetic executes the full budget on the genetic optimizer.
func (o *Orchestrator) runGenetic(ctx context.Context, d Directive, result *Result) error {
	return o.geneticPhase(ctx, d, o.budget(d), nil, 0, result)
}

// geneticPhase runs one genetic segment, merging its outcome into the
// result with generation numbers offset by startGen.
func (o *Orchestrator) geneticPhase(ctx context.Context, d Directive, cfg genetic.Config, warmStart genetic.Candidate, startGen int, result *Result) error {
	opt, err := genetic.NewOptimizer(o.specs, o.eval.EvaluateCandidate, cfg, o.log)
	if err != nil {
		return fmt.Errorf("configure genetic optimizer: %w", err)
	}
	if d.Seed != 0 {
		opt.SetSeed(d.Seed + int64(startGen))
	}
	if warmStart != nil {
		opt.SetInitialCandidates(warmStart)
	}

	run, err := opt.Run(ctx)
	if err != nil {
		return fmt.Errorf("genetic search: %w", err)
	}

	o.mergePhase(result, run.Best, run.BestFitness, run.History, run.Evaluations, startGen)
	return nil
}

// runExternal drives the evolution entirely from the external source:
// each generation asks for proposals around the best candidate so far
// and keeps the fittest.
func (o *Orchestrator) runExternal(ctx context.Context, d Directive, result *Result) error {
	cfg := o.budget(d)
	return o.externalPhase(ctx, d, o.baseline.Clone(), 0, cfg.Generations, result)
}

// externalPhase runs gens proposal rounds seeded from seed, merging
// into result with generation numbers starting at startGen.
func (o *Orchestrator) externalPhase(ctx context.Context, d Directive, seed genetic.Candidate, startGen, gens int, result *Result) error {
	if o.external == nil {
		return fmt.Errorf("no external mutation source configured: %w", ErrMethodUnavailable)
	}

	best := genetic.Sanitize(seed, o.specs)
	bestFitness := o.score(best)
	evaluations := 1
	var history []genetic.GenerationStats

	for gen := 0; gen < gens; gen++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("external generation %d: %w", gen, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, o.externalTimeout)
		proposals, err := o.external.Propose(callCtx, best, d)
		cancel()
		if err != nil {
			return fmt.Errorf("external proposal round %d: %w", gen, err)
		}

		genBest := math.Inf(-1)
		sum := 0.0
		finite := 0
		for _, raw := range proposals {
			candidate := genetic.Sanitize(raw, o.specs)
			fitness := o.score(candidate)
			evaluations++

			if fitness > genBest {
				genBest = fitness
			}
			if fitness > bestFitness {
				best = candidate
				bestFitness = fitness
			}
			if !math.IsInf(fitness, 0) {
				sum += fitness
				finite++
			}
		}
		metrics.AddEvaluations(len(proposals))
		metrics.AddGeneration()

		avg := math.Inf(-1)
		if finite > 0 {
			avg = sum / float64(finite)
		}
		history = append(history, genetic.GenerationStats{
			Generation:  gen,
			BestFitness: genBest,
			AvgFitness:  avg,
		})

		o.log.Debug().
			Int("generation", startGen+gen).
			Int("proposals", len(proposals)).
			Float64("best_fitness", bestFitness).
			Msg("External proposal round complete")
	}

	o.mergePhase(result, best, bestFitness, history, evaluations, startGen)
	return nil
}

// runHybrid spends the first half of the generation budget on the
// genetic optimizer, then hands the best candidate to the external
// source for the remaining half if it is available. When it is not, the
// remaining half continues genetically, warm-started from the best so
// far; both histories are concatenated either way.
func (o *Orchestrator) runHybrid(ctx context.Context, d Directive, result *Result) error {
	cfg := o.budget(d)

	firstHalf := cfg.Generations / 2
	if firstHalf < 1 {
		firstHalf = 1
	}
	remaining := cfg.Generations - firstHalf

	phase1 := cfg
	phase1.Generations = firstHalf
	if err := o.geneticPhase(ctx, d, phase1, nil, 0, result); err != nil {
		return err
	}

	if remaining == 0 {
		return nil
	}

	if o.external != nil && o.external.Available() {
		err := o.externalPhase(ctx, d, result.BestCandidate, firstHalf, remaining, result)
		if err == nil {
			return nil
		}
		if !o.fallback {
			return err
		}
		o.log.Warn().Err(err).Msg("External handoff failed, finishing genetically")
		metrics.RecordFallback()
	}

	phase2 := cfg
	phase2.Generations = remaining
	return o.geneticPhase(ctx, d, phase2, result.BestCandidate, firstHalf, result)
}

// mergePhase folds one phase's outcome into the run result, renumbering
// its history to continue from startGen.
func (o *Orchestrator) mergePhase(result *Result, best genetic.Candidate, bestFitness float64, history []genetic.GenerationStats, evaluations, startGen int) {
	if bestFitness > result.BestFitness || result.BestCandidate == nil {
		result.BestCandidate = best.Clone()
		result.BestFitness = bestFitness
	}

	for _, h := range history {
		h.Generation += startGen
		result.History = append(result.History, h)
	}

	result.GenerationsCompleted = startGen + len(history)
	result.TotalEvaluations += evaluations
}

// score evaluates one candidate, normalizing NaN to -Inf so comparisons
// stay total.
func (o *Orchestrator) score(c genetic.Candidate) float64 {
	fitness := o.eval.EvaluateCandidate(c)
	if math.IsNaN(fitness) {
		return math.Inf(-1)
	}
	return fitness
}

// notifyMeta is the post-run hook: successful runs feed the realized
// fitness back to the meta optimizer, rescaled to a 0-100 quality score.
func (o *Orchestrator) notifyMeta(d Directive, result *Result) {
	if o.metaOpt == nil {
		return
	}

	config := d.MetaConfig
	if config == nil {
		cfg := o.budget(d)
		config = map[string]float64{
			"mutation_rate":   cfg.MutationRate,
			"population_size": float64(cfg.PopulationSize),
		}
	}

	quality := rescaleFitness(result.BestFitness)
	success := result.BestFitness > o.successThresh
	o.metaOpt.Record(config, quality, success)

	o.log.Debug().
		Float64("quality", quality).
		Bool("success", success).
		Msg("Meta optimizer notified")
}

// rescaleFitness maps the fitness scale onto 0-100 for the meta
// optimizer: 1.0 (break-even equity) maps to 50, with 0.04 fitness per
// quality point around it.
func rescaleFitness(fitness float64) float64 {
	if math.IsInf(fitness, -1) {
		return 0
	}

	quality := 50 + (fitness-1.0)*25
	if quality < 0 {
		return 0
	}
	if quality > 100 {
		return 100
	}
	return quality
}
