package genetic

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/evoquant/squeezevolve/internal/metrics"
)

// EvaluateFunc scores one candidate. Implementations must be pure with
// respect to the candidate and safe for concurrent use; a NaN result is
// normalized to -Inf before any comparison so sorting never breaks.
type EvaluateFunc func(Candidate) float64

// Config holds the generation-loop knobs.
type Config struct {
	PopulationSize int     `json:"population_size"`
	Generations    int     `json:"generations"`
	MutationRate   float64 `json:"mutation_rate"`
	CrossoverRate  float64 `json:"crossover_rate"`
	EliteCount     int     `json:"elite_count"`
	Parallel       int     `json:"parallel"`
}

// DefaultConfig mirrors the reference search defaults.
func DefaultConfig() Config {
	return Config{
		PopulationSize: 30,
		Generations:    20,
		MutationRate:   0.1,
		CrossoverRate:  0.8,
		EliteCount:     2,
		Parallel:       4,
	}
}

// Validate rejects configurations the loop cannot run with.
func (c Config) Validate() error {
	if c.PopulationSize < 2 {
		return fmt.Errorf("population size must be >= 2, got %d", c.PopulationSize)
	}
	if c.Generations < 1 {
		return fmt.Errorf("generations must be >= 1, got %d", c.Generations)
	}
	if c.MutationRate < 0 || c.MutationRate > 1 {
		return fmt.Errorf("mutation rate must be in [0, 1], got %v", c.MutationRate)
	}
	if c.CrossoverRate < 0 || c.CrossoverRate > 1 {
		return fmt.Errorf("crossover rate must be in [0, 1], got %v", c.CrossoverRate)
	}
	if c.EliteCount < 0 || c.EliteCount >= c.PopulationSize {
		return fmt.Errorf("elite count must be in [0, population), got %d", c.EliteCount)
	}
	return nil
}

// Individual is one scored population member.
type Individual struct {
	Candidate Candidate `json:"candidate"`
	Fitness   float64   `json:"fitness"`
}

// GenerationStats summarizes one completed generation.
type GenerationStats struct {
	Generation  int     `json:"generation"`
	BestFitness float64 `json:"best_fitness"`
	AvgFitness  float64 `json:"avg_fitness"`
}

// RunResult is the outcome of one full optimizer run.
type RunResult struct {
	Best        Candidate         `json:"best_candidate"`
	BestFitness float64           `json:"best_fitness"`
	Generations int               `json:"generations_completed"`
	Evaluations int               `json:"total_evaluations"`
	History     []GenerationStats `json:"history"`
}

// Optimizer evolves a population of candidates over a fixed number of
// generations. Within a generation, fitness evaluation may run in
// parallel; across generations execution is strictly sequential because
// elitism and tournament selection need the fully scored population.
type Optimizer struct {
	specs    []ParameterSpec
	evaluate EvaluateFunc
	cfg      Config
	initial  []Candidate
	rng      *rand.Rand
	seed     int64
	log      zerolog.Logger
}

// NewOptimizer creates an optimizer over the given spec set. The seed is
// time-based by default; call SetSeed for reproducible runs.
func NewOptimizer(specs []ParameterSpec, evaluate EvaluateFunc, cfg Config, logger zerolog.Logger) (*Optimizer, error) {
	if err := ValidateSpecs(specs); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if evaluate == nil {
		return nil, fmt.Errorf("evaluate function is required")
	}

	seed := time.Now().UnixNano()
	return &Optimizer{
		specs:    specs,
		evaluate: evaluate,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(seed)), // #nosec G404 -- reproducible search randomness, not crypto
		seed:     seed,
		log:      logger,
	}, nil
}

// SetSeed fixes the random seed. With the same specs, data and seed a
// run returns bit-identical results.
func (o *Optimizer) SetSeed(seed int64) {
	o.seed = seed
	o.rng = rand.New(rand.NewSource(seed)) // #nosec G404 -- reproducible search randomness, not crypto
}

// Seed returns the seed in use.
func (o *Optimizer) Seed() int64 {
	return o.seed
}

// SetInitialCandidates places the given candidates at the head of the
// initial population instead of random ones. Used to warm-start a run
// from a previous best, e.g. on a hybrid handoff.
func (o *Optimizer) SetInitialCandidates(candidates ...Candidate) {
	o.initial = nil
	for _, c := range candidates {
		o.initial = append(o.initial, Sanitize(c, o.specs))
	}
}

// RandomCandidate samples every gene uniformly within its bounds:
// booleans as a fair coin, integers on the step grid, floats rounded to
// 6 decimals.
func (o *Optimizer) RandomCandidate() Candidate {
	c := make(Candidate, len(o.specs))

	for _, s := range o.specs {
		switch s.Kind {
		case KindBool:
			c[s.Name] = o.rng.Float64() < 0.5
		case KindInt:
			steps := int(math.Floor((s.Max-s.Min)/s.Step)) + 1
			c[s.Name] = int(s.Clamp(s.Min + float64(o.rng.Intn(steps))*s.Step))
		default:
			v := s.Min + o.rng.Float64()*(s.Max-s.Min)
			c[s.Name] = roundTo(s.Clamp(v), 6)
		}
	}

	return c
}

// Mutate perturbs each gene independently with the given rate: flip a
// boolean, step an integer by +/-step, or jitter a float by up to 10% of
// its range. Values are clamped back inside bounds afterwards.
func (o *Optimizer) Mutate(c Candidate, rate float64) Candidate {
	mutated := c.Clone()

	for _, s := range o.specs {
		if o.rng.Float64() >= rate {
			continue
		}

		switch s.Kind {
		case KindBool:
			if v, ok := mutated.BoolValue(s.Name); ok {
				mutated[s.Name] = !v
			}
		case KindInt:
			if v, ok := mutated.IntValue(s.Name); ok {
				delta := s.Step
				if o.rng.Float64() < 0.5 {
					delta = -delta
				}
				mutated[s.Name] = int(s.Clamp(float64(v) + delta))
			}
		default:
			if v, ok := mutated.FloatValue(s.Name); ok {
				jitter := (o.rng.Float64()*2 - 1) * 0.1 * (s.Max - s.Min)
				mutated[s.Name] = roundTo(s.Clamp(v+jitter), 6)
			}
		}
	}

	return mutated
}

// Crossover builds a child by uniform per-gene inheritance: each gene
// comes from either parent with probability 0.5.
func (o *Optimizer) Crossover(a, b Candidate) Candidate {
	child := make(Candidate, len(o.specs))
	for _, s := range o.specs {
		if o.rng.Float64() < 0.5 {
			child[s.Name] = a[s.Name]
		} else {
			child[s.Name] = b[s.Name]
		}
	}
	return child
}

// selectParent runs tournament selection over the given pool: sample up
// to 3 distinct individuals and return the fittest.
func (o *Optimizer) selectParent(pool []Individual) Individual {
	k := 3
	if len(pool) < k {
		k = len(pool)
	}

	first := o.rng.Intn(len(pool))
	best := pool[first]
	picked := map[int]struct{}{first: {}}
	for len(picked) < k {
		idx := o.rng.Intn(len(pool))
		if _, dup := picked[idx]; dup {
			continue
		}
		picked[idx] = struct{}{}
		if pool[idx].Fitness > best.Fitness {
			best = pool[idx]
		}
	}

	return best
}

// Run executes the full generation loop and returns the best candidate
// ever seen. The tracked best is monotonically non-decreasing across
// generations; the population itself is not required to be.
func (o *Optimizer) Run(ctx context.Context) (*RunResult, error) {
	o.log.Info().
		Int("population", o.cfg.PopulationSize).
		Int("generations", o.cfg.Generations).
		Float64("mutation_rate", o.cfg.MutationRate).
		Float64("crossover_rate", o.cfg.CrossoverRate).
		Int64("seed", o.seed).
		Msg("Starting genetic search")

	population := make([]Candidate, o.cfg.PopulationSize)
	for i := range population {
		if i < len(o.initial) {
			population[i] = o.initial[i].Clone()
			continue
		}
		population[i] = o.RandomCandidate()
	}

	result := &RunResult{BestFitness: math.Inf(-1)}

	for gen := 0; gen < o.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("generation %d: %w", gen, err)
		}

		scored, err := o.evaluatePopulation(ctx, population)
		if err != nil {
			return nil, err
		}
		result.Evaluations += len(scored)
		metrics.AddEvaluations(len(scored))

		// Stable sort keeps runs deterministic when fitness ties.
		sort.SliceStable(scored, func(i, j int) bool {
			return scored[i].Fitness > scored[j].Fitness
		})

		if scored[0].Fitness > result.BestFitness {
			result.Best = scored[0].Candidate.Clone()
			result.BestFitness = scored[0].Fitness
		}

		stats := GenerationStats{
			Generation:  gen,
			BestFitness: scored[0].Fitness,
			AvgFitness:  averageFitness(scored),
		}
		result.History = append(result.History, stats)
		result.Generations = gen + 1
		metrics.AddGeneration()

		o.log.Debug().
			Int("generation", gen).
			Float64("best_fitness", stats.BestFitness).
			Float64("avg_fitness", stats.AvgFitness).
			Float64("best_ever", result.BestFitness).
			Msg("Generation complete")

		if gen == o.cfg.Generations-1 {
			break
		}

		population = o.nextGeneration(scored)
	}

	o.log.Info().
		Float64("best_fitness", result.BestFitness).
		Int("evaluations", result.Evaluations).
		Msg("Genetic search complete")

	return result, nil
}

// nextGeneration copies the elites unchanged, then refills the
// population with tournament-selected parents from the top half,
// crossed over at the configured rate (else cloned) and mutated.
func (o *Optimizer) nextGeneration(scored []Individual) []Candidate {
	next := make([]Candidate, 0, o.cfg.PopulationSize)

	for i := 0; i < o.cfg.EliteCount && i < len(scored); i++ {
		next = append(next, scored[i].Candidate.Clone())
	}

	topHalf := scored[:(len(scored)+1)/2]

	for len(next) < o.cfg.PopulationSize {
		p1 := o.selectParent(topHalf)
		p2 := o.selectParent(topHalf)

		var child Candidate
		if o.rng.Float64() < o.cfg.CrossoverRate {
			child = o.Crossover(p1.Candidate, p2.Candidate)
		} else {
			child = p1.Candidate.Clone()
		}

		next = append(next, o.Mutate(child, o.cfg.MutationRate))
	}

	return next
}

// evaluatePopulation scores a generation, possibly concurrently. Results
// land by index so within-generation ordering never affects the outcome;
// the RNG is only ever touched by the loop goroutine.
func (o *Optimizer) evaluatePopulation(ctx context.Context, population []Candidate) ([]Individual, error) {
	scored := make([]Individual, len(population))

	g, gctx := errgroup.WithContext(ctx)
	parallel := o.cfg.Parallel
	if parallel < 1 {
		parallel = 1
	}
	g.SetLimit(parallel)

	for i, candidate := range population {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			fitness := o.evaluate(candidate)
			if math.IsNaN(fitness) {
				fitness = math.Inf(-1)
			}

			scored[i] = Individual{Candidate: candidate, Fitness: fitness}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("evaluate population: %w", err)
	}

	return scored, nil
}

func averageFitness(scored []Individual) float64 {
	if len(scored) == 0 {
		return 0
	}

	sum := 0.0
	finite := 0
	for _, ind := range scored {
		if math.IsInf(ind.Fitness, 0) {
			continue
		}
		sum += ind.Fitness
		finite++
	}

	if finite == 0 {
		return math.Inf(-1)
	}
	return sum / float64(finite)
}
