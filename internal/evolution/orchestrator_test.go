package evolution

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoquant/squeezevolve/internal/fitness"
	"github.com/evoquant/squeezevolve/internal/genetic"
	"github.com/evoquant/squeezevolve/internal/market"
	"github.com/evoquant/squeezevolve/internal/meta"
	"github.com/evoquant/squeezevolve/internal/persistence"
)

// ============================================================================
// FAKE MUTATION SOURCE
// ============================================================================

// fakeSource is a scriptable MutationSource for orchestrator tests.
type fakeSource struct {
	available bool
	calls     int
	propose   func(call int, seed genetic.Candidate) ([]genetic.Candidate, error)
}

func (f *fakeSource) Available() bool { return f.available }

func (f *fakeSource) Propose(_ context.Context, seed genetic.Candidate, _ Directive) ([]genetic.Candidate, error) {
	f.calls++
	return f.propose(f.calls, seed)
}

// ============================================================================
// HELPERS
// ============================================================================

func testDirective() Directive {
	return Directive{
		PopulationSize: 8,
		Generations:    4,
		MutationRate:   0.2,
		CrossoverRate:  0.8,
		EliteCount:     1,
		Parallel:       1,
		Seed:           42,
	}
}

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	bars := market.SyntheticTrend(80, 100, 0.5)
	eval := fitness.NewEvaluator(bars, fitness.DefaultWeights(), zerolog.Nop())
	return New(bars, genetic.DefaultSpecs(), eval, zerolog.Nop(), opts...)
}

func assertCompleteCandidate(t *testing.T, c genetic.Candidate) {
	t.Helper()
	for _, name := range []string{"length_bb", "mult_bb", "length_kc", "mult_kc", "use_true_range"} {
		assert.Contains(t, c, name)
	}
}

// ============================================================================
// METHOD SELECTION
// ============================================================================

func TestSelectMethod(t *testing.T) {
	t.Run("ExplicitMethodWins", func(t *testing.T) {
		src := &fakeSource{available: true}
		o := newTestOrchestrator(t, WithExternalSource(src))

		assert.Equal(t, MethodGenetic, o.selectMethod(Directive{Method: MethodGenetic}))
	})

	t.Run("PrefersAvailableExternal", func(t *testing.T) {
		src := &fakeSource{available: true}
		o := newTestOrchestrator(t, WithExternalSource(src))

		assert.Equal(t, MethodExternal, o.selectMethod(Directive{}))
	})

	t.Run("HybridWhenSourceConfiguredButDown", func(t *testing.T) {
		src := &fakeSource{available: false}
		o := newTestOrchestrator(t, WithExternalSource(src))

		assert.Equal(t, MethodHybrid, o.selectMethod(Directive{}))
	})

	t.Run("GeneticWithoutSource", func(t *testing.T) {
		o := newTestOrchestrator(t)
		assert.Equal(t, MethodGenetic, o.selectMethod(Directive{}))
	})
}

// ============================================================================
// RUN
// ============================================================================

func TestRun_Genetic(t *testing.T) {
	o := newTestOrchestrator(t)

	result := o.Run(context.Background(), testDirective())

	require.True(t, result.Success, "error: %s", result.Error)
	assert.Equal(t, MethodGenetic, result.MethodUsed)
	assert.Equal(t, 4, result.GenerationsCompleted)
	assert.Equal(t, 8*4, result.TotalEvaluations)
	assert.Len(t, result.History, 4)
	assert.False(t, math.IsInf(result.BestFitness, 0))
	assert.False(t, math.IsNaN(result.BestFitness))
	assertCompleteCandidate(t, result.BestCandidate)
	assert.NotEqual(t, "", result.RunID.String())
}

func TestRun_SeedDeterminism(t *testing.T) {
	run := func() *Result {
		return newTestOrchestrator(t).Run(context.Background(), testDirective())
	}

	first := run()
	second := run()

	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, first.BestCandidate, second.BestCandidate)
	assert.Equal(t, first.BestFitness, second.BestFitness)
	assert.Equal(t, first.History, second.History)
}

func TestRun_External(t *testing.T) {
	t.Run("ProposalsDriveTheSearch", func(t *testing.T) {
		src := &fakeSource{
			available: true,
			propose: func(call int, seed genetic.Candidate) ([]genetic.Candidate, error) {
				// Walk length_bb upward each round.
				c := seed.Clone()
				c["length_bb"] = 20 + call
				return []genetic.Candidate{c}, nil
			},
		}
		o := newTestOrchestrator(t, WithExternalSource(src))

		result := o.Run(context.Background(), testDirective())

		require.True(t, result.Success, "error: %s", result.Error)
		assert.Equal(t, MethodExternal, result.MethodUsed)
		assert.Equal(t, 4, src.calls)
		assert.Len(t, result.History, 4)
		assertCompleteCandidate(t, result.BestCandidate)
	})

	t.Run("FailureFallsBackToGenetic", func(t *testing.T) {
		src := &fakeSource{
			available: true,
			propose: func(int, genetic.Candidate) ([]genetic.Candidate, error) {
				return nil, fmt.Errorf("model unavailable")
			},
		}
		o := newTestOrchestrator(t, WithExternalSource(src))

		result := o.Run(context.Background(), testDirective())

		require.True(t, result.Success, "error: %s", result.Error)
		assert.Equal(t, MethodGenetic, result.MethodUsed)
		assert.Len(t, result.History, 4)
	})

	t.Run("DemandedWithoutSourceFallsBack", func(t *testing.T) {
		o := newTestOrchestrator(t)

		d := testDirective()
		d.Method = MethodExternal
		result := o.Run(context.Background(), d)

		require.True(t, result.Success, "error: %s", result.Error)
		assert.Equal(t, MethodGenetic, result.MethodUsed)
	})

	t.Run("DemandedWithoutSourceAndNoFallback", func(t *testing.T) {
		o := newTestOrchestrator(t, WithFallback(false))

		d := testDirective()
		d.Method = MethodExternal
		result := o.Run(context.Background(), d)

		assert.False(t, result.Success)
		assert.Contains(t, result.Error, ErrMethodUnavailable.Error())
	})

	t.Run("FailureWithoutFallbackFails", func(t *testing.T) {
		src := &fakeSource{
			available: true,
			propose: func(int, genetic.Candidate) ([]genetic.Candidate, error) {
				return nil, fmt.Errorf("model unavailable")
			},
		}
		o := newTestOrchestrator(t, WithExternalSource(src), WithFallback(false))

		result := o.Run(context.Background(), testDirective())

		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "model unavailable")
		// The failed run still reports a usable baseline candidate.
		assertCompleteCandidate(t, result.BestCandidate)
	})
}

func TestRun_Hybrid(t *testing.T) {
	t.Run("HandsOffToExternal", func(t *testing.T) {
		src := &fakeSource{
			available: true,
			propose: func(call int, seed genetic.Candidate) ([]genetic.Candidate, error) {
				return []genetic.Candidate{seed.Clone()}, nil
			},
		}
		o := newTestOrchestrator(t, WithExternalSource(src))

		d := testDirective()
		d.Method = MethodHybrid
		result := o.Run(context.Background(), d)

		require.True(t, result.Success, "error: %s", result.Error)
		assert.Equal(t, MethodHybrid, result.MethodUsed)
		assert.Equal(t, 2, src.calls)

		// Concatenated history with contiguous generation numbers
		require.Len(t, result.History, 4)
		for i, h := range result.History {
			assert.Equal(t, i, h.Generation)
		}
	})

	t.Run("FinishesGeneticallyWhenSourceDown", func(t *testing.T) {
		src := &fakeSource{available: false}
		o := newTestOrchestrator(t, WithExternalSource(src))

		result := o.Run(context.Background(), testDirective())

		require.True(t, result.Success, "error: %s", result.Error)
		assert.Equal(t, MethodHybrid, result.MethodUsed)
		assert.Equal(t, 0, src.calls)
		assert.Len(t, result.History, 4)
		assert.Equal(t, 4, result.GenerationsCompleted)
	})
}

func TestRun_EmptySeries(t *testing.T) {
	eval := fitness.NewEvaluator(nil, fitness.DefaultWeights(), zerolog.Nop())
	o := New(nil, genetic.DefaultSpecs(), eval, zerolog.Nop())

	result := o.Run(context.Background(), testDirective())

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unusable bar series")
	assertCompleteCandidate(t, result.BestCandidate)
}

func TestRun_MetaHook(t *testing.T) {
	t.Run("SuccessfulRunIsRecorded", func(t *testing.T) {
		store := persistence.NewMemoryStore()
		metaOpt := meta.New(meta.DefaultParameters(), meta.Options{Store: store, Seed: 1}, zerolog.Nop())

		o := newTestOrchestrator(t,
			WithMetaOptimizer(metaOpt),
			WithSuccessThreshold(0.5),
		)

		d := testDirective()
		d.MetaConfig = map[string]float64{"mutation_rate": 0.2, "population_size": 8}
		result := o.Run(context.Background(), d)
		require.True(t, result.Success)

		st, err := metaOpt.Parameter("mutation_rate")
		require.NoError(t, err)
		assert.Equal(t, 1, st.Attempts)
	})

	t.Run("FailedRunIsNotRecorded", func(t *testing.T) {
		metaOpt := meta.New(meta.DefaultParameters(), meta.Options{Seed: 1}, zerolog.Nop())

		eval := fitness.NewEvaluator(nil, fitness.DefaultWeights(), zerolog.Nop())
		o := New(nil, genetic.DefaultSpecs(), eval, zerolog.Nop(), WithMetaOptimizer(metaOpt))

		result := o.Run(context.Background(), testDirective())
		require.False(t, result.Success)

		st, err := metaOpt.Parameter("mutation_rate")
		require.NoError(t, err)
		assert.Equal(t, 0, st.Attempts)
	})
}

func TestRescaleFitness(t *testing.T) {
	tests := []struct {
		name    string
		fitness float64
		want    float64
	}{
		{"BreakEven", 1.0, 50},
		{"StrongRun", 3.0, 100},
		{"Wipeout", -2.0, 0},
		{"WorstPossible", math.Inf(-1), 0},
		{"SlightGain", 1.4, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, rescaleFitness(tt.fitness), 1e-9)
		})
	}
}

func TestBudget(t *testing.T) {
	o := newTestOrchestrator(t)

	t.Run("ZeroFieldsFallToDefaults", func(t *testing.T) {
		cfg := o.budget(Directive{})
		assert.Equal(t, genetic.DefaultConfig(), cfg)
	})

	t.Run("DirectiveOverrides", func(t *testing.T) {
		cfg := o.budget(Directive{PopulationSize: 50, Generations: 7, EliteCount: 3})
		assert.Equal(t, 50, cfg.PopulationSize)
		assert.Equal(t, 7, cfg.Generations)
		assert.Equal(t, 3, cfg.EliteCount)
	})

	t.Run("ElitesCappedBelowPopulation", func(t *testing.T) {
		cfg := o.budget(Directive{PopulationSize: 4, EliteCount: 10})
		assert.Equal(t, 3, cfg.EliteCount)
	})
}
