package fitness

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/evoquant/squeezevolve/internal/genetic"
	"github.com/evoquant/squeezevolve/internal/indicator"
	"github.com/evoquant/squeezevolve/internal/market"
)

func constantBars(n int, close, halfRange float64) []market.Bar {
	bars := make([]market.Bar, n)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = market.Bar{
			TS:     start.Add(time.Duration(i) * time.Hour),
			Open:   close,
			High:   close + halfRange,
			Low:    close - halfRange,
			Close:  close,
			Volume: 1000,
		}
	}
	return bars
}

func TestEvaluator_Evaluate(t *testing.T) {
	t.Run("ConstantSeriesIsBreakEven", func(t *testing.T) {
		// Zero momentum everywhere means no position is ever taken:
		// equity 1.0, zero drawdown, zero Sharpe.
		e := NewEvaluator(constantBars(40, 100, 1), DefaultWeights(), zerolog.Nop())

		fitness := e.Evaluate(indicator.DefaultParams())
		assert.InDelta(t, 1.0, fitness, 1e-9)
	})

	t.Run("TooFewBars", func(t *testing.T) {
		e := NewEvaluator(constantBars(1, 100, 1), DefaultWeights(), zerolog.Nop())
		assert.True(t, math.IsInf(e.Evaluate(indicator.DefaultParams()), -1))
	})

	t.Run("Deterministic", func(t *testing.T) {
		bars := market.SyntheticTrend(80, 100, 0.5)
		e := NewEvaluator(bars, DefaultWeights(), zerolog.Nop())

		first := e.Evaluate(indicator.DefaultParams())
		second := e.Evaluate(indicator.DefaultParams())
		assert.Equal(t, first, second)
	})

	t.Run("FiniteOnRealSeries", func(t *testing.T) {
		bars := market.SyntheticTrend(120, 100, 0.5)
		e := NewEvaluator(bars, DefaultWeights(), zerolog.Nop())

		fitness := e.Evaluate(indicator.DefaultParams())
		assert.False(t, math.IsNaN(fitness))
		assert.False(t, math.IsInf(fitness, 0))
	})

	t.Run("DrawdownWeightPenalizes", func(t *testing.T) {
		bars := market.SyntheticTrend(120, 100, 0.5)

		light := NewEvaluator(bars, Weights{Drawdown: 0, Sharpe: 0}, zerolog.Nop())
		heavy := NewEvaluator(bars, Weights{Drawdown: 5, Sharpe: 0}, zerolog.Nop())

		params := indicator.DefaultParams()
		assert.GreaterOrEqual(t, light.Evaluate(params), heavy.Evaluate(params))
	})
}

func TestEvaluator_EvaluateCandidate(t *testing.T) {
	bars := market.SyntheticTrend(80, 100, 0.5)
	e := NewEvaluator(bars, DefaultWeights(), zerolog.Nop())

	t.Run("ValidCandidate", func(t *testing.T) {
		fitness := e.EvaluateCandidate(genetic.DefaultCandidate(genetic.DefaultSpecs()))
		assert.False(t, math.IsNaN(fitness))
	})

	t.Run("UnusableCandidateScoresWorst", func(t *testing.T) {
		fitness := e.EvaluateCandidate(genetic.Candidate{"length_bb": 1})
		assert.True(t, math.IsInf(fitness, -1))
	})
}

func TestAnnualizedSharpe(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		assert.Equal(t, 0.0, annualizedSharpe(nil))
	})

	t.Run("ConstantReturns", func(t *testing.T) {
		assert.Equal(t, 0.0, annualizedSharpe([]float64{0.01, 0.01, 0.01}))
	})

	t.Run("PositiveDrift", func(t *testing.T) {
		pnl := []float64{0.01, 0.02, -0.005, 0.015, 0.01}
		assert.Positive(t, annualizedSharpe(pnl))
	})
}
