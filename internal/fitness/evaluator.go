// Package fitness turns an indicator series into a scalar score by
// simulating a long/flat/short position rule against the bar series.
package fitness

import (
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/evoquant/squeezevolve/internal/genetic"
	"github.com/evoquant/squeezevolve/internal/indicator"
	"github.com/evoquant/squeezevolve/internal/market"
)

// Weights controls how the equity outcome, drawdown and Sharpe ratio are
// combined into one fitness scalar. The reference formula mixes units
// without a documented rationale, so the weights stay configurable
// instead of hard-coded.
type Weights struct {
	Drawdown float64 `json:"drawdown"`
	Sharpe   float64 `json:"sharpe"`
}

// DefaultWeights reproduces the reference formula
// final_equity - max_drawdown + 0.1*annualized_sharpe.
func DefaultWeights() Weights {
	return Weights{Drawdown: 1.0, Sharpe: 0.1}
}

// Evaluator scores candidates against a fixed, immutable bar series.
// Safe for concurrent use: evaluation reads the series and writes
// nothing.
type Evaluator struct {
	bars    []market.Bar
	weights Weights
	log     zerolog.Logger
}

// NewEvaluator binds an evaluator to a bar series. The series is not
// copied; callers must not mutate it afterwards.
func NewEvaluator(bars []market.Bar, w Weights, logger zerolog.Logger) *Evaluator {
	return &Evaluator{bars: bars, weights: w, log: logger}
}

// EvaluateCandidate scores a search candidate. Candidates that do not
// decode into valid indicator params are worth -Inf, never an error:
// the optimizer sorts them to the bottom and moves on.
func (e *Evaluator) EvaluateCandidate(c genetic.Candidate) float64 {
	params, err := indicator.ParamsFromCandidate(c)
	if err != nil {
		e.log.Debug().Err(err).Msg("Unusable candidate, scoring -Inf")
		return math.Inf(-1)
	}
	return e.Evaluate(params)
}

// Evaluate runs the position simulation for one parameter set and
// reduces the P&L path to a fitness scalar. Deterministic for fixed
// inputs. Series with fewer than two bars cannot hold a position and
// score -Inf ("worst possible, never selected").
func (e *Evaluator) Evaluate(params indicator.Params) float64 {
	if len(e.bars) < 2 {
		return math.Inf(-1)
	}

	series := indicator.Compute(e.bars, params)

	// Position from the sign of the momentum value, forward-filled
	// through flat/zero stretches so a position persists until a sign
	// flip.
	positions := make([]float64, len(series))
	pos := 0.0
	for i, pt := range series {
		if pt.Momentum.Valid {
			switch {
			case pt.Momentum.Value > 0:
				pos = 1
			case pt.Momentum.Value < 0:
				pos = -1
			}
		}
		positions[i] = pos
	}

	// Per-bar P&L: yesterday's position times today's return. The one
	// bar shift prevents lookahead.
	pnl := make([]float64, 0, len(e.bars)-1)
	equity := 1.0
	peak := 1.0
	maxDrawdown := 0.0

	for i := 1; i < len(e.bars); i++ {
		ret := 0.0
		if e.bars[i-1].Close != 0 {
			ret = e.bars[i].Close/e.bars[i-1].Close - 1
		}

		r := positions[i-1] * ret
		pnl = append(pnl, r)

		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDrawdown {
			maxDrawdown = dd
		}
	}

	sharpe := annualizedSharpe(pnl)

	fitness := equity - e.weights.Drawdown*maxDrawdown + e.weights.Sharpe*sharpe
	if math.IsNaN(fitness) {
		// NaN anywhere in the path makes the candidate unusable, not
		// the run.
		return math.Inf(-1)
	}

	return fitness
}

// annualizedSharpe is mean(pnl)/popstdev(pnl) scaled by sqrt(len(pnl)).
// A near-zero standard deviation (constant returns) yields 0 rather
// than a division blowup.
func annualizedSharpe(pnl []float64) float64 {
	if len(pnl) == 0 {
		return 0
	}

	std := stat.PopStdDev(pnl, nil)
	if std < 1e-12 || math.IsNaN(std) {
		return 0
	}

	return stat.Mean(pnl, nil) / std * math.Sqrt(float64(len(pnl)))
}
