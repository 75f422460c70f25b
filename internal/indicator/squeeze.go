// Package indicator computes the squeeze momentum indicator: Bollinger
// bands held against Keltner channels for the squeeze state, plus a
// least-squares momentum value per bar. Computation is pure; the engine
// keeps no state between calls.
package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/cinar/indicator/v2/trend"
	"gonum.org/v1/gonum/stat"

	"github.com/evoquant/squeezevolve/internal/genetic"
	"github.com/evoquant/squeezevolve/internal/market"
)

// Params holds the indicator parameter set. The five fields map 1:1 to
// the reference parameter specs in the genetic package.
type Params struct {
	LengthBB     int     `json:"length_bb"`
	MultBB       float64 `json:"mult_bb"`
	LengthKC     int     `json:"length_kc"`
	MultKC       float64 `json:"mult_kc"`
	UseTrueRange bool    `json:"use_true_range"`
}

// DefaultParams returns the classic squeeze momentum configuration.
func DefaultParams() Params {
	return Params{LengthBB: 20, MultBB: 2.0, LengthKC: 20, MultKC: 1.5, UseTrueRange: true}
}

// Validate rejects window lengths and multipliers the rolling math
// cannot handle.
func (p Params) Validate() error {
	if p.LengthBB < 2 {
		return fmt.Errorf("length_bb must be >= 2, got %d", p.LengthBB)
	}
	if p.LengthKC < 2 {
		return fmt.Errorf("length_kc must be >= 2, got %d", p.LengthKC)
	}
	if p.MultBB <= 0 {
		return fmt.Errorf("mult_bb must be positive, got %v", p.MultBB)
	}
	if p.MultKC <= 0 {
		return fmt.Errorf("mult_kc must be positive, got %v", p.MultKC)
	}
	return nil
}

// ParamsFromCandidate converts a search candidate into indicator params.
func ParamsFromCandidate(c genetic.Candidate) (Params, error) {
	p := DefaultParams()

	if v, ok := c.IntValue("length_bb"); ok {
		p.LengthBB = v
	}
	if v, ok := c.FloatValue("mult_bb"); ok {
		p.MultBB = v
	}
	if v, ok := c.IntValue("length_kc"); ok {
		p.LengthKC = v
	}
	if v, ok := c.FloatValue("mult_kc"); ok {
		p.MultKC = v
	}
	if v, ok := c.BoolValue("use_true_range"); ok {
		p.UseTrueRange = v
	}

	if err := p.Validate(); err != nil {
		return Params{}, err
	}

	return p, nil
}

// SqueezeState classifies the Bollinger band position relative to the
// Keltner channel at one bar.
type SqueezeState uint8

const (
	// NoSqueeze covers both the neither-inside-nor-outside case and
	// bars without enough history for either band.
	NoSqueeze SqueezeState = iota
	SqueezeOn
	SqueezeOff
)

func (s SqueezeState) String() string {
	switch s {
	case SqueezeOn:
		return "squeeze_on"
	case SqueezeOff:
		return "squeeze_off"
	default:
		return "no_squeeze"
	}
}

// BarColor is the 4-way momentum classification derived from the sign of
// the momentum value and its first difference.
type BarColor uint8

const (
	ColorNone BarColor = iota
	ColorRisingPositive
	ColorFallingPositive
	ColorRisingNegative
	ColorFallingNegative
)

func (c BarColor) String() string {
	switch c {
	case ColorRisingPositive:
		return "rising_positive"
	case ColorFallingPositive:
		return "falling_positive"
	case ColorRisingNegative:
		return "rising_negative"
	case ColorFallingNegative:
		return "falling_negative"
	default:
		return "none"
	}
}

// Momentum is the per-bar momentum value as an explicit variant: bars
// without enough rolling history are flat rather than NaN, so downstream
// consumers never have to reason about float sentinels.
type Momentum struct {
	Valid bool    `json:"valid"`
	Value float64 `json:"value"`
}

// Point is one indicator row, aligned 1:1 with the input bar.
type Point struct {
	TS       time.Time    `json:"ts_open"`
	Momentum Momentum     `json:"momentum"`
	State    SqueezeState `json:"state"`
	Color    BarColor     `json:"color"`
}

// Series is the full indicator output. Never mutated after Compute.
type Series []Point

// Compute derives the squeeze momentum series for a bar series. It is
// total over well-formed input: an empty series yields an empty Series,
// and series shorter than the configured windows yield flat leading rows
// instead of an error.
func Compute(bars []market.Bar, p Params) Series {
	n := len(bars)
	if n == 0 {
		return Series{}
	}

	closes := market.Closes(bars)

	// Bollinger bands: SMA(close) +/- mult * population stdev(close)
	basisBB := smaSeries(closes, p.LengthBB)
	dev := rollingPopStdDev(closes, p.LengthBB)

	// Keltner channel: SMA(close) +/- mult * SMA(range)
	basisKC := smaSeries(closes, p.LengthKC)
	ranges := make([]float64, n)
	for i, b := range bars {
		if p.UseTrueRange && i > 0 {
			ranges[i] = trueRange(b, bars[i-1].Close)
		} else {
			ranges[i] = b.High - b.Low
		}
	}
	rangeMA := smaSeries(ranges, p.LengthKC)

	// Momentum source: close minus the midpoint of the highest-high /
	// lowest-low midline and the close SMA over the KC window.
	hh := rollingMax(highs(bars), p.LengthKC)
	ll := rollingMin(lows(bars), p.LengthKC)
	source := make([]float64, n)
	for i := 0; i < n; i++ {
		mid := (hh[i] + ll[i]) / 2
		source[i] = closes[i] - (mid+basisKC[i])/2
	}
	momentum := linregEndpoint(source, p.LengthKC)

	series := make(Series, n)
	prev := Momentum{}
	for i := 0; i < n; i++ {
		pt := Point{TS: bars[i].TS}

		upperBB := basisBB[i] + p.MultBB*dev[i]
		lowerBB := basisBB[i] - p.MultBB*dev[i]
		upperKC := basisKC[i] + p.MultKC*rangeMA[i]
		lowerKC := basisKC[i] - p.MultKC*rangeMA[i]

		switch {
		case math.IsNaN(upperBB) || math.IsNaN(upperKC):
			pt.State = NoSqueeze
		case lowerBB > lowerKC && upperBB < upperKC:
			pt.State = SqueezeOn
		case lowerBB < lowerKC && upperBB > upperKC:
			pt.State = SqueezeOff
		default:
			pt.State = NoSqueeze
		}

		if !math.IsNaN(momentum[i]) {
			pt.Momentum = Momentum{Valid: true, Value: momentum[i]}
			pt.Color = classify(pt.Momentum, prev)
		}
		prev = pt.Momentum

		series[i] = pt
	}

	return series
}

// classify maps a momentum value and its predecessor onto the 4-way bar
// color. The first valid bar compares against zero.
func classify(cur, prev Momentum) BarColor {
	base := 0.0
	if prev.Valid {
		base = prev.Value
	}

	rising := cur.Value > base
	if cur.Value >= 0 {
		if rising {
			return ColorRisingPositive
		}
		return ColorFallingPositive
	}
	if rising {
		return ColorRisingNegative
	}
	return ColorFallingNegative
}

// ============================================================================
// ROLLING WINDOW PRIMITIVES
// ============================================================================

// smaSeries computes a simple moving average aligned 1:1 with the input,
// NaN for the leading rows without a full window. The average itself
// comes from cinar/indicator's channel-based SMA.
func smaSeries(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period < 1 || len(values) < period {
		return out
	}

	in := make(chan float64, len(values))
	for _, v := range values {
		in <- v
	}
	close(in)

	sma := trend.NewSmaWithPeriod[float64](period)
	i := period - 1
	for v := range sma.Compute(in) {
		if i >= len(out) {
			break
		}
		out[i] = v
		i++
	}

	return out
}

func rollingPopStdDev(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period < 1 || len(values) < period {
		return out
	}

	for i := period - 1; i < len(values); i++ {
		out[i] = stat.PopStdDev(values[i-period+1:i+1], nil)
	}

	return out
}

func rollingMax(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	for i := period - 1; i < len(values); i++ {
		m := values[i-period+1]
		for _, v := range values[i-period+2 : i+1] {
			if v > m {
				m = v
			}
		}
		out[i] = m
	}
	return out
}

func rollingMin(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	for i := period - 1; i < len(values); i++ {
		m := values[i-period+1]
		for _, v := range values[i-period+2 : i+1] {
			if v < m {
				m = v
			}
		}
		out[i] = m
	}
	return out
}

// linregEndpoint fits a least-squares line over each trailing window and
// returns the fitted value at the window's last position. Windows that
// contain a NaN yield NaN.
func linregEndpoint(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period < 2 || len(values) < period {
		return out
	}

	xs := make([]float64, period)
	for i := range xs {
		xs[i] = float64(i)
	}

	for i := period - 1; i < len(values); i++ {
		window := values[i-period+1 : i+1]
		if hasNaN(window) {
			continue
		}
		alpha, beta := stat.LinearRegression(xs, window, nil, false)
		out[i] = alpha + beta*float64(period-1)
	}

	return out
}

func trueRange(b market.Bar, prevClose float64) float64 {
	tr := b.High - b.Low
	if hc := math.Abs(b.High - prevClose); hc > tr {
		tr = hc
	}
	if lc := math.Abs(b.Low - prevClose); lc > tr {
		tr = lc
	}
	return tr
}

func highs(bars []market.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High
	}
	return out
}

func lows(bars []market.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Low
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func hasNaN(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
