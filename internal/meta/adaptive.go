// Package meta implements a bandit-style controller over the search
// process's own hyperparameters. It learns from (config, score, success)
// feedback across runs, independent of any single genetic search, and is
// the only component whose state survives process restarts.
package meta

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/evoquant/squeezevolve/internal/metrics"
	"github.com/evoquant/squeezevolve/internal/persistence"
)

// Exploration-rate adaptation thresholds. The global rate rises when the
// overall success rate falls below LowSuccessRate and falls when it
// exceeds HighSuccessRate.
const (
	LowSuccessRate  = 0.3
	HighSuccessRate = 0.7
	MinExploration  = 0.1
	MaxExploration  = 0.8
	explorationStep = 0.05

	// QualityNudgeFactor: an observation must beat the running average
	// by this factor before the optimal estimate moves toward it.
	QualityNudgeFactor = 1.1

	historyCap        = 100
	correlationEvery  = 10
	correlationWindow = 50
	correlationMinObs = 10
	correlationSignal = 0.5
)

// Bounds is the legal range of one tunable meta-parameter.
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ParameterDef declares one tunable knob. Discrete parameters are
// sampled and stored on integer values and adopt a winning value
// outright instead of moving toward it.
type ParameterDef struct {
	Name     string  `json:"name"`
	Bounds   Bounds  `json:"bounds"`
	Default  float64 `json:"default"`
	Discrete bool    `json:"discrete"`
}

// DefaultParameters returns the knobs that govern candidate generation:
// sampling temperature and example count for an external mutation
// source, and the genetic loop's own shape.
func DefaultParameters() []ParameterDef {
	return []ParameterDef{
		{Name: "temperature", Bounds: Bounds{Min: 0.1, Max: 1.5}, Default: 0.7},
		{Name: "mutation_rate", Bounds: Bounds{Min: 0.01, Max: 0.5}, Default: 0.1},
		{Name: "population_size", Bounds: Bounds{Min: 10, Max: 100}, Default: 30, Discrete: true},
		{Name: "example_count", Bounds: Bounds{Min: 1, Max: 10}, Default: 3, Discrete: true},
		{Name: "max_complexity", Bounds: Bounds{Min: 1, Max: 10}, Default: 5, Discrete: true},
		{Name: "selection_pressure", Bounds: Bounds{Min: 1, Max: 5}, Default: 3},
	}
}

// ParameterState is the learned per-parameter state.
type ParameterState struct {
	Def        ParameterDef `json:"def"`
	Current    float64      `json:"current_value"`
	Optimal    *float64     `json:"optimal_value,omitempty"`
	Attempts   int          `json:"attempts"`
	Successes  int          `json:"successes"`
	AvgQuality float64      `json:"avg_quality"`
}

// Observation is one piece of realized feedback.
type Observation struct {
	Config  map[string]float64 `json:"config"`
	Quality float64            `json:"quality"`
	Success bool               `json:"success"`
	At      time.Time          `json:"at"`
}

// State is the flat persisted record: per-parameter state, the bounded
// recent history, and the global exploration rate.
type State struct {
	Parameters      map[string]ParameterState `json:"parameters"`
	ExplorationRate float64                   `json:"exploration_rate"`
	History         []Observation             `json:"history"`
}

// Options configures an Optimizer.
type Options struct {
	ExplorationRate float64
	LearningRate    float64
	Store           persistence.Port
	SaveEvery       int
	Seed            int64
}

// Optimizer is the adaptive controller. Callers must serialize
// Suggest/Record pairs; the mutex protects against accidental overlap
// but the learning update assumes the suggested config was the one used.
type Optimizer struct {
	mu sync.Mutex

	names  []string
	params map[string]*ParameterState

	explorationRate float64
	learningRate    float64

	observations int
	successes    int
	history      []Observation
	correlations map[string]float64

	store     persistence.Port
	saveEvery int
	rng       *rand.Rand
	log       zerolog.Logger
}

// New creates an optimizer over the given parameter definitions.
func New(defs []ParameterDef, opts Options, logger zerolog.Logger) *Optimizer {
	if opts.ExplorationRate == 0 {
		opts.ExplorationRate = 0.3
	}
	if opts.LearningRate == 0 {
		opts.LearningRate = 0.1
	}
	if opts.SaveEvery == 0 {
		opts.SaveEvery = 5
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	m := &Optimizer{
		params:          make(map[string]*ParameterState, len(defs)),
		explorationRate: opts.ExplorationRate,
		learningRate:    opts.LearningRate,
		correlations:    make(map[string]float64),
		store:           opts.Store,
		saveEvery:       opts.SaveEvery,
		rng:             rand.New(rand.NewSource(seed)), // #nosec G404 -- exploration sampling, not crypto
		log:             logger,
	}

	for _, def := range defs {
		m.names = append(m.names, def.Name)
		m.params[def.Name] = &ParameterState{Def: def, Current: def.Default}
	}

	return m
}

// Load restores persisted state. A missing record is not an error for
// the caller's purposes: the optimizer simply starts from defaults.
func (m *Optimizer) Load() error {
	if m.store == nil {
		return nil
	}

	var state State
	if err := m.store.Load(&state); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for name, saved := range state.Parameters {
		st, ok := m.params[name]
		if !ok {
			// Knob no longer exists; drop its state.
			continue
		}
		st.Current = st.Def.clamp(saved.Current)
		st.Attempts = saved.Attempts
		st.Successes = saved.Successes
		st.AvgQuality = saved.AvgQuality
		if saved.Optimal != nil {
			v := st.Def.clamp(*saved.Optimal)
			st.Optimal = &v
		}
	}

	if state.ExplorationRate > 0 {
		m.explorationRate = clamp(state.ExplorationRate, MinExploration, MaxExploration)
	}
	if len(state.History) > historyCap {
		state.History = state.History[len(state.History)-historyCap:]
	}
	m.history = state.History
	m.observations = len(state.History)
	for _, obs := range state.History {
		if obs.Success {
			m.successes++
		}
	}

	m.log.Info().
		Int("observations", m.observations).
		Float64("exploration_rate", m.explorationRate).
		Msg("Meta optimizer state restored")

	return nil
}

// Suggest returns a configuration for the next run. Epsilon-greedy per
// parameter: with probability explorationRate sample uniformly from the
// bounds, otherwise return the learned optimal (or the default when
// nothing has been learned yet).
func (m *Optimizer) Suggest() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	config := make(map[string]float64, len(m.names))
	for _, name := range m.names {
		st := m.params[name]

		var v float64
		if m.rng.Float64() < m.explorationRate {
			v = st.Def.Bounds.Min + m.rng.Float64()*(st.Def.Bounds.Max-st.Def.Bounds.Min)
		} else if st.Optimal != nil {
			v = *st.Optimal
		} else {
			v = st.Current
		}

		if st.Def.Discrete {
			v = math.Round(v)
		}
		v = st.Def.clamp(v)

		st.Current = v
		config[name] = v
	}

	return config
}

// Record feeds one realized outcome back into the controller: counter
// updates, the optimal-value nudge, global exploration-rate adaptation,
// periodic correlation diagnostics, and periodic persistence.
func (m *Optimizer) Record(config map[string]float64, quality float64, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, used := range config {
		st, ok := m.params[name]
		if !ok {
			continue
		}

		prevAvg := st.AvgQuality
		st.Attempts++
		if success {
			st.Successes++
		}
		st.AvgQuality += (quality - st.AvgQuality) / float64(st.Attempts)

		if quality > QualityNudgeFactor*prevAvg {
			m.nudgeOptimal(st, used)
		}
	}

	m.observations++
	if success {
		m.successes++
	}
	m.adaptExplorationRate()

	m.history = append(m.history, Observation{
		Config:  cloneConfig(config),
		Quality: quality,
		Success: success,
		At:      time.Now().UTC(),
	})
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}

	if m.observations%correlationEvery == 0 {
		m.updateCorrelations()
	}

	if m.store != nil && m.observations%m.saveEvery == 0 {
		if err := m.store.Save(m.snapshot()); err != nil {
			// Skipped saves are never fatal to the search.
			m.log.Warn().Err(err).Msg("Meta state save failed, skipping")
		}
	}

	metrics.SetExplorationRate(m.explorationRate)
}

// nudgeOptimal moves the optimal estimate toward the value that just
// outperformed: EMA for continuous parameters, outright adoption for
// discrete ones.
func (m *Optimizer) nudgeOptimal(st *ParameterState, used float64) {
	if st.Def.Discrete || st.Optimal == nil {
		v := st.Def.clamp(used)
		st.Optimal = &v
		return
	}

	v := st.Def.clamp(*st.Optimal + m.learningRate*(used-*st.Optimal))
	st.Optimal = &v
}

// adaptExplorationRate balances explore/exploit at the process level,
// distinct from the per-parameter epsilon-greedy draw.
func (m *Optimizer) adaptExplorationRate() {
	successRate := float64(m.successes) / float64(m.observations)

	switch {
	case successRate < LowSuccessRate:
		m.explorationRate = math.Min(MaxExploration, m.explorationRate+explorationStep)
	case successRate > HighSuccessRate:
		m.explorationRate = math.Max(MinExploration, m.explorationRate-explorationStep)
	}
}

// updateCorrelations computes the Pearson correlation between each
// parameter's recent values and the realized quality scores. Strong
// correlations are surfaced as diagnostics only; no automatic action is
// taken on them.
func (m *Optimizer) updateCorrelations() {
	recent := m.history
	if len(recent) > correlationWindow {
		recent = recent[len(recent)-correlationWindow:]
	}

	for _, name := range m.names {
		var values, qualities []float64
		for _, obs := range recent {
			v, ok := obs.Config[name]
			if !ok {
				continue
			}
			values = append(values, v)
			qualities = append(qualities, obs.Quality)
		}

		if len(values) < correlationMinObs {
			continue
		}

		r := stat.Correlation(values, qualities, nil)
		if math.IsNaN(r) {
			continue
		}
		m.correlations[name] = r

		if math.Abs(r) > correlationSignal {
			m.log.Warn().
				Str("parameter", name).
				Float64("correlation", r).
				Int("samples", len(values)).
				Msg("Strong parameter-quality correlation observed")
		}
	}
}

// ExplorationRate returns the current global exploration rate.
func (m *Optimizer) ExplorationRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.explorationRate
}

// Correlations returns the latest parameter-quality correlation
// estimates.
func (m *Optimizer) Correlations() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64, len(m.correlations))
	for k, v := range m.correlations {
		out[k] = v
	}
	return out
}

// Parameter returns a copy of one parameter's learned state.
func (m *Optimizer) Parameter(name string) (ParameterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.params[name]
	if !ok {
		return ParameterState{}, fmt.Errorf("unknown meta parameter %q", name)
	}

	out := *st
	if st.Optimal != nil {
		v := *st.Optimal
		out.Optimal = &v
	}
	return out, nil
}

// Save forces a state snapshot to the store regardless of the periodic
// schedule.
func (m *Optimizer) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	return m.store.Save(m.snapshot())
}

// snapshot builds the persisted record. Caller holds the lock.
func (m *Optimizer) snapshot() State {
	state := State{
		Parameters:      make(map[string]ParameterState, len(m.params)),
		ExplorationRate: m.explorationRate,
		History:         append([]Observation(nil), m.history...),
	}

	for name, st := range m.params {
		out := *st
		if st.Optimal != nil {
			v := *st.Optimal
			out.Optimal = &v
		}
		state.Parameters[name] = out
	}

	return state
}

func (d ParameterDef) clamp(v float64) float64 {
	return clamp(v, d.Bounds.Min, d.Bounds.Max)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func cloneConfig(config map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(config))
	for k, v := range config {
		out[k] = v
	}
	return out
}
