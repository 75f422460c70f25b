// Package metrics exposes Prometheus instrumentation for the search
// pipeline. Registration happens once on the default registry; all
// callers go through the package-level helpers.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for evolution run outcomes (bounded set).
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

type collectors struct {
	evaluations     prometheus.Counter
	generations     prometheus.Counter
	runs            *prometheus.CounterVec
	fallbacks       prometheus.Counter
	bestFitness     prometheus.Gauge
	explorationRate prometheus.Gauge
}

var (
	global *collectors
	once   sync.Once
)

func get() *collectors {
	once.Do(func() {
		global = &collectors{
			evaluations: promauto.NewCounter(prometheus.CounterOpts{
				Name: "squeezevolve_evaluations_total",
				Help: "Total number of candidate fitness evaluations",
			}),
			generations: promauto.NewCounter(prometheus.CounterOpts{
				Name: "squeezevolve_generations_total",
				Help: "Total number of completed optimizer generations",
			}),
			runs: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "squeezevolve_evolution_runs_total",
				Help: "Evolution runs by method and outcome",
			}, []string{"method", "outcome"}),
			fallbacks: promauto.NewCounter(prometheus.CounterOpts{
				Name: "squeezevolve_fallbacks_total",
				Help: "Times the orchestrator fell back from the preferred method",
			}),
			bestFitness: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "squeezevolve_best_fitness",
				Help: "Best fitness seen by the most recent evolution run",
			}),
			explorationRate: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "squeezevolve_meta_exploration_rate",
				Help: "Current global exploration rate of the meta optimizer",
			}),
		}
	})
	return global
}

// AddEvaluations records n completed fitness evaluations.
func AddEvaluations(n int) {
	get().evaluations.Add(float64(n))
}

// AddGeneration records one completed generation.
func AddGeneration() {
	get().generations.Inc()
}

// RecordRun records the outcome of one orchestrator run.
func RecordRun(method string, success bool) {
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	get().runs.WithLabelValues(method, outcome).Inc()
}

// RecordFallback records one method fallback.
func RecordFallback() {
	get().fallbacks.Inc()
}

// SetBestFitness publishes the best fitness of the latest run.
func SetBestFitness(v float64) {
	get().bestFitness.Set(v)
}

// SetExplorationRate publishes the meta optimizer's exploration rate.
func SetExplorationRate(v float64) {
	get().explorationRate.Set(v)
}
