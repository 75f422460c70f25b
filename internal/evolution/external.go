package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/evoquant/squeezevolve/internal/genetic"
)

// MutationSource proposes candidate mutations from outside the genetic
// loop, typically a generative model behind a network endpoint. Only the
// input/output contract is specified here; whatever prompt or model sits
// behind the endpoint is the remote side's business.
type MutationSource interface {
	// Available reports whether the source can currently serve
	// proposals. The orchestrator only selects a source that declares
	// itself available.
	Available() bool

	// Propose returns candidate mutations of the seed. Implementations
	// must respect ctx cancellation; the orchestrator treats a call as
	// a bounded-time operation with a single retry-via-fallback.
	Propose(ctx context.Context, seed genetic.Candidate, d Directive) ([]genetic.Candidate, error)
}

// ============================================================================
// HTTP SOURCE
// ============================================================================

// HTTPSourceConfig configures the remote mutation endpoint.
type HTTPSourceConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	ProposalCount int
	Temperature   float64
}

// HTTPSource calls a remote mutation service over JSON/HTTP.
type HTTPSource struct {
	cfg        HTTPSourceConfig
	specs      []genetic.ParameterSpec
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHTTPSource creates an HTTP-backed mutation source.
func NewHTTPSource(cfg HTTPSourceConfig, specs []genetic.ParameterSpec, logger zerolog.Logger) *HTTPSource {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ProposalCount == 0 {
		cfg.ProposalCount = 5
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}

	return &HTTPSource{
		cfg:        cfg,
		specs:      specs,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger,
	}
}

// Available reports whether an endpoint is configured.
func (s *HTTPSource) Available() bool {
	return s.cfg.Endpoint != ""
}

type proposeRequest struct {
	Seed        genetic.Candidate       `json:"seed"`
	Specs       []genetic.ParameterSpec `json:"specs"`
	Count       int                     `json:"count"`
	Temperature float64                 `json:"temperature"`
	Constraints proposeConstraints      `json:"constraints"`
}

type proposeConstraints struct {
	TargetSharpe  float64 `json:"target_sharpe,omitempty"`
	MaxDrawdown   float64 `json:"max_drawdown,omitempty"`
	RiskTolerance string  `json:"risk_tolerance,omitempty"`
	HorizonBars   int     `json:"horizon_bars,omitempty"`
}

type proposeResponse struct {
	Candidates []genetic.Candidate `json:"candidates"`
}

// Propose asks the remote service for mutations of the seed candidate.
// Returned candidates are sanitized onto the spec bounds before use.
func (s *HTTPSource) Propose(ctx context.Context, seed genetic.Candidate, d Directive) ([]genetic.Candidate, error) {
	reqBody := proposeRequest{
		Seed:        seed,
		Specs:       s.specs,
		Count:       s.cfg.ProposalCount,
		Temperature: s.cfg.Temperature,
		Constraints: proposeConstraints{
			TargetSharpe:  d.TargetSharpe,
			MaxDrawdown:   d.MaxDrawdown,
			RiskTolerance: d.RiskTolerance,
			HorizonBars:   d.HorizonBars,
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode proposal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build proposal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mutation service request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read mutation response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mutation service returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed proposeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode mutation response: %w", err)
	}

	if len(parsed.Candidates) == 0 {
		return nil, fmt.Errorf("mutation service returned no candidates")
	}

	out := make([]genetic.Candidate, len(parsed.Candidates))
	for i, c := range parsed.Candidates {
		out[i] = genetic.Sanitize(c, s.specs)
	}

	s.log.Debug().
		Int("candidates", len(out)).
		Dur("duration", time.Since(start)).
		Msg("External mutation proposals received")

	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ============================================================================
// CIRCUIT BREAKER WRAPPER
// ============================================================================

// Breaker thresholds for the external mutation source. Generative
// backends recover slowly, so the open timeout is long.
const (
	breakerMinRequests  = 3
	breakerFailureRatio = 0.6
	breakerOpenTimeout  = 60 * time.Second
	breakerInterval     = 10 * time.Second
	breakerHalfOpenMax  = 2
)

// BreakerSource wraps a MutationSource in a circuit breaker. While the
// circuit is open the source reports itself unavailable, which steers
// the orchestrator straight to the genetic method without burning a
// doomed network call.
type BreakerSource struct {
	inner MutationSource
	cb    *gobreaker.CircuitBreaker
	log   zerolog.Logger
}

// NewBreakerSource wraps inner with a named circuit breaker.
func NewBreakerSource(inner MutationSource, name string, logger zerolog.Logger) *BreakerSource {
	bs := &BreakerSource{inner: inner, log: logger}

	bs.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: breakerHalfOpenMax,
		Interval:    breakerInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= breakerMinRequests && failureRatio >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Mutation source circuit breaker state change")
		},
	})

	return bs
}

// Available reports availability of the inner source, gated on the
// breaker being closed or half-open.
func (bs *BreakerSource) Available() bool {
	return bs.inner.Available() && bs.cb.State() != gobreaker.StateOpen
}

// Propose delegates through the breaker.
func (bs *BreakerSource) Propose(ctx context.Context, seed genetic.Candidate, d Directive) ([]genetic.Candidate, error) {
	res, err := bs.cb.Execute(func() (any, error) {
		return bs.inner.Propose(ctx, seed, d)
	})
	if err != nil {
		return nil, err
	}

	candidates, ok := res.([]genetic.Candidate)
	if !ok {
		return nil, fmt.Errorf("unexpected proposal payload %T", res)
	}
	return candidates, nil
}
