package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evoquant/squeezevolve/internal/genetic"
)

func TestHTTPSource_Available(t *testing.T) {
	specs := genetic.DefaultSpecs()

	withEndpoint := NewHTTPSource(HTTPSourceConfig{Endpoint: "http://localhost:1"}, specs, zerolog.Nop())
	assert.True(t, withEndpoint.Available())

	withoutEndpoint := NewHTTPSource(HTTPSourceConfig{}, specs, zerolog.Nop())
	assert.False(t, withoutEndpoint.Available())
}

func TestHTTPSource_Propose(t *testing.T) {
	specs := genetic.DefaultSpecs()
	seed := genetic.DefaultCandidate(specs)

	t.Run("Success", func(t *testing.T) {
		var gotAuth string
		var gotReq proposeRequest

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

			resp := proposeResponse{Candidates: []genetic.Candidate{
				{"length_bb": 25.0, "mult_bb": 2.2, "length_kc": 18.0, "mult_kc": 1.4, "use_true_range": true},
				{"length_bb": 999.0}, // out of bounds, must be clamped
			}}
			json.NewEncoder(w).Encode(resp)
		}))
		defer server.Close()

		src := NewHTTPSource(HTTPSourceConfig{
			Endpoint:      server.URL,
			APIKey:        "secret",
			ProposalCount: 2,
		}, specs, zerolog.Nop())

		candidates, err := src.Propose(context.Background(), seed, Directive{TargetSharpe: 1.5, HorizonBars: 100})
		require.NoError(t, err)
		require.Len(t, candidates, 2)

		assert.Equal(t, "Bearer secret", gotAuth)
		assert.Equal(t, 2, gotReq.Count)
		assert.Equal(t, 1.5, gotReq.Constraints.TargetSharpe)
		assert.Equal(t, 100, gotReq.Constraints.HorizonBars)

		// JSON numbers coerced back onto spec kinds
		assert.Equal(t, 25, candidates[0]["length_bb"])
		// Out-of-bounds proposals clamped, missing genes filled
		assert.Equal(t, 200, candidates[1]["length_bb"])
		assert.Equal(t, 1.5, candidates[1]["mult_kc"])
	})

	t.Run("ServerError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer server.Close()

		src := NewHTTPSource(HTTPSourceConfig{Endpoint: server.URL}, specs, zerolog.Nop())

		_, err := src.Propose(context.Background(), seed, Directive{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("EmptyCandidateList", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(proposeResponse{})
		}))
		defer server.Close()

		src := NewHTTPSource(HTTPSourceConfig{Endpoint: server.URL}, specs, zerolog.Nop())

		_, err := src.Propose(context.Background(), seed, Directive{})
		assert.Error(t, err)
	})

	t.Run("MalformedResponse", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "not json")
		}))
		defer server.Close()

		src := NewHTTPSource(HTTPSourceConfig{Endpoint: server.URL}, specs, zerolog.Nop())

		_, err := src.Propose(context.Background(), seed, Directive{})
		assert.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			json.NewEncoder(w).Encode(proposeResponse{Candidates: []genetic.Candidate{seed}})
		}))
		defer server.Close()

		src := NewHTTPSource(HTTPSourceConfig{Endpoint: server.URL}, specs, zerolog.Nop())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := src.Propose(ctx, seed, Directive{})
		assert.Error(t, err)
	})
}

func TestBreakerSource(t *testing.T) {
	seed := genetic.DefaultCandidate(genetic.DefaultSpecs())

	t.Run("PassesThroughSuccess", func(t *testing.T) {
		inner := &fakeSource{
			available: true,
			propose: func(int, genetic.Candidate) ([]genetic.Candidate, error) {
				return []genetic.Candidate{seed}, nil
			},
		}
		bs := NewBreakerSource(inner, "test", zerolog.Nop())

		require.True(t, bs.Available())
		candidates, err := bs.Propose(context.Background(), seed, Directive{})
		require.NoError(t, err)
		assert.Len(t, candidates, 1)
	})

	t.Run("OpensAfterRepeatedFailures", func(t *testing.T) {
		inner := &fakeSource{
			available: true,
			propose: func(int, genetic.Candidate) ([]genetic.Candidate, error) {
				return nil, fmt.Errorf("boom")
			},
		}
		bs := NewBreakerSource(inner, "test", zerolog.Nop())

		for i := 0; i < breakerMinRequests; i++ {
			_, err := bs.Propose(context.Background(), seed, Directive{})
			require.Error(t, err)
		}

		// The open circuit takes the source out of rotation.
		assert.False(t, bs.Available())

		_, err := bs.Propose(context.Background(), seed, Directive{})
		assert.Error(t, err)
		assert.Equal(t, breakerMinRequests, inner.calls, "open breaker must not reach the inner source")
	})

	t.Run("UnavailableInnerStaysUnavailable", func(t *testing.T) {
		inner := &fakeSource{available: false}
		bs := NewBreakerSource(inner, "test", zerolog.Nop())
		assert.False(t, bs.Available())
	})
}
