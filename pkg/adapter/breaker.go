package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"github.com/sony/gobreaker"
	"google.golang.org/genai"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = goerr.New("circuit breaker is open")

// BreakerConfig controls when the breaker trips and recovers
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a trial call
	Timeout time.Duration
	// HalfOpenMaxRequests is the number of trial calls allowed when half-open
	HalfOpenMaxRequests uint32
}

// DefaultBreakerConfig returns the settings used by the CLI
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// GeminiBreaker wraps a Gemini client with a circuit breaker so that an
// unhealthy backend fails fast instead of holding every request until its
// timeout.
type GeminiBreaker struct {
	gemini  Gemini
	breaker *gobreaker.CircuitBreaker
}

var _ Gemini = (*GeminiBreaker)(nil)

func NewGeminiBreaker(name string, gemini Gemini, cfg BreakerConfig) *GeminiBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Default().Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
		// a caller giving up is not a backend failure
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}

	return &GeminiBreaker{
		gemini:  gemini,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (b *GeminiBreaker) GenerateContent(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.gemini.GenerateContent(ctx, contents, config)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, goerr.Wrap(ErrCircuitOpen, "gemini call rejected", goerr.V("breaker", b.breaker.Name()))
		}
		return nil, err
	}

	return result.(*genai.GenerateContentResponse), nil
}

// State returns the breaker state as "closed", "half-open" or "open"
func (b *GeminiBreaker) State() string {
	return b.breaker.State().String()
}
