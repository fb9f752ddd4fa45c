// Package pipeline turns one spoken utterance into a stored memory and a
// spoken reply.
package pipeline

import (
	"time"

	"github.com/m-mizutani/kioku/pkg/interfaces"
	"github.com/m-mizutani/kioku/pkg/metrics"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/usecase/recall"
)

// Timeouts bound each external call. Zero disables the bound.
type Timeouts struct {
	Transcription  time.Duration
	Extraction     time.Duration
	Reflection     time.Duration
	Classification time.Duration
	Retrieval      time.Duration
	Synthesis      time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Transcription:  60 * time.Second,
		Extraction:     30 * time.Second,
		Reflection:     30 * time.Second,
		Classification: 15 * time.Second,
		Retrieval:      10 * time.Second,
		Synthesis:      30 * time.Second,
	}
}

// Pipeline orchestrates normalization, transcription, extraction,
// persistence, retrieval and synthesis of one utterance
type Pipeline struct {
	normalizer  interfaces.AudioNormalizer
	transcriber interfaces.Transcriber
	extractor   interfaces.Extractor
	reflector   interfaces.Reflector
	classifier  interfaces.Classifier
	policy      interfaces.CategoryPolicy
	synthesizer interfaces.Synthesizer
	store       interfaces.MemoryStore
	recall      *recall.Engine

	executor *Executor
	phrases  model.Phrases
	timeouts Timeouts
	metrics  *metrics.Metrics
	now      func() time.Time
	location *time.Location
}

// Option is a functional option for Pipeline
type Option func(*Pipeline)

// WithClassifier enables category classification. Without it every record
// is General unless the policy says otherwise.
func WithClassifier(c interfaces.Classifier) Option {
	return func(p *Pipeline) {
		p.classifier = c
	}
}

func WithPolicy(policy interfaces.CategoryPolicy) Option {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

// WithExecutor sets the runner of background persistence
func WithExecutor(e *Executor) Option {
	return func(p *Pipeline) {
		p.executor = e
	}
}

func WithPhrases(phrases model.Phrases) Option {
	return func(p *Pipeline) {
		p.phrases = phrases
	}
}

func WithTimeouts(t Timeouts) Option {
	return func(p *Pipeline) {
		p.timeouts = t
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithClock replaces time.Now for createdAt
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithLocation sets the zone used to speak dates
func WithLocation(loc *time.Location) Option {
	return func(p *Pipeline) {
		p.location = loc
	}
}

// New creates a Pipeline. All arguments are required.
func New(
	normalizer interfaces.AudioNormalizer,
	transcriber interfaces.Transcriber,
	extractor interfaces.Extractor,
	reflector interfaces.Reflector,
	synthesizer interfaces.Synthesizer,
	store interfaces.MemoryStore,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		normalizer:  normalizer,
		transcriber: transcriber,
		extractor:   extractor,
		reflector:   reflector,
		synthesizer: synthesizer,
		store:       store,
		recall:      recall.New(store),
		phrases:     model.DefaultPhrases(),
		timeouts:    DefaultTimeouts(),
		now:         time.Now,
		location:    time.Local,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.executor == nil {
		p.executor = NewExecutor(WithExecutorMetrics(p.metrics))
	}

	return p
}

// Executor returns the runner of background persistence, for draining on
// shutdown
func (p *Pipeline) Executor() *Executor {
	return p.executor
}
