package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/audio"
	"github.com/m-mizutani/kioku/pkg/metrics"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"github.com/m-mizutani/kioku/pkg/utils/segment"
	"golang.org/x/sync/errgroup"
)

// Request states, logged and recorded as stage metrics
const (
	StateReceived    = "received"
	StateNormalized  = "normalized"
	StateTranscribed = "transcribed"
	StateExtracted   = "extracted"
	StateBranching   = "branching"
	StateSynthesized = "synthesized"
	StateReturned    = "returned"
	StateFailed      = "failed"
)

// Collaborator names for failure metrics
const (
	collabTranscode     = "transcode"
	collabTranscription = "transcription"
	collabExtraction    = "extraction"
	collabReflection    = "reflection"
	collabClassifier    = "classification"
	collabPolicy        = "policy"
	collabRetrieval     = "retrieval"
	collabSynthesis     = "synthesis"
)

// tracker logs state transitions of one request and times each stage
type tracker struct {
	ctx     context.Context
	metrics *metrics.Metrics
	state   string
	since   time.Time
}

func newTracker(ctx context.Context, m *metrics.Metrics) *tracker {
	logging.From(ctx).Debug("request state", "state", StateReceived)
	return &tracker{ctx: ctx, metrics: m, state: StateReceived, since: time.Now()}
}

func (t *tracker) enter(state string) {
	now := time.Now()
	t.metrics.RecordStage(t.state, now.Sub(t.since).Seconds())
	logging.From(t.ctx).Debug("request state", "state", state, "from", t.state)
	t.state, t.since = state, now
}

// Process runs the whole pipeline on one uploaded utterance. Only transcode
// and transcription failures are returned as errors; every other failure is
// absorbed into a degraded response with Error set.
func (p *Pipeline) Process(ctx context.Context, data []byte, filename string) (*model.Response, error) {
	ctx, logger := logging.WithAttrs(ctx, "request_id", uuid.NewString())
	track := newTracker(ctx, p.metrics)

	normalized, err := p.normalizer.Normalize(ctx, data, filename)
	if err != nil {
		p.fail(track, collabTranscode)
		return nil, err
	}
	track.enter(StateNormalized)

	transcription, err := p.transcribe(ctx, normalized)
	if err != nil {
		p.fail(track, collabTranscription)
		return nil, err
	}
	track.enter(StateTranscribed)
	logger.Info("transcribed", "length", len([]rune(transcription)))

	analysis, err := p.analyze(ctx, transcription)
	if err != nil {
		logger.Warn("analysis failed, replying with temporary error", "error", err)
		track.enter(StateFailed)
		resp := p.degraded(ctx, transcription, err)
		p.metrics.RecordRequest(metrics.OutcomeDegraded)
		return resp, nil
	}
	track.enter(StateExtracted)

	// the extractor resolves dates in p.location, so a zone-less
	// reminderDatetime is read there as well
	memory := model.NewMemory(transcription, analysis.extraction, analysis.category, p.now().In(p.location))
	memory.ID = model.NewMemoryID()
	p.persist(ctx, memory, &model.Voice{Data: data, Format: audio.FormatOf(filename)})

	track.enter(StateBranching)
	resp := &model.Response{
		Memory:     memory,
		Reflection: analysis.reflection,
	}
	if memory.IsQuestion {
		resp.Matches = p.retrieve(ctx, memory)
		resp.Segments = p.answerSegments(resp.Matches, analysis.reflection)
	} else {
		resp.Segments = []string{p.phrases.AcknowledgeText(acknowledged(memory))}
	}

	outcome := metrics.OutcomeOK
	if err := p.speak(ctx, resp); err != nil {
		outcome = metrics.OutcomeDegraded
	}
	track.enter(StateSynthesized)

	track.enter(StateReturned)
	p.metrics.RecordRequest(outcome)
	logger.Info("utterance processed",
		"id", memory.ID,
		"category", memory.Category,
		"question", memory.IsQuestion,
		"matches", len(resp.Matches),
		"segments", len(resp.Segments))

	return resp, nil
}

func (p *Pipeline) fail(track *tracker, collaborator string) {
	track.enter(StateFailed)
	p.metrics.RecordExternalFailure(collaborator)
	p.metrics.RecordRequest(metrics.OutcomeFailed)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (p *Pipeline) transcribe(ctx context.Context, a *audio.Audio) (string, error) {
	ctx, cancel := withTimeout(ctx, p.timeouts.Transcription)
	defer cancel()

	text, err := p.transcriber.Transcribe(ctx, a.Data, a.Format)
	if err != nil {
		if !errors.Is(err, model.ErrTranscription) {
			err = model.ErrTranscription.Wrap(err)
		}
		return "", err
	}
	return text, nil
}

type analysis struct {
	extraction *model.Extraction
	reflection string
	category   model.Category
}

// analyze runs extraction, reflection and classification concurrently and
// waits for all of them. Extraction or reflection failure is returned;
// classification failure falls back to General.
func (p *Pipeline) analyze(ctx context.Context, transcription string) (*analysis, error) {
	result := &analysis{category: model.CategoryGeneral}
	logger := logging.From(ctx)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		ctx, cancel := withTimeout(egCtx, p.timeouts.Extraction)
		defer cancel()

		ext, err := p.extractor.Extract(ctx, transcription)
		if err != nil {
			p.metrics.RecordExternalFailure(collabExtraction)
			if !errors.Is(err, model.ErrExtraction) {
				err = model.ErrExtraction.Wrap(err)
			}
			return err
		}
		result.extraction = ext
		return nil
	})

	eg.Go(func() error {
		ctx, cancel := withTimeout(egCtx, p.timeouts.Reflection)
		defer cancel()

		reflection, err := p.reflector.Reflect(ctx, transcription)
		if err != nil {
			p.metrics.RecordExternalFailure(collabReflection)
			if !errors.Is(err, model.ErrReflection) {
				err = model.ErrReflection.Wrap(err)
			}
			return err
		}
		result.reflection = reflection
		return nil
	})

	var classified model.Category
	if p.classifier != nil {
		eg.Go(func() error {
			ctx, cancel := withTimeout(egCtx, p.timeouts.Classification)
			defer cancel()

			category, err := p.classifier.Classify(ctx, transcription)
			if err != nil {
				p.metrics.RecordExternalFailure(collabClassifier)
				logger.Warn("classification failed, using General", "error", err)
				return nil
			}
			classified = category
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}

	if classified != "" {
		result.category = classified
	}

	if p.policy != nil {
		category, err := p.policy.Resolve(ctx, transcription, result.category, result.extraction)
		if err != nil {
			p.metrics.RecordExternalFailure(collabPolicy)
			logger.Warn("category policy failed, keeping classifier result", "error", err)
		} else {
			result.category = category
		}
	}

	return result, nil
}

// persist hands the record over to the executor. The request does not wait
// for it and never sees its failure.
func (p *Pipeline) persist(ctx context.Context, memory *model.Memory, voice *model.Voice) {
	// the store writes OriginalVoiceURL into its copy while the response is
	// being built from the original
	record := *memory

	p.executor.Submit(ctx, "save_memory", func(ctx context.Context) error {
		if _, err := p.store.Save(ctx, &record, voice); err != nil {
			if !errors.Is(err, model.ErrPersistence) && !errors.Is(err, model.ErrInvalidMemory) {
				err = model.ErrPersistence.Wrap(err)
			}
			return err
		}
		return nil
	})
}

func (p *Pipeline) retrieve(ctx context.Context, memory *model.Memory) []*model.Memory {
	ctx, cancel := withTimeout(ctx, p.timeouts.Retrieval)
	defer cancel()

	matches := p.recall.Recall(ctx, memory)
	p.metrics.RecordRetrievalMatches(len(matches))
	logging.From(ctx).Debug("recalled memories", "count", len(matches))
	return matches
}

func acknowledged(m *model.Memory) string {
	if m.MainEvent != "" {
		return m.MainEvent
	}
	return m.Transcription
}

// answerSegments builds one sentence per match, or the nothing-found phrase
// followed by the reflection
func (p *Pipeline) answerSegments(matches []*model.Memory, reflection string) []string {
	if len(matches) == 0 {
		segments := []string{p.phrases.NothingFound}
		if reflection != "" {
			segments = append(segments, reflection)
		}
		return segments
	}

	segments := make([]string, 0, len(matches))
	for _, m := range matches {
		segments = append(segments, p.phrases.AnswerText(p.spokenDate(m), acknowledged(m)))
	}
	return segments
}

// spokenDate formats the date of a past record. The scheduled time is
// preferred over the event time; an unparsable stored value is spoken as is.
func (p *Pipeline) spokenDate(m *model.Memory) string {
	if m.ReminderDatetime != "" {
		t, err := model.ParseISODateTime(m.ReminderDatetime, p.location)
		if err != nil {
			return m.ReminderDatetime
		}
		if model.IsDateOnly(m.ReminderDatetime) {
			return t.Format(time.DateOnly)
		}
		return t.In(p.location).Format("2006-01-02 15:04")
	}
	if m.EventCreatedAt != nil {
		return m.EventCreatedAt.In(p.location).Format("2006-01-02 15:04")
	}
	return m.CreatedAt.In(p.location).Format("2006-01-02 15:04")
}

// degraded builds the reply for a failed extraction or reflection
func (p *Pipeline) degraded(ctx context.Context, transcription string, cause error) *model.Response {
	resp := &model.Response{
		Memory: &model.Memory{
			Transcription: transcription,
			CreatedAt:     p.now(),
			Category:      model.CategoryGeneral,
			SourceLang:    model.DefaultSourceLang,
		},
		Segments: []string{p.phrases.TemporaryError},
		Error:    cause.Error(),
	}
	if err := p.speak(ctx, resp); err != nil {
		resp.Error = errors.Join(cause, err).Error()
	}
	return resp
}

// speak synthesizes resp.Segments into resp.Audio. Any chunk failure
// replaces the whole reply with the apology phrase. The returned error is
// set when the reply is not the intended one.
func (p *Pipeline) speak(ctx context.Context, resp *model.Response) error {
	resp.AudioFormat = p.synthesizer.Format()

	wav, err := p.synthesize(ctx, resp.Segments)
	if err == nil {
		resp.Audio = base64.StdEncoding.EncodeToString(wav)
		return nil
	}

	p.metrics.RecordExternalFailure(collabSynthesis)
	logging.From(ctx).Warn("synthesis failed, replying with apology", "error", err)

	apology, apologyErr := p.synthesize(ctx, []string{p.phrases.Apology})
	if apologyErr != nil {
		p.metrics.RecordExternalFailure(collabSynthesis)
		logging.From(ctx).Error("apology synthesis failed", "error", apologyErr)
		resp.Audio = ""
		if resp.Error == "" {
			resp.Error = errors.Join(err, apologyErr).Error()
		}
		return err
	}

	resp.Audio = base64.StdEncoding.EncodeToString(apology)
	if resp.Error == "" {
		resp.Error = err.Error()
	}
	return err
}

// synthesize chunks segments to the synthesizer's budget and concatenates
// the audio of every chunk in order
func (p *Pipeline) synthesize(ctx context.Context, segments []string) ([]byte, error) {
	chunks := segment.Chunk(segments, p.synthesizer.MaxChars())
	if len(chunks) == 0 {
		return nil, goerr.Wrap(model.ErrSynthesis, "nothing to synthesize")
	}

	parts := make([][]byte, 0, len(chunks))
	for i, chunk := range chunks {
		data, err := p.synthesizeChunk(ctx, chunk)
		if err != nil {
			return nil, model.ErrSynthesis.Wrap(err, goerr.V("chunk", i), goerr.V("chunks", len(chunks)))
		}
		parts = append(parts, data)
	}

	merged, err := audio.Concat(p.synthesizer.Format(), parts)
	if err != nil {
		return nil, model.ErrSynthesis.Wrap(err)
	}
	return merged, nil
}

func (p *Pipeline) synthesizeChunk(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, p.timeouts.Synthesis)
	defer cancel()
	return p.synthesizer.Synthesize(ctx, text)
}
