package pipeline_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kioku/pkg/audio"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/repository"
	"github.com/m-mizutani/kioku/pkg/usecase/memory"
	"github.com/m-mizutani/kioku/pkg/usecase/pipeline"
)

type mockTranscriber struct {
	text string
	err  error
}

func (m *mockTranscriber) Transcribe(ctx context.Context, data []byte, format string) (string, error) {
	return m.text, m.err
}

type mockExtractor struct {
	ext *model.Extraction
	err error
}

func (m *mockExtractor) Extract(ctx context.Context, text string) (*model.Extraction, error) {
	return m.ext, m.err
}

type mockReflector struct {
	text string
	err  error
}

func (m *mockReflector) Reflect(ctx context.Context, text string) (string, error) {
	return m.text, m.err
}

type mockClassifier struct {
	category model.Category
	err      error
}

func (m *mockClassifier) Classify(ctx context.Context, text string) (model.Category, error) {
	return m.category, m.err
}

type mockPolicy struct {
	category model.Category
}

func (m *mockPolicy) Resolve(ctx context.Context, transcription string, category model.Category, ext *model.Extraction) (model.Category, error) {
	if m.category == "" {
		return category, nil
	}
	return m.category, nil
}

// mockSynthesizer returns 50 silent samples per chunk and records the
// chunks it was asked to speak. failOn makes matching texts fail.
type mockSynthesizer struct {
	mu       sync.Mutex
	texts    []string
	maxChars int
	failOn   func(text string) bool
}

func (m *mockSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()

	if m.failOn != nil && m.failOn(text) {
		return nil, goerr.Wrap(model.ErrSynthesis, "mock failure")
	}
	return audio.EncodeWAV(make([]byte, 100), 24000, 1)
}

func (m *mockSynthesizer) MaxChars() int {
	if m.maxChars == 0 {
		return 500
	}
	return m.maxChars
}

func (m *mockSynthesizer) Format() string { return audio.FormatWAV }

type mockStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMockStorage() *mockStorage {
	return &mockStorage{objects: map[string][]byte{}}
}

type objectWriter struct {
	bytes.Buffer
	commit func([]byte)
}

func (w *objectWriter) Close() error {
	w.commit(w.Bytes())
	return nil
}

func (m *mockStorage) Put(ctx context.Context, key string) (io.WriteCloser, error) {
	return &objectWriter{commit: func(data []byte) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.objects[key] = data
	}}, nil
}

func (m *mockStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, goerr.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *mockStorage) URL(key string) string { return "gs://voices/" + key }

type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (s *failingStore) Save(ctx context.Context, m *model.Memory, voice *model.Voice) (model.MemoryID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "", goerr.Wrap(model.ErrPersistence, "store down")
}

func (s *failingStore) Query(ctx context.Context, q *model.Query) ([]*model.Memory, error) {
	return nil, nil
}

var now = time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC)

type fixture struct {
	transcriber *mockTranscriber
	extractor   *mockExtractor
	reflector   *mockReflector
	synthesizer *mockSynthesizer
	repo        *repository.Memory
	store       *memory.UseCase
}

func newFixture() *fixture {
	repo := repository.NewMemory()
	return &fixture{
		transcriber: &mockTranscriber{text: "提醒我下個禮拜三喺廣州訂機票"},
		extractor: &mockExtractor{ext: &model.Extraction{
			Event:            "訂機票",
			ReminderDatetime: "2025-06-11T09:00:00",
			Location:         []string{"廣州"},
			IsReminder:       true,
			Tags:             []string{"廣州", "機票"},
		}},
		reflector:   &mockReflector{text: "記得早啲訂。"},
		synthesizer: &mockSynthesizer{},
		repo:        repo,
		store:       memory.New(repo),
	}
}

func (f *fixture) pipeline(opts ...pipeline.Option) *pipeline.Pipeline {
	opts = append([]pipeline.Option{
		pipeline.WithClock(func() time.Time { return now }),
		pipeline.WithLocation(time.UTC),
	}, opts...)
	return pipeline.New(
		audio.NewNormalizer(nil),
		f.transcriber,
		f.extractor,
		f.reflector,
		f.synthesizer,
		f.store,
		opts...,
	)
}

func upload(t *testing.T) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(make([]byte, 320), audio.CanonicalSampleRate, 1)
	gt.NoError(t, err)
	return data
}

func decodeAudio(t *testing.T, resp *model.Response) *audio.WAVInfo {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(resp.Audio)
	gt.NoError(t, err)
	info, err := audio.ParseWAV(raw)
	gt.NoError(t, err)
	return info
}

func saveRecord(t *testing.T, f *fixture, event string, at time.Time, tags ...string) *model.Memory {
	t.Helper()
	m := model.NewMemory(event, &model.Extraction{Event: event, Tags: tags}, model.CategoryGeneral, at)
	_, err := f.store.Save(context.Background(), m, nil)
	gt.NoError(t, err)
	return m
}

func TestProcessReminder(t *testing.T) {
	f := newFixture()
	p := f.pipeline()

	resp, err := p.Process(context.Background(), upload(t), "note.wav")
	gt.NoError(t, err)

	gt.A(t, resp.Segments).Equal([]string{"已經記低咗：訂機票"})
	gt.Equal(t, resp.Error, "")
	gt.Equal(t, resp.AudioFormat, audio.FormatWAV)
	gt.A(t, resp.Matches).Length(0)
	gt.Equal(t, resp.Reflection, "記得早啲訂。")
	gt.Equal(t, decodeAudio(t, resp).SampleRate, 24000)

	gt.V(t, resp.Memory).NotNil()
	gt.True(t, resp.ID != "")
	gt.Equal(t, resp.Transcription, "提醒我下個禮拜三喺廣州訂機票")
	gt.Equal(t, resp.ReminderDatetime, "2025-06-11T09:00:00")
	gt.True(t, resp.EventCreatedAt.Equal(time.Date(2025, 6, 11, 9, 0, 0, 0, time.UTC)))
	gt.True(t, resp.CreatedAt.Equal(now))

	p.Executor().Wait()

	stored, err := f.repo.GetMemory(context.Background(), resp.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.MainEvent, "訂機票")
	gt.A(t, stored.Location).Equal([]string{"廣州"})
	gt.True(t, stored.OriginalVoiceURL == "")
}

func TestProcessDoesNotRetrieveStatements(t *testing.T) {
	f := newFixture()
	saveRecord(t, f, "機票", now.Add(-time.Hour), "機票")

	resp, err := f.pipeline().Process(context.Background(), upload(t), "note.wav")
	gt.NoError(t, err)
	gt.A(t, resp.Matches).Length(0)
	gt.A(t, resp.Segments).Length(1)
}

func TestProcessQuestionWithMatches(t *testing.T) {
	f := newFixture()
	older := saveRecord(t, f, "將鎖匙放咗喺櫃桶", time.Date(2025, 6, 1, 8, 30, 0, 0, time.UTC), "鎖匙")
	newer := saveRecord(t, f, "將鎖匙交咗俾阿妹", time.Date(2025, 6, 3, 19, 15, 0, 0, time.UTC), "鎖匙")

	f.transcriber.text = "我啲鎖匙去咗邊？"
	f.extractor.ext = &model.Extraction{Event: "搵鎖匙", IsQuestion: true, Tags: []string{"鎖匙"}}

	p := f.pipeline()
	resp, err := p.Process(context.Background(), upload(t), "q.wav")
	gt.NoError(t, err)
	p.Executor().Wait()

	gt.A(t, resp.Matches).Length(2)
	gt.Equal(t, resp.Matches[0].ID, newer.ID)
	gt.Equal(t, resp.Matches[1].ID, older.ID)
	gt.A(t, resp.Segments).Equal([]string{
		"你喺2025-06-03 19:15講過：將鎖匙交咗俾阿妹。",
		"你喺2025-06-01 08:30講過：將鎖匙放咗喺櫃桶。",
	})
	gt.Equal(t, resp.Error, "")

	// both sentences fit one chunk
	gt.A(t, f.synthesizer.texts).Length(1)
	gt.Equal(t, decodeAudio(t, resp).SampleRate, 24000)
}

func TestProcessQuestionChunksAudio(t *testing.T) {
	f := newFixture()
	saveRecord(t, f, "食咗藥", time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC), "藥")
	saveRecord(t, f, "買咗藥", time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC), "藥")

	f.extractor.ext = &model.Extraction{Event: "問藥", IsQuestion: true, Tags: []string{"藥"}}
	f.synthesizer.maxChars = 30

	resp, err := f.pipeline().Process(context.Background(), upload(t), "q.wav")
	gt.NoError(t, err)
	gt.A(t, resp.Segments).Length(2)
	gt.A(t, f.synthesizer.texts).Length(2)
	gt.Equal(t, f.synthesizer.texts[0], resp.Segments[0])

	// two chunks of 50 samples each merged under one header
	gt.Equal(t, len(decodeAudio(t, resp).Data), 200)
}

func TestProcessQuestionNothingFound(t *testing.T) {
	f := newFixture()
	f.extractor.ext = &model.Extraction{Event: "搵眼鏡", IsQuestion: true, Tags: []string{"眼鏡"}}

	t.Run("with reflection", func(t *testing.T) {
		resp, err := f.pipeline().Process(context.Background(), upload(t), "q.wav")
		gt.NoError(t, err)
		gt.A(t, resp.Matches).Length(0)
		gt.A(t, resp.Segments).Equal([]string{model.DefaultPhrases().NothingFound, "記得早啲訂。"})
		gt.Equal(t, resp.Error, "")
	})

	t.Run("without reflection", func(t *testing.T) {
		f.reflector.text = ""
		resp, err := f.pipeline().Process(context.Background(), upload(t), "q.wav")
		gt.NoError(t, err)
		gt.A(t, resp.Segments).Equal([]string{model.DefaultPhrases().NothingFound})
	})
}

func TestProcessAnswerDate(t *testing.T) {
	f := newFixture()

	dateOnly := model.NewMemory("睇醫生", &model.Extraction{Event: "睇醫生", ReminderDatetime: "2025-05-20", Tags: []string{"醫生"}}, model.CategoryHealth, now.Add(-72*time.Hour))
	_, err := f.store.Save(context.Background(), dateOnly, nil)
	gt.NoError(t, err)

	f.extractor.ext = &model.Extraction{Event: "問醫生", IsQuestion: true, Tags: []string{"醫生"}}
	resp, err := f.pipeline().Process(context.Background(), upload(t), "q.wav")
	gt.NoError(t, err)
	gt.A(t, resp.Segments).Equal([]string{"你喺2025-05-20講過：睇醫生。"})
}

func TestProcessAnswerRawDate(t *testing.T) {
	f := newFixture()

	at := now.Add(-time.Hour)
	err := f.repo.PutMemory(context.Background(), &model.Memory{
		ID:               model.NewMemoryID(),
		Transcription:    "交租",
		MainEvent:        "交租",
		ReminderDatetime: "下個月頭",
		Tags:             []string{"租"},
		Category:         model.CategoryGeneral,
		CreatedAt:        at,
		EventCreatedAt:   &at,
	})
	gt.NoError(t, err)

	f.extractor.ext = &model.Extraction{Event: "問租", IsQuestion: true, Tags: []string{"租"}}
	resp, err := f.pipeline().Process(context.Background(), upload(t), "q.wav")
	gt.NoError(t, err)
	gt.A(t, resp.Segments).Equal([]string{"你喺下個月頭講過：交租。"})
}

func TestProcessExtractionFailure(t *testing.T) {
	f := newFixture()
	f.extractor.err = goerr.Wrap(model.ErrExtraction, "bad json")
	p := f.pipeline()

	resp, err := p.Process(context.Background(), upload(t), "note.wav")
	gt.NoError(t, err)
	p.Executor().Wait()

	gt.True(t, resp.Error != "")
	gt.A(t, resp.Segments).Equal([]string{model.DefaultPhrases().TemporaryError})
	gt.True(t, resp.Audio != "")
	gt.Equal(t, resp.Transcription, "提醒我下個禮拜三喺廣州訂機票")

	// nothing is persisted for a failed extraction
	all, err := f.repo.ListMemories(context.Background(), 0, 10)
	gt.NoError(t, err)
	gt.A(t, all).Length(0)
}

func TestProcessReflectionFailure(t *testing.T) {
	f := newFixture()
	f.reflector.err = errors.New("quota exceeded")

	resp, err := f.pipeline().Process(context.Background(), upload(t), "note.wav")
	gt.NoError(t, err)
	gt.True(t, resp.Error != "")
	gt.A(t, resp.Segments).Equal([]string{model.DefaultPhrases().TemporaryError})
}

func TestProcessSynthesisFallsBackToApology(t *testing.T) {
	f := newFixture()
	apology := model.DefaultPhrases().Apology
	f.synthesizer.failOn = func(text string) bool { return text != apology }

	resp, err := f.pipeline().Process(context.Background(), upload(t), "note.wav")
	gt.NoError(t, err)
	gt.True(t, resp.Error != "")
	gt.True(t, resp.Audio != "")
	gt.A(t, resp.Segments).Equal([]string{"已經記低咗：訂機票"})
	gt.Equal(t, f.synthesizer.texts[len(f.synthesizer.texts)-1], apology)
}

func TestProcessApologyFailureYieldsNoAudio(t *testing.T) {
	f := newFixture()
	f.synthesizer.failOn = func(string) bool { return true }

	resp, err := f.pipeline().Process(context.Background(), upload(t), "note.wav")
	gt.NoError(t, err)
	gt.Equal(t, resp.Audio, "")
	gt.True(t, resp.Error != "")
}

func TestProcessTranscodeFailure(t *testing.T) {
	f := newFixture()

	// webm needs a transcoder and none is configured
	_, err := f.pipeline().Process(context.Background(), []byte{0x1a, 0x45, 0xdf, 0xa3}, "note.webm")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrTranscode))

	_, err = f.pipeline().Process(context.Background(), nil, "note.wav")
	gt.True(t, errors.Is(err, model.ErrTranscode))
}

func TestProcessTranscriptionFailure(t *testing.T) {
	f := newFixture()
	f.transcriber.err = errors.New("backend unavailable")

	resp, err := f.pipeline().Process(context.Background(), upload(t), "note.wav")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrTranscription))
	gt.V(t, resp).Nil()
	gt.A(t, f.synthesizer.texts).Length(0)
}

func TestProcessFailureKeepsCause(t *testing.T) {
	f := newFixture()
	f.transcriber.err = context.DeadlineExceeded

	_, err := f.pipeline().Process(context.Background(), upload(t), "note.wav")
	gt.True(t, errors.Is(err, model.ErrTranscription))
	gt.True(t, errors.Is(err, context.DeadlineExceeded))
	gt.False(t, errors.Is(err, model.ErrExtraction))
}

func TestProcessPersistenceFailureIsHidden(t *testing.T) {
	f := newFixture()
	store := &failingStore{}
	p := pipeline.New(audio.NewNormalizer(nil), f.transcriber, f.extractor, f.reflector, f.synthesizer, store)

	resp, err := p.Process(context.Background(), upload(t), "note.wav")
	gt.NoError(t, err)
	gt.Equal(t, resp.Error, "")

	p.Executor().Wait()
	gt.Equal(t, store.calls, 1)
}

func TestProcessSavesOriginalVoice(t *testing.T) {
	f := newFixture()
	storage := newMockStorage()
	f.store = memory.New(f.repo, memory.WithStorage(storage))
	p := f.pipeline()

	data := upload(t)
	resp, err := p.Process(context.Background(), data, "note.wav")
	gt.NoError(t, err)
	p.Executor().Wait()

	stored, err := f.repo.GetMemory(context.Background(), resp.ID)
	gt.NoError(t, err)
	gt.True(t, stored.OriginalVoiceURL != "")
	gt.Equal(t, len(storage.objects), 1)
	for _, obj := range storage.objects {
		gt.Equal(t, len(obj), len(data))
	}

	// the response record is not touched by the background save
	gt.Equal(t, resp.OriginalVoiceURL, "")
}

func TestProcessCategory(t *testing.T) {
	t.Run("classifier result", func(t *testing.T) {
		f := newFixture()
		f.extractor.ext.IsReminder = false
		p := f.pipeline(pipeline.WithClassifier(&mockClassifier{category: model.CategoryShopping}))

		resp, err := p.Process(context.Background(), upload(t), "note.wav")
		gt.NoError(t, err)
		gt.Equal(t, resp.Category, model.CategoryShopping)
	})

	t.Run("classifier failure falls back to General", func(t *testing.T) {
		f := newFixture()
		p := f.pipeline(pipeline.WithClassifier(&mockClassifier{err: errors.New("timeout")}))

		resp, err := p.Process(context.Background(), upload(t), "note.wav")
		gt.NoError(t, err)
		gt.Equal(t, resp.Category, model.CategoryGeneral)
		gt.Equal(t, resp.Error, "")
	})

	t.Run("policy overrides classifier", func(t *testing.T) {
		f := newFixture()
		p := f.pipeline(
			pipeline.WithClassifier(&mockClassifier{category: model.CategoryShopping}),
			pipeline.WithPolicy(&mockPolicy{category: model.CategoryReminder}),
		)

		resp, err := p.Process(context.Background(), upload(t), "note.wav")
		gt.NoError(t, err)
		gt.Equal(t, resp.Category, model.CategoryReminder)
	})
}

func TestProcessCustomPhrases(t *testing.T) {
	f := newFixture()
	phrases := model.DefaultPhrases()
	phrases.Acknowledge = "Noted: {event}"

	resp, err := f.pipeline(pipeline.WithPhrases(phrases)).Process(context.Background(), upload(t), "note.wav")
	gt.NoError(t, err)
	gt.A(t, resp.Segments).Equal([]string{"Noted: 訂機票"})
}

func TestProcessAcknowledgesTranscriptWithoutEvent(t *testing.T) {
	f := newFixture()
	f.extractor.ext = &model.Extraction{}

	resp, err := f.pipeline().Process(context.Background(), upload(t), "note.wav")
	gt.NoError(t, err)
	gt.A(t, resp.Segments).Equal([]string{"已經記低咗：提醒我下個禮拜三喺廣州訂機票"})
}

func TestProcessEmptyTranscript(t *testing.T) {
	f := newFixture()
	f.transcriber.text = ""
	f.extractor.ext = &model.Extraction{}

	p := f.pipeline()
	resp, err := p.Process(context.Background(), upload(t), "note.wav")
	gt.NoError(t, err)
	gt.Equal(t, resp.Error, "")
	gt.Equal(t, resp.MainEvent, "")
	gt.A(t, resp.Tags).Length(0)
	gt.A(t, resp.Segments).Equal([]string{model.DefaultPhrases().Recorded})
	gt.A(t, resp.Matches).Length(0)

	p.Executor().Wait()

	stored, err := f.repo.GetMemory(context.Background(), resp.ID)
	gt.NoError(t, err)
	gt.Equal(t, stored.Transcription, "")
}

func TestProcessReminderInConfiguredZone(t *testing.T) {
	hk, err := time.LoadLocation("Asia/Hong_Kong")
	gt.NoError(t, err)

	f := newFixture()
	p := f.pipeline(pipeline.WithLocation(hk))

	resp, err := p.Process(context.Background(), upload(t), "note.wav")
	gt.NoError(t, err)
	p.Executor().Wait()

	// 09:00 in Hong Kong
	gt.True(t, resp.EventCreatedAt.Equal(time.Date(2025, 6, 11, 1, 0, 0, 0, time.UTC)))
	gt.True(t, resp.CreatedAt.Equal(now))

	// asked at 10:00 Hong Kong time on the day of the event
	asked := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)
	f.transcriber.text = "我幾時要訂機票？"
	f.extractor.ext = &model.Extraction{Event: "問機票", IsQuestion: true, Tags: []string{"機票"}}

	q := f.pipeline(
		pipeline.WithLocation(hk),
		pipeline.WithClock(func() time.Time { return asked }),
	)
	answer, err := q.Process(context.Background(), upload(t), "q.wav")
	gt.NoError(t, err)
	q.Executor().Wait()

	gt.A(t, answer.Matches).Length(1)
	gt.Equal(t, answer.Matches[0].ID, resp.ID)
	gt.A(t, answer.Segments).Equal([]string{"你喺2025-06-11 09:00講過：訂機票。"})
}
