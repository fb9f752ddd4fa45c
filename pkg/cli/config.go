package cli

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/audio"
	"github.com/m-mizutani/kioku/pkg/interfaces"
	"github.com/m-mizutani/kioku/pkg/metrics"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/policy"
	"github.com/m-mizutani/kioku/pkg/repository"
	"github.com/m-mizutani/kioku/pkg/service/gemini"
	"github.com/m-mizutani/kioku/pkg/usecase/memory"
	"github.com/m-mizutani/kioku/pkg/usecase/pipeline"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

const (
	storeFirestore = "firestore"
	storeMemory    = "memory"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Repository
	store      string
	project    string
	database   string
	collection string
	bucket     string

	// Adapters
	geminiProject   string
	geminiLocation  string
	geminiModel     string
	ttsModel        string
	ttsVoice        string
	ttsMaxChars     int64
	breakerFailures int64
	breakerTimeout  time.Duration

	// Pipeline
	language    string
	timezone    string
	policyDir   string
	phrases     string
	ffmpeg      string
	concurrency int64
	taskTimeout time.Duration
	timeouts    pipeline.Timeouts
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("KIOKU_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("KIOKU_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Memory store backend (firestore, memory)",
			Value:       storeFirestore,
			Sources:     cli.EnvVars("KIOKU_STORE"),
			Destination: &cfg.store,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "collection",
			Usage:       "Firestore collection of memory records",
			Value:       repository.DefaultCollection,
			Sources:     cli.EnvVars("KIOKU_COLLECTION"),
			Destination: &cfg.collection,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for original voice recordings. Voices are not kept if empty",
			Sources:     cli.EnvVars("KIOKU_VOICE_BUCKET"),
			Destination: &cfg.bucket,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	defaultBreaker := adapter.DefaultBreakerConfig()

	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini model for transcription, extraction, reflection and classification",
			Value:       adapter.DefaultGenerativeModel,
			Sources:     cli.EnvVars("GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "tts-model",
			Usage:       "Gemini model for speech synthesis",
			Value:       gemini.DefaultTTSModel,
			Sources:     cli.EnvVars("KIOKU_TTS_MODEL"),
			Destination: &cfg.ttsModel,
		},
		&cli.StringFlag{
			Name:        "tts-voice",
			Usage:       "Prebuilt voice of speech synthesis",
			Value:       gemini.DefaultVoice,
			Sources:     cli.EnvVars("KIOKU_TTS_VOICE"),
			Destination: &cfg.ttsVoice,
		},
		&cli.IntFlag{
			Name:        "tts-max-chars",
			Usage:       "Maximum characters per synthesis call",
			Value:       gemini.DefaultMaxChars,
			Sources:     cli.EnvVars("KIOKU_TTS_MAX_CHARS"),
			Destination: &cfg.ttsMaxChars,
		},
		&cli.IntFlag{
			Name:        "breaker-failures",
			Usage:       "Consecutive Gemini failures that open the circuit breaker",
			Value:       int64(defaultBreaker.MaxFailures),
			Sources:     cli.EnvVars("KIOKU_BREAKER_FAILURES"),
			Destination: &cfg.breakerFailures,
		},
		&cli.DurationFlag{
			Name:        "breaker-timeout",
			Usage:       "How long the circuit breaker stays open",
			Value:       defaultBreaker.Timeout,
			Sources:     cli.EnvVars("KIOKU_BREAKER_TIMEOUT"),
			Destination: &cfg.breakerTimeout,
		},
	}
}

// pipelineFlags returns flags of the capture pipeline with destination config
func pipelineFlags(cfg *config) []cli.Flag {
	defaults := pipeline.DefaultTimeouts()

	timeout := func(name, usage string, value time.Duration, dst *time.Duration) cli.Flag {
		return &cli.DurationFlag{
			Name:        name + "-timeout",
			Usage:       usage,
			Value:       value,
			Destination: dst,
		}
	}

	return []cli.Flag{
		&cli.StringFlag{
			Name:        "language",
			Usage:       "Language of utterances as BCP-47 tag",
			Value:       model.DefaultSourceLang,
			Sources:     cli.EnvVars("KIOKU_LANGUAGE"),
			Destination: &cfg.language,
		},
		&cli.StringFlag{
			Name:        "timezone",
			Usage:       "Time zone used to resolve relative dates",
			Value:       "Asia/Hong_Kong",
			Sources:     cli.EnvVars("KIOKU_TIMEZONE"),
			Destination: &cfg.timezone,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego files overriding the category policy",
			Sources:     cli.EnvVars("KIOKU_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.StringFlag{
			Name:        "phrases",
			Usage:       "YAML file of spoken phrases",
			Sources:     cli.EnvVars("KIOKU_PHRASES"),
			Destination: &cfg.phrases,
		},
		&cli.StringFlag{
			Name:        "ffmpeg",
			Usage:       "Path to ffmpeg executable",
			Value:       "ffmpeg",
			Sources:     cli.EnvVars("KIOKU_FFMPEG"),
			Destination: &cfg.ffmpeg,
		},
		&cli.IntFlag{
			Name:        "task-concurrency",
			Usage:       "Maximum background persistence tasks running at once",
			Value:       pipeline.DefaultTaskConcurrency,
			Sources:     cli.EnvVars("KIOKU_TASK_CONCURRENCY"),
			Destination: &cfg.concurrency,
		},
		&cli.DurationFlag{
			Name:        "task-timeout",
			Usage:       "Timeout of one background persistence task",
			Value:       pipeline.DefaultTaskTimeout,
			Sources:     cli.EnvVars("KIOKU_TASK_TIMEOUT"),
			Destination: &cfg.taskTimeout,
		},
		timeout("transcription", "Timeout of transcription", defaults.Transcription, &cfg.timeouts.Transcription),
		timeout("extraction", "Timeout of field extraction", defaults.Extraction, &cfg.timeouts.Extraction),
		timeout("reflection", "Timeout of reflection", defaults.Reflection, &cfg.timeouts.Reflection),
		timeout("classification", "Timeout of classification", defaults.Classification, &cfg.timeouts.Classification),
		timeout("retrieval", "Timeout of memory retrieval", defaults.Retrieval, &cfg.timeouts.Retrieval),
		timeout("synthesis", "Timeout of one synthesis call", defaults.Synthesis, &cfg.timeouts.Synthesis),
	}
}

// setupLogger installs the configured logger as default and into ctx
func (cfg *config) setupLogger(ctx context.Context, w io.Writer) context.Context {
	logger := logging.NewWithFormat(cfg.logLevel, cfg.logFormat, w)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// newRepository creates a new repository instance. The returned function
// releases the backend connection.
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, func(), error) {
	switch cfg.store {
	case storeMemory:
		logging.From(ctx).Warn("using in-memory store, records are lost on exit")
		return repository.NewMemory(), func() {}, nil

	case storeFirestore, "":
		if cfg.project == "" {
			return nil, nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, nil, goerr.New("database is required")
		}

		repo, err := repository.New(ctx, cfg.project, cfg.database, repository.WithCollection(cfg.collection))
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logging.From(ctx).Warn("failed to close repository", "error", err)
			}
		}, nil

	default:
		return nil, nil, goerr.New("unknown store", goerr.V("store", cfg.store))
	}
}

// newStorage creates a new Storage adapter instance, or nil when no bucket is
// configured
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket == "" {
		return nil, nil
	}

	storage, err := adapter.NewStorage(ctx, cfg.bucket)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return storage, nil
}

// newMemoryUseCase wires the repository and voice storage
func (cfg *config) newMemoryUseCase(ctx context.Context) (*memory.UseCase, func(), error) {
	repo, closeRepo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, nil, err
	}

	storage, err := cfg.newStorage(ctx)
	if err != nil {
		closeRepo()
		return nil, nil, err
	}

	var opts []memory.Option
	if storage != nil {
		opts = append(opts, memory.WithStorage(storage))
	}

	return memory.New(repo, opts...), closeRepo, nil
}

// newGemini creates a new Gemini adapter instance
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	client, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation,
		adapter.WithGenerativeModel(cfg.geminiModel))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create Gemini client")
	}
	return client, nil
}

func (cfg *config) breakerConfig() adapter.BreakerConfig {
	bc := adapter.DefaultBreakerConfig()
	if cfg.breakerFailures > 0 {
		bc.MaxFailures = uint32(cfg.breakerFailures)
	}
	if cfg.breakerTimeout > 0 {
		bc.Timeout = cfg.breakerTimeout
	}
	return bc
}

func (cfg *config) location() (*time.Location, error) {
	if cfg.timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(cfg.timezone)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid timezone", goerr.V("timezone", cfg.timezone))
	}
	return loc, nil
}

// newPipeline builds the capture pipeline over store. m may be nil.
func (cfg *config) newPipeline(ctx context.Context, store interfaces.MemoryStore, m *metrics.Metrics) (*pipeline.Pipeline, error) {
	loc, err := cfg.location()
	if err != nil {
		return nil, err
	}

	phrases, err := model.LoadPhrases(cfg.phrases)
	if err != nil {
		return nil, err
	}

	engine, err := policy.New(ctx, cfg.policyDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load category policy")
	}

	client, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, err
	}
	text := adapter.NewGeminiBreaker("gemini", client, cfg.breakerConfig())
	tts := adapter.NewGeminiBreaker("gemini-tts", client.WithModel(cfg.ttsModel), cfg.breakerConfig())

	ffmpeg := audio.NewFFmpeg(cfg.ffmpeg)
	if err := ffmpeg.Available(); err != nil {
		logging.From(ctx).Warn("ffmpeg not found, only wav/mp3/flac uploads are accepted", "error", err)
	}

	executor := pipeline.NewExecutor(
		pipeline.WithConcurrency(cfg.concurrency),
		pipeline.WithTaskTimeout(cfg.taskTimeout),
		pipeline.WithExecutorMetrics(m),
	)

	return pipeline.New(
		audio.NewNormalizer(ffmpeg),
		gemini.NewTranscriber(text, gemini.WithLanguage(cfg.language)),
		gemini.NewExtractor(text, gemini.WithTimezone(loc)),
		gemini.NewReflector(text),
		gemini.NewSynthesizer(tts, gemini.WithVoice(cfg.ttsVoice), gemini.WithMaxChars(int(cfg.ttsMaxChars))),
		store,
		pipeline.WithClassifier(gemini.NewClassifier(text)),
		pipeline.WithPolicy(engine),
		pipeline.WithPhrases(phrases),
		pipeline.WithTimeouts(cfg.timeouts),
		pipeline.WithExecutor(executor),
		pipeline.WithMetrics(m),
		pipeline.WithLocation(loc),
	), nil
}

// stderr is where progress and logs go so that stdout stays machine readable
var stderr io.Writer = os.Stderr
