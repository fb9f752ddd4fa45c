package model

import "github.com/m-mizutani/goerr/v2"

// Pipeline failure kinds. Only ErrTranscode and ErrTranscription abort a
// request; the others are absorbed into a degraded response.
//
// Each kind carries an ID so that ErrX.Wrap(cause) keeps the cause chain
// while errors.Is still matches the kind.
var (
	ErrTranscode     = goerr.New("audio transcode failed", goerr.ID("transcode"))
	ErrTranscription = goerr.New("transcription failed", goerr.ID("transcription"))
	ErrExtraction    = goerr.New("field extraction failed", goerr.ID("extraction"))
	ErrReflection    = goerr.New("reflection failed", goerr.ID("reflection"))
	ErrPersistence   = goerr.New("memory persistence failed", goerr.ID("persistence"))
	ErrRetrieval     = goerr.New("memory retrieval failed", goerr.ID("retrieval"))
	ErrSynthesis     = goerr.New("speech synthesis failed", goerr.ID("synthesis"))

	ErrMemoryNotFound = goerr.New("memory not found", goerr.ID("memory_not_found"))
	ErrInvalidMemory  = goerr.New("invalid memory", goerr.ID("invalid_memory"))
	ErrInvalidQuery   = goerr.New("invalid query", goerr.ID("invalid_query"))
)
