// Package server exposes the capture pipeline over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/metrics"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultMaxUploadBytes bounds the multipart body of one utterance
	DefaultMaxUploadBytes = 32 << 20

	audioField = "audio"
)

// Processor runs the capture pipeline on one uploaded utterance
type Processor interface {
	Process(ctx context.Context, data []byte, filename string) (*model.Response, error)
}

// MemoryReader looks up stored records
type MemoryReader interface {
	Show(ctx context.Context, id model.MemoryID) (*model.Memory, error)
}

// Server is the HTTP surface of the service
type Server struct {
	processor      Processor
	memories       MemoryReader
	metrics        *metrics.Metrics
	gatherer       prometheus.Gatherer
	maxUploadBytes int64
	mux            *http.ServeMux
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithGatherer sets the registry served on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		s.maxUploadBytes = n
	}
}

func New(processor Processor, memories MemoryReader, opts ...Option) *Server {
	s := &Server{
		processor:      processor,
		memories:       memories,
		gatherer:       prometheus.DefaultGatherer,
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /memories", s.withMetrics("/memories", s.handleCreateMemory))
	mux.HandleFunc("GET /memories/{id}", s.withMetrics("/memories/{id}", s.handleGetMemory))
	mux.HandleFunc("GET /healthz", s.withMetrics("/healthz", s.handleHealth))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux = mux

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled, then stops accepting requests
// and waits for in-flight ones up to shutdownTimeout
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logging.From(ctx).Info("starting HTTP server", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- goerr.Wrap(err, "HTTP server failed", goerr.V("addr", addr))
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.From(ctx).Info("stopping HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shutdown HTTP server")
	}
	return nil
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		s.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), time.Since(start).Seconds())
	}
}

// responseWriter captures the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	file, header, err := r.FormFile(audioField)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, goerr.Wrap(err, "multipart field 'audio' is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(ctx, w, http.StatusBadRequest, goerr.Wrap(err, "failed to read uploaded audio"))
		return
	}

	resp, err := s.processor.Process(ctx, data, header.Filename)
	if err != nil {
		writeError(ctx, w, statusOf(err), err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, resp)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := model.MemoryID(r.PathValue("id"))

	memory, err := s.memories.Show(ctx, id)
	if errors.Is(err, model.ErrMemoryNotFound) {
		// IDs are handed out before the background save runs
		logging.From(ctx).Warn("memory not found", "id", id)
		writeJSON(ctx, w, http.StatusNotFound, errorResponse{
			Error:  err.Error(),
			Detail: notSavedDetail,
		})
		return
	}
	if err != nil {
		writeError(ctx, w, statusOf(err), err)
		return
	}

	writeJSON(ctx, w, http.StatusOK, memory)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusOf maps pipeline failure kinds to HTTP status codes
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrTranscode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrTranscription):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrMemoryNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

const notSavedDetail = "records are saved after the reply is sent; this one may not be stored yet or its save failed"

func writeError(ctx context.Context, w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logging.From(ctx).Error("request failed", "error", err, "status", status)
	} else {
		logging.From(ctx).Warn("request rejected", "error", err, "status", status)
	}
	writeJSON(ctx, w, status, errorResponse{Error: err.Error()})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.From(ctx).Error("failed to write response", "error", err)
	}
}
