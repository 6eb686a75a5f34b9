package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"ragpipe/internal/adapter/generator"
	"ragpipe/internal/adapter/loader"
	"ragpipe/internal/domain"
	"ragpipe/internal/usecase"
)

type documentInput struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

type ingestRequest struct {
	Documents []documentInput `json:"documents"`
	Owner     string          `json:"owner"`
	ChunkSize int             `json:"chunk_size"`
	Overlap   int             `json:"overlap"`
}

type ingestResponse struct {
	*usecase.IngestResult
	Error      string   `json:"error,omitempty"`
	MissingIDs []string `json:"missing_chunk_ids,omitempty"`
}

type queryRequest struct {
	Query    string `json:"query"`
	K        int    `json:"k"`
	Owner    string `json:"owner"`
	Document string `json:"document"`
}

type queryResponse struct {
	*domain.RetrievedContext
	NoContext bool `json:"no_context"`
}

type chatRequest struct {
	DeveloperMessage string   `json:"developer_message"`
	UserMessage      string   `json:"user_message"`
	Model            string   `json:"model"`
	APIKey           string   `json:"api_key"`
	Temperature      *float32 `json:"temperature"`
	MaxTokens        *int     `json:"max_tokens"`
	K                int      `json:"k"`
	Owner            string   `json:"owner"`
	Document         string   `json:"document"`
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Documents) == 0 {
		respondError(w, http.StatusBadRequest, "documents must not be empty")
		return
	}

	docs := make([]domain.Document, 0, len(req.Documents))
	for _, d := range req.Documents {
		docs = append(docs, domain.Document{ID: d.ID, Source: d.Source, Text: d.Text})
	}

	s.ingest(r.Context(), w, docs, usecase.IngestRequest{
		Partition: domain.Partition{Owner: req.Owner},
		ChunkSize: req.ChunkSize,
		Overlap:   req.Overlap,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.config.MaxUploadMB)<<20)
	if err := r.ParseMultipartForm(int64(s.config.MaxUploadMB) << 20); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no file uploaded")
		return
	}

	docs := make([]domain.Document, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		doc, err := loader.LoadBytes(fh.Filename, data)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		docs = append(docs, doc)
	}

	s.ingest(r.Context(), w, docs, usecase.IngestRequest{
		Partition: domain.Partition{Owner: r.FormValue("owner")},
	})
}

func (s *Server) ingest(ctx context.Context, w http.ResponseWriter, docs []domain.Document, req usecase.IngestRequest) {
	result, err := s.deps.Ingest.Ingest(ctx, s.deps.Index, docs, req)

	var ingestErr *domain.IngestError
	switch {
	case err == nil:
		respondJSON(w, http.StatusCreated, ingestResponse{IngestResult: result})
	case errors.As(err, &ingestErr):
		s.logger.Warn("partial ingest", zap.Int("failed_batches", len(ingestErr.Failed)), zap.Error(err))
		respondJSON(w, statusFor(err), ingestResponse{
			IngestResult: result,
			Error:        err.Error(),
			MissingIDs:   ingestErr.MissingChunkIDs(),
		})
	default:
		s.respondErr(w, err)
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("query request", zap.String("query", req.Query), zap.Int("k", req.K))

	rc, err := s.deps.Retrieve.Answer(r.Context(), s.deps.Index, domain.Query{
		Text:   req.Query,
		K:      req.K,
		Filter: partitionFilter(req.Owner, req.Document),
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, queryResponse{RetrievedContext: rc, NoContext: !rc.Found})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	genCfg, err := s.chatConfig(req)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	gen, err := s.deps.NewGenerator(genCfg)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	s.logger.Info("chat request", zap.String("client", clientIP(r)), zap.String("model", genCfg.Model))

	rc := http.NewResponseController(w)
	streaming := false
	emit := func(fragment string) error {
		if !streaming {
			streaming = true
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Streaming", "true")
			w.WriteHeader(http.StatusOK)
		}
		if _, err := io.WriteString(w, fragment); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}

	retrieved, err := s.deps.Chat.Stream(r.Context(), s.deps.Index, gen, usecase.ChatRequest{
		Query: domain.Query{
			Text:   req.UserMessage,
			K:      req.K,
			Filter: partitionFilter(req.Owner, req.Document),
		},
		Instructions: req.DeveloperMessage,
	}, emit)

	switch {
	case err != nil && streaming:
		s.logger.Error("stream interrupted", zap.Error(err))
		_, _ = fmt.Fprintf(w, "\n\n[Error: %v]", err)
	case err != nil:
		s.respondErr(w, err)
	case !retrieved.Found:
		respondJSON(w, http.StatusOK, map[string]any{
			"no_context": true,
			"answer":     "",
			"model":      genCfg.Model,
		})
	case !streaming:
		// the model produced an empty answer
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
}

// chatConfig validates req and applies its overrides to the base generator
// configuration.
func (s *Server) chatConfig(req chatRequest) (generator.Config, error) {
	cfg := s.deps.Generator
	maxLen := s.config.MaxMessageLen

	n := utf8.RuneCountInString(req.UserMessage)
	if strings.TrimSpace(req.UserMessage) == "" || n > maxLen {
		return cfg, &domain.ConfigurationError{Field: "user_message", Reason: fmt.Sprintf("length must be between 1 and %d", maxLen)}
	}
	if utf8.RuneCountInString(req.DeveloperMessage) > maxLen {
		return cfg, &domain.ConfigurationError{Field: "developer_message", Reason: fmt.Sprintf("length must be at most %d", maxLen)}
	}

	if req.Model != "" {
		cfg.Model = req.Model
	}
	if cfg.Model == "" {
		cfg.Model = generator.DefaultModel
	}
	if !generator.IsSupportedModel(cfg.Model) {
		return cfg, &domain.ConfigurationError{Field: "model", Reason: "must be one of: " + strings.Join(generator.Models, ", ")}
	}

	if req.Temperature != nil {
		if *req.Temperature < 0 || *req.Temperature > 2 {
			return cfg, &domain.ConfigurationError{Field: "temperature", Reason: "must be between 0 and 2"}
		}
		cfg.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		if *req.MaxTokens < 1 || *req.MaxTokens > 4000 {
			return cfg, &domain.ConfigurationError{Field: "max_tokens", Reason: "must be between 1 and 4000"}
		}
		cfg.MaxTokens = *req.MaxTokens
	}
	if req.APIKey != "" {
		cfg.APIKey = req.APIKey
	}
	return cfg, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"uptime":    time.Since(s.started).Seconds(),
	}
	if n, err := s.deps.Index.Count(r.Context()); err == nil {
		resp["entries"] = n
	} else {
		s.logger.Warn("health: count entries failed", zap.Error(err))
		resp["status"] = "degraded"
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"models":  generator.Models,
		"default": generator.DefaultModel,
	})
}

func partitionFilter(owner, document string) *domain.Partition {
	p := domain.Partition{Owner: owner, Document: document}
	if p.IsZero() {
		return nil
	}
	return &p
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	var rateErr *domain.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rateErr.RetryAfter.Seconds())))
	}
	respondError(w, status, err.Error())
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		cfgErr   *domain.ConfigurationError
		loadErr  *domain.LoadError
		authErr  *domain.AuthError
		rateErr  *domain.RateLimitError
		provErr  *domain.ProviderError
		storeErr *domain.StoreError
	)
	switch {
	case errors.As(err, &cfgErr), errors.As(err, &loadErr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrDimensionMismatch):
		return http.StatusConflict
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &provErr):
		return http.StatusBadGateway
	case errors.As(err, &storeErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"error":       http.StatusText(status),
		"detail":      message,
		"status_code": status,
		"timestamp":   time.Now().UTC(),
	})
}
