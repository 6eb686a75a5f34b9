package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ragpipe/config"
	"ragpipe/internal/adapter/generator"
	"ragpipe/internal/adapter/memstore"
	"ragpipe/internal/domain"
	"ragpipe/internal/port"
	"ragpipe/internal/usecase"
)

type keywordEmbedder struct{}

var keywords = []string{"cat", "dog", "mat"}

func (keywordEmbedder) vector(text string) []float32 {
	text = strings.ToLower(text)
	v := make([]float32, len(keywords))
	for i, k := range keywords {
		if strings.Contains(text, k) {
			v[i] = 1
		}
	}
	return v
}

func (e keywordEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

func (e keywordEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (keywordEmbedder) ModelName() string { return "keyword" }

type stubGenerator struct {
	cfg       generator.Config
	fragments []string
	streamed  bool
	system    string
}

func (g *stubGenerator) Complete(ctx context.Context, system, user string) (string, error) {
	return strings.Join(g.fragments, ""), nil
}

func (g *stubGenerator) Stream(ctx context.Context, system, user string, emit func(string) error) error {
	g.streamed = true
	g.system = system
	for _, f := range g.fragments {
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

func (g *stubGenerator) ModelName() string { return g.cfg.Model }

type fixture struct {
	srv     *Server
	handler http.Handler
	index   *memstore.Index
	gen     *stubGenerator
}

func newFixture(t *testing.T, cfg config.ServerConfig) *fixture {
	t.Helper()
	emb := keywordEmbedder{}
	logger := zap.NewNop()
	retrieve := usecase.NewRetrieveUseCase(emb, usecase.RetrieveOptions{}, logger)

	f := &fixture{index: memstore.NewIndex(), gen: &stubGenerator{fragments: []string{"On ", "the ", "mat."}}}
	f.srv = NewServer(Deps{
		Index:     f.index,
		Ingest:    usecase.NewIngestUseCase(nil, emb, usecase.IngestOptions{}, logger),
		Retrieve:  retrieve,
		Chat:      usecase.NewChatUseCase(retrieve, logger),
		Generator: generator.Config{Model: generator.DefaultModel, Temperature: 0.7, MaxTokens: 1000},
		NewGenerator: func(c generator.Config) (port.StreamingGenerator, error) {
			if c.APIKey == "" {
				return nil, &domain.ConfigurationError{Field: "api_key", Reason: "missing"}
			}
			f.gen.cfg = c
			return f.gen, nil
		},
	}, cfg, logger)
	f.handler = f.srv.Handler()
	return f
}

func (f *fixture) post(t *testing.T, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	r.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		r.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	w := f.post(t, "/api/documents", map[string]any{
		"documents": []map[string]string{
			{"id": "d1", "text": "The cat sat on the mat."},
			{"id": "d2", "text": "Dogs bark loudly."},
		},
		"chunk_size": 20,
		"overlap":    5,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestHandleDocumentsAndQuery(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	w := f.post(t, "/api/documents", map[string]any{
		"documents": []map[string]string{{"id": "d1", "text": "The cat sat on the mat."}},
		"chunk_size": 20, "overlap": 5,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var ingested usecase.IngestResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ingested))
	assert.Equal(t, 2, ingested.Chunks)
	assert.Equal(t, 2, ingested.Committed)

	w = f.post(t, "/api/query", map[string]any{"query": "Where did the cat sit?", "k": 1})
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Context   string       `json:"context"`
		Hits      []domain.Hit `json:"hits"`
		NoContext bool         `json:"no_context"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.False(t, out.NoContext)
	assert.Equal(t, "The cat sat on the m", out.Context)
	require.Len(t, out.Hits, 1)
	assert.Equal(t, "d1", out.Hits[0].Payload.Partition.Document)
}

func TestHandleDocuments_UnnamedDocumentsDoNotCollide(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	for i := 0; i < 2; i++ {
		w := f.post(t, "/api/documents", map[string]any{
			"documents":  []map[string]string{{"text": "The cat sat on the mat."}},
			"chunk_size": 20, "overlap": 5,
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	n, err := f.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	w := f.post(t, "/api/query", map[string]any{"query": "cat", "k": 4})
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Hits []domain.Hit `json:"hits"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	docs := map[string]bool{}
	for _, h := range out.Hits {
		docs[h.Payload.Partition.Document] = true
	}
	assert.Len(t, docs, 2)
}

func TestHandleQuery_NoContext(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	w := f.post(t, "/api/query", map[string]any{"query": "cat"})
	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, true, out["no_context"])
	assert.Equal(t, "", out["context"])
}

func TestHandleQuery_BadRequest(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	w := f.post(t, "/api/query", map[string]any{"query": "cat", "k": -2})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDocuments_ChunkValidation(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	w := f.post(t, "/api/documents", map[string]any{
		"documents":  []map[string]string{{"text": "some text"}},
		"chunk_size": 10, "overlap": 10,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "/api/documents", map[string]any{"documents": []any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleUpload(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("my dog likes the park"))
	require.NoError(t, mw.WriteField("owner", "alice"))
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	entries := f.index.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Payload.Partition.Owner)
	assert.Equal(t, "my dog likes the park", entries[0].Payload.Text)
}

func TestHandleUpload_Unsupported(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "image.png")
	_, _ = part.Write([]byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleChat_Streams(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	f.seed(t)

	temp := float32(0.2)
	w := f.post(t, "/api/chat", chatRequest{
		DeveloperMessage: "Answer tersely.",
		UserMessage:      "Where did the cat sit?",
		Model:            "gpt-4",
		APIKey:           "sk-request-key",
		Temperature:      &temp,
		K:                1,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "On the mat.", w.Body.String())
	assert.Equal(t, "true", w.Header().Get("X-Streaming"))
	assert.True(t, w.Flushed)

	assert.Equal(t, "gpt-4", f.gen.cfg.Model)
	assert.Equal(t, "sk-request-key", f.gen.cfg.APIKey)
	assert.Equal(t, float32(0.2), f.gen.cfg.Temperature)
	assert.Equal(t, 1000, f.gen.cfg.MaxTokens)
	assert.Contains(t, f.gen.system, "Answer tersely.")
	assert.Contains(t, f.gen.system, "The cat sat on the m")
}

func TestHandleChat_NoContext(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})

	w := f.post(t, "/api/chat", chatRequest{UserMessage: "cat?", APIKey: "sk-key"})
	require.Equal(t, http.StatusOK, w.Code)

	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, true, out["no_context"])
	assert.False(t, f.gen.streamed)
}

func TestHandleChat_Validation(t *testing.T) {
	f := newFixture(t, config.ServerConfig{MaxMessageLen: 50})
	hot := float32(2.5)
	zero := 0
	tooMany := 4001

	tests := []struct {
		name string
		req  chatRequest
	}{
		{"empty message", chatRequest{UserMessage: " ", APIKey: "k"}},
		{"long message", chatRequest{UserMessage: strings.Repeat("x", 51), APIKey: "k"}},
		{"long developer message", chatRequest{UserMessage: "hi", DeveloperMessage: strings.Repeat("x", 51), APIKey: "k"}},
		{"unknown model", chatRequest{UserMessage: "hi", Model: "gpt-2", APIKey: "k"}},
		{"temperature", chatRequest{UserMessage: "hi", Temperature: &hot, APIKey: "k"}},
		{"zero max tokens", chatRequest{UserMessage: "hi", MaxTokens: &zero, APIKey: "k"}},
		{"too many max tokens", chatRequest{UserMessage: "hi", MaxTokens: &tooMany, APIKey: "k"}},
		{"missing key", chatRequest{UserMessage: "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.post(t, "/api/chat", tt.req)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.False(t, f.gen.streamed)
}

func TestRateLimitPerClient(t *testing.T) {
	f := newFixture(t, config.ServerConfig{RateLimit: 2, RateWindow: time.Minute})

	for i := 0; i < 2; i++ {
		w := f.post(t, "/api/query", map[string]any{"query": "cat"}, "X-Forwarded-For", "10.0.0.1")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := f.post(t, "/api/query", map[string]any{"query": "cat"}, "X-Forwarded-For", "10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	w = f.post(t, "/api/query", map[string]any{"query": "cat"}, "X-Forwarded-For", "10.0.0.2")
	assert.Equal(t, http.StatusOK, w.Code)

	// health is not limited
	r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientLimiterRefills(t *testing.T) {
	l := newClientLimiter(1, time.Minute)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	ok, _ := l.allow("a")
	assert.True(t, ok)
	ok, wait := l.allow("a")
	assert.False(t, ok)
	assert.InDelta(t, time.Minute.Seconds(), wait.Seconds(), 1)

	now = now.Add(61 * time.Second)
	ok, _ = l.allow("a")
	assert.True(t, ok)
}

func TestHandleHealthAndModels(t *testing.T) {
	f := newFixture(t, config.ServerConfig{})
	f.seed(t)

	r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, float64(3), health["entries"])
	assert.Contains(t, health, "uptime")

	r = httptest.NewRequest(http.MethodGet, "/api/models", nil)
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	var models struct {
		Models  []string `json:"models"`
		Default string   `json:"default"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&models))
	assert.Equal(t, generator.Models, models.Models)
	assert.Equal(t, generator.DefaultModel, models.Default)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&domain.ConfigurationError{Field: "k"}, http.StatusBadRequest},
		{&domain.LoadError{Source: "x", Err: errors.New("bad")}, http.StatusBadRequest},
		{fmt.Errorf("insert: %w", domain.ErrDimensionMismatch), http.StatusConflict},
		{&domain.AuthError{Err: errors.New("401")}, http.StatusUnauthorized},
		{&domain.RateLimitError{}, http.StatusTooManyRequests},
		{&domain.ProviderError{Op: "embed", Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&domain.ProviderError{Op: "embed", Err: errors.New("500")}, http.StatusBadGateway},
		{&domain.StoreError{Op: "search"}, http.StatusServiceUnavailable},
		{&domain.IngestError{Failed: []domain.BatchFailure{{Err: &domain.AuthError{}}}}, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
