// Package qdrant adapts the Qdrant REST API to the vector index contract.
//
// The configured collection name is an alias. Data lives in physical
// collections named <alias>-<suffix>, which lets RebuildFrom fill a fresh
// collection and switch the alias in one atomic request. Ranking ties are
// ordered by Qdrant, not by insertion order.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ragpipe/internal/domain"
	"ragpipe/internal/retry"
)

// rebuildBatch bounds the upsert requests that fill a fresh collection.
// InsertMany always sends a single request so a batch lands whole or not
// at all.
const rebuildBatch = 256

var errNotFound = errors.New("not found")

// partitionFields are declared as keyword payload indexes so filters on them
// stay cheap.
var partitionFields = []string{"owner", "document"}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
	Retry      retry.Policy
}

// Index is a vector index stored in Qdrant.
type Index struct {
	url    string
	apiKey string
	alias  string
	client *http.Client
	policy retry.Policy
	logger *zap.Logger

	mu      sync.Mutex
	ensured bool
}

func New(cfg Config, logger *zap.Logger) (*Index, error) {
	if cfg.URL == "" {
		return nil, &domain.ConfigurationError{Field: "index.qdrant.url", Reason: "required"}
	}
	if cfg.Collection == "" {
		return nil, &domain.ConfigurationError{Field: "index.qdrant.collection", Reason: "required"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Index{
		url:    strings.TrimRight(cfg.URL, "/"),
		apiKey: cfg.APIKey,
		alias:  cfg.Collection,
		client: &http.Client{Timeout: timeout},
		policy: cfg.Retry,
		logger: logger.With(zap.String("collection", cfg.Collection)),
	}, nil
}

type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

type scoredPoint struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// InsertMany creates the collection on first use, sized by the first vector.
func (s *Index) InsertMany(ctx context.Context, entries []domain.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.ensure(ctx, len(entries[0].Vector)); err != nil {
		return err
	}
	return s.upsert(ctx, s.alias, entries, len(entries))
}

func (s *Index) Search(ctx context.Context, vector []float32, k int, filter *domain.Partition) (domain.RetrievalResult, error) {
	if k <= 0 {
		return domain.RetrievalResult{}, nil
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	if f := buildFilter(filter); f != nil {
		req["filter"] = f
	}

	var resp struct {
		Result []scoredPoint `json:"result"`
	}
	err := s.call(ctx, "search", http.MethodPost, "/collections/"+s.alias+"/points/search", req, &resp)
	if errors.Is(err, errNotFound) {
		return domain.RetrievalResult{}, nil
	}
	if err != nil {
		return domain.RetrievalResult{}, err
	}

	hits := make([]domain.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, payload := decodePayload(r.Payload)
		hits = append(hits, domain.Hit{ID: id, Payload: payload, Score: r.Score})
	}
	return domain.RetrievalResult{Hits: hits}, nil
}

// RebuildFrom loads entries into a new physical collection and then points
// the alias at it, so searches see either the old or the new contents.
func (s *Index) RebuildFrom(ctx context.Context, entries []domain.IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, err := s.aliasTarget(ctx)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		if old != "" {
			if err := s.updateAliases(ctx, deleteAlias(s.alias)); err != nil {
				return err
			}
			s.dropCollection(ctx, old)
		}
		s.ensured = false
		return nil
	}

	fresh := s.physicalName()
	if err := s.createCollection(ctx, fresh, len(entries[0].Vector)); err != nil {
		return err
	}
	if err := s.upsert(ctx, fresh, entries, rebuildBatch); err != nil {
		s.dropCollection(ctx, fresh)
		return err
	}

	actions := []map[string]any{}
	if old != "" {
		actions = append(actions, deleteAlias(s.alias))
	}
	actions = append(actions, createAlias(s.alias, fresh))
	if err := s.updateAliases(ctx, actions...); err != nil {
		s.dropCollection(ctx, fresh)
		return err
	}

	if old != "" {
		s.dropCollection(ctx, old)
	}
	s.ensured = true
	s.logger.Info("rebuilt collection", zap.String("physical", fresh), zap.Int("points", len(entries)))
	return nil
}

func (s *Index) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := s.call(ctx, "count", http.MethodPost, "/collections/"+s.alias+"/points/count", map[string]any{"exact": true}, &resp)
	if errors.Is(err, errNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func (s *Index) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// ensure creates the aliased collection if it does not exist yet.
func (s *Index) ensure(ctx context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensured {
		return nil
	}

	err := s.call(ctx, "get_collection", http.MethodGet, "/collections/"+s.alias, nil, nil)
	switch {
	case err == nil:
		s.ensured = true
		return nil
	case !errors.Is(err, errNotFound):
		return err
	}

	physical := s.physicalName()
	if err := s.createCollection(ctx, physical, dim); err != nil {
		return err
	}
	if err := s.updateAliases(ctx, createAlias(s.alias, physical)); err != nil {
		return err
	}

	s.ensured = true
	s.logger.Info("created collection", zap.String("physical", physical), zap.Int("dimension", dim))
	return nil
}

func (s *Index) createCollection(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("create collection %s: %w: empty vector", name, domain.ErrDimensionMismatch)
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": "Cosine",
		},
	}
	if err := s.call(ctx, "create_collection", http.MethodPut, "/collections/"+name, body, nil); err != nil {
		return err
	}

	for _, field := range partitionFields {
		idx := map[string]any{"field_name": field, "field_schema": "keyword"}
		if err := s.call(ctx, "create_index", http.MethodPut, "/collections/"+name+"/index?wait=true", idx, nil); err != nil {
			return err
		}
	}
	return nil
}

// upsert writes entries in requests of at most size points.
func (s *Index) upsert(ctx context.Context, collection string, entries []domain.IndexEntry, size int) error {
	for i := 0; i < len(entries); i += size {
		end := i + size
		if end > len(entries) {
			end = len(entries)
		}

		points := make([]point, 0, end-i)
		for _, e := range entries[i:end] {
			points = append(points, point{
				ID:      pointID(e.ID),
				Vector:  e.Vector,
				Payload: encodePayload(e),
			})
		}

		path := "/collections/" + collection + "/points?wait=true"
		if err := s.call(ctx, "upsert", http.MethodPut, path, map[string]any{"points": points}, nil); err != nil {
			return err
		}
	}
	return nil
}

// aliasTarget returns the physical collection behind the alias, or "".
func (s *Index) aliasTarget(ctx context.Context) (string, error) {
	var resp struct {
		Result struct {
			Aliases []struct {
				AliasName      string `json:"alias_name"`
				CollectionName string `json:"collection_name"`
			} `json:"aliases"`
		} `json:"result"`
	}
	if err := s.call(ctx, "list_aliases", http.MethodGet, "/aliases", nil, &resp); err != nil {
		return "", err
	}
	for _, a := range resp.Result.Aliases {
		if a.AliasName == s.alias {
			return a.CollectionName, nil
		}
	}
	return "", nil
}

func (s *Index) updateAliases(ctx context.Context, actions ...map[string]any) error {
	return s.call(ctx, "update_aliases", http.MethodPost, "/collections/aliases", map[string]any{"actions": actions}, nil)
}

func (s *Index) dropCollection(ctx context.Context, name string) {
	if err := s.call(ctx, "delete_collection", http.MethodDelete, "/collections/"+name, nil, nil); err != nil && !errors.Is(err, errNotFound) {
		s.logger.Warn("failed to drop collection", zap.String("physical", name), zap.Error(err))
	}
}

func (s *Index) physicalName() string {
	return s.alias + "-" + uuid.NewString()[:8]
}

func createAlias(alias, collection string) map[string]any {
	return map[string]any{"create_alias": map[string]any{"collection_name": collection, "alias_name": alias}}
}

func deleteAlias(alias string) map[string]any {
	return map[string]any{"delete_alias": map[string]any{"alias_name": alias}}
}

// call performs one REST request under the retry policy. A 404 yields
// errNotFound, which is never retried.
func (s *Index) call(ctx context.Context, op, method, path string, body, out any) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.do(ctx, op, method, path, body, out)
	})
}

func (s *Index) do(ctx context.Context, op, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.client.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("qdrant %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return &domain.StoreError{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &domain.StoreError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("qdrant %s %s: %w", op, path, errNotFound)
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &domain.StoreError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s %s: %s", method, path, strings.TrimSpace(string(msg))),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &domain.StoreError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// pointID derives a stable UUID from an entry ID, since Qdrant only accepts
// integers and UUIDs as point IDs.
func pointID(entryID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(entryID)).String()
}

func encodePayload(e domain.IndexEntry) map[string]any {
	return map[string]any{
		"entry_id": e.ID,
		"text":     e.Payload.Text,
		"owner":    e.Payload.Partition.Owner,
		"document": e.Payload.Partition.Document,
		"chunk_id": e.Payload.ChunkID,
		"offset":   e.Payload.Offset,
		"length":   e.Payload.Length,
	}
}

func decodePayload(m map[string]any) (string, domain.Payload) {
	str := func(key string) string {
		v, _ := m[key].(string)
		return v
	}
	num := func(key string) int {
		v, _ := m[key].(float64)
		return int(v)
	}
	return str("entry_id"), domain.Payload{
		Text:      str("text"),
		Partition: domain.Partition{Owner: str("owner"), Document: str("document")},
		ChunkID:   str("chunk_id"),
		Offset:    num("offset"),
		Length:    num("length"),
	}
}

func buildFilter(filter *domain.Partition) map[string]any {
	if filter == nil || filter.IsZero() {
		return nil
	}

	var must []map[string]any
	if filter.Owner != "" {
		must = append(must, match("owner", filter.Owner))
	}
	if filter.Document != "" {
		must = append(must, match("document", filter.Document))
	}
	return map[string]any{"must": must}
}

func match(key, value string) map[string]any {
	return map[string]any{"key": key, "match": map[string]any{"value": value}}
}
