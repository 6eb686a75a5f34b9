package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ragpipe/internal/adapter/chunker"
	"ragpipe/internal/domain"
	"ragpipe/internal/port"
)

// errStopped marks batches never started because an earlier batch failed
// with a non-retryable credential error.
var errStopped = errors.New("ingestion stopped after authentication failure")

// IngestOptions controls batching. Zero values fall back to defaults.
type IngestOptions struct {
	BatchSize    int
	Concurrency  int
	BatchTimeout time.Duration
}

// IngestUseCase chunks, embeds and indexes documents.
type IngestUseCase struct {
	chunker  port.Chunker
	embedder port.Embedder
	opts     IngestOptions
	logger   *zap.Logger
}

// NewIngestUseCase creates a new ingest use case.
func NewIngestUseCase(chk port.Chunker, embedder port.Embedder, opts IngestOptions, logger *zap.Logger) *IngestUseCase {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if chk == nil {
		chk, _ = chunker.NewCharChunker(chunker.DefaultChunkSize, chunker.DefaultOverlap)
	}
	return &IngestUseCase{chunker: chk, embedder: embedder, opts: opts, logger: logger}
}

// IngestRequest parameterizes one ingestion call.
type IngestRequest struct {
	// Partition tags every entry. An empty Document is filled with the
	// chunk's source document ID.
	Partition domain.Partition

	// ChunkSize and Overlap override the configured chunker when either is
	// set, and must then satisfy ChunkSize > Overlap > 0.
	ChunkSize int
	Overlap   int

	// OnBatch is called after each batch settles, from any goroutine,
	// one call at a time.
	OnBatch func(BatchReport)
}

// BatchReport describes one settled batch.
type BatchReport struct {
	Batch  int
	Total  int
	Chunks int
	Err    error
}

// IngestResult contains the results of an ingestion.
type IngestResult struct {
	Documents int                   `json:"documents"`
	Chunks    int                   `json:"chunks"`
	Batches   int                   `json:"batches"`
	Committed int                   `json:"committed"`
	Failed    []domain.BatchFailure `json:"failed,omitempty"`
}

type batch struct {
	n      int
	chunks []domain.Chunk
}

// Ingest embeds chunk batches concurrently and commits each batch with one
// InsertMany as soon as its vectors arrive. A failed batch commits nothing;
// earlier batches stay committed. Cancellation is observed between batches:
// batches not yet started are reported as failed, started ones finish under
// their own timeout. When any batch fails the returned error is an
// *domain.IngestError and the result is still populated.
func (u *IngestUseCase) Ingest(ctx context.Context, idx port.VectorIndex, docs []domain.Document, req IngestRequest) (*IngestResult, error) {
	chunks, err := u.split(docs, req)
	if err != nil {
		return nil, err
	}

	batches := u.batches(chunks)
	result := &IngestResult{Documents: len(docs), Chunks: len(chunks), Batches: len(batches)}
	if len(batches) == 0 {
		return result, nil
	}

	var (
		mu      sync.Mutex
		stopped atomic.Bool
		g       errgroup.Group
	)
	g.SetLimit(u.opts.Concurrency)

	settle := func(b batch, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.Failed = append(result.Failed, domain.BatchFailure{Batch: b.n, ChunkIDs: chunkIDs(b.chunks), Err: err})
		} else {
			result.Committed += len(b.chunks)
		}
		if req.OnBatch != nil {
			req.OnBatch(BatchReport{Batch: b.n, Total: len(batches), Chunks: len(b.chunks), Err: err})
		}
	}

	for _, b := range batches {
		b := b
		g.Go(func() error {
			switch {
			case ctx.Err() != nil:
				settle(b, ctx.Err())
				return nil
			case stopped.Load():
				settle(b, errStopped)
				return nil
			}

			err := u.commitBatch(ctx, idx, b, req.Partition)
			var authErr *domain.AuthError
			if errors.As(err, &authErr) {
				stopped.Store(true)
			}
			if err != nil {
				u.logger.Warn("batch failed", zap.Int("batch", b.n), zap.Int("chunks", len(b.chunks)), zap.Error(err))
			}
			settle(b, err)
			return nil
		})
	}
	_ = g.Wait()

	u.logger.Info("ingest finished",
		zap.Int("documents", result.Documents),
		zap.Int("chunks", result.Chunks),
		zap.Int("committed", result.Committed),
		zap.Int("failed_batches", len(result.Failed)))

	if len(result.Failed) > 0 {
		sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Batch < result.Failed[j].Batch })
		return result, &domain.IngestError{Failed: result.Failed}
	}
	return result, nil
}

// commitBatch runs detached from the caller's cancellation so a started
// batch is never cut in half.
func (u *IngestUseCase) commitBatch(ctx context.Context, idx port.VectorIndex, b batch, partition domain.Partition) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.opts.BatchTimeout)
	defer cancel()

	entries, err := u.embed(ctx, b.chunks, partition)
	if err != nil {
		return err
	}
	return idx.InsertMany(ctx, entries)
}

// Rebuild embeds the whole corpus before touching the index and then
// replaces its contents atomically. Any failure leaves the index unchanged.
func (u *IngestUseCase) Rebuild(ctx context.Context, idx port.VectorIndex, docs []domain.Document, req IngestRequest) (*IngestResult, error) {
	chunks, err := u.split(docs, req)
	if err != nil {
		return nil, err
	}

	batches := u.batches(chunks)
	embedded := make([][]domain.IndexEntry, len(batches))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.Concurrency)
	for i, b := range batches {
		i, b := i, b
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(gctx, u.opts.BatchTimeout)
			defer cancel()

			entries, err := u.embed(bctx, b.chunks, req.Partition)
			if err != nil {
				return fmt.Errorf("batch %d: %w", b.n, err)
			}
			embedded[i] = entries
			if req.OnBatch != nil {
				mu.Lock()
				req.OnBatch(BatchReport{Batch: b.n, Total: len(batches), Chunks: len(b.chunks)})
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make([]domain.IndexEntry, 0, len(chunks))
	for _, e := range embedded {
		entries = append(entries, e...)
	}
	if err := idx.RebuildFrom(ctx, entries); err != nil {
		return nil, err
	}

	u.logger.Info("rebuild finished", zap.Int("documents", len(docs)), zap.Int("entries", len(entries)))
	return &IngestResult{
		Documents: len(docs),
		Chunks:    len(chunks),
		Batches:   len(batches),
		Committed: len(entries),
	}, nil
}

func (u *IngestUseCase) split(docs []domain.Document, req IngestRequest) ([]domain.Chunk, error) {
	chk := u.chunker
	if req.ChunkSize != 0 || req.Overlap != 0 {
		c, err := chunker.NewCharChunker(req.ChunkSize, req.Overlap)
		if err != nil {
			return nil, err
		}
		chk = c
	}

	var chunks []domain.Chunk
	for _, doc := range docs {
		// Chunk IDs derive from the document ID, so anonymous documents get
		// a fresh one.
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		chunks = append(chunks, chk.SplitDocument(doc)...)
	}
	return chunks, nil
}

func (u *IngestUseCase) batches(chunks []domain.Chunk) []batch {
	var out []batch
	for i := 0; i < len(chunks); i += u.opts.BatchSize {
		end := i + u.opts.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		out = append(out, batch{n: len(out), chunks: chunks[i:end]})
	}
	return out
}

func (u *IngestUseCase) embed(ctx context.Context, chunks []domain.Chunk, partition domain.Partition) ([]domain.IndexEntry, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := u.embedder.EmbedMany(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, &domain.ProviderError{Op: "embed", Err: fmt.Errorf("expected %d vectors, got %d", len(chunks), len(vectors))}
	}

	entries := make([]domain.IndexEntry, len(chunks))
	for i, c := range chunks {
		p := partition
		if p.Document == "" {
			p.Document = c.DocID
		}
		entries[i] = domain.IndexEntry{
			ID:     entryID(p, c.ID),
			Vector: vectors[i],
			Payload: domain.Payload{
				Text:      c.Text,
				Partition: p,
				ChunkID:   c.ID,
				Offset:    c.Offset,
				Length:    c.Length,
			},
		}
	}
	return entries, nil
}

// entryID keeps entries of the same chunk distinct across owners.
func entryID(p domain.Partition, chunkID string) string {
	if p.Owner == "" {
		return chunkID
	}
	return p.Owner + ":" + chunkID
}

func chunkIDs(chunks []domain.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}
