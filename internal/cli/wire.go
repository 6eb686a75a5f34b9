package cli

import (
	"fmt"

	"go.uber.org/zap"

	"ragpipe/config"
	"ragpipe/internal/adapter/cache"
	"ragpipe/internal/adapter/chunker"
	"ragpipe/internal/adapter/embedding"
	"ragpipe/internal/adapter/memstore"
	"ragpipe/internal/adapter/qdrant"
	"ragpipe/internal/adapter/store"
	"ragpipe/internal/port"
	"ragpipe/internal/usecase"
)

// pipeline bundles the collaborators every command needs.
type pipeline struct {
	index    port.VectorIndex
	embedder port.Embedder
	ingest   *usecase.IngestUseCase
	retrieve *usecase.RetrieveUseCase
	chat     *usecase.ChatUseCase

	// bolt is set when the index is the bbolt backend.
	bolt      *store.BoltIndex
	modelHash string
}

// rebuildRequired makes the ingest and query commands refuse an index built
// with another embedding model.
type rebuildRequired struct {
	reason string
}

func (e *rebuildRequired) Error() string {
	return fmt.Sprintf("index rebuild required: %s (run 'rag rebuild')", e.reason)
}

// openPipeline builds the index, embedder and use cases from cfg. When
// allowStale is false a bolt index embedded with another model is refused.
func openPipeline(cfg *config.Config, dir string, allowStale bool, logger *zap.Logger) (*pipeline, error) {
	base, err := embedding.New(cfg.EmbeddingProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	var emb port.Embedder = embedding.WithRetry(base, cfg.Retry, logger)
	if cfg.Embedding.CacheSize > 0 {
		emb = cache.NewCachedEmbedder(emb, cache.NewQueryCache(cfg.Embedding.CacheSize, cfg.Embedding.CacheTTL))
	}

	p := &pipeline{
		embedder:  emb,
		modelHash: store.ComputeModelHash(cfg.Embedding.Provider, cfg.Embedding.Model),
	}

	switch cfg.Index.Backend {
	case config.BackendMemory:
		p.index = memstore.NewIndex()
	case config.BackendQdrant:
		p.index, err = qdrant.New(cfg.QdrantStore(), logger)
		if err != nil {
			return nil, err
		}
	default:
		if err := config.EnsureRAGDir(dir); err != nil {
			return nil, fmt.Errorf("failed to create .rag directory: %w", err)
		}
		dbPath := cfg.IndexDBPath(dir)
		p.bolt, err = store.OpenBoltIndex(dbPath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open index store: %w", err)
		}
		p.index = p.bolt

		migration, err := p.bolt.CheckMigration(p.modelHash)
		if err != nil {
			p.bolt.Close()
			return nil, fmt.Errorf("failed to check migration: %w", err)
		}
		if migration.NeedsRebuild && !allowStale {
			p.bolt.Close()
			return nil, &rebuildRequired{reason: migration.Reason}
		}
		logger.Debug("opened bolt index", zap.String("path", dbPath), zap.Int("schema", migration.OldVersion))
	}

	chk, err := chunker.NewCharChunker(cfg.Chunk.Size, cfg.Chunk.Overlap)
	if err != nil {
		p.index.Close()
		return nil, err
	}

	p.ingest = usecase.NewIngestUseCase(chk, emb, usecase.IngestOptions{
		BatchSize:   cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency,
	}, logger)
	p.retrieve = usecase.NewRetrieveUseCase(emb, usecase.RetrieveOptions{
		DefaultK:  cfg.Retrieve.TopK,
		Separator: cfg.Retrieve.Separator,
		MinScore:  cfg.Retrieve.MinScore,
	}, logger)
	p.chat = usecase.NewChatUseCase(p.retrieve, logger)
	return p, nil
}

// stamp records the embedding model once vectors from it are stored.
func (p *pipeline) stamp() error {
	if p.bolt == nil {
		return nil
	}
	if err := p.bolt.Migrate(p.modelHash); err != nil {
		return fmt.Errorf("failed to update schema info: %w", err)
	}
	return nil
}

func (p *pipeline) Close() error {
	return p.index.Close()
}
