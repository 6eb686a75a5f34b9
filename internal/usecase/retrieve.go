package usecase

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ragpipe/internal/domain"
	"ragpipe/internal/port"
)

// DefaultSeparator joins chunk texts in a context block.
const DefaultSeparator = "\n\n---\n\n"

// RetrieveOptions controls query-time behavior.
type RetrieveOptions struct {
	DefaultK  int
	Separator string
	// MinScore drops hits scoring below it (0 = disabled).
	MinScore float64
}

// RetrieveUseCase handles search and context assembly.
type RetrieveUseCase struct {
	embedder port.Embedder
	opts     RetrieveOptions
	logger   *zap.Logger
}

// NewRetrieveUseCase creates a new retrieve use case.
func NewRetrieveUseCase(embedder port.Embedder, opts RetrieveOptions, logger *zap.Logger) *RetrieveUseCase {
	if opts.DefaultK <= 0 {
		opts.DefaultK = 4
	}
	if opts.Separator == "" {
		opts.Separator = DefaultSeparator
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetrieveUseCase{embedder: embedder, opts: opts, logger: logger}
}

// Answer embeds the query, searches idx and joins the matched texts in rank
// order. When nothing matches, the returned context has Found == false and
// an empty Block. A zero K uses the configured default.
func (u *RetrieveUseCase) Answer(ctx context.Context, idx port.VectorIndex, q domain.Query) (*domain.RetrievedContext, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, &domain.ConfigurationError{Field: "query", Reason: "must not be empty"}
	}
	k := q.K
	if k == 0 {
		k = u.opts.DefaultK
	}
	if k < 0 {
		return nil, &domain.ConfigurationError{Field: "k", Reason: fmt.Sprintf("must be positive, got %d", k)}
	}

	vector, err := u.embedder.EmbedOne(ctx, q.Text)
	if err != nil {
		return nil, err
	}

	result, err := idx.Search(ctx, vector, k, q.Filter)
	if err != nil {
		return nil, err
	}
	if u.opts.MinScore > 0 {
		result = u.filterByThreshold(result)
	}

	rc := &domain.RetrievedContext{Query: q.Text, Hits: result.Hits}
	if result.IsEmpty() {
		u.logger.Debug("no matching context", zap.String("query", q.Text))
		rc.Hits = []domain.Hit{}
		return rc, nil
	}

	rc.Found = true
	rc.Block = strings.Join(result.Texts(), u.opts.Separator)
	return rc, nil
}

// filterByThreshold removes results below the minimum score threshold.
func (u *RetrieveUseCase) filterByThreshold(result domain.RetrievalResult) domain.RetrievalResult {
	filtered := make([]domain.Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		if h.Score >= u.opts.MinScore {
			filtered = append(filtered, h)
		}
	}
	return domain.RetrievalResult{Hits: filtered}
}
