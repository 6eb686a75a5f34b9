package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ragpipe/internal/adapter/chunker"
	"ragpipe/internal/adapter/embedding"
	"ragpipe/internal/adapter/memstore"
	"ragpipe/internal/domain"
)

// keywordEmbedder maps text onto fixed keyword features so tests can reason
// about similarity exactly.
type keywordEmbedder struct {
	features []string
}

func (e keywordEmbedder) vector(text string) []float32 {
	text = strings.ToLower(text)
	v := make([]float32, len(e.features))
	for i, f := range e.features {
		if strings.Contains(text, f) {
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

func (e keywordEmbedder) ModelName() string { return "keyword" }

// scriptedEmbedder fails any batch containing a text with failOn.
type scriptedEmbedder struct {
	failOn string
	err    error
	calls  atomic.Int32
}

func (e *scriptedEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vs, err := e.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (e *scriptedEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.failOn != "" && strings.Contains(t, e.failOn) {
			return nil, e.err
		}
		out[i] = []float32{1, float32(len(t))}
	}
	return out, nil
}

func (e *scriptedEmbedder) ModelName() string { return "scripted" }

func newChunker(t *testing.T, size, overlap int) *chunker.CharChunker {
	t.Helper()
	c, err := chunker.NewCharChunker(size, overlap)
	require.NoError(t, err)
	return c
}

func TestEndToEnd_CatSatOnTheMat(t *testing.T) {
	ctx := context.Background()
	emb := keywordEmbedder{features: []string{"cat", "dog", "mat"}}
	ingest := NewIngestUseCase(newChunker(t, 20, 5), emb, IngestOptions{BatchSize: 2}, zap.NewNop())
	retrieve := NewRetrieveUseCase(emb, RetrieveOptions{}, zap.NewNop())
	idx := memstore.NewIndex()

	docs := []domain.Document{
		{ID: "d1", Text: "The cat sat on the mat."},
		{ID: "d2", Text: "Dogs bark loudly."},
	}
	res, err := ingest.Ingest(ctx, idx, docs, IngestRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 3, res.Committed)
	assert.Equal(t, 2, res.Batches)

	rc, err := retrieve.Answer(ctx, idx, domain.Query{Text: "Where did the cat sit?", K: 1})
	require.NoError(t, err)
	require.True(t, rc.Found)
	require.Len(t, rc.Hits, 1)
	assert.Equal(t, "The cat sat on the m", rc.Hits[0].Payload.Text)
	assert.Equal(t, "d1", rc.Hits[0].Payload.Partition.Document)
	assert.Equal(t, "The cat sat on the m", rc.Block)

	all, err := idx.Search(ctx, emb.vector("Where did the cat sit?"), 3, nil)
	require.NoError(t, err)
	for _, h := range all.Hits[1:] {
		assert.Less(t, h.Score, all.Hits[0].Score)
	}
}

func TestRoundTrip_IdenticalTextScoresOne(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewMockEmbedder(128)
	ingest := NewIngestUseCase(newChunker(t, 40, 10), emb, IngestOptions{BatchSize: 3, Concurrency: 2}, nil)
	retrieve := NewRetrieveUseCase(emb, RetrieveOptions{}, nil)
	idx := memstore.NewIndex()

	docs := []domain.Document{
		{ID: "a", Text: "Go channels let goroutines communicate by sending typed values between them."},
		{ID: "b", Text: "Vector indexes rank stored embeddings by cosine similarity to a query vector."},
	}
	_, err := ingest.Ingest(ctx, idx, docs, IngestRequest{})
	require.NoError(t, err)

	target := newChunker(t, 40, 10).SplitDocument(docs[1])[1]

	rc, err := retrieve.Answer(ctx, idx, domain.Query{Text: target.Text, K: 1})
	require.NoError(t, err)
	require.Len(t, rc.Hits, 1)
	assert.Equal(t, target.Text, rc.Hits[0].Payload.Text)
	assert.Equal(t, target.ID, rc.Hits[0].Payload.ChunkID)
	assert.InDelta(t, 1.0, rc.Hits[0].Score, 1e-5)
}

func TestAnswer_NoContextSignal(t *testing.T) {
	emb := keywordEmbedder{features: []string{"cat"}}
	retrieve := NewRetrieveUseCase(emb, RetrieveOptions{}, nil)

	rc, err := retrieve.Answer(context.Background(), memstore.NewIndex(), domain.Query{Text: "anything", K: 3})
	require.NoError(t, err)
	assert.False(t, rc.Found)
	assert.Empty(t, rc.Block)
	assert.Empty(t, rc.Hits)
}

func TestAnswer_RejectsBadQuery(t *testing.T) {
	retrieve := NewRetrieveUseCase(keywordEmbedder{}, RetrieveOptions{}, nil)
	idx := memstore.NewIndex()
	var cfgErr *domain.ConfigurationError

	_, err := retrieve.Answer(context.Background(), idx, domain.Query{Text: "q", K: -1})
	assert.ErrorAs(t, err, &cfgErr)

	_, err = retrieve.Answer(context.Background(), idx, domain.Query{Text: "  ", K: 1})
	assert.ErrorAs(t, err, &cfgErr)
}

func TestAnswer_PartitionFilter(t *testing.T) {
	ctx := context.Background()
	emb := keywordEmbedder{features: []string{"cat", "dog"}}
	ingest := NewIngestUseCase(newChunker(t, 50, 10), emb, IngestOptions{}, nil)
	retrieve := NewRetrieveUseCase(emb, RetrieveOptions{Separator: " | "}, nil)
	idx := memstore.NewIndex()

	_, err := ingest.Ingest(ctx, idx, []domain.Document{{ID: "x", Text: "alice has a cat"}}, IngestRequest{Partition: domain.Partition{Owner: "alice"}})
	require.NoError(t, err)
	_, err = ingest.Ingest(ctx, idx, []domain.Document{{ID: "x", Text: "bob has a cat"}}, IngestRequest{Partition: domain.Partition{Owner: "bob"}})
	require.NoError(t, err)

	rc, err := retrieve.Answer(ctx, idx, domain.Query{Text: "cat", K: 5, Filter: &domain.Partition{Owner: "bob"}})
	require.NoError(t, err)
	require.Len(t, rc.Hits, 1)
	assert.Equal(t, "bob has a cat", rc.Block)

	rc, err = retrieve.Answer(ctx, idx, domain.Query{Text: "cat", K: 5})
	require.NoError(t, err)
	assert.Equal(t, "alice has a cat | bob has a cat", rc.Block)
}

func TestIngest_AnonymousDocumentsGetDistinctEntries(t *testing.T) {
	ctx := context.Background()
	emb := &scriptedEmbedder{}
	ingest := NewIngestUseCase(newChunker(t, 20, 5), emb, IngestOptions{}, nil)
	idx := memstore.NewIndex()

	docs := []domain.Document{
		{Text: "The cat sat on the mat."},
		{Text: "Dogs bark loudly here!"},
	}
	res, err := ingest.Ingest(ctx, idx, docs, IngestRequest{})
	require.NoError(t, err)
	require.Equal(t, 4, res.Chunks)

	all, err := idx.Search(ctx, []float32{1, 20}, 10, nil)
	require.NoError(t, err)
	require.Len(t, all.Hits, res.Chunks)

	ids := map[string]string{}
	docIDs := map[string]bool{}
	for _, h := range all.Hits {
		prev, dup := ids[h.ID]
		assert.False(t, dup, "entry %s shared by %q and %q", h.ID, prev, h.Payload.Text)
		ids[h.ID] = h.Payload.Text
		assert.NotEmpty(t, h.Payload.Partition.Document)
		docIDs[h.Payload.Partition.Document] = true
	}
	assert.Len(t, docIDs, 2)

	// a second call with the same anonymous text adds new entries
	_, err = ingest.Ingest(ctx, idx, docs[:1], IngestRequest{})
	require.NoError(t, err)
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestIngest_FailedBatchReportsMissingChunks(t *testing.T) {
	ctx := context.Background()
	emb := &scriptedEmbedder{failOn: "POISON", err: &domain.ProviderError{Op: "embed", Err: errors.New("boom")}}
	ingest := NewIngestUseCase(newChunker(t, 10, 2), emb, IngestOptions{BatchSize: 1, Concurrency: 3}, nil)
	idx := memstore.NewIndex()

	docs := []domain.Document{
		{ID: "ok1", Text: "fine text"},
		{ID: "bad", Text: "POISON"},
		{ID: "ok2", Text: "more text"},
	}

	var reports []BatchReport
	res, err := ingest.Ingest(ctx, idx, docs, IngestRequest{OnBatch: func(r BatchReport) { reports = append(reports, r) }})

	var ingestErr *domain.IngestError
	require.ErrorAs(t, err, &ingestErr)
	require.Len(t, ingestErr.Failed, 1)
	assert.Equal(t, 1, ingestErr.Failed[0].Batch)

	badChunks := newChunker(t, 10, 2).SplitDocument(docs[1])
	assert.Equal(t, []string{badChunks[0].ID}, ingestErr.MissingChunkIDs())

	var provErr *domain.ProviderError
	assert.ErrorAs(t, err, &provErr)

	assert.Equal(t, 2, res.Committed)
	assert.Len(t, reports, 3)
	n, _ := idx.Count(ctx)
	assert.Equal(t, 2, n)
}

func TestIngest_AuthErrorStopsScheduling(t *testing.T) {
	ctx := context.Background()
	emb := &scriptedEmbedder{failOn: "text", err: &domain.AuthError{Err: errors.New("401")}}
	ingest := NewIngestUseCase(newChunker(t, 10, 2), emb, IngestOptions{BatchSize: 1, Concurrency: 1}, nil)
	idx := memstore.NewIndex()

	docs := make([]domain.Document, 5)
	for i := range docs {
		docs[i] = domain.Document{ID: fmt.Sprintf("d%d", i), Text: "some text"}
	}

	res, err := ingest.Ingest(ctx, idx, docs, IngestRequest{})
	var ingestErr *domain.IngestError
	require.ErrorAs(t, err, &ingestErr)
	assert.Len(t, ingestErr.Failed, res.Batches)
	assert.Equal(t, int32(1), emb.calls.Load())
	assert.ErrorIs(t, ingestErr.Failed[1].Err, errStopped)
}

// blockingEmbedder holds its first call until released.
type blockingEmbedder struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (e *blockingEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	return []float32{1}, nil
}

func (e *blockingEmbedder) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	e.once.Do(func() {
		close(e.started)
		<-e.release
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1}
	}
	return out, nil
}

func (e *blockingEmbedder) ModelName() string { return "blocking" }

func TestIngest_CancellationBetweenBatches(t *testing.T) {
	emb := &blockingEmbedder{started: make(chan struct{}), release: make(chan struct{})}
	ingest := NewIngestUseCase(newChunker(t, 10, 2), emb, IngestOptions{BatchSize: 1, Concurrency: 1}, nil)
	idx := memstore.NewIndex()

	docs := []domain.Document{{ID: "a", Text: "one"}, {ID: "b", Text: "two"}, {ID: "c", Text: "three"}}

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *IngestResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := ingest.Ingest(ctx, idx, docs, IngestRequest{})
		done <- outcome{res, err}
	}()

	<-emb.started
	cancel()
	close(emb.release)
	out := <-done

	// the in-flight batch completes, the rest are never started
	assert.Equal(t, 1, out.res.Committed)
	var ingestErr *domain.IngestError
	require.ErrorAs(t, out.err, &ingestErr)
	assert.Len(t, ingestErr.Failed, 2)
	assert.ErrorIs(t, out.err, context.Canceled)

	n, _ := idx.Count(context.Background())
	assert.Equal(t, 1, n)
}

func TestIngest_ChunkParameterValidation(t *testing.T) {
	ingest := NewIngestUseCase(nil, keywordEmbedder{}, IngestOptions{}, nil)
	_, err := ingest.Ingest(context.Background(), memstore.NewIndex(),
		[]domain.Document{{ID: "a", Text: "text"}},
		IngestRequest{ChunkSize: 5, Overlap: 5})

	var cfgErr *domain.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestIngest_EmptyCorpus(t *testing.T) {
	ingest := NewIngestUseCase(nil, keywordEmbedder{}, IngestOptions{}, nil)
	res, err := ingest.Ingest(context.Background(), memstore.NewIndex(), nil, IngestRequest{})
	require.NoError(t, err)
	assert.Zero(t, res.Chunks)
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	emb := keywordEmbedder{features: []string{"cat", "dog"}}
	ingest := NewIngestUseCase(newChunker(t, 50, 10), emb, IngestOptions{BatchSize: 1}, nil)
	idx := memstore.NewIndex()

	_, err := ingest.Ingest(ctx, idx, []domain.Document{{ID: "old", Text: "old cat"}}, IngestRequest{})
	require.NoError(t, err)

	res, err := ingest.Rebuild(ctx, idx, []domain.Document{{ID: "n1", Text: "new cat"}, {ID: "n2", Text: "new dog"}}, IngestRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Committed)

	texts := []string{}
	for _, e := range idx.Entries() {
		texts = append(texts, e.Payload.Text)
	}
	assert.Equal(t, []string{"new cat", "new dog"}, texts)

	failing := NewIngestUseCase(newChunker(t, 50, 10), &scriptedEmbedder{failOn: "dog", err: &domain.ProviderError{Op: "embed"}}, IngestOptions{BatchSize: 1}, nil)
	_, err = failing.Rebuild(ctx, idx, []domain.Document{{ID: "x", Text: "cat"}, {ID: "y", Text: "dog"}}, IngestRequest{})
	require.Error(t, err)

	n, _ := idx.Count(ctx)
	assert.Equal(t, 2, n, "failed rebuild must leave the index unchanged")
}

type recordingGenerator struct {
	calls  int
	system string
	user   string
}

func (g *recordingGenerator) Complete(ctx context.Context, system, user string) (string, error) {
	g.calls++
	g.system, g.user = system, user
	return "on the mat", nil
}

func (g *recordingGenerator) Stream(ctx context.Context, system, user string, emit func(string) error) error {
	g.calls++
	g.system, g.user = system, user
	for _, f := range []string{"on ", "the ", "mat"} {
		if err := emit(f); err != nil {
			return err
		}
	}
	return nil
}

func (g *recordingGenerator) ModelName() string { return "recorder" }

func TestChat_Ask(t *testing.T) {
	ctx := context.Background()
	emb := keywordEmbedder{features: []string{"cat", "dog"}}
	ingest := NewIngestUseCase(newChunker(t, 50, 10), emb, IngestOptions{}, nil)
	chat := NewChatUseCase(NewRetrieveUseCase(emb, RetrieveOptions{}, nil), nil)
	idx := memstore.NewIndex()

	_, err := ingest.Ingest(ctx, idx, []domain.Document{{ID: "d", Text: "The cat sat on the mat."}}, IngestRequest{})
	require.NoError(t, err)

	gen := &recordingGenerator{}
	ans, err := chat.Ask(ctx, idx, gen, ChatRequest{Query: domain.Query{Text: "Where is the cat?", K: 1}, Instructions: "Be brief."})
	require.NoError(t, err)
	assert.Equal(t, "on the mat", ans.Text)
	assert.Equal(t, "recorder", ans.Model)
	assert.True(t, ans.Context.Found)
	assert.Equal(t, 1, gen.calls)
	assert.Contains(t, gen.system, "The cat sat on the mat.")
	assert.Contains(t, gen.system, "Be brief.")
	assert.Equal(t, "Where is the cat?", gen.user)
}

func TestChat_NoContextSkipsGenerator(t *testing.T) {
	ctx := context.Background()
	emb := keywordEmbedder{features: []string{"cat"}}
	chat := NewChatUseCase(NewRetrieveUseCase(emb, RetrieveOptions{}, nil), nil)
	idx := memstore.NewIndex()
	gen := &recordingGenerator{}

	ans, err := chat.Ask(ctx, idx, gen, ChatRequest{Query: domain.Query{Text: "cat?"}})
	require.NoError(t, err)
	assert.False(t, ans.Context.Found)
	assert.Empty(t, ans.Text)

	rc, err := chat.Stream(ctx, idx, gen, ChatRequest{Query: domain.Query{Text: "cat?"}}, func(string) error {
		t.Fatal("emit must not be called")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, rc.Found)
	assert.Zero(t, gen.calls)
}

func TestChat_Stream(t *testing.T) {
	ctx := context.Background()
	emb := keywordEmbedder{features: []string{"cat"}}
	ingest := NewIngestUseCase(nil, emb, IngestOptions{}, nil)
	chat := NewChatUseCase(NewRetrieveUseCase(emb, RetrieveOptions{}, nil), nil)
	idx := memstore.NewIndex()

	_, err := ingest.Ingest(ctx, idx, []domain.Document{{ID: "d", Text: "the cat"}}, IngestRequest{})
	require.NoError(t, err)

	var out strings.Builder
	rc, err := chat.Stream(ctx, idx, &recordingGenerator{}, ChatRequest{Query: domain.Query{Text: "cat"}}, func(s string) error {
		out.WriteString(s)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, rc.Found)
	assert.Equal(t, "on the mat", out.String())
}

func TestRenderSystemPrompt_WithoutInstructions(t *testing.T) {
	s, err := RenderSystemPrompt("", "BLOCK")
	require.NoError(t, err)
	assert.Contains(t, s, "BLOCK")
	assert.NotContains(t, s, "<no value>")
}
