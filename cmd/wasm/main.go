//go:build js && wasm

package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"syscall/js"

	"ragpipe/internal/adapter/chunker"
	"ragpipe/internal/adapter/embedding"
	"ragpipe/internal/adapter/memstore"
	"ragpipe/internal/domain"
	"ragpipe/internal/usecase"
)

// The browser build has no network access to an embedding provider, so it
// uses the hashing embedder.
var (
	index    *memstore.Index
	ingest   *usecase.IngestUseCase
	retrieve *usecase.RetrieveUseCase
	sources  []string
)

func init() {
	emb := embedding.NewMockEmbedder(256)
	chk, _ := chunker.NewCharChunker(chunker.DefaultChunkSize, chunker.DefaultOverlap)
	index = memstore.NewIndex()
	ingest = usecase.NewIngestUseCase(chk, emb, usecase.IngestOptions{Concurrency: 1}, nil)
	retrieve = usecase.NewRetrieveUseCase(emb, usecase.RetrieveOptions{}, nil)
}

func main() {
	c := make(chan struct{})

	js.Global().Set("ragIngest", js.FuncOf(ingestContent))
	js.Global().Set("ragQuery", js.FuncOf(queryContent))
	js.Global().Set("ragClear", js.FuncOf(clearIndex))
	js.Global().Set("ragStats", js.FuncOf(getStats))

	<-c
}

func ingestContent(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return makeError("usage: ragIngest(filename, content, [owner])")
	}

	filename := args[0].String()
	doc := domain.Document{
		ID:     generateDocID(filename),
		Source: filename,
		Text:   args[1].String(),
	}
	var partition domain.Partition
	if len(args) > 2 {
		partition.Owner = args[2].String()
	}

	result, err := ingest.Ingest(context.Background(), index, []domain.Document{doc}, usecase.IngestRequest{Partition: partition})
	if err != nil {
		return makeError("ingest failed: " + err.Error())
	}
	sources = append(sources, filename)

	return makeResult(map[string]interface{}{
		"success":  true,
		"chunks":   result.Chunks,
		"filename": filename,
	})
}

func queryContent(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return makeError("usage: ragQuery(query, [topK])")
	}

	q := domain.Query{Text: args[0].String(), K: 5}
	if len(args) > 1 {
		q.K = args[1].Int()
	}

	rc, err := retrieve.Answer(context.Background(), index, q)
	if err != nil {
		return makeError("search failed: " + err.Error())
	}

	output := make([]map[string]interface{}, 0, len(rc.Hits))
	for _, h := range rc.Hits {
		output = append(output, map[string]interface{}{
			"document": h.Payload.Partition.Document,
			"offset":   h.Payload.Offset,
			"length":   h.Payload.Length,
			"score":    h.Score,
			"text":     h.Payload.Text,
		})
	}

	return makeResult(map[string]interface{}{
		"results":    output,
		"context":    rc.Block,
		"no_context": !rc.Found,
		"query":      q.Text,
	})
}

func clearIndex(this js.Value, args []js.Value) interface{} {
	_ = index.RebuildFrom(context.Background(), nil)
	sources = nil
	return makeResult(map[string]interface{}{
		"success": true,
	})
}

func getStats(this js.Value, args []js.Value) interface{} {
	n, _ := index.Count(context.Background())
	return makeResult(map[string]interface{}{
		"totalDocs":   len(sources),
		"totalChunks": n,
		"dimension":   index.Dimension(),
		"files":       sources,
	})
}

func generateDocID(path string) string {
	hash := sha256.Sum256([]byte(path))
	return hex.EncodeToString(hash[:8])
}

func makeError(msg string) interface{} {
	result, _ := json.Marshal(map[string]interface{}{
		"error": msg,
	})
	return string(result)
}

func makeResult(data map[string]interface{}) interface{} {
	result, _ := json.Marshal(data)
	return string(result)
}
