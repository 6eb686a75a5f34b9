package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"ragpipe/config"
	"ragpipe/internal/adapter/embedding"
	"ragpipe/internal/adapter/store"
	"ragpipe/internal/domain"
	"ragpipe/internal/logging"
)

func main() {
	indexPath := flag.String("index", ".", "Path to indexed directory")
	query := flag.String("q", "", "Query to test")
	topK := flag.Int("k", 10, "Number of results")
	flag.Parse()

	if *query == "" {
		fmt.Println("Usage: go run ./cmd/benchmark -index ./tmp -q \"query\"")
		fmt.Println("\nReports:")
		fmt.Println("  1. Index contents and embedding model")
		fmt.Println("  2. Query embedding and search latency")
		fmt.Println("  3. Similarity of the top matches")
		os.Exit(1)
	}
	_ = godotenv.Load()

	cfg, err := config.LoadFromDir(*indexPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.Logging.Level, cfg.Logging.Development)

	idx, err := store.OpenBoltIndex(cfg.IndexDBPath(*indexPath), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening index: %v\n", err)
		os.Exit(1)
	}
	defer idx.Close()

	embedder, err := embedding.New(cfg.EmbeddingProvider())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Embedder init failed: %v\n", err)
		os.Exit(1)
	}

	migration, err := idx.CheckMigration(store.ComputeModelHash(cfg.Embedding.Provider, cfg.Embedding.Model))
	if err == nil && migration.NeedsRebuild {
		fmt.Fprintf(os.Stderr, "Index not comparable with configured model: %s\n", migration.Reason)
		os.Exit(1)
	}

	ctx := context.Background()
	count, _ := idx.Count(ctx)
	if count == 0 {
		fmt.Fprintln(os.Stderr, "No entries - run 'rag ingest' first")
		os.Exit(1)
	}

	fmt.Println("SEMANTIC SEARCH BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Entries indexed: %d\n", count)
	fmt.Printf("Model: %s (%s)\n", cfg.Embedding.Model, cfg.Embedding.Provider)
	fmt.Println()

	fmt.Printf("Query: \"%s\"\n", *query)
	fmt.Println(strings.Repeat("-", 70))

	start := time.Now()
	queryVec, err := embedder.EmbedOne(ctx, *query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Embedding error: %v\n", err)
		os.Exit(1)
	}
	embedTime := time.Since(start)
	fmt.Printf("Query embedded: %d dimensions in %s\n", len(queryVec), embedTime.Round(time.Millisecond))

	start = time.Now()
	results, err := idx.Search(ctx, queryVec, *topK, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Searched in %s\n\n", time.Since(start).Round(time.Microsecond))

	if results.IsEmpty() {
		fmt.Println("No matches.")
		return
	}
	fmt.Printf("Top %d semantic matches:\n\n", len(results.Hits))

	totalScore := 0.0
	for i, h := range results.Hits {
		totalScore += h.Score
		fmt.Printf("%d. [%s %.3f] %s@%d\n", i+1, rating(h.Score), h.Score, h.Payload.Partition.Document, h.Payload.Offset)
		fmt.Printf("   %s\n\n", preview(h))
	}

	avgScore := totalScore / float64(len(results.Hits))
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("QUALITY METRICS:\n")
	fmt.Printf("  Average similarity: %.3f\n", avgScore)
	fmt.Printf("  Top-1 similarity:   %.3f\n", results.Hits[0].Score)

	if avgScore > 0.5 {
		fmt.Println("  Status: GOOD - semantic search working well")
	} else if avgScore > 0.3 {
		fmt.Println("  Status: OK - results are somewhat related")
	} else {
		fmt.Println("  Status: POOR - may need better embeddings or a rebuild")
	}
}

func rating(similarity float64) string {
	switch {
	case similarity > 0.7:
		return "HIGH"
	case similarity > 0.5:
		return "GOOD"
	case similarity > 0.3:
		return "OK"
	default:
		return "LOW"
	}
}

func preview(h domain.Hit) string {
	text := []rune(h.Payload.Text)
	if len(text) > 150 {
		text = append(text[:150], []rune("...")...)
	}
	return strings.ReplaceAll(string(text), "\n", " ")
}
