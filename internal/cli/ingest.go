package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ragpipe/internal/adapter/loader"
	"ragpipe/internal/domain"
	"ragpipe/internal/port"
	"ragpipe/internal/usecase"
)

var (
	ingestOwner     string
	ingestChunkSize int
	ingestOverlap   int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [paths...]",
	Short: "Chunk, embed and index documents",
	Long: `Load .txt, .md and .pdf documents, split them into overlapping chunks,
embed the chunks and add them to the index. Directories are walked using the
configured include and exclude patterns.

Batches are committed as they finish. If some batches fail, the chunks that
were not indexed are listed and the rest stay searchable.

Examples:
  rag ingest .                            # Ingest the current directory
  rag ingest notes.txt paper.pdf          # Ingest specific files
  rag ingest docs --owner alice           # Tag entries with an owner`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "owner recorded in every entry's partition")
	ingestCmd.Flags().IntVar(&ingestChunkSize, "chunk-size", 0, "chunk size in characters (default from config)")
	ingestCmd.Flags().IntVar(&ingestOverlap, "overlap", 0, "chunk overlap in characters (default from config)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	log := GetLogger()

	docs, err := loadSources(args)
	if err != nil {
		return err
	}

	p, err := openPipeline(cfg, GetRootDir(), false, log)
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	fmt.Printf("Ingesting %d documents...\n", len(docs))
	result, err := p.ingest.Ingest(ctx, p.index, docs, usecase.IngestRequest{
		Partition: domain.Partition{Owner: ingestOwner},
		ChunkSize: ingestChunkSize,
		Overlap:   ingestOverlap,
		OnBatch:   batchProgress("Embedding"),
	})

	var ingestErr *domain.IngestError
	if err != nil && !errors.As(err, &ingestErr) {
		return fmt.Errorf("ingest failed: %w", err)
	}
	if result.Committed > 0 {
		if err := p.stamp(); err != nil {
			return err
		}
	}

	printIngestResult(result)
	if ingestErr != nil {
		fmt.Printf("\nNot indexed (%d chunks):\n", len(ingestErr.MissingChunkIDs()))
		for _, f := range ingestErr.Failed {
			fmt.Printf("  - batch %d: %v\n", f.Batch, f.Err)
		}
		return ingestErr
	}
	return nil
}

// loadSources resolves args (default: the root directory) into documents.
func loadSources(args []string) ([]domain.Document, error) {
	cfg := GetConfig()
	if len(args) == 0 {
		args = []string{GetRootDir()}
	}

	sources := make([]string, len(args))
	for i, a := range args {
		abs, err := filepath.Abs(a)
		if err != nil {
			return nil, fmt.Errorf("invalid path: %w", err)
		}
		sources[i] = abs
	}

	var l port.Loader = loader.New(cfg.Loader.Includes, cfg.Loader.Excludes, GetLogger())
	var docs []domain.Document
	for _, src := range sources {
		loaded, err := l.Load(src)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no documents found in %v", args)
	}
	GetLogger().Debug("loaded documents", zap.Int("count", len(docs)))
	return docs, nil
}

// batchProgress returns an OnBatch callback drawing a progress bar that is
// created once the batch count is known.
func batchProgress(label string) func(usecase.BatchReport) {
	var (
		bar       *progressbar.ProgressBar
		mu        sync.Mutex
		startTime time.Time
		done      int
	)

	return func(r usecase.BatchReport) {
		mu.Lock()
		defer mu.Unlock()

		if bar == nil {
			startTime = time.Now()
			bar = progressbar.NewOptions(r.Total,
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowBytes(false),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("[cyan]"+label+"[reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionOnCompletion(func() {
					fmt.Println()
				}),
			)
		}

		done++
		_ = bar.Set(done)

		elapsed := time.Since(startTime)
		rate := float64(done) / elapsed.Seconds()
		if remaining := r.Total - done; remaining > 0 && rate > 0 {
			eta := time.Duration(float64(remaining)/rate) * time.Second
			bar.Describe(fmt.Sprintf("[cyan]%s[reset] ETA: %s", label, formatDuration(eta)))
		}
	}
}

func printIngestResult(r *usecase.IngestResult) {
	fmt.Printf("\nIngest complete:\n")
	fmt.Printf("  Documents:      %d\n", r.Documents)
	fmt.Printf("  Chunks:         %d\n", r.Chunks)
	fmt.Printf("  Batches:        %d\n", r.Batches)
	fmt.Printf("  Indexed:        %d\n", r.Committed)
	if len(r.Failed) > 0 {
		fmt.Printf("  Failed batches: %d\n", len(r.Failed))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
