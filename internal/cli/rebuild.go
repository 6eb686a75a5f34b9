package cli

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"ragpipe/internal/domain"
	"ragpipe/internal/usecase"
)

var rebuildOwner string

var rebuildCmd = &cobra.Command{
	Use:   "rebuild [paths...]",
	Short: "Replace the index with a fresh ingestion",
	Long: `Embed every chunk of the given documents and then replace the index contents
in one step. Searches keep seeing the old contents until the new ones are
complete. If any batch fails the index is left unchanged.

Rebuild is also how an index is moved to a new embedding model.

Examples:
  rag rebuild .
  rag rebuild docs --owner alice`,
	RunE: runRebuild,
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
	rebuildCmd.Flags().StringVar(&rebuildOwner, "owner", "", "owner recorded in every entry's partition")
}

func runRebuild(cmd *cobra.Command, args []string) error {
	docs, err := loadSources(args)
	if err != nil {
		return err
	}

	p, err := openPipeline(GetConfig(), GetRootDir(), true, GetLogger())
	if err != nil {
		return err
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	fmt.Printf("Rebuilding index from %d documents...\n", len(docs))
	result, err := p.ingest.Rebuild(ctx, p.index, docs, usecase.IngestRequest{
		Partition: domain.Partition{Owner: rebuildOwner},
		OnBatch:   batchProgress("Embedding"),
	})
	if err != nil {
		return fmt.Errorf("rebuild failed, index unchanged: %w", err)
	}
	if err := p.stamp(); err != nil {
		return err
	}

	printIngestResult(result)
	return nil
}
