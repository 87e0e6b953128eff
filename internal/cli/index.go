package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maestro-llm/maestro/internal/cgrag"
	"github.com/maestro-llm/maestro/internal/config"
	"github.com/maestro-llm/maestro/internal/embeddings"
)

func init() {
	rootCmd.AddCommand(indexCmd)
}

var indexCmd = &cobra.Command{
	Use:   "index <path>...",
	Short: "Build the CGRAG document index",
	Long:  `Chunk and embed the given files or directories into the persistent retrieval index.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIndex,
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	ctx := context.Background()

	embedder := embeddings.NewOllamaDriver(cfg.EmbedEndpoint, cfg.EmbedModel)
	if err := embedder.HealthCheck(ctx); err != nil {
		return fmt.Errorf("embedding endpoint %s: %w", cfg.EmbedEndpoint, err)
	}

	store, err := cgrag.NewIndexer(embedder).Index(ctx, args, cfg.IndexDir())
	if err != nil {
		return err
	}

	count, _ := store.Count(ctx)
	fmt.Printf("Indexed %d chunk(s) into %s\n", count, cfg.IndexDir())
	return nil
}
