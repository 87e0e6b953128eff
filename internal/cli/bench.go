package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/maestro-llm/maestro/pkg/models"
	"github.com/maestro-llm/maestro/pkg/server"
)

func init() {
	benchCmd.Flags().BoolVar(&benchParallel, "parallel", false, "Run models in parallel batches")
	benchCmd.Flags().BoolVar(&benchContext, "context", false, "Attach CGRAG context")
	rootCmd.AddCommand(benchCmd)
}

var (
	benchParallel bool
	benchContext  bool
)

var benchCmd = &cobra.Command{
	Use:   "bench <query>",
	Short: "Benchmark one query across every ready model",
	Long: `Start all enabled model servers within the VRAM budget, run the query
on each of them, and print the per-model comparison as JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: runBench,
}

func runBench(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		return err
	}
	defer srv.Shutdown(ctx)

	skipped, err := srv.Supervisor.StartAll(ctx, srv.Config.VRAMBudgetGB)
	if err != nil {
		return fmt.Errorf("start servers: %w", err)
	}
	if len(skipped) > 0 {
		log.Warn().Strs("skipped", skipped).Msg("Models skipped by VRAM budget")
	}

	resp, err := srv.Engine.Query(ctx, models.QueryRequest{
		Query:      args[0],
		Mode:       models.ModeBenchmark,
		UseContext: benchContext,
		Benchmark:  &models.BenchmarkOptions{Parallel: benchParallel},
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp.Metadata.Benchmark)
}
