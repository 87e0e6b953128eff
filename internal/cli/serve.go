package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/maestro-llm/maestro/pkg/server"
)

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveStartAll, "start-all", false, "Start all enabled model servers on boot")
	rootCmd.AddCommand(serveCmd)
}

var (
	servePort     int
	serveStartAll bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon",
	Long:  `Start the Maestro API server and supervise local inference servers.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		return err
	}
	if servePort > 0 {
		srv.Port = servePort
	}

	if serveStartAll {
		skipped, err := srv.Supervisor.StartAll(ctx, srv.Config.VRAMBudgetGB)
		if err != nil {
			log.Warn().Err(err).Msg("Bulk server start incomplete")
		}
		if len(skipped) > 0 {
			log.Warn().Strs("skipped", skipped).Msg("Models skipped by VRAM budget")
		}
	}

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", srv.Port),
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		// No write timeout: /api/events holds SSE streams open.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", srv.Port).Msg("Maestro listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
