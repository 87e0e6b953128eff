// Maestro — local multi-model LLM orchestrator.
//
// Single binary: `maestro serve` runs the daemon, `maestro scan` refreshes
// the model registry, `maestro index` builds the retrieval index, and
// `maestro bench` compares models on one query.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/internal/cli"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cli.Execute(version)
}
