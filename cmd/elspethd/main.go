// Command elspethd is the minimal composition root: it loads configuration,
// wires the audit recorder and checkpointer to a PostgreSQL-backed landscape
// store, and resumes a run when -resume is given; without it, it reports the
// composition root ready and exits without running a pipeline.
//
// Concrete graph/plugin assembly from a run definition, and full CLI command
// parsing (run/resume/purge/export/introspect, spec §6 "CLI surface"), are
// delegated to an external collaborator per spec.md's explicit Non-goals;
// this binary wires only what the core specifies.
//
// Grounded on core/cmd/example/main.go's shape: construct configuration,
// wire optional collaborators, fail fast with a logged error.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tachyon-beep/elspeth-sub014/checkpoint"
	"github.com/tachyon-beep/elspeth-sub014/config"
	"github.com/tachyon-beep/elspeth-sub014/errs"
	"github.com/tachyon-beep/elspeth-sub014/graph"
	"github.com/tachyon-beep/elspeth-sub014/landscape"
	"github.com/tachyon-beep/elspeth-sub014/landscape/payloadstore"
	"github.com/tachyon-beep/elspeth-sub014/landscape/postgres"
	"github.com/tachyon-beep/elspeth-sub014/telemetry"
)

// Exit codes, per spec §6's "CLI surface" note: 0 success, non-zero on
// unrecoverable error, and a reserved code specifically for a resume refused
// due to contract or graph drift.
const (
	exitOK          = 0
	exitError       = 1
	exitResumeDrift = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("elspethd", flag.ContinueOnError)
	configFile := fs.String("config", "", "path to a YAML settings file")
	resumeRunID := fs.String("resume", "", "run_id to resume instead of starting a new run")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	cfg := config.Default()
	if *configFile != "" {
		if err := cfg.LoadFromFile(*configFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}

	logger := telemetry.NewStructuredLogger(cfg.Telemetry.ServiceName, cfg.Telemetry.LogLevel, cfg.Telemetry.LogFormat).
		WithComponent("elspeth/cmd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Insecure, cfg.Telemetry.SamplingRatio)
		if err != nil {
			logger.Error("failed to start tracer provider", map[string]interface{}{"error": err.Error()})
			return exitError
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Error("tracer provider shutdown failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	store, err := postgres.Open(ctx, cfg.Landscape.DSN)
	if err != nil {
		logger.Error("failed to open landscape store", map[string]interface{}{"error": err.Error()})
		return exitError
	}
	defer store.Close()

	payloads, err := payloadstore.New(cfg.Landscape.PayloadStoreDir)
	if err != nil {
		logger.Error("failed to open payload store", map[string]interface{}{"error": err.Error()})
		return exitError
	}

	recorder := landscape.NewRecorder(store, payloads)

	// Graph assembly from a run definition is an external-collaborator
	// concern (spec.md Out of scope). An empty graph demonstrates the
	// wiring; a real deployment constructs g from the parsed run config.
	g := graph.New()

	var cp *checkpoint.Checkpointer
	if cfg.Checkpoint.Enabled {
		cp = checkpoint.New(recorder, g)
	}

	if *resumeRunID != "" {
		if cp == nil {
			logger.Error("resume requested but checkpointing is disabled", map[string]interface{}{"run_id": *resumeRunID})
			return exitError
		}
		point, err := cp.Resume(ctx, *resumeRunID)
		if err != nil {
			if errors.Is(err, errs.ErrGraphDrift) || errors.Is(err, errs.ErrCheckpointCorrupt) {
				logger.Error("resume refused", map[string]interface{}{"run_id": *resumeRunID, "error": err.Error()})
				return exitResumeDrift
			}
			logger.Error("resume failed", map[string]interface{}{"run_id": *resumeRunID, "error": err.Error()})
			return exitError
		}
		logger.Info("resumed run", map[string]interface{}{
			"run_id":          *resumeRunID,
			"durable_through": point.DurableThrough,
		})
		return exitOK
	}

	logger.Info("elspethd composition root ready; graph/plugin assembly delegated to the calling CLI layer", nil)
	return exitOK
}
