// Command agent is the security camera edge-agent entrypoint: it loads
// configuration, builds the orchestrator, and runs until an interrupt
// or terminate signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kklasmeier/security-camera-agent/pkg/config"
	"github.com/kklasmeier/security-camera-agent/pkg/orchestrator"
)

func main() {
	envPath := flag.String("env", ".env", "path to the agent's .env-style configuration overrides")
	flag.Parse()

	cfg, err := config.Load(*envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys, err := orchestrator.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialization failed: %v\n", err)
		os.Exit(1)
	}

	if err := sys.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		sys.Stop()
		os.Exit(1)
	}

	sys.Run(ctx)

	// Give the shutdown sequence a moment to flush logs if Run's
	// ctx.Done() path races the process exit.
	time.Sleep(100 * time.Millisecond)
}
