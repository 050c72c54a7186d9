// Command diagnose is a standalone connectivity check against the
// central server: it loads configuration, verifies the pending
// directory exists and is writable, then exercises the health endpoint
// without starting any long-running agent components. The registration
// endpoint is not called. Repurposed from the teacher's NAL-flow diagnostic tool
// for this system's REST-only external surface.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kklasmeier/security-camera-agent/pkg/apiclient"
	"github.com/kklasmeier/security-camera-agent/pkg/config"
	"github.com/kklasmeier/security-camera-agent/pkg/logger"
)

func main() {
	envPath := "env"
	if len(os.Args) > 1 {
		envPath = os.Args[1]
	}

	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("Security Camera Agent - Connectivity Diagnostic")
	fmt.Println(strings.Repeat("=", 60))

	cfg, err := config.Load(envPath)
	if err != nil {
		fmt.Printf("✗ Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nCamera ID:     %s\n", cfg.Camera.ID)
	fmt.Printf("Server:        %s\n", cfg.Server.APIBase())
	fmt.Printf("NFS mount:     %s\n", cfg.Paths.NFSMount)
	fmt.Printf("Pending dir:   %s\n", cfg.Paths.Pending)

	fmt.Println("\n=== Pending Directory ===")
	if _, err := os.Stat(cfg.Paths.Pending); err != nil {
		fmt.Printf("✗ pending directory does not exist: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ pending directory exists")
	if err := checkWritable(cfg.Paths.Pending); err != nil {
		fmt.Printf("✗ pending directory not writable: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ pending directory is writable")

	if warnings := cfg.Warnings(); len(warnings) > 0 {
		fmt.Println("\nConfiguration warnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	log := logger.New(logger.Config{CameraID: cfg.Camera.ID, BatchInterval: time.Hour})
	defer log.Stop()

	client := apiclient.New(cfg.Server.APIBase(), cfg.Camera.ID, log)

	fmt.Println("\n=== Health Check ===")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if client.CheckHealth(ctx) {
		fmt.Println("✓ Central server is reachable and healthy")
	} else {
		fmt.Println("✗ Central server health check failed")
		fmt.Println("  - verify the server is running and reachable at the address above")
		os.Exit(1)
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("✓ All connectivity checks passed")
	fmt.Println(strings.Repeat("=", 60))
}

// checkWritable mirrors original_source/test_transfer_manager.py's
// test_pending_directory: touch then remove a probe file rather than
// trusting directory permissions alone.
func checkWritable(dir string) error {
	probe := filepath.Join(dir, ".write_test")
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}
