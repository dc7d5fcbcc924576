// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/djlink/internal/app"
	"github.com/petervdpas/djlink/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("djlink v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: a data directory is required")
		fmt.Fprintln(os.Stderr, "Usage: djlink <data-directory>")
		os.Exit(1)
	}

	runPlayer(args[0])
}

func runPlayer(dataDirArg string) {
	absDir, err := filepath.Abs(dataDirArg)
	if err != nil {
		log.Fatalf("Invalid data directory: %v", err)
	}

	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Unable to create data directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "djlink.json")
	cfg, createdNew, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if createdNew {
		fmt.Printf("Created default configuration at %s\n", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		DataDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Virtual player failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("djlink - Pro DJ Link virtual player")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  djlink <directory>     Run the virtual player from the given data directory")
	fmt.Println()
	fmt.Println("The directory holds the djlink.json configuration file (created with")
	fmt.Println("defaults on first run) and the device sighting database.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Run with a local data directory")
	fmt.Println("  djlink ./data")
}

func printBanner(dataDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                 djlink Virtual Player                  ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Data Directory: %s\n", dataDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Device Name:    %s\n", cfg.Player.Name)
	if cfg.Player.Number == 0 {
		fmt.Println("Device Number:  self-assigned at start")
	} else {
		fmt.Printf("Device Number:  %d\n", cfg.Player.Number)
	}
	fmt.Println()

	if cfg.Viewer.HTTPAddr != "" {
		fmt.Printf("🌐 Status Viewer:  http://%s\n", cfg.Viewer.HTTPAddr)
		fmt.Println()
	}

	fmt.Println("Starting virtual player... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
