// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/watchwire/watchwire/internal/app"
	"github.com/watchwire/watchwire/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	roomFlag = flag.String("room", "", "Room to join on startup")
	setupRun = flag.Bool("setup", false, "Interactive setup before starting")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("WatchWire v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: client directory required")
		fmt.Fprintln(os.Stderr, "Usage: watchwire [flags] <client-directory>")
		os.Exit(1)
	}

	runClient(args[0])
}

func runClient(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		fatalf("Invalid client directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		fatalf("Create client directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "watchwire.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}

	if *setupRun || created {
		cfg = app.PromptInteractive(absDir, cfgPath, cfg)
		if err := config.Save(cfgPath, cfg); err != nil {
			fatalf("Failed to save config: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid config (%s): %v\nRun with -setup to fix it.", cfgPath, err)
	}

	printClientBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		ClientDir: absDir,
		CfgPath:   cfgPath,
		Cfg:       cfg,
		Room:      *roomFlag,
	}); err != nil {
		fatalf("Client failed: %v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("WatchWire - watch-together sync client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  watchwire [flags] <client-directory>")
	fmt.Println()
	fmt.Println("  The directory holds the client's watchwire.json config and its")
	fmt.Println("  local message database. Different directory = different viewer.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -room <id>  Room to join on startup (default \"lobby\")")
	fmt.Println("  -setup      Interactive setup before starting")
	fmt.Println("  -h          Show this help message")
	fmt.Println("  -version    Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # First run, answer the setup questions")
	fmt.Println("  watchwire -setup ./clients/alice")
	fmt.Println()
	fmt.Println("  # Join a movie night")
	fmt.Println("  watchwire -room movie-night ./clients/alice")
}

func printClientBanner(clientDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  WatchWire Client                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Client Directory: %s\n", clientDir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("User:             %s", cfg.Identity.UserID)
	if cfg.Identity.DisplayName != "" {
		fmt.Printf(" (%s)", cfg.Identity.DisplayName)
	}
	fmt.Println()
	fmt.Printf("Server:           %s\n", cfg.Server.URL)
	fmt.Println()
	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
