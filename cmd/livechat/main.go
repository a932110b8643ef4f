// Package main provides the livechat CLI.
//
// livechat runs a staff console or a customer widget against a chat server
// from the terminal, and inspects the local persistence cache.
//
// # Basic Usage
//
// Run a staff console:
//
//	livechat console --config livechat.yaml
//
// Run a guest widget:
//
//	livechat widget --config widget.yaml
//
// Inspect or clear the cache:
//
//	livechat cache inspect
//	livechat cache purge
//
// # Environment Variables
//
//   - LIVECHAT_CONFIG: Path to configuration file (default: livechat.yaml)
//
// Configuration files may reference any environment variable as ${NAME}.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "livechat.yaml"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "livechat",
		Short: "livechat - real-time chat client for staff consoles and customer widgets",
		Long: `livechat keeps a chat session in sync with the server over a WebSocket,
falling back to REST and a local cache when the connection drops.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildConsoleCmd(),
		buildWidgetCmd(),
		buildCacheCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath prefers an explicit path, then LIVECHAT_CONFIG.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigName {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("LIVECHAT_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}
