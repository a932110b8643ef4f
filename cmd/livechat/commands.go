package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildConsoleCmd creates the "console" command for staff sessions.
func buildConsoleCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run a staff console session",
		Long: `Run a staff console session.

Lines typed on stdin are sent to the active conversation. Commands:
  /list            show conversations
  /select ID       open a conversation
  /resend LOCALID  retry a pending or failed message
  /refresh         refetch the conversation list
  /quit            exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML or JSON5 configuration file")
	return cmd
}

// buildWidgetCmd creates the "widget" command for customer sessions.
func buildWidgetCmd() *cobra.Command {
	var (
		configPath string
		login      bool
	)
	cmd := &cobra.Command{
		Use:   "widget",
		Short: "Run a customer widget session",
		Long: `Run a customer widget session. Without a credential the widget runs as a guest.

Lines typed on stdin are sent to the conversation. Commands:
  /login           authenticate with a credential (prompted)
  /resend LOCALID  retry a pending or failed message
  /quit            exit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWidget(cmd, resolveConfigPath(configPath), login)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVar(&login, "login", false, "Prompt for a credential before connecting")
	return cmd
}

// buildCacheCmd creates the "cache" command group.
func buildCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the local cache",
	}
	cmd.AddCommand(buildCacheInspectCmd(), buildCachePurgeCmd())
	return cmd
}

func buildCacheInspectCmd() *cobra.Command {
	var (
		configPath string
		key        string
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List cached entries, or print one with --key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheInspect(cmd, resolveConfigPath(configPath), key)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVar(&key, "key", "", "Print the document stored under this key")
	return cmd
}

func buildCachePurgeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every cached entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCachePurge(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML or JSON5 configuration file")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration or print its schema",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML or JSON5 configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "livechat %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
