package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

func executeCLI() error {
	return buildRootCommand(true).Execute()
}

// cliOptions holds the persistent flags shared by every subcommand.
type cliOptions struct {
	configPath string
	debug      bool
}

func (o *cliOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel()
	if o.debug {
		level = logger.DEBUG
	}
	if err := logger.Init(logger.Options{Level: level, File: cfg.LogFile()}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Persona management and switching for Discord bots",
		Long: strings.TrimSpace(`dotpersona manages named personas (system prompt profiles) for a chat bot
and switches between them per conversation, per session or globally.

Run the Discord gateway, try commands locally in the console, and move
persona collections between installations with export and import.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Path to the config file")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newOnboardCommand(opts))
	root.AddCommand(newGatewayCommand(opts))
	root.AddCommand(newConsoleCommand(opts))
	root.AddCommand(newPersonasCommand(opts))
	root.AddCommand(newStatusCommand(opts))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		root.AddCommand(newDocsCommand(func() *cobra.Command { return buildRootCommand(false) }))
	}

	return root
}

func newOnboardCommand(opts *cliOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default config file",
		Long:    "Create the default configuration for a new dotpersona installation.",
		Example: "  dotpersona onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if _, err := os.Stat(opts.configPath); err == nil && !force {
				fmt.Fprintf(out, "Config already exists at %s (use --force to overwrite)\n", opts.configPath)
				return nil
			}
			if err := config.SaveConfig(opts.configPath, config.DefaultConfig()); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(out, "%s is ready!\n", appName)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Add your Discord bot token to channels.discord.token in", opts.configPath)
			fmt.Fprintln(out, "  2. Add keyword mappings under persona.keyword_mappings (one keyword:persona_id per line)")
			fmt.Fprintln(out, "  3. Try commands locally: dotpersona console")
			fmt.Fprintln(out, "  4. Run gateway: dotpersona gateway")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  dotpersona version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func newStatusCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and storage readiness",
		Example: "  dotpersona status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return runStatus(cmd, opts.configPath, cfg)
		},
	}
}
