package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/commands"
	"github.com/dotsetgreg/dotpersona/pkg/config"
)

func newPersonasCommand(opts *cliOptions) *cobra.Command {
	personasRoot := &cobra.Command{
		Use:   "personas",
		Short: "Inspect, export and import personas",
		Long:  "Read the persona store directly, and move persona collections as YAML bundles.",
	}

	personasRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List personas",
		Example: "  dotpersona personas list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(eng *engine) error {
				all := eng.store.List(cmd.Context())
				out := cmd.OutOrStdout()
				if len(all) == 0 {
					fmt.Fprintln(out, "No personas.")
					return nil
				}
				for _, p := range all {
					avatar := ""
					if p.HasAvatar() {
						avatar = " | avatar"
					}
					fmt.Fprintf(out, "%s | preset dialogs: %d | tools: %s%s\n", p.ID, len(p.BeginDialogs), commands.ToolSummary(p), avatar)
				}
				return nil
			})
		},
	})

	personasRoot.AddCommand(&cobra.Command{
		Use:     "show <persona_id>",
		Short:   "Show one persona",
		Args:    cobra.ExactArgs(1),
		Example: "  dotpersona personas show writer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(eng *engine) error {
				p, err := eng.store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), commands.Describe(p))
				return nil
			})
		},
	})

	var outPath string
	export := &cobra.Command{
		Use:     "export",
		Short:   "Export all personas as a YAML bundle",
		Example: "  dotpersona personas export --out personas.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(eng *engine) error {
				var w io.Writer = cmd.OutOrStdout()
				if outPath != "" && outPath != "-" {
					if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
						return fmt.Errorf("create output dir: %w", err)
					}
					f, err := os.Create(outPath)
					if err != nil {
						return fmt.Errorf("create %s: %w", outPath, err)
					}
					defer f.Close()
					w = f
				}
				n, err := exportBundle(cmd.Context(), eng.store, w)
				if err != nil {
					return err
				}
				if outPath != "" && outPath != "-" {
					fmt.Fprintf(cmd.OutOrStdout(), "Exported %d personas to %s\n", n, outPath)
				}
				return nil
			})
		},
	}
	export.Flags().StringVarP(&outPath, "out", "o", "", "Write the bundle to a file instead of stdout")
	personasRoot.AddCommand(export)

	personasRoot.AddCommand(&cobra.Command{
		Use:     "import <file>",
		Short:   "Import personas from a YAML bundle",
		Long:    "Create or replace personas from a bundle written by export. Existing personas keep their position.",
		Args:    cobra.ExactArgs(1),
		Example: "  dotpersona personas import personas.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, opts, func(eng *engine) error {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open bundle: %w", err)
				}
				defer f.Close()
				n, err := importBundle(cmd.Context(), eng.store, f)
				if err != nil {
					return fmt.Errorf("after %d personas: %w", n, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %d personas\n", n)
				return nil
			})
		},
	})

	return personasRoot
}

func withEngine(cmd *cobra.Command, opts *cliOptions, fn func(eng *engine) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	cfg.Sync.SyncNicknameOnSwitch = false
	cfg.Sync.SyncAvatarOnSwitch = false
	eng, err := openEngine(cmd.Context(), cfg, bus.NewMessageBus(), nil)
	if err != nil {
		return err
	}
	defer eng.Close()
	return fn(eng)
}

func runStatus(cmd *cobra.Command, configPath string, cfg *config.Config) error {
	out := cmd.OutOrStdout()
	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}

	fmt.Fprintf(out, "%s Status\n", appName)
	fmt.Fprintf(out, "Version: %s\n\n", formatVersion())

	_, err := os.Stat(configPath)
	fmt.Fprintln(out, "Config:", configPath, mark(err == nil))

	dbPath := cfg.StoragePath()
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Fprintln(out, "Storage:", dbPath, "not initialized")
	} else {
		fmt.Fprintln(out, "Storage:", dbPath, "✓")
		err := withEngine(cmd, &cliOptions{configPath: configPath}, func(eng *engine) error {
			personas, bindings, history, err := eng.db.Counts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Personas: %d, bindings: %d, history entries: %d\n", personas, bindings, history)
			return nil
		})
		if err != nil {
			return err
		}
	}

	settings := cfg.PersonaSettings()
	fmt.Fprintf(out, "Switch scope: %s\n", settings.Scope)
	fmt.Fprintf(out, "Keyword mappings: %d (switching %s)\n", len(settings.Keywords), mark(settings.KeywordSwitching))
	fmt.Fprintln(out, "Identity sync:", mark(settings.Sync.Enabled()))
	fmt.Fprintln(out, "Discord token:", mark(cfg.Channels.Discord.Token != ""))
	return nil
}
