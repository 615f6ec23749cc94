package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/config"
)

type consoleOptions struct {
	user         string
	conversation string
	admin        bool
	message      string
}

func newConsoleCommand(opts *cliOptions) *cobra.Command {
	co := &consoleOptions{}
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Run persona commands locally without Discord",
		Long: strings.Join([]string{
			"Feed messages through the persona router as a local user.",
			"Commands, pending operations and keyword switching behave as on Discord;",
			"identity sync is disabled.",
		}, "\n"),
		Example: strings.Join([]string{
			"  dotpersona console",
			"  dotpersona console --user alice --conversation support",
			"  dotpersona console -m \"/pp list\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return runConsole(cmd.Context(), cmd, cfg, co)
		},
	}
	cmd.Flags().StringVarP(&co.user, "user", "u", "local-user", "Sender id for console messages")
	cmd.Flags().StringVar(&co.conversation, "conversation", "direct", "Conversation (chat) id")
	cmd.Flags().BoolVar(&co.admin, "admin", true, "Treat the console user as an admin")
	cmd.Flags().StringVarP(&co.message, "message", "m", "", "Send one message and exit")
	return cmd
}

func runConsole(ctx context.Context, cmd *cobra.Command, cfg *config.Config, co *consoleOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.Sync.SyncNicknameOnSwitch = false
	cfg.Sync.SyncAvatarOnSwitch = false
	if co.admin {
		cfg.Persona.Admins = append(cfg.Persona.Admins, co.user)
	}

	eng, err := openEngine(ctx, cfg, bus.NewMessageBus(), nil)
	if err != nil {
		return err
	}
	defer eng.Close()

	out := cmd.OutOrStdout()
	send := func(line string) {
		res := eng.router.ProcessDirect(ctx, bus.InboundMessage{
			Channel:  "console",
			SenderID: co.user,
			ChatID:   co.conversation,
			Content:  line,
			IsDM:     true,
		})
		if res.Reply != "" {
			fmt.Fprintf(out, "%s\n\n", res.Reply)
		}
	}

	if strings.TrimSpace(co.message) != "" {
		send(co.message)
		return nil
	}

	fmt.Fprintf(out, "%s console as %s in %s (exit or Ctrl+D to quit)\n\n", appName, co.user, co.conversation)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".dotpersona_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdout:          out,
	})
	if err != nil {
		fmt.Fprintf(out, "Falling back to simple input mode: %v\n", err)
		return simpleConsole(cmd.InOrStdin(), out, send)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		if done := dispatchConsoleLine(line, send); done {
			return nil
		}
	}
}

func simpleConsole(in io.Reader, out io.Writer, send func(string)) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprintf(out, "%s> ", appName)
		if !scanner.Scan() {
			return scanner.Err()
		}
		if done := dispatchConsoleLine(scanner.Text(), send); done {
			return nil
		}
	}
}

// dispatchConsoleLine sends line and reports whether the user asked to quit.
func dispatchConsoleLine(line string, send func(string)) bool {
	input := strings.TrimSpace(line)
	switch input {
	case "":
		return false
	case "exit", "quit":
		return true
	}
	send(input)
	return false
}
