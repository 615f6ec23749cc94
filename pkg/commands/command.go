// Package commands parses and executes the persona management commands
// (/persona_plus, /pp, /persona+).
package commands

import (
	"context"
	"fmt"
	"strings"
)

// Command is one parsed management command. The set of implementations is
// closed; dispatch goes through the unexported execute method.
type Command interface {
	// Name is the permission name checked against admin_commands.
	Name() string
	execute(ctx context.Context, h *Handler, req Request) Reply
}

type (
	List        struct{}
	Help        struct{}
	Cancel      struct{}
	Status      struct{}
	View        struct{ PersonaID string }
	Create      struct{ PersonaID string }
	Update      struct{ PersonaID string }
	Avatar      struct{ PersonaID string }
	Delete      struct{ PersonaID string }
	QuickSwitch struct{ PersonaID string }
)

func (List) Name() string        { return "list" }
func (Help) Name() string        { return "help" }
func (Cancel) Name() string      { return "cancel" }
func (Status) Name() string      { return "status" }
func (View) Name() string        { return "view" }
func (Create) Name() string      { return "create" }
func (Update) Name() string      { return "update" }
func (Avatar) Name() string      { return "avatar" }
func (Delete) Name() string      { return "delete" }
func (QuickSwitch) Name() string { return "switch" }

var aliases = map[string]struct{}{
	"persona_plus": {},
	"pp":           {},
	"persona+":     {},
}

// UsageError reports a recognized command with bad arguments.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string { return "usage: " + e.Usage }

// Parse recognizes a management command. ok is false when text is not
// addressed to the command group at all. The leading slash is required.
func Parse(text string) (Command, bool, error) {
	parts := strings.Fields(strings.TrimSpace(text))
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return nil, false, nil
	}
	prefix := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if _, ok := aliases[prefix]; !ok {
		return nil, false, nil
	}
	root := "/" + prefix

	if len(parts) == 1 {
		return Help{}, true, nil
	}

	sub := strings.ToLower(parts[1])
	args := parts[2:]

	noArgs := func(cmd Command) (Command, bool, error) {
		if len(args) != 0 {
			return nil, true, &UsageError{Usage: fmt.Sprintf("%s %s", root, sub)}
		}
		return cmd, true, nil
	}
	oneID := func(build func(string) Command) (Command, bool, error) {
		if len(args) != 1 {
			return nil, true, &UsageError{Usage: fmt.Sprintf("%s %s <persona_id>", root, sub)}
		}
		return build(args[0]), true, nil
	}

	switch sub {
	case "help":
		return noArgs(Help{})
	case "list":
		return noArgs(List{})
	case "cancel":
		return noArgs(Cancel{})
	case "status":
		return noArgs(Status{})
	case "view":
		return oneID(func(id string) Command { return View{PersonaID: id} })
	case "create":
		return oneID(func(id string) Command { return Create{PersonaID: id} })
	case "update":
		return oneID(func(id string) Command { return Update{PersonaID: id} })
	case "avatar":
		return oneID(func(id string) Command { return Avatar{PersonaID: id} })
	case "delete":
		return oneID(func(id string) Command { return Delete{PersonaID: id} })
	case "switch":
		return oneID(func(id string) Command { return QuickSwitch{PersonaID: id} })
	}

	if len(args) == 0 {
		return QuickSwitch{PersonaID: parts[1]}, true, nil
	}
	return nil, true, &UsageError{Usage: root + " <persona_id> | " + root + " help"}
}
