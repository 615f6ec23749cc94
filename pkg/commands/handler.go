package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

// Request carries one command together with the caller's identity and
// conversation context.
type Request struct {
	Command        Command
	UserID         string
	ConversationID string
	SessionID      string
	IsGroup        bool
	GroupID        string
	BotHandle      string
	IsAdmin        bool
}

func (r Request) syncTarget() persona.SyncTarget {
	return persona.SyncTarget{Handle: r.BotHandle, IsGroup: r.IsGroup, GroupID: r.GroupID}
}

// Reply is the text to send back. Awaiting is set when the command opened a
// pending operation.
type Reply struct {
	Text     string
	Awaiting bool
}

// Handler executes commands against the persona engine.
type Handler struct {
	settings persona.Settings
	policy   Policy
	store    *persona.Store
	switcher *persona.Switcher
	pending  *persona.PendingTable
	identity *persona.IdentitySync
}

func NewHandler(settings persona.Settings, policy Policy, store *persona.Store, switcher *persona.Switcher, pending *persona.PendingTable, identity *persona.IdentitySync) *Handler {
	return &Handler{
		settings: settings,
		policy:   policy,
		store:    store,
		switcher: switcher,
		pending:  pending,
		identity: identity,
	}
}

func (h *Handler) Handle(ctx context.Context, req Request) Reply {
	if req.Command == nil {
		return Reply{Text: "Unknown command. Try /pp help."}
	}
	if !h.policy.Allowed(req.Command, req.IsAdmin) {
		logger.InfoCF("commands", "Command denied", map[string]any{
			"command": req.Command.Name(),
			"user_id": req.UserID,
		})
		return Reply{Text: "This operation requires admin permission."}
	}
	return req.Command.execute(ctx, h, req)
}

// HelpText lists the chat commands.
const HelpText = `Persona commands (/persona_plus, /pp and /persona+ all work):
- /pp <persona_id> - switch to a persona
- /pp switch <persona_id> - same as above
- /pp help - show this help
- /pp list - list all personas
- /pp view <persona_id> - show a persona
- /pp status - show the active persona here
- /pp create <persona_id> - create a persona, then send its prompt
- /pp update <persona_id> - replace a persona's prompt, then send the new prompt
- /pp avatar <persona_id> - set a persona's avatar, then send an image
- /pp cancel - cancel a pending create, update or avatar
- /pp delete <persona_id> - delete a persona (admin)`

func (Help) execute(ctx context.Context, h *Handler, req Request) Reply {
	return Reply{Text: HelpText}
}

// ToolSummary renders a persona's tool setting for listings.
func ToolSummary(p persona.Persona) string {
	if p.Tools == nil {
		return "ALL"
	}
	return fmt.Sprintf("%d", len(p.Tools))
}

func (List) execute(ctx context.Context, h *Handler, req Request) Reply {
	all := h.store.List(ctx)
	if len(all) == 0 {
		return Reply{Text: "No personas yet. Create one with /pp create <persona_id>."}
	}
	lines := []string{"Loaded personas:"}
	for _, p := range all {
		lines = append(lines, fmt.Sprintf("- %s | preset dialogs: %d | tools: %s", p.ID, len(p.BeginDialogs), ToolSummary(p)))
	}
	return Reply{Text: strings.Join(lines, "\n")}
}

// Describe renders the full persona view.
func Describe(p persona.Persona) string {
	lines := []string{
		"Persona " + p.ID,
		"----------------",
		"System Prompt:",
		p.SystemPrompt,
	}
	if len(p.BeginDialogs) > 0 {
		lines = append(lines, "", "Preset dialogs:")
		for i, d := range p.BeginDialogs {
			role := "User"
			if i%2 == 1 {
				role = "Assistant"
			}
			lines = append(lines, fmt.Sprintf("[%s] %s", role, d))
		}
	}
	switch {
	case p.Tools == nil:
		lines = append(lines, "", "Tools: all available tools")
	case len(p.Tools) == 0:
		lines = append(lines, "", "Tools: all tools disabled")
	default:
		lines = append(lines, "", "Tools: "+strings.Join(p.Tools, ", "))
	}
	if p.HasAvatar() {
		lines = append(lines, "Avatar: set")
	}
	return strings.Join(lines, "\n")
}

func (c View) execute(ctx context.Context, h *Handler, req Request) Reply {
	p, err := h.store.Get(ctx, c.PersonaID)
	if err != nil {
		return Reply{Text: userMessage(err, c.PersonaID)}
	}
	return Reply{Text: Describe(p)}
}

func (c Create) execute(ctx context.Context, h *Handler, req Request) Reply {
	if h.store.Exists(c.PersonaID) {
		return Reply{Text: fmt.Sprintf("Persona %s already exists, use /pp update %s.", c.PersonaID, c.PersonaID)}
	}
	h.pending.Open(req.UserID, req.ConversationID, persona.OpCreate, c.PersonaID)
	return Reply{
		Text:     fmt.Sprintf("Send the prompt for %s as your next message, as text or a text file (%s).", c.PersonaID, h.waitHint()),
		Awaiting: true,
	}
}

func (c Update) execute(ctx context.Context, h *Handler, req Request) Reply {
	if !h.store.Exists(c.PersonaID) {
		return Reply{Text: fmt.Sprintf("Persona %s not found, create it first.", c.PersonaID)}
	}
	h.pending.Open(req.UserID, req.ConversationID, persona.OpUpdate, c.PersonaID)
	return Reply{
		Text:     fmt.Sprintf("Send the new prompt for %s as your next message, as text or a text file (%s).", c.PersonaID, h.waitHint()),
		Awaiting: true,
	}
}

func (c Avatar) execute(ctx context.Context, h *Handler, req Request) Reply {
	if !h.store.Exists(c.PersonaID) {
		return Reply{Text: fmt.Sprintf("Persona %s not found, create it first.", c.PersonaID)}
	}
	h.pending.Open(req.UserID, req.ConversationID, persona.OpAvatar, c.PersonaID)
	return Reply{
		Text:     fmt.Sprintf("Send the avatar image for %s (%s).", c.PersonaID, h.waitHint()),
		Awaiting: true,
	}
}

func (c Delete) execute(ctx context.Context, h *Handler, req Request) Reply {
	if err := h.store.Delete(ctx, c.PersonaID); err != nil {
		return Reply{Text: userMessage(err, c.PersonaID)}
	}
	h.identity.Forget(c.PersonaID)
	return Reply{Text: fmt.Sprintf("Persona %s deleted.", c.PersonaID)}
}

func (c QuickSwitch) execute(ctx context.Context, h *Handler, req Request) Reply {
	res, err := h.switcher.Switch(ctx, persona.SwitchRequest{
		PersonaID:      c.PersonaID,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		Target:         req.syncTarget(),
		Announce:       true,
	})
	if err != nil {
		return Reply{Text: userMessage(err, c.PersonaID)}
	}
	return Reply{Text: SwitchText(res)}
}

// SwitchText renders a switch result with any side-effect warnings.
func SwitchText(res persona.SwitchResult) string {
	lines := make([]string, 0, 3)
	if res.Announcement != "" {
		lines = append(lines, res.Announcement)
	}
	for _, w := range res.Warnings() {
		lines = append(lines, "Note: "+w)
	}
	return strings.Join(lines, "\n")
}

func (Cancel) execute(ctx context.Context, h *Handler, req Request) Reply {
	if h.pending.Cancel(req.UserID, req.ConversationID) {
		return Reply{Text: "Pending operation cancelled."}
	}
	return Reply{Text: "Nothing to cancel."}
}

func (Status) execute(ctx context.Context, h *Handler, req Request) Reply {
	var lines []string
	id, ok, err := h.switcher.Active(ctx, "", req.ConversationID, req.SessionID)
	switch {
	case err != nil:
		lines = append(lines, userMessage(err, ""))
	case ok:
		lines = append(lines, fmt.Sprintf("Active persona: %s (scope: %s)", id, h.settings.Scope))
	default:
		lines = append(lines, "No active persona, the default applies.")
	}
	if op, open := h.pending.Peek(req.UserID, req.ConversationID); open {
		lines = append(lines, fmt.Sprintf("Waiting for your %s payload for %s.", op.Kind, op.PersonaID))
	}
	return Reply{Text: strings.Join(lines, "\n")}
}

func (h *Handler) waitHint() string {
	return fmt.Sprintf("waiting %ds, /pp cancel to abort", int(h.pending.Timeout().Seconds()))
}

// ConsumePending feeds a message to the caller's pending operation. handled
// is false when nothing is pending or the message carries no content, in
// which case the message should be processed normally.
func (h *Handler) ConsumePending(ctx context.Context, userID, conversationID string, payload persona.Payload) (Reply, bool) {
	done, err := h.pending.Consume(ctx, userID, conversationID, payload)
	switch {
	case errors.Is(err, persona.ErrNoActiveOperation):
		return Reply{}, false
	case errors.Is(err, persona.ErrEmptyPayload):
		_, open := h.pending.Peek(userID, conversationID)
		return Reply{}, open
	case errors.Is(err, persona.ErrInvalidPayloadKind):
		op, _ := h.pending.Peek(userID, conversationID)
		want := "text or a text file"
		if op.Kind == persona.OpAvatar {
			want = "an image"
		}
		return Reply{Text: fmt.Sprintf("Expected %s. Send it to continue, or /pp cancel.", want), Awaiting: true}, true
	case err != nil:
		return Reply{Text: fmt.Sprintf("%s failed: %s", titleKind(done.Operation.Kind), userMessage(err, done.Operation.PersonaID))}, true
	}

	id := done.Persona.ID
	switch done.Operation.Kind {
	case persona.OpCreate:
		return Reply{Text: fmt.Sprintf("Persona %s created.", id)}, true
	case persona.OpUpdate:
		return Reply{Text: fmt.Sprintf("Persona %s updated.", id)}, true
	default:
		h.identity.Forget(id)
		return Reply{Text: fmt.Sprintf("Avatar for persona %s saved.", id)}, true
	}
}

// ExpiryNotice is sent when a pending operation times out.
func ExpiryNotice(op persona.PendingOperation) string {
	return fmt.Sprintf("Timed out waiting for the %s payload for %s, operation cancelled.", op.Kind, op.PersonaID)
}

func titleKind(kind persona.OperationKind) string {
	s := string(kind)
	if s == "" {
		return "Operation"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// userMessage turns engine errors into user-facing text.
func userMessage(err error, personaID string) string {
	switch {
	case errors.Is(err, persona.ErrNotFound):
		return fmt.Sprintf("Persona %s not found.", personaID)
	case errors.Is(err, persona.ErrDuplicateID):
		return fmt.Sprintf("Persona %s already exists, use /pp update %s.", personaID, personaID)
	case errors.Is(err, persona.ErrMissingContext):
		return "This switch scope needs a conversation or session, none is available here."
	case errors.Is(err, persona.ErrEmptyPrompt):
		return "The prompt is empty."
	case errors.Is(err, persona.ErrPersistence):
		return "Could not save the change, please reissue the command."
	default:
		return err.Error()
	}
}
