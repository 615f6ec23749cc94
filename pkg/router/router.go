// Package router is the inbound message hook. Each message is tried as a
// management command, then as the payload of a pending operation, then
// against the keyword mappings, and otherwise passes through.
package router

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/commands"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

// HistoryRecorder stores pass-through messages in the conversation history.
type HistoryRecorder interface {
	AppendHistory(ctx context.Context, conversationID, role, content string) error
}

// Outcome says which stage consumed a message.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeCommand
	OutcomePending
	OutcomeSwitched
	OutcomePassThrough
	// OutcomeKeywordMiss is a keyword match whose persona does not exist.
	// The message still passes through.
	OutcomeKeywordMiss
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommand:
		return "command"
	case OutcomePending:
		return "pending"
	case OutcomeSwitched:
		return "switched"
	case OutcomePassThrough:
		return "pass_through"
	case OutcomeKeywordMiss:
		return "keyword_miss"
	default:
		return "ignored"
	}
}

type Result struct {
	Outcome Outcome
	Reply   string
	// PersonaID is the persona active for the message after processing.
	PersonaID string
}

type Options struct {
	Settings persona.Settings
	Handler  *commands.Handler
	Switcher *persona.Switcher
	Pending  *persona.PendingTable
	History  HistoryRecorder
	IsAdmin  func(userID string) bool
}

type Router struct {
	bus      *bus.MessageBus
	settings persona.Settings
	handler  *commands.Handler
	switcher *persona.Switcher
	pending  *persona.PendingTable
	history  HistoryRecorder
	isAdmin  func(string) bool
	counts   [OutcomeKeywordMiss + 1]atomic.Uint64
}

// New builds a router and registers it to announce expired pending
// operations on the bus.
func New(msgBus *bus.MessageBus, opts Options) *Router {
	isAdmin := opts.IsAdmin
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	r := &Router{
		bus:      msgBus,
		settings: opts.Settings,
		handler:  opts.Handler,
		switcher: opts.Switcher,
		pending:  opts.Pending,
		history:  opts.History,
		isAdmin:  isAdmin,
	}
	if r.pending != nil && msgBus != nil {
		r.pending.OnExpire(r.notifyExpired)
	}
	return r
}

// Run consumes the inbound queue until ctx is done or the bus closes.
func (r *Router) Run(ctx context.Context) error {
	logger.InfoC("router", "Router started")
	defer logger.InfoC("router", "Router stopped")

	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}
		res := r.ProcessDirect(ctx, msg)
		r.bus.Reply(msg, res.Reply)
	}
}

// ProcessDirect runs one message through the hook and returns the reply
// instead of publishing it.
func (r *Router) ProcessDirect(ctx context.Context, msg bus.InboundMessage) Result {
	res := r.process(ctx, msg)
	r.counts[res.Outcome].Add(1)
	logger.DebugCF("router", "Message processed", map[string]any{
		"conversation_id": msg.ConversationID(),
		"sender_id":       msg.SenderID,
		"outcome":         res.Outcome.String(),
		"persona_id":      res.PersonaID,
	})
	return res
}

func (r *Router) process(ctx context.Context, msg bus.InboundMessage) Result {
	conversationID := msg.ConversationID()
	text := strings.TrimSpace(msg.Content)

	if cmd, ok, err := r.parseCommand(text, msg.Mentioned); ok {
		if err != nil {
			return Result{Outcome: OutcomeCommand, Reply: err.Error()}
		}
		reply := r.handler.Handle(ctx, commands.Request{
			Command:        cmd,
			UserID:         msg.SenderID,
			ConversationID: conversationID,
			SessionID:      msg.SessionID(),
			IsGroup:        !msg.IsDM,
			GroupID:        msg.GuildID,
			BotHandle:      msg.BotID,
			IsAdmin:        r.isAdmin(msg.SenderID),
		})
		return Result{Outcome: OutcomeCommand, Reply: reply.Text}
	}

	if reply, handled := r.handler.ConsumePending(ctx, msg.SenderID, conversationID, payloadOf(msg)); handled {
		return Result{Outcome: OutcomePending, Reply: reply.Text}
	}

	res := Result{Outcome: OutcomePassThrough}
	if r.settings.KeywordSwitching {
		if id, ok := persona.Match(text, r.settings.Keywords); ok {
			switched, err := r.keywordSwitch(ctx, msg, id)
			switch {
			case err == nil:
				res = switched
			case errors.Is(err, persona.ErrNotFound):
				res.Outcome = OutcomeKeywordMiss
			}
		}
	}

	if res.PersonaID == "" {
		if id, ok, err := r.switcher.Active(ctx, "", conversationID, msg.SessionID()); err == nil && ok {
			res.PersonaID = id
		}
	}
	r.record(ctx, conversationID, text)
	return res
}

// parseCommand accepts a slashless command when the bot was mentioned.
func (r *Router) parseCommand(text string, mentioned bool) (commands.Command, bool, error) {
	cmd, ok, err := commands.Parse(text)
	if ok || !mentioned || text == "" || strings.HasPrefix(text, "/") {
		return cmd, ok, err
	}
	return commands.Parse("/" + text)
}

func (r *Router) keywordSwitch(ctx context.Context, msg bus.InboundMessage, personaID string) (Result, error) {
	res, err := r.switcher.Switch(ctx, persona.SwitchRequest{
		PersonaID:      personaID,
		ConversationID: msg.ConversationID(),
		SessionID:      msg.SessionID(),
		Target:         persona.SyncTarget{Handle: msg.BotID, IsGroup: !msg.IsDM, GroupID: msg.GuildID},
		Announce:       r.settings.Announce,
	})
	if err != nil {
		logger.WarnCF("router", "Keyword switch failed", map[string]any{
			"conversation_id": msg.ConversationID(),
			"persona_id":      personaID,
			"error":           err.Error(),
		})
		return Result{}, err
	}
	return Result{Outcome: OutcomeSwitched, Reply: commands.SwitchText(res), PersonaID: res.NewPersonaID}, nil
}

func (r *Router) record(ctx context.Context, conversationID, text string) {
	if r.history == nil || text == "" {
		return
	}
	if err := r.history.AppendHistory(ctx, conversationID, "user", text); err != nil {
		logger.WarnCF("router", "Failed to record history", map[string]any{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
	}
}

func (r *Router) notifyExpired(op persona.PendingOperation) {
	channel, chatID, ok := strings.Cut(op.ConversationID, ":")
	if !ok {
		return
	}
	r.bus.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: commands.ExpiryNotice(op),
	})
}

// Stats reports how many messages each stage consumed.
func (r *Router) Stats() map[string]uint64 {
	out := make(map[string]uint64, len(r.counts))
	for i := range r.counts {
		out[Outcome(i).String()] = r.counts[i].Load()
	}
	return out
}

// payloadOf prefers the first attachment over the message text.
func payloadOf(msg bus.InboundMessage) persona.Payload {
	if len(msg.Attachments) > 0 {
		a := msg.Attachments[0]
		return persona.AttachmentPayload(a.Name, a.ContentType, a.Fetch)
	}
	return persona.TextPayload(msg.Content)
}
