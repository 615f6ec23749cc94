package main

import (
	"context"
	"fmt"

	"github.com/dotsetgreg/dotpersona/pkg/bus"
	"github.com/dotsetgreg/dotpersona/pkg/commands"
	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/logger"
	"github.com/dotsetgreg/dotpersona/pkg/persona"
	"github.com/dotsetgreg/dotpersona/pkg/router"
	"github.com/dotsetgreg/dotpersona/pkg/storage"
)

// engine is the wired persona runtime shared by gateway and console.
type engine struct {
	cfg      *config.Config
	settings persona.Settings
	bus      *bus.MessageBus
	db       *storage.SQLiteStore
	store    *persona.Store
	identity *persona.IdentitySync
	switcher *persona.Switcher
	pending  *persona.PendingTable
	handler  *commands.Handler
	router   *router.Router
}

// openEngine loads personas and bindings from storage. profile may be nil,
// which leaves identity sync unavailable.
func openEngine(ctx context.Context, cfg *config.Config, msgBus *bus.MessageBus, profile persona.ProfileClient) (*engine, error) {
	db, err := storage.NewSQLiteStore(cfg.StoragePath())
	if err != nil {
		return nil, err
	}

	settings := cfg.PersonaSettings()
	store := persona.NewStore(db)
	if err := store.Hydrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load personas: %w", err)
	}

	identity := persona.NewIdentitySync(settings.Sync, profile, store)
	switcher := persona.NewSwitcher(settings, store, db, db, identity)
	if err := switcher.LoadBindings(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load bindings: %w", err)
	}
	pending := persona.NewPendingTable(store, settings.PendingTimeout)
	policy := commands.Policy{
		AdminCommands:         cfg.AdminCommandSet(),
		RequireAdminForManage: cfg.Persona.RequireAdminForManage,
	}
	handler := commands.NewHandler(settings, policy, store, switcher, pending, identity)

	e := &engine{
		cfg:      cfg,
		settings: settings,
		bus:      msgBus,
		db:       db,
		store:    store,
		identity: identity,
		switcher: switcher,
		pending:  pending,
		handler:  handler,
	}
	e.router = router.New(msgBus, router.Options{
		Settings: settings,
		Handler:  handler,
		Switcher: switcher,
		Pending:  pending,
		History:  db,
		IsAdmin:  cfg.IsAdmin,
	})

	logger.InfoCF("engine", "Persona engine ready", map[string]any{
		"personas":         store.Len(),
		"bindings":         switcher.BindingCount(),
		"keyword_mappings": len(settings.Keywords),
		"scope":            string(settings.Scope),
		"identity_sync":    identity.Enabled(),
	})
	return e, nil
}

// status feeds the health server's /status endpoint.
func (e *engine) status(ctx context.Context) map[string]any {
	out := map[string]any{
		"personas":           e.store.Len(),
		"bindings":           e.switcher.BindingCount(),
		"pending_operations": e.pending.Len(),
		"keyword_mappings":   len(e.settings.Keywords),
		"scope":              string(e.settings.Scope),
		"messages":           e.router.Stats(),
		"bus":                e.bus.Stats(),
	}
	if _, _, history, err := e.db.Counts(ctx); err == nil {
		out["history_entries"] = history
	}
	return out
}

func (e *engine) Close() error {
	e.bus.Close()
	return e.db.Close()
}
