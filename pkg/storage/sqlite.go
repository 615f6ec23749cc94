package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

// SQLiteStore persists personas, avatars, bindings and conversation history.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ persona.Backend        = (*SQLiteStore)(nil)
	_ persona.BindingBackend = (*SQLiteStore)(nil)
	_ persona.HistoryClearer = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates/opens the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create persona db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection keeps SQLite free of writer lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS personas (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL,
			system_prompt TEXT NOT NULL,
			begin_dialogs_json TEXT NOT NULL DEFAULT '[]',
			tools_json TEXT NOT NULL DEFAULT 'null',
			avatar_ref TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS personas_seq_idx ON personas(seq);`,
		`CREATE TABLE IF NOT EXISTS persona_avatars (
			persona_id TEXT PRIMARY KEY REFERENCES personas(id) ON DELETE CASCADE,
			image BLOB NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS bindings (
			binding_key TEXT PRIMARY KEY,
			persona_id TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS history_conversation_idx ON history(conversation_id, created_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init persona db (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return nowMS()
	}
	return t.UnixMilli()
}

func encodeList(v []string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func decodeList(raw string) []string {
	if raw == "" || raw == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if out == nil {
		out = []string{}
	}
	return out
}

const upsertPersonaSQL = `
INSERT INTO personas(id, seq, system_prompt, begin_dialogs_json, tools_json, avatar_ref, created_at_ms, updated_at_ms)
VALUES(?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM personas), ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	system_prompt = excluded.system_prompt,
	begin_dialogs_json = excluded.begin_dialogs_json,
	tools_json = excluded.tools_json,
	avatar_ref = excluded.avatar_ref,
	updated_at_ms = excluded.updated_at_ms`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertPersona(ctx context.Context, db execer, p persona.Persona) error {
	dialogs := p.BeginDialogs
	if dialogs == nil {
		dialogs = []string{}
	}
	_, err := db.ExecContext(ctx, upsertPersonaSQL,
		p.ID,
		p.SystemPrompt,
		encodeList(dialogs),
		encodeList(p.Tools),
		p.AvatarRef,
		toMS(p.CreatedAt),
		toMS(p.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, p persona.Persona) error {
	if err := upsertPersona(ctx, s.db, p); err != nil {
		return fmt.Errorf("save persona: %w", err)
	}
	return nil
}

// SaveWithAvatar writes the record and its avatar in one transaction.
func (s *SQLiteStore) SaveWithAvatar(ctx context.Context, p persona.Persona, image []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save avatar begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertPersona(ctx, tx, p); err != nil {
		return fmt.Errorf("save avatar persona: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO persona_avatars(persona_id, image, updated_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(persona_id) DO UPDATE SET
	image = excluded.image,
	updated_at_ms = excluded.updated_at_ms`, p.ID, image, nowMS()); err != nil {
		return fmt.Errorf("save avatar image: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save avatar commit: %w", err)
	}
	return nil
}

const selectPersonaSQL = `
SELECT id, system_prompt, begin_dialogs_json, tools_json, avatar_ref, created_at_ms, updated_at_ms
FROM personas`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPersona(row rowScanner) (persona.Persona, error) {
	var (
		p                    persona.Persona
		dialogsRaw, toolsRaw string
		createdMS, updatedMS int64
	)
	if err := row.Scan(&p.ID, &p.SystemPrompt, &dialogsRaw, &toolsRaw, &p.AvatarRef, &createdMS, &updatedMS); err != nil {
		return persona.Persona{}, err
	}
	p.BeginDialogs = decodeList(dialogsRaw)
	if len(p.BeginDialogs) == 0 {
		p.BeginDialogs = nil
	}
	p.Tools = decodeList(toolsRaw)
	p.CreatedAt = time.UnixMilli(createdMS)
	p.UpdatedAt = time.UnixMilli(updatedMS)
	return p, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (persona.Persona, error) {
	row := s.db.QueryRowContext(ctx, selectPersonaSQL+` WHERE id = ?`, id)
	p, err := scanPersona(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persona.Persona{}, fmt.Errorf("%w: %s", persona.ErrNotFound, id)
		}
		return persona.Persona{}, fmt.Errorf("load persona: %w", err)
	}
	return p, nil
}

// Delete removes the persona; its avatar goes with it.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete persona begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM persona_avatars WHERE persona_id = ?`, id); err != nil {
		return fmt.Errorf("delete persona avatar: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM personas WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete persona commit: %w", err)
	}
	return nil
}

// ListAll returns every persona in creation order.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]persona.Persona, error) {
	rows, err := s.db.QueryContext(ctx, selectPersonaSQL+` ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer rows.Close()

	var out []persona.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate personas: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) LoadAvatar(ctx context.Context, id string) ([]byte, error) {
	row := s.db.QueryRowContext(ctx, `SELECT image FROM persona_avatars WHERE persona_id = ?`, id)
	var image []byte
	if err := row.Scan(&image); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: avatar for %s", persona.ErrNotFound, id)
		}
		return nil, fmt.Errorf("load avatar: %w", err)
	}
	return image, nil
}

func (s *SQLiteStore) SaveBinding(ctx context.Context, key persona.BindingKey, personaID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO bindings(binding_key, persona_id, updated_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(binding_key) DO UPDATE SET
	persona_id = excluded.persona_id,
	updated_at_ms = excluded.updated_at_ms`, string(key), personaID, nowMS())
	if err != nil {
		return fmt.Errorf("save binding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteBinding(ctx context.Context, key persona.BindingKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE binding_key = ?`, string(key)); err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadBindings(ctx context.Context) (map[persona.BindingKey]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT binding_key, persona_id FROM bindings`)
	if err != nil {
		return nil, fmt.Errorf("load bindings: %w", err)
	}
	defer rows.Close()

	out := make(map[persona.BindingKey]string)
	for rows.Next() {
		var key, personaID string
		if err := rows.Scan(&key, &personaID); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out[persona.BindingKey(key)] = personaID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bindings: %w", err)
	}
	return out, nil
}

// HistoryEntry is one recorded message of a conversation.
type HistoryEntry struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, conversationID, role, content string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("append history: empty conversation_id")
	}
	if strings.TrimSpace(role) == "" {
		return fmt.Errorf("append history: empty role")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO history(id, conversation_id, role, content, created_at_ms)
VALUES(?, ?, ?, ?, ?)`, uuid.NewString(), conversationID, role, content, nowMS())
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns up to limit of the most recent entries, oldest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, conversationID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, created_at_ms
FROM history
WHERE conversation_id = ?
ORDER BY created_at_ms DESC, rowid DESC
LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var e HistoryEntry
		var createdMS int64
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.Role, &e.Content, &createdMS); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) ClearHistory(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Counts reports row totals for status output.
func (s *SQLiteStore) Counts(ctx context.Context) (personas, bindings, history int, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM personas),
	(SELECT COUNT(*) FROM bindings),
	(SELECT COUNT(*) FROM history)`)
	if err := row.Scan(&personas, &bindings, &history); err != nil {
		return 0, 0, 0, fmt.Errorf("count rows: %w", err)
	}
	return personas, bindings, history, nil
}
