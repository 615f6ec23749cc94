package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/dotsetgreg/dotpersona/pkg/persona"
)

// personaBundle is the YAML export format. Tools is a pointer so that an
// omitted key (every tool) survives a round trip distinct from "tools: []".
type personaBundle struct {
	Personas []bundleEntry `yaml:"personas"`
}

type bundleEntry struct {
	ID           string    `yaml:"id"`
	SystemPrompt string    `yaml:"system_prompt"`
	BeginDialogs []string  `yaml:"begin_dialogs,omitempty"`
	Tools        *[]string `yaml:"tools,omitempty"`
	Avatar       string    `yaml:"avatar_base64,omitempty"`
}

func exportBundle(ctx context.Context, store *persona.Store, w io.Writer) (int, error) {
	var bundle personaBundle
	for _, p := range store.List(ctx) {
		entry := bundleEntry{ID: p.ID, SystemPrompt: p.SystemPrompt, BeginDialogs: p.BeginDialogs}
		if p.Tools != nil {
			tools := append([]string{}, p.Tools...)
			entry.Tools = &tools
		}
		img, err := store.Avatar(ctx, p.ID)
		if err != nil {
			return 0, err
		}
		if len(img) > 0 {
			entry.Avatar = base64.StdEncoding.EncodeToString(img)
		}
		bundle.Personas = append(bundle.Personas, entry)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(bundle); err != nil {
		return 0, fmt.Errorf("encode bundle: %w", err)
	}
	return len(bundle.Personas), enc.Close()
}

// importBundle upserts every entry. It stops at the first failure and
// reports how many entries were applied.
func importBundle(ctx context.Context, store *persona.Store, r io.Reader) (int, error) {
	var bundle personaBundle
	if err := yaml.NewDecoder(r).Decode(&bundle); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("decode bundle: %w", err)
	}

	for i, entry := range bundle.Personas {
		p := persona.Persona{ID: entry.ID, SystemPrompt: entry.SystemPrompt, BeginDialogs: entry.BeginDialogs}
		if entry.Tools != nil {
			p.Tools = append([]string{}, (*entry.Tools)...)
		}
		if _, err := store.Import(ctx, p); err != nil {
			return i, fmt.Errorf("import %q: %w", entry.ID, err)
		}
		if entry.Avatar == "" {
			continue
		}
		img, err := base64.StdEncoding.DecodeString(entry.Avatar)
		if err != nil {
			return i, fmt.Errorf("decode avatar for %q: %w", entry.ID, err)
		}
		if _, err := store.SetAvatar(ctx, p.ID, img); err != nil {
			return i, fmt.Errorf("import avatar for %q: %w", entry.ID, err)
		}
	}
	return len(bundle.Personas), nil
}
