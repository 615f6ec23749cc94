package persona

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/dotpersona/pkg/logger"
)

// KeywordMapping routes messages containing Keyword to PersonaID.
type KeywordMapping struct {
	Keyword   string `json:"keyword" yaml:"keyword"`
	PersonaID string `json:"persona_id" yaml:"persona_id"`
}

// ParseKeywordMapping parses one "keyword:persona_id" entry. The split happens
// at the first colon. A legacy "mode|keyword" left side keeps only the keyword.
func ParseKeywordMapping(entry string) (KeywordMapping, error) {
	left, right, found := strings.Cut(entry, ":")
	if !found {
		return KeywordMapping{}, fmt.Errorf("invalid keyword mapping %q, expected keyword:persona_id", entry)
	}

	personaID := strings.TrimSpace(right)
	if personaID == "" {
		return KeywordMapping{}, fmt.Errorf("invalid persona id in keyword mapping %q", entry)
	}

	keyword := strings.TrimSpace(left)
	if _, kw, legacy := strings.Cut(keyword, "|"); legacy {
		keyword = strings.TrimSpace(kw)
		logger.WarnCF("keywords", "Ignoring match mode prefix, using substring match", map[string]any{
			"entry": entry,
		})
	}
	if keyword == "" {
		return KeywordMapping{}, fmt.Errorf("invalid keyword in keyword mapping %q", entry)
	}

	return KeywordMapping{Keyword: keyword, PersonaID: personaID}, nil
}

// ParseKeywordMappings parses newline separated mapping entries. Blank lines
// and lines starting with '#' are skipped. Malformed lines are logged and
// skipped, and a repeated keyword keeps its first declaration.
func ParseKeywordMappings(raw string) []KeywordMapping {
	var out []KeywordMapping
	seen := make(map[string]struct{})
	for _, line := range strings.Split(raw, "\n") {
		entry := strings.TrimSpace(line)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		m, err := ParseKeywordMapping(entry)
		if err != nil {
			logger.ErrorCF("keywords", "Failed to parse keyword mapping", map[string]any{"error": err.Error()})
			continue
		}
		if _, dup := seen[m.Keyword]; dup {
			logger.WarnCF("keywords", "Duplicate keyword ignored", map[string]any{
				"keyword":    m.Keyword,
				"persona_id": m.PersonaID,
			})
			continue
		}
		seen[m.Keyword] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Match returns the persona of the first mapping, in declaration order, whose
// keyword occurs in text. Matching is case-sensitive substring containment.
func Match(text string, mappings []KeywordMapping) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, m := range mappings {
		if m.Keyword != "" && strings.Contains(text, m.Keyword) {
			return m.PersonaID, true
		}
	}
	return "", false
}
