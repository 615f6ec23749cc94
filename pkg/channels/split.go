package channels

import "strings"

// discordMessageLimit leaves headroom under Discord's 2000 character cap.
const discordMessageLimit = 1800

// splitMessage breaks content into chunks of at most limit runes, preferring
// line breaks, then spaces, as cut points.
func splitMessage(content string, limit int) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	var chunks []string
	for {
		runes := []rune(content)
		if len(runes) <= limit {
			return append(chunks, content)
		}
		window := string(runes[:limit])
		cut := strings.LastIndex(window, "\n")
		if cut <= 0 {
			cut = strings.LastIndexAny(window, " \t")
		}
		if cut <= 0 {
			cut = len(window)
		}
		chunks = append(chunks, strings.TrimRight(content[:cut], " \t\n"))
		content = strings.TrimLeft(content[cut:], " \t\n")
		if content == "" {
			return chunks
		}
	}
}
