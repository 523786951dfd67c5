package usecase

import (
	"strings"

	"creator-agent/internal/domain"
)

const summaryExcerptRunes = 100

// BuildContextWindow bounds a full conversation history for prompt assembly.
// Histories of at most n messages are returned verbatim with no summary.
// Longer histories keep the last n messages verbatim and compress everything
// older into a single summary string, one excerpt line per message. The
// function is pure: the same history always yields the same window.
func BuildContextWindow(history []domain.Message, n int) domain.ContextWindow {
	if n <= 0 {
		n = defaultMaxContext
	}
	if len(history) <= n {
		return domain.ContextWindow{Recent: history}
	}
	older := history[:len(history)-n]
	recent := history[len(history)-n:]
	return domain.ContextWindow{
		Summary: summarizeHistory(older),
		Recent:  recent,
	}
}

// summarizeHistory compresses older turns into role-labelled excerpt lines.
// Summarized history never carries media; attachments collapse to a text
// placeholder.
func summarizeHistory(older []domain.Message) string {
	var b strings.Builder
	b.WriteString("Earlier in this conversation:\n")
	for _, m := range older {
		b.WriteString(roleLabel(m.Role))
		b.WriteString(": ")
		if m.HasMedia() {
			b.WriteString(mediaPlaceholder(m.MediaKind))
			if m.Text != "" {
				b.WriteString(" ")
			}
		}
		b.WriteString(excerpt(m.Text, summaryExcerptRunes))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func roleLabel(r domain.Role) string {
	if r == domain.RolePersona {
		return "Me"
	}
	return "Fan"
}

func mediaPlaceholder(kind domain.MediaKind) string {
	if kind == domain.MediaVideo {
		return "[video]"
	}
	return "[photo]"
}

// excerpt truncates s to at most max runes, marking the cut with an ellipsis.
func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
