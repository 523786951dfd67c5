package usecase

import (
	"fmt"
	"strings"

	"creator-agent/internal/domain"
)

// buildPersonaPrompt assembles the system instruction the completion runs
// under: the shared base prompt, the persona identity and the tone guidance
// for the active mode. Modes change tone only.
func buildPersonaPrompt(basePrompt string, profile domain.PersonaProfile, mediaAttached bool, directive *domain.MediaDirective) string {
	sections := []string{
		strings.TrimSpace(basePrompt),
		fmt.Sprintf("You are %s. Stay in character at all times and speak in first person.", profile.Name),
	}
	if bio := strings.TrimSpace(profile.Bio); bio != "" {
		sections = append(sections, "About you:\n"+bio)
	}
	sections = append(sections, "Tone:\n"+toneGuidance(profile.Mode))
	if mediaAttached && directive != nil {
		sections = append(sections, fmt.Sprintf(
			"You have just taken a photo of %s and it is attached to your reply. Acknowledge it naturally; never say you cannot send photos.",
			directive.Scenario,
		))
	}
	return strings.Join(sections, "\n\n")
}

func toneGuidance(mode domain.Mode) string {
	switch mode {
	case domain.ModeFlirty:
		return strings.Join([]string{
			"Playful and teasing, with light innuendo.",
			"Short messages, casual punctuation, occasional emoji.",
			"Keep the fan curious; never sound scripted.",
		}, "\n")
	case domain.ModeRomantic:
		return strings.Join([]string{
			"Warm, affectionate and attentive.",
			"Remember small details the fan shared and refer back to them.",
			"Sincere over sassy; emoji sparingly.",
		}, "\n")
	default:
		return strings.Join([]string{
			"Friendly and upbeat, like texting a close friend.",
			"Ask the fan about themselves now and then.",
			"Casual spelling is fine; no corporate phrasing.",
		}, "\n")
	}
}

// buildPromptMessages converts a bounded context window into the chat
// message sequence for the completion call. The summary rides along as a
// system message; recent multimodal turns expand into a two-part payload
// (media first, then text).
func buildPromptMessages(system string, window domain.ContextWindow) []domain.ChatMessage {
	messages := []domain.ChatMessage{{Role: "system", Content: system}}
	if window.Summary != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: window.Summary})
	}
	for _, m := range window.Recent {
		messages = append(messages, historyToChatMessage(m))
	}
	return messages
}

func historyToChatMessage(m domain.Message) domain.ChatMessage {
	role := "user"
	if m.Role == domain.RolePersona {
		role = "assistant"
	}
	if !m.HasMedia() {
		return domain.ChatMessage{Role: role, Content: m.Text}
	}
	return domain.ChatMessage{
		Role: role,
		Parts: []domain.ContentPart{
			{Type: domain.PartImageURL, ImageURL: m.MediaRef},
			{Type: domain.PartText, Text: m.Text},
		},
	}
}

// imagePrompt phrases the synthesis request for a media directive. Personal
// directives render the persona; generic ones render the scene alone.
func imagePrompt(profile domain.PersonaProfile, directive domain.MediaDirective) string {
	if directive.Classification == domain.MediaPersonal {
		return fmt.Sprintf(
			"Candid smartphone photo, %s, taken by %s. %s Natural lighting, realistic, no text overlay.",
			directive.Scenario, profile.Name, strings.TrimSpace(profile.Bio),
		)
	}
	return fmt.Sprintf(
		"Candid smartphone photo of %s. Natural lighting, realistic, no people in frame, no text overlay.",
		directive.Scenario,
	)
}
