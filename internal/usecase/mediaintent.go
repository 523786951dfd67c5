package usecase

import (
	"regexp"
	"strings"

	"creator-agent/internal/domain"
)

// impliedMediaThreshold is the minimum confidence at which the post-pass
// acts on an implied media directive. Below it, no unsolicited media is
// generated.
const impliedMediaThreshold = 0.7

// The detector is a pure phrase classifier, kept free of orchestration state
// so it can later be swapped for a model-based classifier without touching
// the reply pipeline. Patterns cover the phrasings seen in fan traffic,
// English and French.
var (
	requestVerbRe = regexp.MustCompile(`(?i)\b(send|show|share|give|take|got|have|see|envoie|envoies|montre|montres|partage|donne)\b`)

	photoNounRe = regexp.MustCompile(`(?i)\b(photo|photos|picture|pictures|pic|pics|image|images|selfie|selfies)\b`)

	genericSubjectRe = regexp.MustCompile(`(?i)\b(meal|food|dish|plate|dinner|lunch|breakfast|dessert|coffee|drink|cocktail|plat|repas|cuisine|beach|sunset|sunrise|view|city|street|garden|park|place|room|apartment|studio|plage|ville|dog|cat|puppy|kitten|car|bike|chien|chat)\b`)

	personalSubjectRe = regexp.MustCompile(`(?i)(\bselfie\b|\byourself\b|\bof you\b|\bde toi\b|\btoi\b|\byour (face|outfit|hair|body|look)\b|\bta tenue\b|\bton visage\b|\bwhat you look like\b|\bhow you look\b)`)

	// Phrases a draft reply uses when it is promising or presenting a photo.
	draftOfferRe = regexp.MustCompile(`(?i)(here'?s (a|the|that) (photo|picture|pic|selfie)|here is (a|the|that) (photo|picture|pic|selfie)|sending you (a|the) (photo|picture|pic|selfie)|just took (a|this) (photo|picture|pic|selfie)|let me (show|send) you|i('ll| will) (send|take|snap) (you )?(a|one)|voici une photo|je t'envoie une photo)`)
)

// DetectFanMediaRequest is the pre-generation pass: it classifies the fan's
// latest message as a request for a visual artifact, or returns nil when no
// intent is found. Generic (scene/object) readings take priority over
// personal ones, so "photo of the meal you cooked" is generic even though it
// mentions the persona.
func DetectFanMediaRequest(text string) *domain.MediaDirective {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}
	if !requestVerbRe.MatchString(t) {
		return nil
	}
	hasPhotoNoun := photoNounRe.MatchString(t)

	if subject := genericSubjectRe.FindString(t); hasPhotoNoun && subject != "" {
		return &domain.MediaDirective{
			Scenario:       strings.ToLower(subject),
			Classification: domain.MediaGeneric,
		}
	}
	if personalSubjectRe.MatchString(t) {
		return &domain.MediaDirective{
			Scenario:       "a selfie",
			Classification: domain.MediaPersonal,
		}
	}
	if hasPhotoNoun {
		// A bare "send me a photo" on this product means a photo of the
		// persona.
		return &domain.MediaDirective{
			Scenario:       "a casual photo of yourself",
			Classification: domain.MediaPersonal,
		}
	}
	return nil
}

// DetectImpliedMedia is the post-generation pass: it scores the persona's
// draft reply together with the last few fan turns for implied visual
// content. The caller only acts on the directive when the returned confidence
// reaches impliedMediaThreshold; it runs only when the pre-pass found
// nothing.
func DetectImpliedMedia(draft string, recentFanTexts []string) (*domain.MediaDirective, float64) {
	confidence := 0.0
	if draftOfferRe.MatchString(draft) {
		confidence += 0.5
	}
	fanMentionsPhoto := false
	for _, t := range recentFanTexts {
		if photoNounRe.MatchString(t) {
			fanMentionsPhoto = true
			break
		}
	}
	if fanMentionsPhoto {
		confidence += 0.3
	}
	combined := draft + " " + strings.Join(recentFanTexts, " ")
	if genericSubjectRe.MatchString(combined) || personalSubjectRe.MatchString(combined) {
		confidence += 0.2
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	if confidence == 0 {
		return nil, 0
	}

	directive := &domain.MediaDirective{
		Scenario:       "a casual photo of yourself",
		Classification: domain.MediaPersonal,
	}
	if subject := genericSubjectRe.FindString(combined); subject != "" && !personalSubjectRe.MatchString(combined) {
		directive.Scenario = strings.ToLower(subject)
		directive.Classification = domain.MediaGeneric
	}
	return directive, confidence
}
