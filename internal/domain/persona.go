package domain

// Mode is the conversational tone a persona is currently using. Modes change
// tone guidance only, never business logic.
type Mode string

const (
	ModeFriendly Mode = "friendly"
	ModeFlirty   Mode = "flirty"
	ModeRomantic Mode = "romantic"
)

// PersonaProfile is the identity the reply generator speaks as.
type PersonaProfile struct {
	ID   string
	Name string
	Bio  string
	Mode Mode
}

// MediaClassification distinguishes requests for scene/object imagery from
// requests for the persona's own likeness.
type MediaClassification string

const (
	MediaGeneric  MediaClassification = "generic"
	MediaPersonal MediaClassification = "personal"
)

// MediaDirective is the structured output of the media intent detector: what
// to synthesize and which kind of request it satisfies.
type MediaDirective struct {
	Scenario       string
	Classification MediaClassification
}
