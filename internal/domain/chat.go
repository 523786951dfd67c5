package domain

// ContentPart is one piece of a multimodal chat message.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ChatMessage is the provider-agnostic chat message shape handed to LLM
// integrations. Parts is set only for multimodal turns; when empty, Content
// carries the whole message.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content string        `json:"content"`
	Parts   []ContentPart `json:"parts,omitempty"`
}
