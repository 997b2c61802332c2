package models

// Notification is the composed, provider-agnostic representation of a push
// message. Loc keys refer to client-side localization entries; literal
// title/body fields carry already-resolved text. Treated as an immutable
// value once composed.
type Notification struct {
	Title           string         `json:"title,omitempty"`
	TitleLocKey     string         `json:"titleLocKey,omitempty"`
	TitleLocArgs    []string       `json:"titleLocArgs,omitempty"`
	Subtitle        string         `json:"subtitle,omitempty"`
	SubtitleLocKey  string         `json:"subtitleLocKey,omitempty"`
	SubtitleLocArgs []string       `json:"subtitleLocArgs,omitempty"`
	Body            string         `json:"body,omitempty"`
	BodyLocKey      string         `json:"bodyLocKey,omitempty"`
	BodyLocArgs     []string       `json:"bodyLocArgs,omitempty"`
	Image           string         `json:"image,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
}
