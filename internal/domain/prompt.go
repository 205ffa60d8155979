package domain

// Action is one selectable affordance offered to the user: either a
// callback identifier the transport routes back in, or an external URL.
type Action struct {
	ID    string `json:"id,omitempty"`
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// Prompt is what a checkout operation tells the user next. The messaging
// transport renders it; the core only decides text and actions.
type Prompt struct {
	Text    string   `json:"text"`
	Actions []Action `json:"actions,omitempty"`
}
