package types

// Event is a typed audit record emitted when an escrow changes state.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
