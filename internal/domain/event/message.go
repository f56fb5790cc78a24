package event

// Inbound is the JSON value of a message on every inbound topic.
// The dedup identity travels in a header, not in the payload.
type Inbound struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}
