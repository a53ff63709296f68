package hub

import "encoding/json"

// Event names pushed to browsers.
const (
	// EventReloadBrowser asks the client for a full page reload.
	EventReloadBrowser = "reload-browser"
	// EventReloadCSS asks the client to re-fetch its stylesheets only.
	EventReloadCSS = "reload-css"
)

// Known reports whether name is one of the events clients understand.
func Known(name string) bool {
	return name == EventReloadBrowser || name == EventReloadCSS
}

// Message is the wire format of a pushed event.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a Message, encoding payload as JSON when non-nil.
func NewMessage(event string, payload any) (Message, error) {
	msg := Message{Event: event}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return msg, err
	}
	msg.Payload = data
	return msg, nil
}
