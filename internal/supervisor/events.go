package supervisor

import (
	"encoding/json"
	"log/slog"
)

// EventType names an event sent to the client during a turn.
type EventType string

const (
	EventSessionCreated EventType = "session-created"
	EventResponse       EventType = "gemini-response"
	EventError          EventType = "gemini-error"
	EventComplete       EventType = "gemini-complete"
)

// Event is one message streamed back while an invocation runs. Only the
// fields that belong to Type are serialized.
type Event struct {
	Type         EventType
	SessionID    string
	Content      string
	Error        string
	ExitCode     int
	IsNewSession bool
}

type responseData struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventSessionCreated:
		return json.Marshal(struct {
			Type      EventType `json:"type"`
			SessionID string    `json:"sessionId"`
		}{e.Type, e.SessionID})
	case EventResponse:
		return json.Marshal(struct {
			Type EventType    `json:"type"`
			Data responseData `json:"data"`
		}{e.Type, responseData{Type: "message", Content: e.Content}})
	case EventError:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Error string    `json:"error"`
		}{e.Type, e.Error})
	case EventComplete:
		return json.Marshal(struct {
			Type         EventType `json:"type"`
			ExitCode     int       `json:"exitCode"`
			IsNewSession bool      `json:"isNewSession"`
		}{e.Type, e.ExitCode, e.IsNewSession})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
}

// EventSink receives the events of one invocation, in order. Send is never
// called concurrently for the same invocation.
type EventSink interface {
	Send(Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event) error

func (f EventSinkFunc) Send(ev Event) error {
	return f(ev)
}

// Discard drops every event.
var Discard EventSink = EventSinkFunc(func(Event) error { return nil })

func responseEvent(content string) Event {
	return Event{Type: EventResponse, Content: content}
}

func errorEvent(msg string) Event {
	return Event{Type: EventError, Error: msg}
}

func sendLogged(sink EventSink, key string, ev Event) {
	if err := sink.Send(ev); err != nil {
		slog.Debug("Failed to deliver invocation event", "key", key, "type", ev.Type, "error", err)
	}
}
