// Package stream normalizes the agent server's SSE events into ordered
// message parts.
package stream

import "encoding/json"

// Recognized event types. Anything else is ignored.
const (
	EventServerConnected    = "server.connected"
	EventSessionIdle        = "session.idle"
	EventMessageStart       = "message.start"
	EventMessageComplete    = "message.complete"
	EventMessagePartUpdated = "message.part.updated"
	EventError              = "error"
)

// RawEvent is one SSE event as received from the agent server. Raw
// preserves the original JSON payload for forwarding to clients.
type RawEvent struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"sessionId,omitempty"`
	Properties EventProperties `json:"properties"`

	Raw json.RawMessage `json:"-"`
}

// EventProperties is the envelope inside a raw event. Only the fields
// the normalizer consumes are modeled.
type EventProperties struct {
	Part      *RawPart `json:"part,omitempty"`
	Index     *int     `json:"index,omitempty"`
	MessageID string   `json:"messageID,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// RawPart is a message part as emitted by the agent server. Different
// agent-server versions use different field names for the same datum;
// every observed alias is a field here and classify() resolves the
// precedence. Add new aliases to this struct and to classify's tables.
type RawPart struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`

	// Tool name aliases.
	Tool     string `json:"tool,omitempty"`
	Name     string `json:"name,omitempty"`
	ToolName string `json:"toolName,omitempty"`

	// Tool call id aliases.
	CallID     string `json:"callID,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`

	// Argument and result aliases; State takes precedence.
	Input     map[string]interface{} `json:"input,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Output    interface{}            `json:"output,omitempty"`
	Result    interface{}            `json:"result,omitempty"`
	Status    string                 `json:"status,omitempty"`

	State *RawPartState `json:"state,omitempty"`
}

// RawPartState is the nested state object some agent-server variants
// attach to tool parts.
type RawPartState struct {
	Input  map[string]interface{} `json:"input,omitempty"`
	Output interface{}            `json:"output,omitempty"`
	Status string                 `json:"status,omitempty"`
}

// ParseEvent decodes one SSE data payload, keeping the original bytes.
func ParseEvent(data []byte) (RawEvent, error) {
	var ev RawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return RawEvent{}, err
	}
	ev.Raw = json.RawMessage(append([]byte(nil), data...))
	return ev, nil
}
