package stream

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/obot-platform/agentrelay/internal/model"
)

// toolPartTypes are the part types that denote a tool invocation.
var toolPartTypes = map[string]bool{
	"tool":            true,
	"tool-call":       true,
	"tool_call":       true,
	"tool-invocation": true,
	"tool_use":        true,
}

// toolStates maps raw status strings to the normalized tool state.
var toolStates = map[string]model.ToolState{
	"pending":   model.ToolPending,
	"running":   model.ToolRunning,
	"completed": model.ToolCompleted,
	"error":     model.ToolError,
	"success":   model.ToolCompleted,
	"failed":    model.ToolError,
}

// classifyTool builds a ToolCall from a raw tool part, resolving the
// field aliases in precedence order.
func classifyTool(part *RawPart) *model.ToolCall {
	name := firstNonEmpty(part.Tool, part.Name, part.ToolName, "unknown")
	id := firstNonEmpty(part.ID, part.CallID, part.ToolCallID)
	if id == "" {
		id = uuid.NewString()
	}

	var args map[string]interface{}
	var result interface{}
	var status string
	if part.State != nil {
		args = part.State.Input
		result = part.State.Output
		status = part.State.Status
	}
	if args == nil {
		args = part.Input
	}
	if args == nil {
		args = part.Arguments
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if result == nil {
		result = part.Output
	}
	if result == nil {
		result = part.Result
	}
	if status == "" {
		status = part.Status
	}

	state, ok := toolStates[status]
	if !ok {
		state = model.ToolRunning
	}

	return &model.ToolCall{
		ID:        id,
		Name:      name,
		Arguments: args,
		Result:    result,
		State:     state,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type trackedPart struct {
	part      model.MessagePart
	firstSeen int
}

// Normalizer accumulates message parts for one in-flight prompt. Text
// updates are cumulative rewrites, not deltas; consecutive text updates
// coalesce into one part until a tool part interrupts. Not safe for
// concurrent use; the session actor is the only caller.
type Normalizer struct {
	prompt        string
	parts         map[string]*trackedPart
	counter       int
	currentTextID string
}

// NewNormalizer creates a normalizer for one prompt. The prompt text
// drives the echo filter.
func NewNormalizer(prompt string) *Normalizer {
	return &Normalizer{
		prompt: prompt,
		parts:  map[string]*trackedPart{},
	}
}

// Handle consumes one event. Only message.part.updated mutates state.
func (n *Normalizer) Handle(ev RawEvent) {
	if ev.Type != EventMessagePartUpdated || ev.Properties.Part == nil {
		return
	}
	part := ev.Properties.Part

	switch {
	case part.Type == "text":
		n.handleText(part, ev.Properties.Index)
	case toolPartTypes[part.Type]:
		n.handleTool(part)
	}
}

func (n *Normalizer) handleText(part *RawPart, index *int) {
	if part.Text == "" || part.Text == n.prompt {
		return
	}

	id := part.ID
	if id == "" && index != nil {
		id = "text-" + strconv.Itoa(*index)
	}
	if id == "" {
		id = n.currentTextID
	}
	if id == "" {
		id = fmt.Sprintf("text-%d", time.Now().UnixMilli())
	}

	n.upsert(id, model.TextPart(part.Text))
	n.currentTextID = id
}

func (n *Normalizer) handleTool(part *RawPart) {
	call := classifyTool(part)
	n.upsert(call.ID, model.ToolPart(call))
	// Later text starts a new part rather than extending the one the
	// tool interrupted.
	n.currentTextID = ""
}

func (n *Normalizer) upsert(id string, part model.MessagePart) {
	if existing, ok := n.parts[id]; ok {
		existing.part = part
		return
	}
	n.counter++
	n.parts[id] = &trackedPart{part: part, firstSeen: n.counter}
}

// Parts returns the accumulated parts in first-seen order, dropping
// empty text parts and tool parts without a call.
func (n *Normalizer) Parts() []model.MessagePart {
	tracked := make([]*trackedPart, 0, len(n.parts))
	for _, tp := range n.parts {
		tracked = append(tracked, tp)
	}
	sort.Slice(tracked, func(i, j int) bool {
		return tracked[i].firstSeen < tracked[j].firstSeen
	})

	parts := make([]model.MessagePart, 0, len(tracked))
	for _, tp := range tracked {
		if tp.part.Type == "text" && tp.part.Text == "" {
			continue
		}
		if tp.part.Type == "tool" && tp.part.Tool == nil {
			continue
		}
		parts = append(parts, tp.part)
	}
	return parts
}

// NormalizeParts runs a list of raw parts through a fresh normalizer,
// applying the same classification and echo filtering used during
// streaming. Used to normalize the authoritative message fetch.
func NormalizeParts(raw []RawPart, prompt string) []model.MessagePart {
	n := NewNormalizer(prompt)
	for i := range raw {
		part := raw[i]
		idx := i
		n.Handle(RawEvent{
			Type:       EventMessagePartUpdated,
			Properties: EventProperties{Part: &part, Index: &idx},
		})
	}
	return n.Parts()
}
