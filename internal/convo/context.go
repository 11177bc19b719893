// Package convo holds the conversation data model: role-tagged messages and
// the append-only history a [Pipeline] turn reads from and writes to.
//
// A ConversationContext is owned by exactly one session for its lifetime; it
// is never shared across sessions and carries no persistence beyond process
// lifetime.
package convo

// Role identifies who produced a [Message].
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a single tool invocation requested by the assistant.
// ID is unique within the turn that produced it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// Message is one role-tagged entry in a ConversationContext's history.
// Content may be empty for an assistant turn that only emits tool calls.
// Messages are immutable once appended.
type Message struct {
	Role Role
	// Content is the message text. Empty for an assistant message that only
	// carries ToolCalls.
	Content string
	// ToolCalls is set on assistant messages that invoke one or more tools.
	ToolCalls []ToolCall
	// ToolCallID is set on tool messages; it names the ToolCall.ID this
	// message answers.
	ToolCallID string
}

// ConversationContext is the append-only sequence of messages for one
// session, plus a stable identifier.
type ConversationContext struct {
	ConversationID string
	History        []Message
}

// New creates a ConversationContext seeded with a single system message, per
// spec: the first message of any context is always "system".
func New(conversationID, systemPrompt string) *ConversationContext {
	return &ConversationContext{
		ConversationID: conversationID,
		History: []Message{
			{Role: RoleSystem, Content: systemPrompt},
		},
	}
}

// Append adds a message to the end of the history. It performs no
// validation: system-first holds because New and Reset seed the system
// message and Append only appends after it, while tool-follows-assistant
// holds only if callers append messages in that order.
func (c *ConversationContext) Append(msg Message) {
	c.History = append(c.History, msg)
}

// Reset truncates the history back to a single system message, per the
// clear_history wire event (§6.1).
func (c *ConversationContext) Reset(systemPrompt string) {
	c.History = []Message{{Role: RoleSystem, Content: systemPrompt}}
}

// Snapshot returns a copy of the current history, safe for the caller to
// retain or mutate without affecting the context.
func (c *ConversationContext) Snapshot() []Message {
	out := make([]Message, len(c.History))
	copy(out, c.History)
	return out
}
