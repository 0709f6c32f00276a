// Package messages defines the canonical, ordered conversation message
// list shared by the loop orchestrator and the processor pipeline. The
// list is distinct from the chunk stream: chunks are transient wire
// events, messages are the durable conversation state.
//
// A List is shared-mutable within a single run: processors mutate it in
// sequence (never concurrently), and each processor observes the
// mutations of all prior processors in the chain. Message identity is
// stable across transformations: a processor that rewrites a message
// keeps its ID unless it deliberately produces a replacement under a new
// identity.
package messages

import (
	"github.com/google/uuid"
)

type (
	// Role identifies the author of a conversation message.
	Role string

	// Message is one conversation entry. The zero value is not valid; use
	// New or List.Append which assign a stable ID.
	Message struct {
		// ID is the stable message identity. It survives processor
		// transformations of the message content.
		ID string `json:"id"`
		// Role is the message author.
		Role Role `json:"role"`
		// Content is the message text. Empty for assistant messages that
		// only request tool calls.
		Content string `json:"content,omitempty"`
		// ToolCalls lists tool invocations requested by an assistant
		// message.
		ToolCalls []ToolCallRef `json:"toolCalls,omitempty"`
		// ToolCallID links a tool-role message to the call it answers.
		ToolCallID string `json:"toolCallId,omitempty"`
	}

	// ToolCallRef records a tool invocation inside an assistant message.
	ToolCallRef struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		// Args is the JSON argument document as produced by the model.
		Args string `json:"args,omitempty"`
	}

	// List is the ordered, mutable set of conversation messages for one
	// run. It is not safe for concurrent use; the runtime guarantees
	// sequential access.
	List struct {
		msgs []Message
	}
)

// Role values.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// New constructs a message with a fresh stable ID.
func New(role Role, content string) Message {
	return Message{ID: uuid.NewString(), Role: role, Content: content}
}

// NewList builds a list from the given messages, assigning IDs to any
// message that lacks one.
func NewList(msgs ...Message) *List {
	l := &List{}
	for _, m := range msgs {
		l.Append(m)
	}
	return l
}

// Append adds a message to the end of the list, assigning an ID if the
// message has none.
func (l *List) Append(m Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	l.msgs = append(l.msgs, m)
}

// All returns the messages in order. The returned slice is a copy; the
// Message values share no mutable state with the list.
func (l *List) All() []Message {
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of messages in the list.
func (l *List) Len() int { return len(l.msgs) }

// ByRole returns the messages with the given role, in order.
func (l *List) ByRole(role Role) []Message {
	var out []Message
	for _, m := range l.msgs {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

// Replace substitutes the message with the given ID. It returns false
// when no message has that ID. The replacement keeps the original ID so
// message identity remains stable.
func (l *List) Replace(id string, m Message) bool {
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			m.ID = id
			l.msgs[i] = m
			return true
		}
	}
	return false
}

// Remove deletes the message with the given ID, reporting whether it was
// present.
func (l *List) Remove(id string) bool {
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			l.msgs = append(l.msgs[:i], l.msgs[i+1:]...)
			return true
		}
	}
	return false
}

// SetAll replaces the full message sequence. Messages without IDs are
// assigned fresh ones.
func (l *List) SetAll(msgs []Message) {
	l.msgs = l.msgs[:0]
	for _, m := range msgs {
		l.Append(m)
	}
}

// Clone returns an independent copy of the list.
func (l *List) Clone() *List {
	cp := &List{msgs: make([]Message, len(l.msgs))}
	copy(cp.msgs, l.msgs)
	return cp
}
