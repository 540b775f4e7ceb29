package history

import (
	"context"
	"encoding/json"
	"time"
)

// MessageRecord stores a single finalized conversational turn. Structured
// turn fields (tool calls, sources, latency) are carried as JSON documents
// so backends stay schema-stable as the turn model grows.
type MessageRecord struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	ReasoningTrace string          `json:"reasoning_trace,omitempty"`
	ToolCalls      json.RawMessage `json:"tool_calls,omitempty"`
	Sources        json.RawMessage `json:"sources,omitempty"`
	Latency        json.RawMessage `json:"latency,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ConversationInfo summarizes one stored conversation.
type ConversationInfo struct {
	ID            string    `json:"id"`
	MessageCount  int       `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Store persists and retrieves conversation history.
type Store interface {
	SaveTurn(ctx context.Context, record MessageRecord) error
	Messages(ctx context.Context, conversationID string) ([]MessageRecord, error)
	Conversations(ctx context.Context, limit, offset int) ([]ConversationInfo, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	Close() error
}
