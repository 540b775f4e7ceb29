// Package chat models a single user/assistant exchange and the state machine
// that folds stream events into it.
package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/anisbr/ragchat/internal/protocol"
)

// Status tracks the turn lifecycle.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusFinalized Status = "finalized"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further events may change the turn.
func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusCancelled || s == StatusFailed
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolStatus tracks one tool invocation. Transitions are running→completed or
// running→error, irreversible once terminal.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolInvocation is one discrete call to an external capability during a turn.
type ToolInvocation struct {
	Name    string                     `json:"name"`
	Input   json.RawMessage            `json:"input,omitempty"`
	Output  string                     `json:"output,omitempty"`
	Status  ToolStatus                 `json:"status"`
	Latency *protocol.LatencyBreakdown `json:"latency,omitempty"`
}

// GroundingSource is a citation backing the assistant's response.
// Read-only once attached.
type GroundingSource struct {
	DocumentName string   `json:"document_name"`
	Content      string   `json:"content"`
	Score        *float64 `json:"score,omitempty"`
}

// TurnLatency keeps the retrieval-side and response-side breakdowns as
// separate labeled objects. They measure different phases; summing them
// would misstate the total, so they are never merged.
type TurnLatency struct {
	Retrieval *protocol.LatencyBreakdown `json:"retrieval,omitempty"`
	Response  *protocol.LatencyBreakdown `json:"response,omitempty"`
}

// Turn is one exchange unit. Values returned by the fold are snapshots:
// consumers must treat them as immutable.
type Turn struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Role           Role              `json:"role"`
	Status         Status            `json:"status"`
	Content        string            `json:"content"`
	ReasoningTrace string            `json:"reasoning_trace,omitempty"`
	ToolCalls      []ToolInvocation  `json:"tool_calls,omitempty"`
	Sources        []GroundingSource `json:"sources,omitempty"`
	Latency        *TurnLatency      `json:"latency,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// NewUserTurn captures a submitted user message.
func NewUserTurn(conversationID, content string) Turn {
	return Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Status:         StatusFinalized,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
}

// NewAssistantTurn creates the pending assistant turn for a submission,
// before any byte of the response arrives.
func NewAssistantTurn(conversationID string) Turn {
	return Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// Clone deep-copies the turn so a snapshot never aliases fold-internal state.
func (t Turn) Clone() Turn {
	c := t
	if t.ToolCalls != nil {
		c.ToolCalls = make([]ToolInvocation, len(t.ToolCalls))
		for i, tc := range t.ToolCalls {
			cc := tc
			if tc.Input != nil {
				cc.Input = append(json.RawMessage(nil), tc.Input...)
			}
			cc.Latency = tc.Latency.Clone()
			c.ToolCalls[i] = cc
		}
	}
	if t.Sources != nil {
		c.Sources = make([]GroundingSource, len(t.Sources))
		for i, src := range t.Sources {
			cs := src
			if src.Score != nil {
				score := *src.Score
				cs.Score = &score
			}
			c.Sources[i] = cs
		}
	}
	if t.Latency != nil {
		c.Latency = &TurnLatency{
			Retrieval: t.Latency.Retrieval.Clone(),
			Response:  t.Latency.Response.Clone(),
		}
	}
	return c
}
