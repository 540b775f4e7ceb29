package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// MockTransport emits a deterministic scripted event stream so the gateway
// works without a backend during local development.
type MockTransport struct{}

func NewMockTransport() *MockTransport { return &MockTransport{} }

func (t *MockTransport) Open(ctx context.Context, req TurnRequest) (*Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	conversationID := ""
	if req.ConversationID != nil {
		conversationID = *req.ConversationID
	}
	if conversationID == "" {
		conversationID = "mock-" + uuid.NewString()
	}

	var b strings.Builder
	writeEvent(&b, map[string]any{"type": "thinking", "content": "Looking that up. "})
	writeEvent(&b, map[string]any{"type": "tool_start", "name": "rag", "input": map[string]any{"query": req.Content}})
	writeEvent(&b, map[string]any{
		"type":    "tool_end",
		"name":    "rag",
		"output":  "[Source 1: handbook.md]\nEchoed knowledge for testing.",
		"latency": map[string]any{"search_ms": 12.0, "total_ms": 15.0},
	})
	writeEvent(&b, map[string]any{"type": "content", "content": fmt.Sprintf("You asked: %s", strings.TrimSpace(req.Content))})
	writeEvent(&b, map[string]any{"type": "done", "response_latency": map[string]any{"ttft_ms": 1.0, "total_ms": 2.0}})

	return &Stream{
		Body:           io.NopCloser(strings.NewReader(b.String())),
		ConversationID: conversationID,
	}, nil
}

func writeEvent(b *strings.Builder, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.WriteString("data: ")
	b.Write(raw)
	b.WriteString("\n\n")
}
