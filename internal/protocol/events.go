package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies stream event variants emitted by the support backend.
type EventType string

const (
	TypeThinking  EventType = "thinking"
	TypeToolStart EventType = "tool_start"
	TypeToolEnd   EventType = "tool_end"
	TypeContent   EventType = "content"
	TypeError     EventType = "error"
	TypeDone      EventType = "done"
)

// ErrUnknownType marks event kinds this client version does not understand.
// Callers treat these as no-ops so older clients survive newer servers.
var ErrUnknownType = errors.New("unknown event type")

type envelope struct {
	Type EventType `json:"type"`
}

// LatencyBreakdown carries optional timing and token telemetry. A nil field
// means "not measured", which is distinct from zero.
type LatencyBreakdown struct {
	EmbeddingMS     *float64 `json:"embedding_ms,omitempty"`
	SearchMS        *float64 `json:"search_ms,omitempty"`
	RerankMS        *float64 `json:"rerank_ms,omitempty"`
	TTFTMS          *float64 `json:"ttft_ms,omitempty"`
	GenerationMS    *float64 `json:"generation_ms,omitempty"`
	TotalMS         *float64 `json:"total_ms,omitempty"`
	InputTokens     *int     `json:"input_tokens,omitempty"`
	OutputTokens    *int     `json:"output_tokens,omitempty"`
	ReasoningTokens *int     `json:"reasoning_tokens,omitempty"`
}

// IsZero reports whether no field of the breakdown was measured.
func (l *LatencyBreakdown) IsZero() bool {
	if l == nil {
		return true
	}
	return l.EmbeddingMS == nil && l.SearchMS == nil && l.RerankMS == nil &&
		l.TTFTMS == nil && l.GenerationMS == nil && l.TotalMS == nil &&
		l.InputTokens == nil && l.OutputTokens == nil && l.ReasoningTokens == nil
}

// Clone returns a deep copy so snapshots never alias event memory.
func (l *LatencyBreakdown) Clone() *LatencyBreakdown {
	if l == nil {
		return nil
	}
	c := LatencyBreakdown{}
	c.EmbeddingMS = cloneFloat(l.EmbeddingMS)
	c.SearchMS = cloneFloat(l.SearchMS)
	c.RerankMS = cloneFloat(l.RerankMS)
	c.TTFTMS = cloneFloat(l.TTFTMS)
	c.GenerationMS = cloneFloat(l.GenerationMS)
	c.TotalMS = cloneFloat(l.TotalMS)
	c.InputTokens = cloneInt(l.InputTokens)
	c.OutputTokens = cloneInt(l.OutputTokens)
	c.ReasoningTokens = cloneInt(l.ReasoningTokens)
	return &c
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// WireSource is a grounding citation as carried on a tool_end event.
type WireSource struct {
	DocumentName string   `json:"document_name"`
	Content      string   `json:"content"`
	Score        *float64 `json:"score,omitempty"`
}

type Thinking struct {
	Type    EventType `json:"type"`
	Content string    `json:"content"`
}

type ToolStart struct {
	Type  EventType       `json:"type"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

type ToolEnd struct {
	Type    EventType         `json:"type"`
	Name    string            `json:"name"`
	Output  string            `json:"output"`
	Sources []WireSource      `json:"sources,omitempty"`
	Latency *LatencyBreakdown `json:"latency,omitempty"`
}

type Content struct {
	Type    EventType `json:"type"`
	Content string    `json:"content"`
}

type ErrorEvent struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

type Done struct {
	Type            EventType         `json:"type"`
	ResponseLatency *LatencyBreakdown `json:"response_latency,omitempty"`
}

// ParseEvent decodes one wire line body into its typed event.
// Unknown type tags return ErrUnknownType so the caller can skip them.
func ParseEvent(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}

	switch env.Type {
	case TypeThinking:
		var m Thinking
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return m, nil
	case TypeToolStart:
		var m ToolStart
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return m, nil
	case TypeToolEnd:
		var m ToolEnd
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return m, nil
	case TypeContent:
		var m Content
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return m, nil
	case TypeError:
		var m ErrorEvent
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return m, nil
	case TypeDone:
		var m Done
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", env.Type, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(env.Type))
	}
}
