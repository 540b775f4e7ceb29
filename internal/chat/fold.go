package chat

import (
	"encoding/json"

	"github.com/anisbr/ragchat/internal/protocol"
	"github.com/anisbr/ragchat/internal/sources"
)

// Apply folds one stream event into the previous snapshot and returns the
// next one. It is a pure step: the input snapshot is never mutated, no state
// is retained between calls, and folding the same (snapshot, event) pair
// twice yields identical results.
func Apply(prev Turn, event any) Turn {
	next := prev.Clone()

	if next.Status.Terminal() {
		// A frozen turn ignores late events, including the done the server
		// sends after an error.
		return next
	}
	if next.Status == StatusPending {
		next.Status = StatusActive
	}

	switch evt := event.(type) {
	case protocol.Thinking:
		next.ReasoningTrace += evt.Content
	case protocol.Content:
		next.Content += evt.Content
	case protocol.ToolStart:
		next.ToolCalls = append(next.ToolCalls, ToolInvocation{
			Name:   evt.Name,
			Input:  append(json.RawMessage(nil), evt.Input...),
			Status: ToolRunning,
		})
	case protocol.ToolEnd:
		applyToolEnd(&next, evt)
	case protocol.ErrorEvent:
		// The one event permitted to overwrite rather than append: it is an
		// out-of-band signal, not response text.
		next.Content = evt.Message
		next.Status = StatusFailed
	case protocol.Done:
		if !evt.ResponseLatency.IsZero() {
			next.Latency = attachResponseLatency(next.Latency, evt.ResponseLatency)
		}
		next.Status = StatusFinalized
	}
	return next
}

func applyToolEnd(t *Turn, evt protocol.ToolEnd) {
	// Match the most recent running invocation with this name. A tool may be
	// re-invoked under the same name within one turn, so matching is LIFO by
	// running status, never positional.
	idx := -1
	for i := len(t.ToolCalls) - 1; i >= 0; i-- {
		if t.ToolCalls[i].Name == evt.Name && t.ToolCalls[i].Status == ToolRunning {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Out-of-order or duplicate completion: drop, not an error.
		return
	}

	t.ToolCalls[idx].Status = ToolCompleted
	t.ToolCalls[idx].Output = evt.Output
	t.ToolCalls[idx].Latency = evt.Latency.Clone()

	resolved := resolveSources(evt)
	if resolved != nil && t.Sources == nil {
		// First retrieval completion wins; sources are read-only afterwards.
		t.Sources = resolved
	}
	if !evt.Latency.IsZero() && sources.IsRetrievalTool(evt.Name) {
		t.Latency = attachRetrievalLatency(t.Latency, evt.Latency)
	}
}

func resolveSources(evt protocol.ToolEnd) []GroundingSource {
	if len(evt.Sources) > 0 {
		out := make([]GroundingSource, len(evt.Sources))
		for i, s := range evt.Sources {
			out[i] = GroundingSource{DocumentName: s.DocumentName, Content: s.Content}
			if s.Score != nil {
				score := *s.Score
				out[i].Score = &score
			}
		}
		return out
	}
	if !sources.IsRetrievalTool(evt.Name) {
		return nil
	}
	parsed := sources.ParseFallback(evt.Output)
	if parsed == nil {
		return nil
	}
	out := make([]GroundingSource, len(parsed))
	for i, s := range parsed {
		out[i] = GroundingSource{DocumentName: s.DocumentName, Content: s.Content}
	}
	return out
}

// Fail transitions the turn to failed on a transport-level error, replacing
// content with the caller-supplied message. Already-terminal turns are left
// unchanged.
func Fail(prev Turn, message string) Turn {
	next := prev.Clone()
	if next.Status.Terminal() {
		return next
	}
	next.Content = message
	next.Status = StatusFailed
	return next
}

// Cancel freezes the turn as cancelled, preserving everything folded so far.
// Idempotent on terminal turns.
func Cancel(prev Turn) Turn {
	next := prev.Clone()
	if next.Status.Terminal() {
		return next
	}
	next.Status = StatusCancelled
	return next
}

func attachRetrievalLatency(prev *TurnLatency, b *protocol.LatencyBreakdown) *TurnLatency {
	out := &TurnLatency{Retrieval: b.Clone()}
	if prev != nil {
		out.Response = prev.Response.Clone()
		if prev.Retrieval != nil {
			out.Retrieval = prev.Retrieval.Clone()
		}
	}
	return out
}

func attachResponseLatency(prev *TurnLatency, b *protocol.LatencyBreakdown) *TurnLatency {
	out := &TurnLatency{Response: b.Clone()}
	if prev != nil {
		out.Retrieval = prev.Retrieval.Clone()
	}
	return out
}
