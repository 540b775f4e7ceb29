package chat

import (
	"reflect"
	"testing"

	"github.com/anisbr/ragchat/internal/protocol"
)

func TestApplyContentAppendsAndFinalizes(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.Content{Type: protocol.TypeContent, Content: "Hel"})
	if turn.Status != StatusActive {
		t.Fatalf("Status = %q, want active after first event", turn.Status)
	}
	turn = Apply(turn, protocol.Content{Type: protocol.TypeContent, Content: "lo"})
	turn = Apply(turn, protocol.Done{Type: protocol.TypeDone})

	if turn.Content != "Hello" {
		t.Fatalf("Content = %q, want %q", turn.Content, "Hello")
	}
	if turn.Status != StatusFinalized {
		t.Fatalf("Status = %q, want finalized", turn.Status)
	}
}

func TestApplyThinkingAccumulatesSeparately(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.Thinking{Type: protocol.TypeThinking, Content: "let me "})
	turn = Apply(turn, protocol.Thinking{Type: protocol.TypeThinking, Content: "check"})
	turn = Apply(turn, protocol.Content{Type: protocol.TypeContent, Content: "answer"})

	if turn.ReasoningTrace != "let me check" {
		t.Fatalf("ReasoningTrace = %q, want %q", turn.ReasoningTrace, "let me check")
	}
	if turn.Content != "answer" {
		t.Fatalf("Content = %q, want %q", turn.Content, "answer")
	}
}

func TestApplyToolEndFallbackSourceParsing(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.ToolStart{Type: protocol.TypeToolStart, Name: "rag"})
	turn = Apply(turn, protocol.ToolEnd{
		Type:   protocol.TypeToolEnd,
		Name:   "rag",
		Output: "[Source 1: a.pdf]\ntext\n\n---\n\n[Source 2: b.pdf]\nmore",
	})
	turn = Apply(turn, protocol.Done{Type: protocol.TypeDone})

	want := []GroundingSource{
		{DocumentName: "a.pdf", Content: "text"},
		{DocumentName: "b.pdf", Content: "more"},
	}
	if !reflect.DeepEqual(turn.Sources, want) {
		t.Fatalf("Sources = %+v, want %+v", turn.Sources, want)
	}
	if turn.ToolCalls[0].Status != ToolCompleted {
		t.Fatalf("ToolCalls[0].Status = %q, want completed", turn.ToolCalls[0].Status)
	}
}

func TestApplyToolEndPrefersStructuredSources(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.ToolStart{Type: protocol.TypeToolStart, Name: "rag"})
	turn = Apply(turn, protocol.ToolEnd{
		Type:    protocol.TypeToolEnd,
		Name:    "rag",
		Output:  "[Source 1: fallback.pdf]\nshould not win",
		Sources: []protocol.WireSource{{DocumentName: "structured.pdf", Content: "wins"}},
	})

	if len(turn.Sources) != 1 || turn.Sources[0].DocumentName != "structured.pdf" {
		t.Fatalf("Sources = %+v, want the structured payload", turn.Sources)
	}
}

func TestApplyErrorOverwritesContentAndFails(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.ToolStart{Type: protocol.TypeToolStart, Name: "rag"})
	turn = Apply(turn, protocol.ErrorEvent{Type: protocol.TypeError, Message: "boom"})

	if turn.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed", turn.Status)
	}
	if turn.Content != "boom" {
		t.Fatalf("Content = %q, want %q", turn.Content, "boom")
	}
	if turn.ToolCalls[0].Status != ToolRunning {
		t.Fatalf("ToolCalls[0].Status = %q, want running (never completed)", turn.ToolCalls[0].Status)
	}
}

func TestApplyLateDoneDoesNotReviveFailedTurn(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.ErrorEvent{Type: protocol.TypeError, Message: "boom"})
	turn = Apply(turn, protocol.Done{Type: protocol.TypeDone})

	if turn.Status != StatusFailed {
		t.Fatalf("Status = %q, want failed after late done", turn.Status)
	}
	if turn.Content != "boom" {
		t.Fatalf("Content = %q, want %q", turn.Content, "boom")
	}
}

func TestApplyUnmatchedToolEndIsNoOp(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.Content{Type: protocol.TypeContent, Content: "hi"})
	before := turn.Clone()

	after := Apply(turn, protocol.ToolEnd{Type: protocol.TypeToolEnd, Name: "rag", Output: "late"})
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("snapshot changed by unmatched tool_end:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestApplyMatchesMostRecentRunningByName(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.ToolStart{Type: protocol.TypeToolStart, Name: "rag"})
	turn = Apply(turn, protocol.ToolStart{Type: protocol.TypeToolStart, Name: "rag"})
	turn = Apply(turn, protocol.ToolEnd{Type: protocol.TypeToolEnd, Name: "rag", Output: "second"})

	if turn.ToolCalls[0].Status != ToolRunning {
		t.Fatalf("ToolCalls[0].Status = %q, want still running", turn.ToolCalls[0].Status)
	}
	if turn.ToolCalls[1].Status != ToolCompleted || turn.ToolCalls[1].Output != "second" {
		t.Fatalf("ToolCalls[1] = %+v, want completed with output %q", turn.ToolCalls[1], "second")
	}

	turn = Apply(turn, protocol.ToolEnd{Type: protocol.TypeToolEnd, Name: "rag", Output: "first"})
	if turn.ToolCalls[0].Status != ToolCompleted || turn.ToolCalls[0].Output != "first" {
		t.Fatalf("ToolCalls[0] = %+v, want completed with output %q", turn.ToolCalls[0], "first")
	}
}

func TestApplyIsPure(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.ToolStart{Type: protocol.TypeToolStart, Name: "rag"})
	evt := protocol.ToolEnd{
		Type:    protocol.TypeToolEnd,
		Name:    "rag",
		Output:  "out",
		Sources: []protocol.WireSource{{DocumentName: "a.pdf", Content: "x"}},
	}

	first := Apply(turn, evt)
	second := Apply(turn, evt)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("Apply not pure:\nfirst  %+v\nsecond %+v", first, second)
	}
	if turn.ToolCalls[0].Status != ToolRunning {
		t.Fatalf("input snapshot mutated: ToolCalls[0].Status = %q", turn.ToolCalls[0].Status)
	}
}

func TestApplyKeepsRetrievalAndResponseLatencySeparate(t *testing.T) {
	search := 30.0
	total := 55.0
	ttft := 120.0

	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.ToolStart{Type: protocol.TypeToolStart, Name: "rag"})
	turn = Apply(turn, protocol.ToolEnd{
		Type:    protocol.TypeToolEnd,
		Name:    "rag",
		Output:  "ctx",
		Latency: &protocol.LatencyBreakdown{SearchMS: &search, TotalMS: &total},
	})
	turn = Apply(turn, protocol.Done{
		Type:            protocol.TypeDone,
		ResponseLatency: &protocol.LatencyBreakdown{TTFTMS: &ttft, TotalMS: &total},
	})

	if turn.Latency == nil || turn.Latency.Retrieval == nil || turn.Latency.Response == nil {
		t.Fatalf("Latency = %+v, want both retrieval and response breakdowns", turn.Latency)
	}
	if *turn.Latency.Retrieval.SearchMS != 30 {
		t.Fatalf("Retrieval.SearchMS = %v, want 30", *turn.Latency.Retrieval.SearchMS)
	}
	if *turn.Latency.Response.TTFTMS != 120 {
		t.Fatalf("Response.TTFTMS = %v, want 120", *turn.Latency.Response.TTFTMS)
	}
	// Both phases report total_ms independently; neither is summed into the other.
	if *turn.Latency.Retrieval.TotalMS != 55 || *turn.Latency.Response.TotalMS != 55 {
		t.Fatalf("totals = %v/%v, want 55/55 kept separate",
			*turn.Latency.Retrieval.TotalMS, *turn.Latency.Response.TotalMS)
	}
}

func TestApplySourcesAreSetOnce(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.ToolStart{Type: protocol.TypeToolStart, Name: "rag"})
	turn = Apply(turn, protocol.ToolEnd{
		Type:    protocol.TypeToolEnd,
		Name:    "rag",
		Sources: []protocol.WireSource{{DocumentName: "first.pdf", Content: "a"}},
	})
	turn = Apply(turn, protocol.ToolStart{Type: protocol.TypeToolStart, Name: "rag"})
	turn = Apply(turn, protocol.ToolEnd{
		Type:    protocol.TypeToolEnd,
		Name:    "rag",
		Sources: []protocol.WireSource{{DocumentName: "second.pdf", Content: "b"}},
	})

	if len(turn.Sources) != 1 || turn.Sources[0].DocumentName != "first.pdf" {
		t.Fatalf("Sources = %+v, want the first population kept", turn.Sources)
	}
}

func TestCancelFreezesWithoutRollback(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.Content{Type: protocol.TypeContent, Content: "partial"})
	turn = Cancel(turn)

	if turn.Status != StatusCancelled {
		t.Fatalf("Status = %q, want cancelled", turn.Status)
	}
	if turn.Content != "partial" {
		t.Fatalf("Content = %q, want preserved partial text", turn.Content)
	}

	after := Apply(turn, protocol.Content{Type: protocol.TypeContent, Content: "more"})
	if after.Content != "partial" {
		t.Fatalf("Content = %q, want no folds after cancellation", after.Content)
	}
	if again := Cancel(turn); again.Status != StatusCancelled {
		t.Fatalf("Cancel twice: Status = %q, want cancelled", again.Status)
	}
}

func TestFailOverwritesContentOnce(t *testing.T) {
	turn := NewAssistantTurn("")
	turn = Apply(turn, protocol.Content{Type: protocol.TypeContent, Content: "half"})
	turn = Fail(turn, "connection lost")

	if turn.Status != StatusFailed || turn.Content != "connection lost" {
		t.Fatalf("turn = %+v, want failed with replacement message", turn)
	}
	if got := Fail(turn, "other"); got.Content != "connection lost" {
		t.Fatalf("Fail on terminal turn changed content to %q", got.Content)
	}
}
