package message

import (
	"encoding/json"
	"testing"

	"charm.land/fantasy"
)

func TestMessageContent(t *testing.T) {
	m := Message{Role: RoleAssistant}
	m.AddPart(TextContent{Text: "hello"})
	m.AddPart(TextContent{Text: "world"})
	if got, want := m.Content(), "hello\nworld"; got != want {
		t.Errorf("Content() = %q, want %q", got, want)
	}
}

func TestMessageAddToolCallReplacesByID(t *testing.T) {
	m := Message{Role: RoleAssistant}
	m.AddToolCall(ToolCall{ID: "call_1", Name: "search", Input: `{"q":"a"}`})
	m.AddToolCall(ToolCall{ID: "call_1", Name: "search", Input: `{"q":"a"}`, Finished: true})

	calls := m.ToolCalls()
	if len(calls) != 1 {
		t.Fatalf("ToolCalls() len = %d, want 1", len(calls))
	}
	if !calls[0].Finished {
		t.Errorf("ToolCalls()[0].Finished = false, want true (replace-by-id)")
	}
}

func TestMarkValid(t *testing.T) {
	m := Message{Role: RoleAssistant}
	if m.IsValid != nil {
		t.Fatalf("IsValid should start nil (unevaluated)")
	}
	m.MarkValid(false)
	if m.IsValid == nil || *m.IsValid {
		t.Errorf("MarkValid(false) did not set IsValid to false")
	}
}

func TestMarshalUnmarshalPartsRoundTrip(t *testing.T) {
	parts := []ContentPart{
		TextContent{Text: "hi"},
		ReasoningContent{Thinking: "because", Signature: "sig"},
		ToolCall{ID: "c1", Name: "kg.query", Input: `{"entity":"x"}`, Finished: true},
		ToolResult{ToolCallID: "c1", Name: "kg.query", Content: "result", IsError: false},
		Finish{Reason: "end_turn"},
	}

	data, err := MarshalParts(parts)
	if err != nil {
		t.Fatalf("MarshalParts: %v", err)
	}

	got, err := UnmarshalParts(data)
	if err != nil {
		t.Fatalf("UnmarshalParts: %v", err)
	}
	if len(got) != len(parts) {
		t.Fatalf("UnmarshalParts len = %d, want %d", len(got), len(parts))
	}
	for i := range parts {
		if got[i] != parts[i] {
			t.Errorf("part %d round-trip mismatch: got %#v, want %#v", i, got[i], parts[i])
		}
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	valid := false
	m := Message{
		ID:   "msg_1",
		Role: RoleTool,
		Parts: []ContentPart{
			ToolResult{ToolCallID: "c1", Content: "42", IsError: false},
		},
		IsValid: &valid,
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != m.ID || got.Role != m.Role {
		t.Fatalf("round trip mismatch: got %#v", got)
	}
	if got.IsValid == nil || *got.IsValid {
		t.Errorf("IsValid not preserved across JSON round trip")
	}
	if len(got.ToolResults()) != 1 || got.ToolResults()[0].Content != "42" {
		t.Errorf("tool result not preserved: %#v", got.ToolResults())
	}
}

func TestToFantasyMessagesAssistantCombinesParts(t *testing.T) {
	m := Message{Role: RoleAssistant}
	m.AddPart(ReasoningContent{Thinking: "step by step"})
	m.AddPart(TextContent{Text: "the answer is 4"})
	m.AddToolCall(ToolCall{ID: "c1", Name: "calc", Input: "{}"})

	fms := m.ToFantasyMessages()
	if len(fms) != 1 {
		t.Fatalf("ToFantasyMessages() len = %d, want 1", len(fms))
	}
	if fms[0].Role != fantasy.MessageRoleAssistant {
		t.Errorf("role = %v, want assistant", fms[0].Role)
	}
	if len(fms[0].Content) != 3 {
		t.Errorf("content parts = %d, want 3 (reasoning+text+toolcall)", len(fms[0].Content))
	}
}

func TestToFantasyMessagesToolErrorResult(t *testing.T) {
	m := Message{Role: RoleTool}
	m.AddPart(ToolResult{ToolCallID: "c1", Content: "boom", IsError: true})

	fms := m.ToFantasyMessages()
	if len(fms) != 1 {
		t.Fatalf("ToFantasyMessages() len = %d, want 1", len(fms))
	}
	part, ok := fms[0].Content[0].(fantasy.ToolResultPart)
	if !ok {
		t.Fatalf("content[0] is %T, want ToolResultPart", fms[0].Content[0])
	}
	if _, ok := part.Output.(fantasy.ToolResultOutputContentError); !ok {
		t.Errorf("output is %T, want ToolResultOutputContentError", part.Output)
	}
}

func TestFromFantasyMessageRoundTrip(t *testing.T) {
	fm := fantasy.Message{
		Role: fantasy.MessageRoleAssistant,
		Content: []fantasy.MessagePart{
			fantasy.ReasoningPart{Text: "thinking"},
			fantasy.TextPart{Text: "done"},
			fantasy.ToolCallPart{ToolCallID: "c1", ToolName: "kg.query", Input: "{}"},
		},
	}
	m := FromFantasyMessage(fm)
	if m.Role != RoleAssistant {
		t.Errorf("Role = %v, want assistant", m.Role)
	}
	if m.Content() != "done" {
		t.Errorf("Content() = %q, want %q", m.Content(), "done")
	}
	if m.Reasoning().Thinking != "thinking" {
		t.Errorf("Reasoning().Thinking = %q, want %q", m.Reasoning().Thinking, "thinking")
	}
	if len(m.ToolCalls()) != 1 || m.ToolCalls()[0].ID != "c1" {
		t.Errorf("ToolCalls() = %#v, want one call with ID c1", m.ToolCalls())
	}
}
