package tokenest

import (
	"strings"
	"testing"

	"github.com/relaymesh/conduit/internal/message"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"hi", 1},          // 2 chars, ceil(2/4) = 1
		{"hell", 1},        // 4 chars, ceil(4/4) = 1
		{"hello", 2},       // 5 chars, ceil(5/4) = 2
		{"hello world", 3}, // 11 chars, ceil(11/4) = 3
	}
	for _, tt := range tests {
		if got := Estimate(tt.text); got != tt.want {
			t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestEstimateSubadditivity(t *testing.T) {
	a := strings.Repeat("a", 7)
	b := strings.Repeat("b", 5)
	if got, bound := Estimate(a)+Estimate(b), Estimate(a+b)+1; got > bound {
		t.Errorf("Estimate(a)+Estimate(b) = %d, exceeds Estimate(a+b)+1 = %d", got, bound)
	}
}

func TestEstimateMonotonic(t *testing.T) {
	prev := 0
	for n := 0; n < 40; n++ {
		got := Estimate(strings.Repeat("x", n))
		if got < prev {
			t.Fatalf("Estimate not monotonic at n=%d: got %d < prev %d", n, got, prev)
		}
		prev = got
	}
}

func TestCharsForInverse(t *testing.T) {
	if got := CharsFor(0); got != 0 {
		t.Errorf("CharsFor(0) = %d, want 0", got)
	}
	if got := CharsFor(10); got != 40 {
		t.Errorf("CharsFor(10) = %d, want 40", got)
	}
}

func TestEstimateMessages(t *testing.T) {
	m1 := message.Message{Role: message.RoleUser}
	m1.AddPart(message.TextContent{Text: "Hello, how are you?"}) // 19 chars -> ceil(19/4)=5
	m2 := message.Message{Role: message.RoleAssistant}
	m2.AddPart(message.TextContent{Text: "I'm doing great"}) // 15 chars -> ceil(15/4)=4

	got := EstimateMessages([]message.Message{m1, m2})
	want := (5 + MessageOverheadTokens) + (4 + MessageOverheadTokens)
	if got != want {
		t.Errorf("EstimateMessages = %d, want %d", got, want)
	}
}

func TestEstimateMessagesEmpty(t *testing.T) {
	if got := EstimateMessages(nil); got != 0 {
		t.Errorf("EstimateMessages(nil) = %d, want 0", got)
	}
}
