// Package tokenest estimates LLM token usage from text length. It underlies
// the context window assembler's budget accounting and the session store's
// reported usage fields. Estimation is a fixed character-per-token ratio,
// not a real tokenizer — no example repo in the corpus brings a tiktoken-style
// library into scope, so this stays a ratio the way the teacher's compaction
// package computed it.
package tokenest

import "github.com/relaymesh/conduit/internal/message"

// CharsPerToken is the assumed average character count per token.
const CharsPerToken = 4.0

// MessageOverheadTokens accounts for the role/delimiter tokens a provider
// charges per message beyond its text content (name, role marker, separators).
const MessageOverheadTokens = 4

// Estimate returns the estimated token count for text, rounding up so that
// any non-empty text costs at least one token and so that
// Estimate(a) + Estimate(b) <= Estimate(a+b) + 1 holds at every boundary
// (the teacher's integer-division EstimateTokens rounds down instead, which
// under-counts short fragments and costs text under four characters zero).
func Estimate(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	return (n + int(CharsPerToken) - 1) / int(CharsPerToken)
}

// CharsFor returns the approximate character budget available for a given
// token budget — the inverse of Estimate, used when truncating text to fit
// a remaining token allowance.
func CharsFor(tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return tokens * int(CharsPerToken)
}

// EstimateMessage estimates the token cost of one message: its text content
// plus the fixed per-message overhead.
func EstimateMessage(msg message.Message) int {
	return Estimate(msg.Content()) + MessageOverheadTokens
}

// EstimateMessages sums EstimateMessage across a conversation.
func EstimateMessages(msgs []message.Message) int {
	total := 0
	for i := range msgs {
		total += EstimateMessage(msgs[i])
	}
	return total
}
