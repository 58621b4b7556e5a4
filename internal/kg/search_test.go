package kg

import (
	"context"
	"strings"
	"testing"
)

func TestTokenizeQueryLowercasesAndDropsShortWords(t *testing.T) {
	got := tokenizeQuery("Find the Orders table, id column!")
	want := []string{"find", "the", "orders", "table", "column"}
	if len(got) != len(want) {
		t.Fatalf("tokenizeQuery = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tokenizeQuery[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSearchContextFindsSeedByTableName(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	_, table, _, _ := seedChain(t, ctx, g)

	out, err := g.SearchContext(ctx, "orders", 0)
	if err != nil {
		t.Fatalf("SearchContext: %v", err)
	}
	if !strings.Contains(out, "orders") {
		t.Errorf("SearchContext(%q) = %q, want it to mention the seeded table", "orders", out)
	}
	_ = table
}

func TestSearchContextReturnsEmptyWhenNoSeedsMatch(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	seedChain(t, ctx, g)

	out, err := g.SearchContext(ctx, "nonexistent", 0)
	if err != nil {
		t.Fatalf("SearchContext: %v", err)
	}
	if out != "" {
		t.Errorf("SearchContext(no match) = %q, want empty", out)
	}
}

func TestSearchContextIgnoresWordsUnderThreeChars(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	seedChain(t, ctx, g)

	// "id" is a real column name but only two characters: tokenizeQuery
	// drops it, so this must behave like an empty query, not a column hit.
	out, err := g.SearchContext(ctx, "id", 0)
	if err != nil {
		t.Fatalf("SearchContext: %v", err)
	}
	if out != "" {
		t.Errorf("SearchContext(%q) = %q, want empty (word too short to tokenize)", "id", out)
	}
}

func TestFindSeedsCapsWordCountAtMaxSeedWords(t *testing.T) {
	ctx := context.Background()
	g := newTestGraph(t)
	seedChain(t, ctx, g)

	words := make([]string, 0, maxSeedWords+5)
	for i := 0; i < maxSeedWords+5; i++ {
		words = append(words, "nomatch")
	}
	// "orders" names a seeded table but sits past the cap, so it is never looked up.
	words = append(words, "orders")
	query := strings.Join(words, " ")

	seeds, err := g.findSeeds(ctx, query)
	if err != nil {
		t.Fatalf("findSeeds: %v", err)
	}
	if len(seeds) != 0 {
		t.Errorf("findSeeds(matching word past the cap) = %v, want no seeds", seeds)
	}
}
