// Package contextwindow implements C7, the context window assembler (spec
// §4.7): a weighted registry of context modules whose contributions are
// gathered concurrently under a token budget, condensed, and — if still
// over budget — dropped lowest-priority-first. Module registration follows
// the teacher's "register once, iterate" idiom from its builtin tool
// registry, generalized from tool lookup to module assembly.
package contextwindow

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/domain"
	"github.com/relaymesh/conduit/internal/message"
)

// TurnContext carries everything a module might need to produce its
// contribution for one turn: the active session, the profile driving it,
// and the live query text the turn is answering.
type TurnContext struct {
	OwnerID   string
	SessionID string
	Profile   *domain.Profile
	Query     string
	History   []message.Message
	// IsFirstTurn is true exactly once per session, on the turn before
	// Counters.HasRecordedTurn is first set (spec §4.7: tool_definitions'
	// full-vs-condensed split).
	IsFirstTurn bool
	Extra       map[string]any // per-module side-channel data (e.g. RAG hits, KG subgraph)
}

// Contribution is what a Module returns for one assembly pass (spec §4.7).
type Contribution struct {
	Content     string
	TokensUsed  int
	Metadata    map[string]any
	Condensable bool
}

// Module is the capability trait every context contributor implements
// (spec §4.7/§9: "dynamic dispatch over modules ... a capability trait").
type Module interface {
	ID() string
	AppliesTo(kind domain.ProfileKind) bool
	Weight() float64
	Contribute(ctx context.Context, budget int, tc *TurnContext) (Contribution, error)
	Condensable() bool
	Condense(ctx context.Context, content string, targetTokens int, tc *TurnContext) (string, int, error)
	Purge(ctx context.Context, ownerID, sessionID string) error
}

// minCondenseFloor is the lowest a condensation target may fall to (spec
// §4.7 step 3: "never below a floor of >=64 tokens").
const minCondenseFloor = 64

// Assembler runs the registered modules applicable to a profile kind under
// an overall token budget.
type Assembler struct {
	modules     []Module
	concurrency int
}

// NewAssembler creates an Assembler over modules, registered once at
// startup and iterated on every Assemble call. concurrency bounds the
// number of modules contributing at once; 0 means unbounded.
func NewAssembler(modules []Module, concurrency int) *Assembler {
	return &Assembler{modules: modules, concurrency: concurrency}
}

type result struct {
	module Module
	contrib Contribution
	weight  float64
}

// Assemble runs every module applicable to kind concurrently, then
// iteratively condenses and drops contributions until the total fits
// within budget (spec §4.7 steps 1-4).
func (a *Assembler) Assemble(ctx context.Context, budget int, kind domain.ProfileKind, tc *TurnContext) (map[string]Contribution, error) {
	applicable := make([]Module, 0, len(a.modules))
	var totalWeight float64
	for _, m := range a.modules {
		if m.AppliesTo(kind) {
			applicable = append(applicable, m)
			totalWeight += m.Weight()
		}
	}
	if len(applicable) == 0 {
		return map[string]Contribution{}, nil
	}
	if totalWeight <= 0 {
		totalWeight = float64(len(applicable))
	}

	results := make([]result, len(applicable))
	g, gctx := errgroup.WithContext(ctx)
	if a.concurrency > 0 {
		g.SetLimit(a.concurrency)
	}

	for i, m := range applicable {
		i, m := i, m
		weight := m.Weight()
		if weight <= 0 {
			weight = 1
		}
		weight /= totalWeight
		alloc := int(float64(budget) * weight)

		g.Go(func() error {
			contrib, err := m.Contribute(gctx, alloc, tc)
			if err != nil {
				return apperr.Wrap(apperr.Internal, "module "+m.ID()+" failed to contribute", err)
			}
			results[i] = result{module: m, contrib: contrib, weight: weight}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, r := range results {
		total += r.contrib.TokensUsed
	}

	// Step 3: iteratively condense the largest condensable contribution.
	for total > budget {
		idx := largestCondensable(results)
		if idx < 0 {
			break
		}
		overshoot := total - budget
		target := results[idx].contrib.TokensUsed - overshoot
		if target < minCondenseFloor {
			target = minCondenseFloor
		}
		if target >= results[idx].contrib.TokensUsed {
			break // condensation would not shrink anything further
		}

		newContent, newTokens, err := results[idx].module.Condense(ctx, results[idx].contrib.Content, target, tc)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "module "+results[idx].module.ID()+" failed to condense", err)
		}
		if newTokens >= results[idx].contrib.TokensUsed {
			break // no progress; avoid an infinite loop
		}

		total -= results[idx].contrib.TokensUsed - newTokens
		results[idx].contrib.Content = newContent
		results[idx].contrib.TokensUsed = newTokens
	}

	// Step 4: drop lowest-priority condensable contributions if still over.
	if total > budget {
		order := dropOrder(results)
		for _, idx := range order {
			if total <= budget {
				break
			}
			total -= results[idx].contrib.TokensUsed
			results[idx].contrib.TokensUsed = 0
			results[idx].contrib.Content = ""
			results[idx].contrib.Metadata = nil
		}
	}

	out := make(map[string]Contribution, len(results))
	for _, r := range results {
		out[r.module.ID()] = r.contrib
	}
	return out, nil
}

// largestCondensable returns the index of the condensable contribution with
// the most tokens, or -1 if none remain.
func largestCondensable(results []result) int {
	best := -1
	for i, r := range results {
		if !r.contrib.Condensable || r.contrib.TokensUsed == 0 {
			continue
		}
		if best < 0 || r.contrib.TokensUsed > results[best].contrib.TokensUsed {
			best = i
		}
	}
	return best
}

// dropOrder returns indices of condensable contributions ordered
// lowest-weight-first (spec §4.7 step 4: "lowest-priority condensable
// contributions", priority read as the module's normalized weight).
func dropOrder(results []result) []int {
	var idxs []int
	for i, r := range results {
		if r.contrib.Condensable {
			idxs = append(idxs, i)
		}
	}
	sort.Slice(idxs, func(a, b int) bool {
		return results[idxs[a]].weight < results[idxs[b]].weight
	})
	return idxs
}

// Purge clears every module's session-scoped state (spec §4.7: "purge on a
// module clears accumulated module-scoped state in the session").
func (a *Assembler) Purge(ctx context.Context, ownerID, sessionID string) error {
	for _, m := range a.modules {
		if err := m.Purge(ctx, ownerID, sessionID); err != nil {
			return err
		}
	}
	return nil
}
