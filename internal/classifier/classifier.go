// Package classifier implements C5, the capability classifier cache (spec
// §4.5): it categorizes a profile's MCP tools and prompts by capability
// group, caches the result keyed by (owner, profile, classification mode),
// and invalidates the cache whenever the profile's classification mode no
// longer matches what was cached. Persistence follows the same marshal/
// temp-file/rename durability idiom internal/session.FileStore uses.
package classifier

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/domain"
)

// Info describes one classified tool or prompt (spec §4.5).
type Info struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"` // "tool" | "prompt"
	Category   string `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Classification is the cached result of classifying one profile's MCP
// surface (spec §4.5). It is keyed by (OwnerID, ProfileID) and is only
// valid while Mode matches the profile's current ClassificationMode.
type Classification struct {
	OwnerID    string                 `json:"owner_id"`
	ProfileID  string                 `json:"profile_id"`
	Mode       domain.ClassificationMode `json:"mode"`
	Tools      []Info                 `json:"tools"`
	Prompts    []Info                 `json:"prompts"`
	Categories []string               `json:"categories"` // distinct categories present
	ClassifiedAt time.Time            `json:"classified_at"`
}

// RuntimeCategories returns the categories present among tools/prompts that
// are still enabled at runtime — spec §4.5: disabled tools/prompts are
// subtracted at runtime only, never from the cached classification.
func (c *Classification) RuntimeCategories(profile *domain.Profile) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(cat string) {
		if !seen[cat] {
			seen[cat] = true
			out = append(out, cat)
		}
	}
	for _, t := range c.Tools {
		if profile.EnabledTools == nil || profile.EnabledTools[t.Name] {
			add(t.Category)
		}
	}
	for _, p := range c.Prompts {
		if profile.EnabledPrompts == nil || profile.EnabledPrompts[p.Name] {
			add(p.Category)
		}
	}
	return out
}

// LLMClassifier delegates the actual categorization of a name/description
// pair to a language model (spec §4.5: "LLM-delegated categorization").
// Implementations live in internal/executor, which owns the bound
// fantasy.LanguageModel; classifier only depends on this narrow interface
// so it never needs to know about providers or fantasy directly.
type LLMClassifier interface {
	ClassifyCapability(ctx context.Context, name, description, kind string) (category string, confidence float64, err error)
}

// MCPLister is the subset of mcpclient.Client the classifier needs to
// enumerate a server's tools and prompts.
type MCPLister interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
}

// Cache stores Classifications on disk (one JSON file per profile,
// written atomically) and serves them from an in-memory map. A
// singleflight group collapses concurrent classification requests for the
// same profile into one LLM pass.
type Cache struct {
	dir        string
	llm        LLMClassifier
	mu         sync.RWMutex
	byProfile  map[string]*Classification
	inflight   singleflight.Group
}

// NewCache creates a Cache persisting under dir.
func NewCache(dir string, llm LLMClassifier) *Cache {
	return &Cache{dir: dir, llm: llm, byProfile: make(map[string]*Classification)}
}

func (c *Cache) path(ownerID, profileID string) string {
	return filepath.Join(c.dir, ownerID, profileID+".classification.json")
}

// Get returns the cached Classification for a profile if present and its
// mode still matches, without triggering classification.
func (c *Cache) Get(profile *domain.Profile) (*Classification, bool) {
	key := profile.OwnerID + "/" + profile.ID
	c.mu.RLock()
	cl, ok := c.byProfile[key]
	c.mu.RUnlock()
	if ok && cl.Mode == profile.ClassificationMode {
		return cl, true
	}

	loaded, err := c.load(profile.OwnerID, profile.ID)
	if err != nil || loaded == nil {
		return nil, false
	}
	if loaded.Mode != profile.ClassificationMode {
		return nil, false
	}
	c.mu.Lock()
	c.byProfile[key] = loaded
	c.mu.Unlock()
	return loaded, true
}

// Classify returns the profile's Classification, computing and caching it
// if absent or stale (spec §4.5 steps 1-5):
//  1. inherit_classification redirects to the master profile's cache entry.
//  2. A mode mismatch between the cached entry and the profile's current
//     ClassificationMode invalidates the cache.
//  3. Otherwise the server's tools/prompts are listed and each is
//     delegated to the LLM for categorization.
//  4. Concurrent callers for the same profile collapse onto one
//     singleflight call.
//  5. The result is persisted atomically and kept in memory.
func (c *Cache) Classify(ctx context.Context, profile *domain.Profile, lister MCPLister, masterOf func(string) (*domain.Profile, error)) (*Classification, error) {
	if profile.InheritClassification && profile.MasterProfileID != "" {
		master, err := masterOf(profile.MasterProfileID)
		if err != nil {
			return nil, apperr.Wrap(apperr.NotFound, "load master profile for inherited classification", err)
		}
		return c.Classify(ctx, master, lister, masterOf)
	}

	if cl, ok := c.Get(profile); ok {
		return cl, nil
	}

	key := profile.OwnerID + "/" + profile.ID
	v, err, _ := c.inflight.Do(key, func() (any, error) {
		return c.classifyUncached(ctx, profile, lister)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Classification), nil
}

func (c *Cache) classifyUncached(ctx context.Context, profile *domain.Profile, lister MCPLister) (*Classification, error) {
	tools, err := lister.ListTools(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamTransient, "list tools for classification", err)
	}
	prompts, err := lister.ListPrompts(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamTransient, "list prompts for classification", err)
	}

	cl := &Classification{
		OwnerID:      profile.OwnerID,
		ProfileID:    profile.ID,
		Mode:         profile.ClassificationMode,
		ClassifiedAt: time.Now(),
	}

	categorySeen := make(map[string]bool)
	for _, t := range tools {
		cat, conf, err := c.classifyOne(ctx, profile, t.Name, t.Description, "tool")
		if err != nil {
			return nil, err
		}
		cl.Tools = append(cl.Tools, Info{Name: t.Name, Kind: "tool", Category: cat, Confidence: conf})
		if !categorySeen[cat] {
			categorySeen[cat] = true
			cl.Categories = append(cl.Categories, cat)
		}
	}
	for _, p := range prompts {
		cat, conf, err := c.classifyOne(ctx, profile, p.Name, p.Description, "prompt")
		if err != nil {
			return nil, err
		}
		cl.Prompts = append(cl.Prompts, Info{Name: p.Name, Kind: "prompt", Category: cat, Confidence: conf})
		if !categorySeen[cat] {
			categorySeen[cat] = true
			cl.Categories = append(cl.Categories, cat)
		}
	}

	if err := c.persist(cl); err != nil {
		return nil, err
	}

	key := profile.OwnerID + "/" + profile.ID
	c.mu.Lock()
	c.byProfile[key] = cl
	c.mu.Unlock()

	return cl, nil
}

// classifyOne runs the LLM classifier in full mode, or falls back to a
// fixed "uncategorized" label in light mode (spec §4.5: light mode skips
// per-item LLM calls, trading precision for speed).
func (c *Cache) classifyOne(ctx context.Context, profile *domain.Profile, name, description, kind string) (string, float64, error) {
	if profile.ClassificationMode == domain.ClassificationLight || c.llm == nil {
		return "uncategorized", 0, nil
	}
	cat, conf, err := c.llm.ClassifyCapability(ctx, name, description, kind)
	if err != nil {
		return "", 0, apperr.Wrap(apperr.UpstreamTransient, "classify capability via LLM", err)
	}
	return cat, conf, nil
}

func (c *Cache) persist(cl *Classification) error {
	path := c.path(cl.OwnerID, cl.ProfileID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, "create classification cache directory", err)
	}

	data, err := json.MarshalIndent(cl, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal classification", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".classification-*.tmp")
	if err != nil {
		return apperr.Wrap(apperr.Internal, "create temp classification file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.Internal, "write classification file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.Internal, "sync classification file", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.Internal, "close classification file", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return apperr.Wrap(apperr.Internal, "rename classification file into place", err)
	}
	return nil
}

func (c *Cache) load(ownerID, profileID string) (*Classification, error) {
	data, err := os.ReadFile(c.path(ownerID, profileID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "read classification cache file", err)
	}
	var cl Classification
	if err := json.Unmarshal(data, &cl); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "unmarshal classification cache file", err)
	}
	return &cl, nil
}

// Invalidate drops a profile's cached classification, forcing the next
// Classify call to recompute it.
func (c *Cache) Invalidate(ownerID, profileID string) {
	key := ownerID + "/" + profileID
	c.mu.Lock()
	delete(c.byProfile, key)
	c.mu.Unlock()
	_ = os.Remove(c.path(ownerID, profileID))
}
