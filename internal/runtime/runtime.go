// Package runtime implements C6, the profile/LLM/MCP context switcher
// (spec §4.6): activating a profile resolves its LLM and (for tool-enabled
// profiles) MCP server, health-checks them, drives the capability
// classifier, and publishes an ActiveContext other components read turn by
// turn. Activation is owner-scoped and idempotent, following the same
// sharded per-key lock idiom as internal/session's lockTable and
// internal/consumption's Store.locks.
package runtime

import (
	"context"
	"sync"
	"time"

	"charm.land/fantasy"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/classifier"
	"github.com/relaymesh/conduit/internal/domain"
	"github.com/relaymesh/conduit/internal/mcpclient"
	"github.com/relaymesh/conduit/internal/providers"
)

// ProfileStore is the subset of profile persistence the switcher needs.
type ProfileStore interface {
	GetProfile(ctx context.Context, ownerID, profileID string) (*domain.Profile, error)
}

// LLMConfigStore is the subset of LLM config persistence the switcher needs.
type LLMConfigStore interface {
	GetLLMConfig(ctx context.Context, ownerID, llmConfigID string) (*domain.LLMConfig, error)
}

// MCPServerStore is the subset of MCP server persistence the switcher needs.
type MCPServerStore interface {
	GetMCPServer(ctx context.Context, ownerID, serverID string) (*domain.MCPServer, error)
}

// ActiveContext is the bound runtime state produced by a successful
// Activate call: a ready-to-use language model, an optional live MCP
// client, and the profile's current capability classification.
type ActiveContext struct {
	Profile        *domain.Profile
	LLMConfig      *domain.LLMConfig
	LanguageModel  fantasy.LanguageModel
	MCPServer      *domain.MCPServer
	MCPClient      *mcpclient.Client
	Classification *classifier.Classification
	ActivatedAt    time.Time
}

// entry is the per-profile cached activation. Activate re-derives staleness
// from the profile's own UpdatedAt rather than a separate counter, so an
// edited profile forces reactivation instead of idempotently short-circuiting
// on cached state.
type entry struct {
	ctx *ActiveContext
}

// Switcher owns one ActiveContext per (owner, profile) and serializes
// activation per owner so two concurrent activations for the same owner's
// profiles never race on shared credentials or connections.
type Switcher struct {
	profiles ProfileStore
	llmConfigs LLMConfigStore
	mcpServers MCPServerStore
	resolver *providers.Resolver
	classifierCache *classifier.Cache

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	active map[string]*entry

	// HealthCheckLLM optionally performs a cheap LLM health call during
	// activation (spec §4.6: "optional LLM health call"). Nil skips it.
	HealthCheckLLM func(ctx context.Context, model fantasy.LanguageModel) error
}

// NewSwitcher creates a Switcher.
func NewSwitcher(profiles ProfileStore, llmConfigs LLMConfigStore, mcpServers MCPServerStore, resolver *providers.Resolver, classifierCache *classifier.Cache) *Switcher {
	return &Switcher{
		profiles:        profiles,
		llmConfigs:      llmConfigs,
		mcpServers:      mcpServers,
		resolver:        resolver,
		classifierCache: classifierCache,
		locks:           make(map[string]*sync.Mutex),
		active:          make(map[string]*entry),
	}
}

func (s *Switcher) lockFor(ownerID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[ownerID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ownerID] = l
	}
	return l
}

func activeKey(ownerID, profileID string) string { return ownerID + "/" + profileID }

// Current returns the already-activated context for a profile, if any,
// without performing activation.
func (s *Switcher) Current(ownerID, profileID string) (*ActiveContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[activeKey(ownerID, profileID)]
	if !ok {
		return nil, false
	}
	return e.ctx, true
}

// Invalidate forces the next Activate call for this profile to rebuild its
// ActiveContext from scratch, e.g. after the profile's LLM/MCP config or
// classification mode changes.
func (s *Switcher) Invalidate(ownerID, profileID string) {
	s.mu.Lock()
	delete(s.active, activeKey(ownerID, profileID))
	s.mu.Unlock()
}

// Activate makes profileID the owner's active profile, performing credential
// resolution, health checks, and classification as needed (spec §4.6).
// A second Activate call for an already-active, unchanged profile
// short-circuits idempotently without re-dialing or re-classifying.
// Any failure leaves the previously active context (if any) untouched —
// activation never partially commits.
func (s *Switcher) Activate(ctx context.Context, ownerID, profileID string) (*ActiveContext, error) {
	lock := s.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	key := activeKey(ownerID, profileID)
	profile, err := s.profiles.GetProfile(ctx, ownerID, profileID)
	if err != nil {
		return nil, apperr.Wrap(apperr.NotFound, "load profile for activation", err)
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	if existing, ok := s.active[key]; ok && existing.ctx.Profile.UpdatedAt.Equal(profile.UpdatedAt) {
		return existing.ctx, nil
	}

	active, err := s.buildActiveContext(ctx, profile)
	if err != nil {
		// rollback-on-failure: the previously committed entry (if any) is
		// untouched because we never wrote to s.active until success.
		if active != nil && active.MCPClient != nil {
			_ = active.MCPClient.Close()
		}
		return nil, err
	}

	if prev, ok := s.active[key]; ok && prev.ctx.MCPClient != nil && prev.ctx.MCPClient != active.MCPClient {
		_ = prev.ctx.MCPClient.Close()
	}
	s.active[key] = &entry{ctx: active}
	return active, nil
}

// buildActiveContext performs the actual resolution work. It returns a
// partially built *ActiveContext alongside an error so the caller can
// close any MCP connection dialed before the failure, without ever
// exposing the partial result through Activate's return value.
func (s *Switcher) buildActiveContext(ctx context.Context, profile *domain.Profile) (*ActiveContext, error) {
	active := &ActiveContext{Profile: profile, ActivatedAt: time.Now()}

	llmConfig, err := s.llmConfigs.GetLLMConfig(ctx, profile.OwnerID, profile.LLMConfigID)
	if err != nil {
		return active, apperr.Wrap(apperr.NotFound, "load LLM config for activation", err)
	}
	active.LLMConfig = llmConfig

	apiKey, err := s.resolver.ResolveCredentials(llmConfig, "")
	if err != nil {
		return active, err
	}

	model, err := s.resolver.BuildLanguageModel(ctx, llmConfig, apiKey)
	if err != nil {
		return active, apperr.Wrap(apperr.UpstreamPermanent, "build language model", err)
	}
	active.LanguageModel = model

	if s.HealthCheckLLM != nil {
		if err := s.HealthCheckLLM(ctx, model); err != nil {
			return active, apperr.Wrap(apperr.UpstreamTimeout, "LLM health check failed", err)
		}
	}

	if profile.Kind != domain.ProfileToolEnabled {
		return active, nil
	}

	if profile.MCPServerID == "" {
		return active, apperr.New(apperr.Validation, "tool_enabled profile missing mcp_server_id")
	}

	server, err := s.mcpServers.GetMCPServer(ctx, profile.OwnerID, profile.MCPServerID)
	if err != nil {
		return active, apperr.Wrap(apperr.NotFound, "load MCP server for activation", err)
	}
	active.MCPServer = server

	healthCtx, cancel := context.WithTimeout(ctx, mcpclient.HealthCheckTimeout)
	defer cancel()

	client, err := mcpclient.Dial(healthCtx, *server)
	if err != nil {
		return active, apperr.Wrap(apperr.UpstreamTimeout, "dial MCP server for activation", err)
	}
	active.MCPClient = client

	if _, err := client.ListTools(healthCtx); err != nil {
		return active, apperr.Wrap(apperr.UpstreamTimeout, "MCP tool-list health check failed", err)
	}

	if s.classifierCache != nil {
		masterOf := func(id string) (*domain.Profile, error) {
			return s.profiles.GetProfile(ctx, profile.OwnerID, id)
		}
		cl, err := s.classifierCache.Classify(ctx, profile, client, masterOf)
		if err != nil {
			return active, err
		}
		active.Classification = cl

		// first-classification auto-enable-all: a profile with no explicit
		// tool/prompt selection yet gets every classified capability on.
		if profile.EnabledTools == nil {
			profile.EnabledTools = make(map[string]bool, len(cl.Tools))
			for _, t := range cl.Tools {
				profile.EnabledTools[t.Name] = true
			}
		}
		if profile.EnabledPrompts == nil {
			profile.EnabledPrompts = make(map[string]bool, len(cl.Prompts))
			for _, p := range cl.Prompts {
				profile.EnabledPrompts[p.Name] = true
			}
		}
	}

	return active, nil
}
