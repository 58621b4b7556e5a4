// Package domain holds the data-model entities shared across conduit's
// components (spec §3): User, Profile, LLMConfig, MCPServer, and Collection.
// These are plain structs with no storage behavior of their own — each
// owning component (C2 sessions, C4 knowledge graph, C6 runtime switcher)
// persists and mutates them through its own store.
package domain

import (
	"time"

	"github.com/relaymesh/conduit/internal/apperr"
)

// ProfileKind selects which runtime capabilities a Profile activates.
type ProfileKind string

const (
	ProfileToolEnabled ProfileKind = "tool_enabled"
	ProfileLLMOnly     ProfileKind = "llm_only"
	ProfileRAGFocused  ProfileKind = "rag_focused"
	ProfileGenie       ProfileKind = "genie"
)

// ClassificationMode controls how thoroughly C5 categorizes a profile's
// MCP tools/prompts.
type ClassificationMode string

const (
	ClassificationLight ClassificationMode = "light"
	ClassificationFull  ClassificationMode = "full"
)

// Transport enumerates how an MCPServer is reached.
type Transport string

const (
	TransportStdio            Transport = "stdio"
	TransportHTTPSSE          Transport = "http_sse"
	TransportHTTPStreamable   Transport = "http_streamable"
)

// User is the top-level identity that owns every other entity (spec §3).
type User struct {
	ID                  string    `json:"id"`
	Tier                string    `json:"tier"`
	ConsumptionProfileID string   `json:"consumption_profile_id,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// GenieConfig configures a genie-kind profile's child profiles.
type GenieConfig struct {
	Children []string `json:"children,omitempty"` // profile IDs, must be owned by the same user
}

// Profile selects a (LLM, MCP server) pairing and the runtime behavior
// built on top of it (spec §3). Invariant: Kind == ProfileToolEnabled
// requires MCPServerID to be set; Kind == ProfileGenie requires every ID in
// GenieConfig.Children to belong to the same owner.
type Profile struct {
	ID                    string             `json:"id"`
	OwnerID               string             `json:"owner_id"`
	Tag                   string             `json:"tag"` // unique per owner
	Kind                  ProfileKind        `json:"kind"`
	LLMConfigID           string             `json:"llm_config_id"`
	MCPServerID           string             `json:"mcp_server_id,omitempty"`
	ClassificationMode    ClassificationMode `json:"classification_mode"`
	InheritClassification bool               `json:"inherit_classification,omitempty"`
	MasterProfileID        string            `json:"master_profile_id,omitempty"` // source when InheritClassification
	EnabledTools          map[string]bool    `json:"enabled_tools,omitempty"`
	EnabledPrompts        map[string]bool    `json:"enabled_prompts,omitempty"`
	KnowledgeConfig       map[string]any     `json:"knowledge_config,omitempty"`
	RAGConfig             map[string]any     `json:"rag_config,omitempty"`
	GenieConfig           *GenieConfig       `json:"genie_config,omitempty"`
	ContextBudget         int                `json:"context_budget,omitempty"` // tokens; 0 defers entirely to the model's max context
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}

// Validate checks that a tool_enabled profile names an mcp_server_id. It
// checks no other Profile invariant; in particular, genie child profiles
// are not looked up or checked here.
func (p *Profile) Validate() error {
	if p.Kind == ProfileToolEnabled && p.MCPServerID == "" {
		return apperr.New(apperr.Validation, "tool_enabled profile requires an mcp_server_id")
	}
	return nil
}

// LLMConfig names a provider/model pair and where its credentials live
// (spec §3). Credentials are never logged — EncryptedCredentials holds
// ciphertext only, decrypted by internal/providers at resolution time.
type LLMConfig struct {
	ID                    string    `json:"id"`
	OwnerID               string    `json:"owner_id"`
	Provider              string    `json:"provider"`
	Model                 string    `json:"model"`
	EncryptedCredentials  []byte    `json:"-"`
	CreatedAt             time.Time `json:"created_at"`
}

// MCPServer describes how to reach one Model Context Protocol server
// (spec §3). ConnectionParams is transport-specific: stdio carries
// command/args/env; the HTTP transports carry url/headers.
type MCPServer struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"owner_id"`
	Transport        Transport      `json:"transport"`
	ConnectionParams map[string]any `json:"connection_params"`
	CreatedAt        time.Time      `json:"created_at"`
}

// RepositoryType distinguishes a Collection's role in RAG retrieval.
type RepositoryType string

const (
	RepositoryPlanner   RepositoryType = "planner"
	RepositoryKnowledge RepositoryType = "knowledge"
)

// Collection is a RAG corpus definition (spec §3): out of this module's
// scope to embed or query (Non-goals: "persistent vector-store internals"),
// but its configuration is a first-class entity components reference.
type Collection struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	Name           string         `json:"name"`
	RepositoryType RepositoryType `json:"repository_type"`
	MCPServerID    string         `json:"mcp_server_id,omitempty"`
	ChunkingConfig map[string]any `json:"chunking_config,omitempty"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	Enabled        bool           `json:"enabled"`
}
