// Package domainstore is the durable relational store for conduit's
// tenancy entities (spec §3): User, Profile, LLMConfig, and MCPServer. It
// is the concrete persistence internal/runtime's ProfileStore,
// LLMConfigStore, and MCPServerStore interfaces plug into, following the
// same pure-Go SQLite, single-file-per-concern pattern internal/kg's
// SQLStore uses for the knowledge graph.
package domainstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaymesh/conduit/internal/apperr"
	"github.com/relaymesh/conduit/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                     TEXT PRIMARY KEY,
	tier                   TEXT NOT NULL,
	consumption_profile_id TEXT,
	created_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS llm_configs (
	id                    TEXT PRIMARY KEY,
	owner_id              TEXT NOT NULL,
	provider              TEXT NOT NULL,
	model                 TEXT NOT NULL,
	encrypted_credentials BLOB,
	created_at            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_llm_configs_owner ON llm_configs(owner_id);

CREATE TABLE IF NOT EXISTS mcp_servers (
	id                TEXT PRIMARY KEY,
	owner_id          TEXT NOT NULL,
	transport         TEXT NOT NULL,
	connection_params TEXT,
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mcp_servers_owner ON mcp_servers(owner_id);

CREATE TABLE IF NOT EXISTS profiles (
	id                     TEXT PRIMARY KEY,
	owner_id               TEXT NOT NULL,
	tag                    TEXT NOT NULL,
	kind                   TEXT NOT NULL,
	llm_config_id          TEXT NOT NULL,
	mcp_server_id          TEXT,
	classification_mode    TEXT NOT NULL,
	inherit_classification INTEGER NOT NULL DEFAULT 0,
	master_profile_id      TEXT,
	enabled_tools          TEXT,
	enabled_prompts        TEXT,
	knowledge_config       TEXT,
	rag_config             TEXT,
	genie_config           TEXT,
	context_budget         INTEGER NOT NULL DEFAULT 0,
	created_at             TEXT NOT NULL,
	updated_at             TEXT NOT NULL,
	UNIQUE(owner_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_profiles_owner ON profiles(owner_id);
`

// Store is the SQLite-backed implementation of runtime's ProfileStore,
// LLMConfigStore, and MCPServerStore, plus the write/list operations a
// management surface needs on top of them.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "open domain sqlite database", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "apply domain sqlite schema", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- User ---------------------------------------------------------------

// PutUser inserts or replaces a User record.
func (s *Store) PutUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, tier, consumption_profile_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tier = excluded.tier, consumption_profile_id = excluded.consumption_profile_id
	`, u.ID, u.Tier, u.ConsumptionProfileID, u.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "put user", err)
	}
	return nil
}

// GetUser loads a User by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, tier, consumption_profile_id, created_at FROM users WHERE id = ?`, id)
	var u domain.User
	var created string
	var consumptionProfileID sql.NullString
	if err := row.Scan(&u.ID, &u.Tier, &consumptionProfileID, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "user not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "get user", err)
	}
	u.ConsumptionProfileID = consumptionProfileID.String
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &u, nil
}

// --- LLMConfig ------------------------------------------------------------

// PutLLMConfig inserts or replaces an LLMConfig record.
func (s *Store) PutLLMConfig(ctx context.Context, c *domain.LLMConfig) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_configs (id, owner_id, provider, model, encrypted_credentials, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET provider = excluded.provider, model = excluded.model,
			encrypted_credentials = excluded.encrypted_credentials
	`, c.ID, c.OwnerID, c.Provider, c.Model, c.EncryptedCredentials, c.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "put llm config", err)
	}
	return nil
}

// GetLLMConfig implements runtime.LLMConfigStore.
func (s *Store) GetLLMConfig(ctx context.Context, ownerID, llmConfigID string) (*domain.LLMConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, provider, model, encrypted_credentials, created_at
		FROM llm_configs WHERE owner_id = ? AND id = ?
	`, ownerID, llmConfigID)

	var c domain.LLMConfig
	var created string
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Provider, &c.Model, &c.EncryptedCredentials, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "llm config not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "get llm config", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return &c, nil
}

// --- MCPServer ------------------------------------------------------------

// PutMCPServer inserts or replaces an MCPServer record.
func (s *Store) PutMCPServer(ctx context.Context, m *domain.MCPServer) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	params, err := json.Marshal(m.ConnectionParams)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal mcp server connection params", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcp_servers (id, owner_id, transport, connection_params, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET transport = excluded.transport, connection_params = excluded.connection_params
	`, m.ID, m.OwnerID, string(m.Transport), string(params), m.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "put mcp server", err)
	}
	return nil
}

// GetMCPServer implements runtime.MCPServerStore.
func (s *Store) GetMCPServer(ctx context.Context, ownerID, serverID string) (*domain.MCPServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, transport, connection_params, created_at
		FROM mcp_servers WHERE owner_id = ? AND id = ?
	`, ownerID, serverID)

	var m domain.MCPServer
	var transport, created string
	var params sql.NullString
	if err := row.Scan(&m.ID, &m.OwnerID, &transport, &params, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "mcp server not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "get mcp server", err)
	}
	m.Transport = domain.Transport(transport)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if params.Valid && params.String != "" && params.String != "null" {
		_ = json.Unmarshal([]byte(params.String), &m.ConnectionParams)
	}
	return &m, nil
}

// --- Profile ----------------------------------------------------------------

// PutProfile inserts or replaces a Profile record, enforcing the
// domain-level invariants before writing (spec §3).
func (s *Store) PutProfile(ctx context.Context, p *domain.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	enabledTools, err := json.Marshal(p.EnabledTools)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal enabled tools", err)
	}
	enabledPrompts, err := json.Marshal(p.EnabledPrompts)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal enabled prompts", err)
	}
	knowledgeConfig, err := json.Marshal(p.KnowledgeConfig)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal knowledge config", err)
	}
	ragConfig, err := json.Marshal(p.RAGConfig)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal rag config", err)
	}
	genieConfig, err := json.Marshal(p.GenieConfig)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal genie config", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, owner_id, tag, kind, llm_config_id, mcp_server_id,
			classification_mode, inherit_classification, master_profile_id,
			enabled_tools, enabled_prompts, knowledge_config, rag_config, genie_config,
			context_budget, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tag = excluded.tag, kind = excluded.kind, llm_config_id = excluded.llm_config_id,
			mcp_server_id = excluded.mcp_server_id, classification_mode = excluded.classification_mode,
			inherit_classification = excluded.inherit_classification, master_profile_id = excluded.master_profile_id,
			enabled_tools = excluded.enabled_tools, enabled_prompts = excluded.enabled_prompts,
			knowledge_config = excluded.knowledge_config, rag_config = excluded.rag_config,
			genie_config = excluded.genie_config, context_budget = excluded.context_budget,
			updated_at = excluded.updated_at
	`, p.ID, p.OwnerID, p.Tag, string(p.Kind), p.LLMConfigID, nullableString(p.MCPServerID),
		string(p.ClassificationMode), p.InheritClassification, nullableString(p.MasterProfileID),
		string(enabledTools), string(enabledPrompts), string(knowledgeConfig), string(ragConfig), string(genieConfig),
		p.ContextBudget, p.CreatedAt.Format(time.RFC3339Nano), p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "put profile", err)
	}
	return nil
}

// GetProfile implements runtime.ProfileStore.
func (s *Store) GetProfile(ctx context.Context, ownerID, profileID string) (*domain.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, tag, kind, llm_config_id, mcp_server_id, classification_mode,
			inherit_classification, master_profile_id, enabled_tools, enabled_prompts,
			knowledge_config, rag_config, genie_config, context_budget, created_at, updated_at
		FROM profiles WHERE owner_id = ? AND id = ?
	`, ownerID, profileID)
	return scanProfile(row)
}

func scanProfile(row *sql.Row) (*domain.Profile, error) {
	var p domain.Profile
	var kind, classificationMode, created, updated string
	var mcpServerID, masterProfileID sql.NullString
	var enabledTools, enabledPrompts, knowledgeConfig, ragConfig, genieConfig sql.NullString

	err := row.Scan(&p.ID, &p.OwnerID, &p.Tag, &kind, &p.LLMConfigID, &mcpServerID, &classificationMode,
		&p.InheritClassification, &masterProfileID, &enabledTools, &enabledPrompts,
		&knowledgeConfig, &ragConfig, &genieConfig, &p.ContextBudget, &created, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.NotFound, "profile not found")
		}
		return nil, apperr.Wrap(apperr.Internal, "get profile", err)
	}

	p.Kind = domain.ProfileKind(kind)
	p.ClassificationMode = domain.ClassificationMode(classificationMode)
	p.MCPServerID = mcpServerID.String
	p.MasterProfileID = masterProfileID.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)

	if enabledTools.Valid && enabledTools.String != "" && enabledTools.String != "null" {
		_ = json.Unmarshal([]byte(enabledTools.String), &p.EnabledTools)
	}
	if enabledPrompts.Valid && enabledPrompts.String != "" && enabledPrompts.String != "null" {
		_ = json.Unmarshal([]byte(enabledPrompts.String), &p.EnabledPrompts)
	}
	if knowledgeConfig.Valid && knowledgeConfig.String != "" && knowledgeConfig.String != "null" {
		_ = json.Unmarshal([]byte(knowledgeConfig.String), &p.KnowledgeConfig)
	}
	if ragConfig.Valid && ragConfig.String != "" && ragConfig.String != "null" {
		_ = json.Unmarshal([]byte(ragConfig.String), &p.RAGConfig)
	}
	if genieConfig.Valid && genieConfig.String != "" && genieConfig.String != "null" {
		_ = json.Unmarshal([]byte(genieConfig.String), &p.GenieConfig)
	}
	return &p, nil
}

// ListProfiles returns every profile owned by ownerID.
func (s *Store) ListProfiles(ctx context.Context, ownerID string) ([]*domain.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM profiles WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list profiles", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan profile id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list profiles", err)
	}

	out := make([]*domain.Profile, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProfile(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// DeleteProfile removes a profile by (owner, id).
func (s *Store) DeleteProfile(ctx context.Context, ownerID, profileID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE owner_id = ? AND id = ?`, ownerID, profileID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "delete profile", err)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
