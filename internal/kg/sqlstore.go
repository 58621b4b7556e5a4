package kg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registered as "sqlite"

	"github.com/relaymesh/conduit/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS kg_entities (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	profile_id  TEXT NOT NULL,
	name        TEXT NOT NULL,
	type        TEXT NOT NULL,
	properties  TEXT,
	source      TEXT,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	UNIQUE(owner_id, profile_id, name, type)
);

CREATE INDEX IF NOT EXISTS idx_kg_entities_owner_profile ON kg_entities(owner_id, profile_id);

CREATE TABLE IF NOT EXISTS kg_relationships (
	id          TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL,
	profile_id  TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	target_id   TEXT NOT NULL,
	type        TEXT NOT NULL,
	cardinality TEXT,
	metadata    TEXT,
	source      TEXT,
	created_at  TEXT NOT NULL,
	UNIQUE(owner_id, profile_id, source_id, target_id, type),
	FOREIGN KEY(source_id) REFERENCES kg_entities(id) ON DELETE CASCADE,
	FOREIGN KEY(target_id) REFERENCES kg_entities(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_kg_rel_owner_profile ON kg_relationships(owner_id, profile_id);
CREATE INDEX IF NOT EXISTS idx_kg_rel_source ON kg_relationships(source_id);
CREATE INDEX IF NOT EXISTS idx_kg_rel_target ON kg_relationships(target_id);
`

// SQLStore is the durable relational layer for one KG instance: all
// entities and relationships across every (owner, profile) pair, persisted
// in a single pure-Go SQLite database.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if absent) a SQLite database at path and
// applies the schema. Foreign keys are enabled explicitly since SQLite
// defaults them off per connection.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "open kg sqlite database", err)
	}
	// PRAGMA foreign_keys is per-connection in SQLite; pin the pool to a
	// single connection so the pragma set below always applies, regardless
	// of how many goroutines call into the store concurrently.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "enable kg sqlite foreign keys", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "apply kg sqlite schema", err)
	}
	return &SQLStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// execer is satisfied by both *sql.DB and *sql.Tx, so upsert logic can run
// either standalone or inside BulkImport's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertEntity inserts or updates an entity by its natural key
// (owner_id, profile_id, name, type).
func (s *SQLStore) UpsertEntity(ctx context.Context, e *Entity) error {
	return upsertEntityTx(ctx, s.db, e)
}

func upsertEntityTx(ctx context.Context, x execer, e *Entity) error {
	if e.ID == "" {
		e.ID = generateID("ent")
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	props, err := json.Marshal(e.Properties)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal entity properties", err)
	}

	_, err = x.ExecContext(ctx, `
		INSERT INTO kg_entities (id, owner_id, profile_id, name, type, properties, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, profile_id, name, type) DO UPDATE SET
			properties = excluded.properties,
			source = excluded.source,
			updated_at = excluded.updated_at
	`, e.ID, e.OwnerID, e.ProfileID, e.Name, string(e.Type), string(props), e.Source,
		e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "upsert kg entity", err)
	}
	return nil
}

// UpsertRelationship inserts or updates a relationship by its natural key
// (owner_id, profile_id, source_id, target_id, type).
func (s *SQLStore) UpsertRelationship(ctx context.Context, r *Relationship) error {
	return upsertRelationshipTx(ctx, s.db, r)
}

func upsertRelationshipTx(ctx context.Context, x execer, r *Relationship) error {
	if r.ID == "" {
		r.ID = generateID("rel")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal relationship metadata", err)
	}

	_, err = x.ExecContext(ctx, `
		INSERT INTO kg_relationships (id, owner_id, profile_id, source_id, target_id, type, cardinality, metadata, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, profile_id, source_id, target_id, type) DO UPDATE SET
			cardinality = excluded.cardinality,
			metadata = excluded.metadata,
			source = excluded.source
	`, r.ID, r.OwnerID, r.ProfileID, r.SourceID, r.TargetID, string(r.Type), r.Cardinality, string(meta), r.Source,
		r.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return apperr.Wrap(apperr.Internal, "upsert kg relationship", err)
	}
	return nil
}

// DeleteEntity removes an entity and cascades its relationships.
func (s *SQLStore) DeleteEntity(ctx context.Context, ownerID, profileID, entityID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kg_entities WHERE owner_id = ? AND profile_id = ? AND id = ?`,
		ownerID, profileID, entityID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "delete kg entity", err)
	}
	return nil
}

// DeleteRelationship removes a single relationship by ID.
func (s *SQLStore) DeleteRelationship(ctx context.Context, ownerID, profileID, relationshipID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kg_relationships WHERE owner_id = ? AND profile_id = ? AND id = ?`,
		ownerID, profileID, relationshipID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "delete kg relationship", err)
	}
	return nil
}

// Clear removes every entity and relationship for (ownerID, profileID).
func (s *SQLStore) Clear(ctx context.Context, ownerID, profileID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kg_entities WHERE owner_id = ? AND profile_id = ?`, ownerID, profileID); err != nil {
		return apperr.Wrap(apperr.Internal, "clear kg entities", err)
	}
	return nil
}

// LoadAll returns every entity and relationship for (ownerID, profileID),
// used to rebuild the in-memory Graph.
func (s *SQLStore) LoadAll(ctx context.Context, ownerID, profileID string) ([]Entity, []Relationship, error) {
	entities, err := s.loadEntities(ctx, ownerID, profileID)
	if err != nil {
		return nil, nil, err
	}
	rels, err := s.loadRelationships(ctx, ownerID, profileID)
	if err != nil {
		return nil, nil, err
	}
	return entities, rels, nil
}

func (s *SQLStore) loadEntities(ctx context.Context, ownerID, profileID string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, profile_id, name, type, properties, source, created_at, updated_at
		FROM kg_entities WHERE owner_id = ? AND profile_id = ?
	`, ownerID, profileID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "query kg entities", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var e Entity
		var props sql.NullString
		var typ string
		var created, updated string
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.ProfileID, &e.Name, &typ, &props, &e.Source, &created, &updated); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan kg entity", err)
		}
		e.Type = EntityType(typ)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		if props.Valid && props.String != "" && props.String != "null" {
			_ = json.Unmarshal([]byte(props.String), &e.Properties)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) loadRelationships(ctx context.Context, ownerID, profileID string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, profile_id, source_id, target_id, type, cardinality, metadata, source, created_at
		FROM kg_relationships WHERE owner_id = ? AND profile_id = ?
	`, ownerID, profileID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "query kg relationships", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		var meta sql.NullString
		var typ, created string
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.ProfileID, &r.SourceID, &r.TargetID, &typ, &r.Cardinality, &meta, &r.Source, &created); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan kg relationship", err)
		}
		r.Type = RelationshipType(typ)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if meta.Valid && meta.String != "" && meta.String != "null" {
			_ = json.Unmarshal([]byte(meta.String), &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// BulkImport upserts many entities and relationships in one transaction.
func (s *SQLStore) BulkImport(ctx context.Context, entities []Entity, rels []Relationship) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "begin kg bulk import tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range entities {
		if err := upsertEntityTx(ctx, tx, &entities[i]); err != nil {
			return err
		}
	}
	for i := range rels {
		if err := upsertRelationshipTx(ctx, tx, &rels[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, "commit kg bulk import tx", err)
	}
	return nil
}

var idCounter = newAtomicCounter()

func generateID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), idCounter.next())
}
