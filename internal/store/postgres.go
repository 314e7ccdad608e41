package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- projects ----

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, link_accessible)
		VALUES ($1, $2, $3)
	`, project.ID, project.OwnerID, project.LinkAccessible)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, link_accessible, soft_deleted_at, created_on
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.OwnerID, &item.LinkAccessible, &item.SoftDeletedAt, &item.CreatedOn)
	if err != nil {
		return Project{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProjectsByOwner(ctx context.Context, ownerID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, link_accessible, soft_deleted_at, created_on
		FROM projects
		WHERE owner_id=$1 AND soft_deleted_at IS NULL
		ORDER BY created_on DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]Project, 0)
	for rows.Next() {
		var item Project
		if err := rows.Scan(&item.ID, &item.OwnerID, &item.LinkAccessible, &item.SoftDeletedAt, &item.CreatedOn); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

// SetProjectSoftDeleted soft-deletes (or restores) a project. Version rows
// are never touched; deletion only gates visibility.
func (s *PostgresStore) SetProjectSoftDeleted(ctx context.Context, projectID string, deleted bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET soft_deleted_at = CASE WHEN $2 THEN NOW() ELSE NULL END
		WHERE id=$1
	`, projectID, deleted)
	if err != nil {
		return false, fmt.Errorf("set project soft deleted: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set project soft deleted rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SetProjectLinkAccessible(ctx context.Context, projectID string, accessible bool) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE projects SET link_accessible=$2 WHERE id=$1
	`, projectID, accessible)
	if err != nil {
		return false, fmt.Errorf("set project link accessible: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set project link accessible rows: %w", err)
	}
	return affected > 0, nil
}

// ---- layers & styles ----

func (s *PostgresStore) InsertLayer(ctx context.Context, layer Layer) error {
	var bounds any
	if layer.Bounds != nil {
		bounds = boundsLiteral(layer.Bounds)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO map_layers (id, name, layer_type, source_ref, geometry_type, bounds, feature_count)
		VALUES ($1, $2, $3, $4, $5, $6::float8[], $7)
	`, layer.ID, layer.Name, layer.Type, layer.SourceRef, layer.GeometryType, bounds, layer.FeatureCount)
	if err != nil {
		return fmt.Errorf("insert layer: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLayer(ctx context.Context, layerID string) (Layer, error) {
	var item Layer
	var bounds sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, layer_type, source_ref, geometry_type, COALESCE(bounds::text, ''), feature_count, created_on
		FROM map_layers
		WHERE id=$1
	`, layerID).Scan(&item.ID, &item.Name, &item.Type, &item.SourceRef, &item.GeometryType, &bounds, &item.FeatureCount, &item.CreatedOn)
	if err != nil {
		return Layer{}, err
	}
	if bounds.Valid && bounds.String != "" {
		item.Bounds = parseBounds(bounds.String)
	}
	return item, nil
}

func (s *PostgresStore) InsertStyle(ctx context.Context, style Style) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO layer_styles (id, layer_id, style_json)
		VALUES ($1, $2, $3::jsonb)
	`, style.ID, style.LayerID, string(style.StyleJSON))
	if err != nil {
		return fmt.Errorf("insert style: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStyle(ctx context.Context, styleID string) (Style, error) {
	var item Style
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, layer_id, style_json, created_on
		FROM layer_styles
		WHERE id=$1
	`, styleID).Scan(&item.ID, &item.LayerID, &raw, &item.CreatedOn)
	if err != nil {
		return Style{}, err
	}
	item.StyleJSON = raw
	return item, nil
}

// ---- version nodes ----

// CreateVersion inserts a version node together with its entire binding set
// in one transaction. A partially written binding set is never visible: the
// node either exists with all its bindings or not at all.
func (s *PostgresStore) CreateVersion(ctx context.Context, node VersionNode, bindings []Binding) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO map_versions (id, project_id, parent_map_id, fork_reason, title, description)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, node.ID, node.ProjectID, node.ParentID, node.ForkReason, node.Title, node.Description); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}

	for _, binding := range bindings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO map_layer_bindings (map_version_id, layer_id, style_id)
			VALUES ($1, $2, $3)
		`, node.ID, binding.LayerID, binding.StyleID); err != nil {
			return fmt.Errorf("insert binding %s: %w", binding.LayerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create version: %w", err)
	}
	return nil
}

// IsDuplicateRoot reports whether err is the unique violation raised when a
// second root is inserted for a project.
func IsDuplicateRoot(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505" && pgErr.ConstraintName == "uq_map_versions_root"
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (VersionNode, error) {
	var item VersionNode
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, parent_map_id, fork_reason, title, description, created_on
		FROM map_versions
		WHERE id=$1
	`, versionID).Scan(&item.ID, &item.ProjectID, &item.ParentID, &item.ForkReason, &item.Title, &item.Description, &item.CreatedOn)
	if err != nil {
		return VersionNode{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetRootVersion(ctx context.Context, projectID string) (VersionNode, error) {
	var item VersionNode
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, parent_map_id, fork_reason, title, description, created_on
		FROM map_versions
		WHERE project_id=$1 AND parent_map_id IS NULL
	`, projectID).Scan(&item.ID, &item.ProjectID, &item.ParentID, &item.ForkReason, &item.Title, &item.Description, &item.CreatedOn)
	if err != nil {
		return VersionNode{}, err
	}
	return item, nil
}

func (s *PostgresStore) GetBindings(ctx context.Context, versionID string) ([]Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT layer_id, style_id
		FROM map_layer_bindings
		WHERE map_version_id=$1
		ORDER BY layer_id ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("get bindings: %w", err)
	}
	defer rows.Close()

	items := make([]Binding, 0)
	for rows.Next() {
		var item Binding
		if err := rows.Scan(&item.LayerID, &item.StyleID); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bindings: %w", err)
	}
	return items, nil
}

// GetChildren returns the nodes forked from versionID in creation order.
// Children are always computed by query; no child pointers are stored.
func (s *PostgresStore) GetChildren(ctx context.Context, versionID string) ([]VersionNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, parent_map_id, fork_reason, title, description, created_on
		FROM map_versions
		WHERE parent_map_id=$1
		ORDER BY created_on ASC, id ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("get children: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

func (s *PostgresStore) ListProjectVersions(ctx context.Context, projectID string) ([]VersionNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, parent_map_id, fork_reason, title, description, created_on
		FROM map_versions
		WHERE project_id=$1
		ORDER BY created_on ASC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project versions: %w", err)
	}
	defer rows.Close()
	return scanVersions(rows)
}

func scanVersions(rows *sql.Rows) ([]VersionNode, error) {
	items := make([]VersionNode, 0)
	for rows.Next() {
		var item VersionNode
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.ParentID, &item.ForkReason, &item.Title, &item.Description, &item.CreatedOn); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// UpdateVersionMetadata changes the only mutable fields of a version node.
// The structural columns stay trigger-protected.
func (s *PostgresStore) UpdateVersionMetadata(ctx context.Context, versionID, title, description string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE map_versions SET title=$2, description=$3 WHERE id=$1
	`, versionID, title, description)
	if err != nil {
		return false, fmt.Errorf("update version metadata: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update version metadata rows: %w", err)
	}
	return affected > 0, nil
}

// BoundLayer joins a node's binding to its layer and style rows, the shape
// the style resolver and changelog export consume.
type BoundLayer struct {
	Layer Layer
	Style Style
}

func (s *PostgresStore) ListBoundLayers(ctx context.Context, versionID string) ([]BoundLayer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.name, l.layer_type, l.source_ref, l.geometry_type, COALESCE(l.bounds::text, ''), l.feature_count, l.created_on,
		       st.id, st.layer_id, st.style_json, st.created_on
		FROM map_layer_bindings b
		JOIN map_layers l ON l.id = b.layer_id
		JOIN layer_styles st ON st.id = b.style_id
		WHERE b.map_version_id=$1
		ORDER BY l.name ASC, l.id ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list bound layers: %w", err)
	}
	defer rows.Close()

	items := make([]BoundLayer, 0)
	for rows.Next() {
		var item BoundLayer
		var bounds string
		var raw []byte
		if err := rows.Scan(
			&item.Layer.ID,
			&item.Layer.Name,
			&item.Layer.Type,
			&item.Layer.SourceRef,
			&item.Layer.GeometryType,
			&bounds,
			&item.Layer.FeatureCount,
			&item.Layer.CreatedOn,
			&item.Style.ID,
			&item.Style.LayerID,
			&raw,
			&item.Style.CreatedOn,
		); err != nil {
			return nil, fmt.Errorf("scan bound layer: %w", err)
		}
		if bounds != "" {
			item.Layer.Bounds = parseBounds(bounds)
		}
		item.Style.StyleJSON = raw
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bound layers: %w", err)
	}
	return items, nil
}

// ---- conversations & messages ----

func (s *PostgresStore) InsertConversation(ctx context.Context, conversation Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, project_id, title)
		VALUES ($1, $2, $3)
	`, conversation.ID, conversation.ProjectID, conversation.Title)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, conversationID string) (Conversation, error) {
	var item Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, created_on
		FROM conversations
		WHERE id=$1
	`, conversationID).Scan(&item.ID, &item.ProjectID, &item.Title, &item.CreatedOn)
	if err != nil {
		return Conversation{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, map_version_id, sender, content)
		VALUES ($1, $2, $3, $4, $5)
	`, message.ID, message.ConversationID, message.MapVersionID, message.Sender, message.Content)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListProjectMessages returns every message pinned to a version of the
// project, optionally narrowed to one conversation. Ordered by send time so
// the assembler can group per node without re-sorting.
func (s *PostgresStore) ListProjectMessages(ctx context.Context, projectID, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.map_version_id, m.sender, m.content, m.created_on
		FROM messages m
		JOIN map_versions v ON v.id = m.map_version_id
		WHERE v.project_id=$1
		  AND ($2='' OR m.conversation_id=$2)
		ORDER BY m.created_on ASC, m.id ASC
	`, projectID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list project messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var item Message
		if err := rows.Scan(&item.ID, &item.ConversationID, &item.MapVersionID, &item.Sender, &item.Content, &item.CreatedOn); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}
