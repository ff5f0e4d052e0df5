package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// --- org membership ---

func (s *PostgresStore) GetOrgRole(ctx context.Context, orgID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM org_members WHERE org_id=$1 AND user_id=$2
	`, orgID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read org role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) UpsertOrgMember(ctx context.Context, member OrgMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_members (org_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, member.OrgID, member.UserID, member.Role)
	if err != nil {
		return fmt.Errorf("upsert org member: %w", err)
	}
	return nil
}

// PermissionsJSON returns the raw ACL map for a resource, "" when the
// resource carries none or does not exist.
func (s *PostgresStore) PermissionsJSON(ctx context.Context, resourceType, resourceID string) (string, error) {
	table := "knowledge_items"
	if resourceType == "folder" {
		table = "folders"
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(permissions, '') FROM `+table+` WHERE id=$1`, resourceID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read permissions: %w", err)
	}
	return raw, nil
}

// --- knowledge items ---

func (s *PostgresStore) GetKnowledgeItem(ctx context.Context, itemID string) (KnowledgeItem, error) {
	var item KnowledgeItem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, COALESCE(folder_id, ''), title, content, COALESCE(permissions, ''),
			created_by, last_edited_by, created_at, updated_at
		FROM knowledge_items
		WHERE id=$1
	`, itemID).Scan(&item.ID, &item.OrgID, &item.FolderID, &item.Title, &item.Content, &item.Permissions,
		&item.CreatedBy, &item.LastEditedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return KnowledgeItem{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertKnowledgeItem(ctx context.Context, item KnowledgeItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_items (id, org_id, folder_id, title, content, permissions, created_by, last_edited_by, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.OrgID, item.FolderID, item.Title, item.Content, item.Permissions,
		item.CreatedBy, item.LastEditedBy, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert knowledge item: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateKnowledgeItem(ctx context.Context, item KnowledgeItem) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_items
		SET title=$2, content=$3, permissions=NULLIF($4, ''), last_edited_by=$5, updated_at=$6
		WHERE id=$1
	`, item.ID, item.Title, item.Content, item.Permissions, item.LastEditedBy, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update knowledge item: %w", err)
	}
	return nil
}

func (s *PostgresStore) MoveKnowledgeItem(ctx context.Context, itemID, folderID string, movedBy string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_items
		SET folder_id=NULLIF($2, ''), last_edited_by=$3, updated_at=$4
		WHERE id=$1
	`, itemID, folderID, movedBy, at)
	if err != nil {
		return fmt.Errorf("move knowledge item: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteKnowledgeItem(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_items WHERE id=$1`, itemID)
	if err != nil {
		return fmt.Errorf("delete knowledge item: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListKnowledgeUpdatedSince(ctx context.Context, orgID string, since time.Time) ([]KnowledgeItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, COALESCE(folder_id, ''), title, content, COALESCE(permissions, ''),
			created_by, last_edited_by, created_at, updated_at
		FROM knowledge_items
		WHERE org_id=$1 AND updated_at > $2
		ORDER BY updated_at ASC
	`, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("list knowledge since: %w", err)
	}
	defer rows.Close()

	items := make([]KnowledgeItem, 0)
	for rows.Next() {
		var item KnowledgeItem
		if err := rows.Scan(&item.ID, &item.OrgID, &item.FolderID, &item.Title, &item.Content, &item.Permissions,
			&item.CreatedBy, &item.LastEditedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge items: %w", err)
	}
	return items, nil
}

// SearchKnowledge is the degraded-mode text search used when Meilisearch is
// unavailable.
// ListAllKnowledge returns every knowledge item across organizations. Used
// when rebuilding the search index from scratch.
func (s *PostgresStore) ListAllKnowledge(ctx context.Context) ([]KnowledgeItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, COALESCE(folder_id, ''), title, content, COALESCE(permissions, ''),
			created_by, last_edited_by, created_at, updated_at
		FROM knowledge_items
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list all knowledge: %w", err)
	}
	defer rows.Close()

	items := make([]KnowledgeItem, 0)
	for rows.Next() {
		var item KnowledgeItem
		if err := rows.Scan(&item.ID, &item.OrgID, &item.FolderID, &item.Title, &item.Content, &item.Permissions,
			&item.CreatedBy, &item.LastEditedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SearchKnowledge(ctx context.Context, orgID, query string, limit int) ([]KnowledgeItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, org_id, COALESCE(folder_id, ''), title, content, COALESCE(permissions, ''),
			created_by, last_edited_by, created_at, updated_at
		FROM knowledge_items
		WHERE org_id=$1 AND (title ILIKE '%' || $2 || '%' OR content ILIKE '%' || $2 || '%')
		ORDER BY updated_at DESC
		LIMIT $3
	`, orgID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	defer rows.Close()

	items := make([]KnowledgeItem, 0)
	for rows.Next() {
		var item KnowledgeItem
		if err := rows.Scan(&item.ID, &item.OrgID, &item.FolderID, &item.Title, &item.Content, &item.Permissions,
			&item.CreatedBy, &item.LastEditedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge items: %w", err)
	}
	return items, nil
}

// --- folders ---

func (s *PostgresStore) GetFolder(ctx context.Context, folderID string) (Folder, error) {
	var item Folder
	err := s.db.QueryRowContext(ctx, `
		SELECT id, org_id, COALESCE(parent_id, ''), name, COALESCE(permissions, ''),
			created_by, created_at, updated_at
		FROM folders
		WHERE id=$1
	`, folderID).Scan(&item.ID, &item.OrgID, &item.ParentID, &item.Name, &item.Permissions,
		&item.CreatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Folder{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertFolder(ctx context.Context, item Folder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (id, org_id, parent_id, name, permissions, created_by, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.OrgID, item.ParentID, item.Name, item.Permissions, item.CreatedBy, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert folder: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateFolder(ctx context.Context, item Folder) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE folders
		SET name=$2, permissions=NULLIF($3, ''), updated_at=$4
		WHERE id=$1
	`, item.ID, item.Name, item.Permissions, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update folder: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFolder(ctx context.Context, folderID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM folders WHERE id=$1`, folderID)
	if err != nil {
		return fmt.Errorf("delete folder: %w", err)
	}
	return nil
}
