package store

import (
	"context"
	"database/sql"
	"fmt"
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

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- update log ---

func (s *PostgresStore) AppendUpdate(ctx context.Context, docID string, update []byte, authorID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO update_log (doc_id, seq, update_bytes, author_id)
		VALUES ($1, COALESCE((SELECT MAX(seq) FROM update_log WHERE doc_id=$1), 0) + 1, $2, $3)
		RETURNING seq
	`, docID, update, authorID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append update: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) ListUpdatesSince(ctx context.Context, docID string, fromSeq int64) ([]UpdateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, seq, update_bytes, author_id, created_at
		FROM update_log
		WHERE doc_id=$1 AND seq > $2
		ORDER BY seq ASC
	`, docID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	items := make([]UpdateRecord, 0)
	for rows.Next() {
		var item UpdateRecord
		if err := rows.Scan(&item.DocID, &item.Seq, &item.Update, &item.AuthorID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updates: %w", err)
	}
	return items, nil
}

// --- sessions ---

func (s *PostgresStore) InsertSession(ctx context.Context, item Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, doc_id, user_id, user_name, org_id, joined_at, last_seen, active)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), TRUE)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.DocID, item.UserID, item.UserName, item.OrgID)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_seen=NOW() WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET active=FALSE, last_seen=NOW() WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context, docID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, user_id, user_name, org_id, joined_at, last_seen, active
		FROM sessions
		WHERE doc_id=$1 AND active
		ORDER BY joined_at ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	items := make([]Session, 0)
	for rows.Next() {
		var item Session
		if err := rows.Scan(&item.ID, &item.DocID, &item.UserID, &item.UserName, &item.OrgID, &item.JoinedAt, &item.LastSeen, &item.Active); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return items, nil
}

// --- locks ---

func (s *PostgresStore) InsertLock(ctx context.Context, item Lock) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (id, doc_id, owner_id, owner_name, lock_type, range_start, range_end, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.DocID, item.OwnerID, item.OwnerName, item.LockType, item.RangeStart, item.RangeEnd, item.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

// DeleteLock removes a lock row if it still exists. Returns whether a row was
// deleted, which is how release and expiry avoid double-firing.
func (s *PostgresStore) DeleteLock(ctx context.Context, lockID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE id=$1`, lockID)
	if err != nil {
		return false, fmt.Errorf("delete lock: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete lock affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListDocLocks(ctx context.Context, docID string) ([]Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, owner_id, owner_name, lock_type, range_start, range_end, expires_at, created_at
		FROM locks
		WHERE doc_id=$1
		ORDER BY created_at ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	items := make([]Lock, 0)
	for rows.Next() {
		var item Lock
		if err := rows.Scan(&item.ID, &item.DocID, &item.OwnerID, &item.OwnerName, &item.LockType, &item.RangeStart, &item.RangeEnd, &item.ExpiresAt, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return items, nil
}

// --- conflicts ---

func (s *PostgresStore) InsertConflict(ctx context.Context, item Conflict) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (
			id, doc_id, org_id, conflict_type,
			local_version, remote_version, local_content, remote_content,
			local_author, remote_author
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.DocID, item.OrgID, item.ConflictType,
		item.LocalVersion, item.RemoteVersion, item.LocalContent, item.RemoteContent,
		item.LocalAuthor, item.RemoteAuthor)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConflict(ctx context.Context, conflictID string) (Conflict, error) {
	var item Conflict
	err := s.db.QueryRowContext(ctx, `
		SELECT id, doc_id, org_id, conflict_type,
			local_version, remote_version, local_content, remote_content,
			local_author, remote_author,
			COALESCE(resolver_id, ''), COALESCE(resolution_strategy, ''), COALESCE(merged_content, ''),
			created_at, resolved_at
		FROM conflicts
		WHERE id=$1
	`, conflictID).Scan(&item.ID, &item.DocID, &item.OrgID, &item.ConflictType,
		&item.LocalVersion, &item.RemoteVersion, &item.LocalContent, &item.RemoteContent,
		&item.LocalAuthor, &item.RemoteAuthor,
		&item.ResolverID, &item.ResolutionStrategy, &item.MergedContent,
		&item.CreatedAt, &item.ResolvedAt)
	if err != nil {
		return Conflict{}, err
	}
	return item, nil
}

// MarkConflictResolved stamps the resolution. Last write wins on purpose:
// a resolved conflict may be re-resolved with a different outcome.
func (s *PostgresStore) MarkConflictResolved(ctx context.Context, conflictID, resolverID, strategy, mergedContent string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conflicts
		SET resolver_id=$2, resolution_strategy=$3, merged_content=$4, resolved_at=NOW()
		WHERE id=$1
	`, conflictID, resolverID, strategy, mergedContent)
	if err != nil {
		return false, fmt.Errorf("resolve conflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve conflict affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListDocConflicts(ctx context.Context, docID string, openOnly bool) ([]Conflict, error) {
	query := `
		SELECT id, doc_id, org_id, conflict_type,
			local_version, remote_version, local_content, remote_content,
			local_author, remote_author,
			COALESCE(resolver_id, ''), COALESCE(resolution_strategy, ''), COALESCE(merged_content, ''),
			created_at, resolved_at
		FROM conflicts
		WHERE doc_id=$1
	`
	if openOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, docID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	items := make([]Conflict, 0)
	for rows.Next() {
		var item Conflict
		if err := rows.Scan(&item.ID, &item.DocID, &item.OrgID, &item.ConflictType,
			&item.LocalVersion, &item.RemoteVersion, &item.LocalContent, &item.RemoteContent,
			&item.LocalAuthor, &item.RemoteAuthor,
			&item.ResolverID, &item.ResolutionStrategy, &item.MergedContent,
			&item.CreatedAt, &item.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return items, nil
}

// --- snapshots ---

func (s *PostgresStore) InsertSnapshot(ctx context.Context, item Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, doc_id, state_blob, version_vector, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`, item.ID, item.DocID, item.State, item.VersionVector, item.Metadata)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, snapshotID string) (Snapshot, error) {
	var item Snapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT id, doc_id, state_blob, version_vector, metadata, created_at
		FROM snapshots
		WHERE id=$1
	`, snapshotID).Scan(&item.ID, &item.DocID, &item.State, &item.VersionVector, &item.Metadata, &item.CreatedAt)
	if err != nil {
		return Snapshot{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListDocSnapshots(ctx context.Context, docID string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, state_blob, version_vector, metadata, created_at
		FROM snapshots
		WHERE doc_id=$1
		ORDER BY created_at DESC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	items := make([]Snapshot, 0)
	for rows.Next() {
		var item Snapshot
		if err := rows.Scan(&item.ID, &item.DocID, &item.State, &item.VersionVector, &item.Metadata, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return items, nil
}

// --- comments ---

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (
			id, doc_id, thread_id, parent_comment_id, author_id, author_name,
			content, position_start, position_end, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open')
	`, item.ID, item.DocID, item.ThreadID, item.ParentCommentID, item.AuthorID, item.AuthorName,
		item.Content, item.PositionStart, item.PositionEnd)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResolveCommentThread(ctx context.Context, docID, threadID, resolvedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET status='resolved', resolved_by=$3, updated_at=NOW()
		WHERE doc_id=$1 AND thread_id=$2 AND status='open'
	`, docID, threadID, resolvedBy)
	if err != nil {
		return false, fmt.Errorf("resolve comment thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve comment thread affected: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListDocComments(ctx context.Context, docID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_id, thread_id, COALESCE(parent_comment_id, ''), author_id, author_name,
			content, position_start, position_end, status, COALESCE(resolved_by, ''),
			created_at, updated_at
		FROM comments
		WHERE doc_id=$1
		ORDER BY position_start ASC, created_at ASC
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.DocID, &item.ThreadID, &item.ParentCommentID, &item.AuthorID, &item.AuthorName,
			&item.Content, &item.PositionStart, &item.PositionEnd, &item.Status, &item.ResolvedBy,
			&item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

