package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/savecontext/savecontext/internal/storage"
	"github.com/savecontext/savecontext/internal/types"
)

const itemCols = `id, session_id, key, value, category, priority, channel, tags, size,
	embedding_status, embedding_provider, embedding_model, chunk_count, embedded_at,
	created_at, updated_at`

func scanItem(row interface{ Scan(...interface{}) error }) (*types.ContextItem, error) {
	item := &types.ContextItem{}
	var tags string
	var embeddedAt sql.NullInt64
	err := row.Scan(&item.ID, &item.SessionID, &item.Key, &item.Value, &item.Category,
		&item.Priority, &item.Channel, &tags, &item.Size,
		&item.EmbeddingStatus, &item.EmbeddingProvider, &item.EmbeddingModel,
		&item.ChunkCount, &embeddedAt, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Tags = parseJSONStringArray(tags)
	item.EmbeddedAt = fromNullInt64(embeddedAt)
	return item, nil
}

func validateContextItem(item *types.ContextItem) error {
	if item.SessionID == "" {
		return storage.Validationf("session id is required")
	}
	if item.Key == "" {
		return storage.Validationf("context key is required")
	}
	if len(item.Value) > types.MaxContextValueBytes {
		return storage.Validationf("context value exceeds %d bytes", types.MaxContextValueBytes)
	}
	if item.Category == "" {
		item.Category = types.CategoryNote
	}
	if !types.ValidCategory(item.Category) {
		return storage.Validationf("invalid category %q", item.Category)
	}
	if item.Priority == "" {
		item.Priority = types.PriorityNormal
	}
	if !types.ValidPriority(item.Priority) {
		return storage.Validationf("invalid priority %q", item.Priority)
	}
	if item.Channel == "" {
		item.Channel = "general"
	}
	if !types.ValidChannel(item.Channel) {
		return storage.Validationf("invalid channel %q", item.Channel)
	}
	return nil
}

// SaveContextItem inserts or updates the item keyed by (session_id, key).
// Updates keep the original id and created_at. Any save marks the item
// pending for (re-)embedding and drops stale chunks.
func (s *Store) SaveContextItem(ctx context.Context, item *types.ContextItem) (bool, error) {
	if err := validateContextItem(item); err != nil {
		return false, err
	}
	if _, err := s.GetSession(ctx, item.SessionID); err != nil {
		return false, err
	}

	item.Size = len(item.Value)
	now := types.NowMillis()
	created := false

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing := tx.QueryRowContext(ctx, `
			SELECT id, created_at FROM context_items WHERE session_id = ? AND key = ?
		`, item.SessionID, item.Key)
		var prevID string
		var prevCreated int64
		scanErr := existing.Scan(&prevID, &prevCreated)
		switch {
		case scanErr == sql.ErrNoRows:
			created = true
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			item.CreatedAt = now
		case scanErr != nil:
			return fmt.Errorf("failed to look up context item: %w", scanErr)
		default:
			item.ID = prevID
			item.CreatedAt = prevCreated
		}

		item.UpdatedAt = now
		item.EmbeddingStatus = types.EmbeddingPending
		item.ChunkCount = 0
		item.EmbeddedAt = 0

		_, err := tx.ExecContext(ctx, `
			INSERT INTO context_items (`+itemCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, key) DO UPDATE SET
				value = excluded.value,
				category = excluded.category,
				priority = excluded.priority,
				channel = excluded.channel,
				tags = excluded.tags,
				size = excluded.size,
				embedding_status = excluded.embedding_status,
				embedding_provider = excluded.embedding_provider,
				embedding_model = excluded.embedding_model,
				chunk_count = excluded.chunk_count,
				embedded_at = excluded.embedded_at,
				updated_at = excluded.updated_at
		`, item.ID, item.SessionID, item.Key, item.Value, item.Category, item.Priority,
			item.Channel, formatJSONStringArray(item.Tags), item.Size,
			item.EmbeddingStatus, item.EmbeddingProvider, item.EmbeddingModel,
			item.ChunkCount, nullInt64(item.EmbeddedAt), item.CreatedAt, item.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save context item: %w", err)
		}

		if !created {
			if _, err := tx.ExecContext(ctx, `DELETE FROM vector_chunks WHERE item_id = ?`, item.ID); err != nil {
				return fmt.Errorf("failed to drop stale chunks: %w", err)
			}
		}
		return nil
	})
	return created, err
}

// GetContextItem returns the item keyed by (session, key).
func (s *Store) GetContextItem(ctx context.Context, sessionID, key string) (*types.ContextItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+itemCols+` FROM context_items WHERE session_id = ? AND key = ?
	`, sessionID, key)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundf("context item %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context item: %w", err)
	}
	return item, nil
}

// GetContextItemByID returns the item by its opaque id.
func (s *Store) GetContextItemByID(ctx context.Context, id string) (*types.ContextItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemCols+` FROM context_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, storage.NotFoundf("context item %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context item: %w", err)
	}
	return item, nil
}

// ListContextItems returns items matching the filter, high priority first,
// then most recently updated.
func (s *Store) ListContextItems(ctx context.Context, f storage.ContextFilter) ([]*types.ContextItem, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.SessionID != "" {
		where = append(where, `session_id = ?`)
		args = append(args, f.SessionID)
	}
	if f.Category != "" {
		where = append(where, `category = ?`)
		args = append(args, f.Category)
	}
	if f.Priority != "" {
		where = append(where, `priority = ?`)
		args = append(args, f.Priority)
	}
	if f.Channel != "" {
		where = append(where, `channel = ?`)
		args = append(args, f.Channel)
	}
	if f.KeyPattern != "" {
		where = append(where, `key LIKE ? ESCAPE '\'`)
		args = append(args, globToLike(f.KeyPattern))
	}

	query := `SELECT ` + itemCols + ` FROM context_items`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY
		CASE priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END,
		updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list context items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*types.ContextItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan context item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Tag filtering happens in Go; tags are a JSON column.
	if len(f.Tags) > 0 {
		filtered := items[:0]
		for _, item := range items {
			if hasAnyTag(item.Tags, f.Tags) {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return nil, nil
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	return items, nil
}

// DeleteContextItem removes the item; its chunks cascade.
func (s *Store) DeleteContextItem(ctx context.Context, sessionID, key string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM context_items WHERE session_id = ? AND key = ?
	`, sessionID, key)
	if err != nil {
		return fmt.Errorf("failed to delete context item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.NotFoundf("context item %s", key)
	}
	return nil
}

// TagContextItems adds or removes tags on items selected by explicit keys
// or a glob pattern, and returns the number of items changed.
func (s *Store) TagContextItems(ctx context.Context, sessionID string, keys []string, keyPattern string, tags []string, remove bool) (int, error) {
	if len(tags) == 0 {
		return 0, storage.Validationf("at least one tag is required")
	}
	if len(keys) == 0 && keyPattern == "" {
		return 0, storage.Validationf("keys or a key pattern is required")
	}

	items, err := s.selectItemsForTagging(ctx, sessionID, keys, keyPattern)
	if err != nil {
		return 0, err
	}

	affected := 0
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, item := range items {
			next := applyTags(item.Tags, tags, remove)
			if equalStringSets(next, item.Tags) {
				continue
			}
			_, err := tx.ExecContext(ctx, `
				UPDATE context_items SET tags = ?, updated_at = ? WHERE id = ?
			`, formatJSONStringArray(next), types.NowMillis(), item.ID)
			if err != nil {
				return fmt.Errorf("failed to update tags: %w", err)
			}
			affected++
		}
		return nil
	})
	return affected, err
}

func (s *Store) selectItemsForTagging(ctx context.Context, sessionID string, keys []string, keyPattern string) ([]*types.ContextItem, error) {
	if keyPattern != "" {
		return s.ListContextItems(ctx, storage.ContextFilter{SessionID: sessionID, KeyPattern: keyPattern})
	}
	var items []*types.ContextItem
	for _, key := range keys {
		item, err := s.GetContextItem(ctx, sessionID, key)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func applyTags(current, change []string, remove bool) []string {
	if remove {
		var next []string
		for _, t := range current {
			if !hasTag(change, t) {
				next = append(next, t)
			}
		}
		return next
	}
	next := append([]string(nil), current...)
	for _, t := range change {
		if !hasTag(next, t) {
			next = append(next, t)
		}
	}
	return next
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, t := range a {
		if !hasTag(b, t) {
			return false
		}
	}
	return true
}

// SetEmbeddingStatus updates only the embedding lifecycle state.
func (s *Store) SetEmbeddingStatus(ctx context.Context, itemID string, status types.EmbeddingStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE context_items SET embedding_status = ? WHERE id = ?
	`, status, itemID)
	if err != nil {
		return fmt.Errorf("failed to set embedding status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.NotFoundf("context item %s", itemID)
	}
	return nil
}

// MarkEmbedded records a successful embedding run for the item.
func (s *Store) MarkEmbedded(ctx context.Context, itemID, provider, model string, chunkCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE context_items SET
			embedding_status = 'ok',
			embedding_provider = ?,
			embedding_model = ?,
			chunk_count = ?,
			embedded_at = ?
		WHERE id = ?
	`, provider, model, chunkCount, types.NowMillis(), itemID)
	if err != nil {
		return fmt.Errorf("failed to mark item embedded: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storage.NotFoundf("context item %s", itemID)
	}
	return nil
}

// ResetEmbeddings marks every item pending and drops all chunks. Returns
// the number of items queued for re-embedding.
func (s *Store) ResetEmbeddings(ctx context.Context) (int, error) {
	count := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE context_items SET
				embedding_status = 'pending',
				embedding_provider = '',
				embedding_model = '',
				chunk_count = 0,
				embedded_at = NULL
		`)
		if err != nil {
			return fmt.Errorf("failed to reset embedding statuses: %w", err)
		}
		n, _ := res.RowsAffected()
		count = int(n)
		if _, err := tx.ExecContext(ctx, `DELETE FROM vector_chunks`); err != nil {
			return fmt.Errorf("failed to drop vector chunks: %w", err)
		}
		return nil
	})
	return count, err
}

// ListEmbeddable returns up to limit items whose embedding status is in
// statuses, oldest updates first so backfill drains in order.
func (s *Store) ListEmbeddable(ctx context.Context, statuses []types.EmbeddingStatus, limit int) ([]*types.ContextItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, st)
	}

	query := `SELECT ` + itemCols + ` FROM context_items
		WHERE embedding_status IN (` + placeholders + `)
		ORDER BY updated_at`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list embeddable items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*types.ContextItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan context item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
