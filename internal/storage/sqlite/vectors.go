package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/savecontext/savecontext/internal/storage"
)

// encodeVector packs a float32 vector as a little-endian blob.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks a little-endian blob into a float32 vector.
func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is zero or the dimensions disagree.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EnsureVectorDim makes the vector space match (dim, provider, model). On a
// mismatch all chunks are dropped, every embedded item goes back to none
// for the backfill to pick up, and the meta row is rewritten; the caller is
// responsible for backing up the database and confirming before calling
// with a new dimension.
func (s *Store) EnsureVectorDim(ctx context.Context, dim int, provider, model string) (bool, error) {
	if dim <= 0 {
		return false, storage.Validationf("vector dimension must be positive")
	}

	s.vecMu.Lock()
	defer s.vecMu.Unlock()

	meta, err := s.getVectorMetaLocked(ctx)
	if err != nil {
		return false, err
	}
	if meta != nil && meta.Dimension == dim && meta.Provider == provider && meta.Model == model {
		return false, nil
	}

	recreated := meta != nil
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if recreated {
			if _, err := tx.ExecContext(ctx, `DELETE FROM vector_chunks`); err != nil {
				return fmt.Errorf("failed to drop vector chunks: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE context_items SET embedding_status = 'none', chunk_count = 0, embedded_at = NULL
				WHERE embedding_status = 'ok'
			`); err != nil {
				return fmt.Errorf("failed to reset embedded items: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vector_meta (id, dimension, provider, model) VALUES (1, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				dimension = excluded.dimension,
				provider = excluded.provider,
				model = excluded.model
		`, dim, provider, model)
		if err != nil {
			return fmt.Errorf("failed to write vector meta: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return recreated, nil
}

func (s *Store) getVectorMetaLocked(ctx context.Context) (*storage.VectorMeta, error) {
	meta := &storage.VectorMeta{}
	err := s.db.QueryRowContext(ctx, `
		SELECT dimension, provider, model FROM vector_meta WHERE id = 1
	`).Scan(&meta.Dimension, &meta.Provider, &meta.Model)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vector meta: %w", err)
	}
	return meta, nil
}

// GetVectorMeta returns the active vector space descriptor, or not-found
// when no embedding has ever been configured.
func (s *Store) GetVectorMeta(ctx context.Context) (*storage.VectorMeta, error) {
	s.vecMu.RLock()
	defer s.vecMu.RUnlock()
	meta, err := s.getVectorMetaLocked(ctx)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, storage.NotFoundf("vector space not configured")
	}
	return meta, nil
}

// UpsertChunks replaces the item's chunk vectors. Vectors must match the
// configured dimension.
func (s *Store) UpsertChunks(ctx context.Context, itemID string, chunks []storage.Chunk, provider, model string) error {
	s.vecMu.RLock()
	defer s.vecMu.RUnlock()

	meta, err := s.getVectorMetaLocked(ctx)
	if err != nil {
		return err
	}
	if meta == nil {
		return storage.Unavailablef("vector space not configured")
	}
	for _, c := range chunks {
		if len(c.Vector) != meta.Dimension {
			return storage.Validationf("chunk %d has dimension %d, expected %d",
				c.Index, len(c.Vector), meta.Dimension)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vector_chunks WHERE item_id = ?`, itemID); err != nil {
			return fmt.Errorf("failed to drop old chunks: %w", err)
		}
		for _, c := range chunks {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO vector_chunks (item_id, chunk_index, embedding, provider, model)
				VALUES (?, ?, ?, ?, ?)
			`, itemID, c.Index, encodeVector(c.Vector), provider, model); err != nil {
				return fmt.Errorf("failed to insert chunk: %w", err)
			}
		}
		return nil
	})
}

// DeleteChunks removes all chunks of an item.
func (s *Store) DeleteChunks(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vector_chunks WHERE item_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// SearchChunks scores every chunk of the session's items against the query
// vector by cosine similarity and returns the top matches, best first.
// Scoring happens in Go; at the scale of one session's working memory a
// full scan beats maintaining an index.
func (s *Store) SearchChunks(ctx context.Context, query []float32, sessionID string, limit int) ([]storage.ChunkMatch, error) {
	s.vecMu.RLock()
	defer s.vecMu.RUnlock()

	meta, err := s.getVectorMetaLocked(ctx)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, storage.Unavailablef("vector space not configured")
	}
	if len(query) != meta.Dimension {
		return nil, storage.Validationf("query has dimension %d, expected %d", len(query), meta.Dimension)
	}

	sqlQuery := `
		SELECT vc.item_id, vc.chunk_index, vc.embedding
		FROM vector_chunks vc`
	var args []interface{}
	if sessionID != "" {
		sqlQuery += `
		JOIN context_items ci ON ci.id = vc.item_id
		WHERE ci.session_id = ?`
		args = append(args, sessionID)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.ChunkMatch
	for rows.Next() {
		var (
			itemID string
			index  int
			blob   []byte
		)
		if err := rows.Scan(&itemID, &index, &blob); err != nil {
			return nil, err
		}
		matches = append(matches, storage.ChunkMatch{
			ItemID:     itemID,
			ChunkIndex: index,
			Score:      cosineSimilarity(query, decodeVector(blob)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
