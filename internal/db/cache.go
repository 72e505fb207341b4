package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/respcache"
)

var _ respcache.Store = (*Store)(nil)

const cacheColumns = `key, doctor_id, stage_context, tokens_json, payload, aux_refs_json,
	created_at, last_accessed_at, access_count, rating`

// GetCacheEntry returns the entry with the exact key.
func (s *Store) GetCacheEntry(ctx context.Context, key string) (*respcache.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM cache_entries WHERE key = ?`, key)
	e, err := scanCacheEntry(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("cache entry", key)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return e, nil
}

// TouchCacheEntry records one access. A key evicted in the meantime is
// not an error.
func (s *Store) TouchCacheEntry(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_entries
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE key = ?
	`, toMillis(at), key)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// CacheCandidates returns the doctor's most used entries, best rated first
// among equals.
func (s *Store) CacheCandidates(ctx context.Context, doctorID string, limit int) ([]respcache.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cacheColumns+`
		FROM cache_entries
		WHERE doctor_id = ?
		ORDER BY access_count DESC, rating DESC, last_accessed_at DESC
		LIMIT ?
	`, doctorID, limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := []respcache.Entry{}
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// UpsertCacheEntry inserts e or, for an existing key, replaces its payload
// and restarts its TTL while keeping access_count. A nil rating keeps the
// stored one.
func (s *Store) UpsertCacheEntry(ctx context.Context, e *respcache.Entry) error {
	tokens, err := marshalList(e.Tokens)
	if err != nil {
		return errors.NewInternal(err)
	}
	var auxRefs sql.NullString
	if len(e.AuxRefs) > 0 {
		raw, err := marshalList(e.AuxRefs)
		if err != nil {
			return errors.NewInternal(err)
		}
		auxRefs = sql.NullString{String: raw, Valid: true}
	}
	var rating sql.NullFloat64
	if e.Rating != nil {
		rating = sql.NullFloat64{Float64: *e.Rating, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (`+cacheColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(key) DO UPDATE SET
			tokens_json = excluded.tokens_json,
			payload = excluded.payload,
			aux_refs_json = excluded.aux_refs_json,
			created_at = excluded.created_at,
			last_accessed_at = excluded.last_accessed_at,
			rating = COALESCE(excluded.rating, cache_entries.rating)
	`,
		e.Key, e.DoctorID, e.StageContext, tokens, e.Payload, auxRefs,
		toMillis(e.CreatedAt), toMillis(e.LastAccessedAt), rating,
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// CountCacheEntries returns the number of stored entries.
func (s *Store) CountCacheEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// EvictCacheEntries deletes the n least used entries, least recently
// accessed first among equals.
func (s *Store) EvictCacheEntries(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries
		WHERE key IN (
			SELECT key FROM cache_entries
			ORDER BY access_count ASC, last_accessed_at ASC, key ASC
			LIMIT ?
		)
	`, n)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return rowsAffected(result)
}

// ExpireCacheEntries deletes entries created before createdBefore.
func (s *Store) ExpireCacheEntries(ctx context.Context, createdBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE created_at < ?`, toMillis(createdBefore))
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return rowsAffected(result)
}

// CacheFootprint estimates stored bytes from payload, token and reference
// columns.
func (s *Store) CacheFootprint(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(LENGTH(payload) + LENGTH(tokens_json) + COALESCE(LENGTH(aux_refs_json), 0)), 0)
		FROM cache_entries
	`).Scan(&n)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row rowScanner) (*respcache.Entry, error) {
	var (
		e                       respcache.Entry
		tokens                  string
		auxRefs                 sql.NullString
		createdAt, lastAccessed int64
		rating                  sql.NullFloat64
	)
	if err := row.Scan(
		&e.Key, &e.DoctorID, &e.StageContext, &tokens, &e.Payload, &auxRefs,
		&createdAt, &lastAccessed, &e.AccessCount, &rating,
	); err != nil {
		return nil, err
	}

	var err error
	if e.Tokens, err = unmarshalList(tokens); err != nil {
		return nil, err
	}
	if auxRefs.Valid {
		if e.AuxRefs, err = unmarshalList(auxRefs.String); err != nil {
			return nil, err
		}
	}
	e.CreatedAt = fromMillis(createdAt)
	e.LastAccessedAt = fromMillis(lastAccessed)
	if rating.Valid {
		r := rating.Float64
		e.Rating = &r
	}
	return &e, nil
}

func rowsAffected(result sql.Result) (int, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	return int(n), nil
}
