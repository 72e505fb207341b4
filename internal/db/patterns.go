package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/hpungsan/consult/internal/errors"
	"github.com/hpungsan/consult/internal/pattern"
)

var _ pattern.Store = (*Store)(nil)

const patternColumns = `id, owner_id, disease_label, narrative, nodes_json,
	usage_count, success_count, last_used_at, created_at`

// ListPatterns returns the patterns of one owner, or all patterns when
// owner is nil, ordered by id.
func (s *Store) ListPatterns(ctx context.Context, owner *string) ([]pattern.Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns`
	var args []any
	if owner != nil {
		query += ` WHERE owner_id = ?`
		args = append(args, *owner)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := []pattern.Pattern{}
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// GetPattern retrieves a pattern by id.
func (s *Store) GetPattern(ctx context.Context, id string) (*pattern.Pattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
	p, err := scanPattern(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("pattern", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return p, nil
}

// RecordPatternUsage increments the counters in SQL so concurrent callers
// never overwrite each other, and appends the feedback row.
func (s *Store) RecordPatternUsage(ctx context.Context, fb pattern.Feedback) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE patterns
			SET usage_count = usage_count + 1,
				success_count = success_count + ?,
				last_used_at = ?
			WHERE id = ?
		`, boolToInt(fb.Success), toMillis(fb.CreatedAt), fb.PatternID)
		if err != nil {
			return errors.NewInternal(err)
		}
		n, err := rowsAffected(result)
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.NewNotFound("pattern", fb.PatternID)
		}

		var feedback sql.NullString
		if fb.Feedback != "" {
			feedback = sql.NullString{String: fb.Feedback, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pattern_feedback (pattern_id, success, feedback, created_at)
			VALUES (?, ?, ?, ?)
		`, fb.PatternID, boolToInt(fb.Success), feedback, toMillis(fb.CreatedAt)); err != nil {
			return errors.NewInternal(err)
		}
		return nil
	})
}

// ListPatternFeedback returns the recorded uses of a pattern, oldest first.
func (s *Store) ListPatternFeedback(ctx context.Context, patternID string) ([]pattern.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_id, success, feedback, created_at
		FROM pattern_feedback
		WHERE pattern_id = ?
		ORDER BY id
	`, patternID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := []pattern.Feedback{}
	for rows.Next() {
		var (
			fb        pattern.Feedback
			success   int
			feedback  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&fb.PatternID, &success, &feedback, &createdAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		fb.Success = success != 0
		fb.Feedback = feedback.String
		fb.CreatedAt = fromMillis(createdAt)
		out = append(out, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// UpsertPattern inserts p or replaces the authored fields of an existing
// pattern. Usage counters and created_at of an existing pattern are kept.
func (s *Store) UpsertPattern(ctx context.Context, p *pattern.Pattern) error {
	nodes := p.Nodes
	if nodes == nil {
		nodes = []pattern.Node{}
	}
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return errors.NewInternal(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			disease_label = excluded.disease_label,
			narrative = excluded.narrative,
			nodes_json = excluded.nodes_json
	`,
		p.ID, toNullString(p.OwnerID), p.DiseaseLabel, p.Narrative, string(nodesJSON),
		p.UsageCount, p.SuccessCount, toNullMillis(p.LastUsedAt), toMillis(p.CreatedAt),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// InsertPatterns inserts every pattern in one transaction. The first id
// that already exists aborts the batch with ALREADY_EXISTS.
func (s *Store) InsertPatterns(ctx context.Context, patterns []*pattern.Pattern) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, p := range patterns {
			nodes := p.Nodes
			if nodes == nil {
				nodes = []pattern.Node{}
			}
			nodesJSON, err := json.Marshal(nodes)
			if err != nil {
				return errors.NewInternal(err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO patterns (`+patternColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				p.ID, toNullString(p.OwnerID), p.DiseaseLabel, p.Narrative, string(nodesJSON),
				p.UsageCount, p.SuccessCount, toNullMillis(p.LastUsedAt), toMillis(p.CreatedAt),
			)
			if err != nil {
				if isUniqueConstraintError(err) {
					return errors.NewAlreadyExists("pattern", p.ID)
				}
				return errors.NewInternal(err)
			}
		}
		return nil
	})
}

func scanPattern(row rowScanner) (*pattern.Pattern, error) {
	var (
		p          pattern.Pattern
		owner      sql.NullString
		nodesJSON  string
		lastUsedAt sql.NullInt64
		createdAt  int64
	)
	if err := row.Scan(
		&p.ID, &owner, &p.DiseaseLabel, &p.Narrative, &nodesJSON,
		&p.UsageCount, &p.SuccessCount, &lastUsedAt, &createdAt,
	); err != nil {
		return nil, err
	}

	p.OwnerID = fromNullString(owner)
	p.LastUsedAt = fromNullMillis(lastUsedAt)
	p.CreatedAt = fromMillis(createdAt)
	p.Nodes = []pattern.Node{}
	if nodesJSON != "" {
		if err := json.Unmarshal([]byte(nodesJSON), &p.Nodes); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
