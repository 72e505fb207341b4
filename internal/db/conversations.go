package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/hpungsan/consult/internal/conversation"
	"github.com/hpungsan/consult/internal/errors"
)

var _ conversation.Store = (*Store)(nil)

// CreateConversation inserts a new conversation with its initial history.
func (s *Store) CreateConversation(ctx context.Context, st *conversation.State) error {
	symptoms, err := marshalList(st.Symptoms)
	if err != nil {
		return errors.NewInternal(err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (
				id, user_id, doctor_id, stage, start_time, last_activity,
				turn_count, symptoms_json, has_pending_result, diagnosis_confidence,
				timeout_warnings, active, end_type
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			st.ID, st.UserID, st.DoctorID, string(st.Stage), toMillis(st.StartTime), toMillis(st.LastActivity),
			st.TurnCount, symptoms, boolToInt(st.HasPendingResult), st.DiagnosisConfidence,
			st.TimeoutWarnings, boolToInt(st.Active), endTypeValue(st.EndType),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return errors.NewAlreadyExists("conversation", st.ID)
			}
			return errors.NewInternal(err)
		}
		return insertTransitions(ctx, tx, st.ID, 0, st.History)
	})
}

// LoadConversation reads a conversation and its full stage history.
func (s *Store) LoadConversation(ctx context.Context, id string) (*conversation.State, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, doctor_id, stage, start_time, last_activity,
			turn_count, symptoms_json, has_pending_result, diagnosis_confidence,
			timeout_warnings, active, end_type
		FROM conversations
		WHERE id = ?
	`, id)

	var (
		st                    conversation.State
		stage, symptoms       string
		startTime, lastActive int64
		pending, active       int
		endType               sql.NullString
	)
	err := row.Scan(
		&st.ID, &st.UserID, &st.DoctorID, &stage, &startTime, &lastActive,
		&st.TurnCount, &symptoms, &pending, &st.DiagnosisConfidence,
		&st.TimeoutWarnings, &active, &endType,
	)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("conversation", id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	st.Stage = conversation.Stage(stage)
	st.StartTime = fromMillis(startTime)
	st.LastActivity = fromMillis(lastActive)
	st.HasPendingResult = pending != 0
	st.Active = active != 0
	if endType.Valid {
		et := conversation.EndType(endType.String)
		st.EndType = &et
	}
	if st.Symptoms, err = unmarshalList(symptoms); err != nil {
		return nil, errors.NewInternal(err)
	}

	if st.History, err = s.loadTransitions(ctx, id); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) loadTransitions(ctx context.Context, id string) ([]conversation.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT from_stage, to_stage, reason, confidence, turn, created_at
		FROM stage_transitions
		WHERE conversation_id = ?
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	history := []conversation.Transition{}
	for rows.Next() {
		var (
			tr        conversation.Transition
			from      sql.NullString
			to        string
			createdAt int64
		)
		if err := rows.Scan(&from, &to, &tr.Reason, &tr.Confidence, &tr.Turn, &createdAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		if from.Valid {
			f := conversation.Stage(from.String)
			tr.From = &f
		}
		tr.To = conversation.Stage(to)
		tr.At = fromMillis(createdAt)
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return history, nil
}

// SaveConversation writes the state row, the appended transitions and the
// optional summary in one transaction. appended must be the tail of
// st.History.
func (s *Store) SaveConversation(ctx context.Context, st *conversation.State, appended []conversation.Transition, summary *conversation.Summary) error {
	symptoms, err := marshalList(st.Symptoms)
	if err != nil {
		return errors.NewInternal(err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET stage = ?, last_activity = ?, turn_count = ?, symptoms_json = ?,
				has_pending_result = ?, diagnosis_confidence = ?, timeout_warnings = ?,
				active = ?, end_type = ?
			WHERE id = ?
		`,
			string(st.Stage), toMillis(st.LastActivity), st.TurnCount, symptoms,
			boolToInt(st.HasPendingResult), st.DiagnosisConfidence, st.TimeoutWarnings,
			boolToInt(st.Active), endTypeValue(st.EndType),
			st.ID,
		)
		if err != nil {
			return errors.NewInternal(err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return errors.NewInternal(err)
		}
		if rowsAffected == 0 {
			return errors.NewNotFound("conversation", st.ID)
		}

		if err := insertTransitions(ctx, tx, st.ID, len(st.History)-len(appended), appended); err != nil {
			return err
		}
		if summary != nil {
			return insertSummary(ctx, tx, summary)
		}
		return nil
	})
}

func insertTransitions(ctx context.Context, tx *sql.Tx, id string, base int, trs []conversation.Transition) error {
	for i, tr := range trs {
		var from sql.NullString
		if tr.From != nil {
			from = sql.NullString{String: string(*tr.From), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stage_transitions (
				conversation_id, seq, from_stage, to_stage, reason, confidence, turn, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, base+i, from, string(tr.To), tr.Reason, tr.Confidence, tr.Turn, toMillis(tr.At))
		if err != nil {
			return errors.NewInternal(err)
		}
	}
	return nil
}

func insertSummary(ctx context.Context, tx *sql.Tx, sum *conversation.Summary) error {
	symptoms, err := marshalList(sum.Symptoms)
	if err != nil {
		return errors.NewInternal(err)
	}
	var satisfaction sql.NullInt64
	if sum.Satisfaction != nil {
		satisfaction = sql.NullInt64{Int64: int64(*sum.Satisfaction), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversation_summaries (
			id, conversation_id, end_type, reason, satisfaction,
			duration_seconds, total_turns, final_stage, symptoms_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sum.ID, sum.ConversationID, string(sum.EndType), sum.Reason, satisfaction,
		sum.DurationSeconds, sum.TotalTurns, string(sum.FinalStage), symptoms, toMillis(sum.CreatedAt),
	)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListSummaries returns the end records of a conversation, oldest first.
func (s *Store) ListSummaries(ctx context.Context, conversationID string) ([]conversation.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, end_type, reason, satisfaction,
			duration_seconds, total_turns, final_stage, symptoms_json, created_at
		FROM conversation_summaries
		WHERE conversation_id = ?
		ORDER BY created_at, id
	`, conversationID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	out := []conversation.Summary{}
	for rows.Next() {
		var (
			sum                           conversation.Summary
			endType, finalStage, symptoms string
			satisfaction                  sql.NullInt64
			createdAt                     int64
		)
		if err := rows.Scan(
			&sum.ID, &sum.ConversationID, &endType, &sum.Reason, &satisfaction,
			&sum.DurationSeconds, &sum.TotalTurns, &finalStage, &symptoms, &createdAt,
		); err != nil {
			return nil, errors.NewInternal(err)
		}
		sum.EndType = conversation.EndType(endType)
		sum.FinalStage = conversation.Stage(finalStage)
		sum.CreatedAt = fromMillis(createdAt)
		if satisfaction.Valid {
			v := int(satisfaction.Int64)
			sum.Satisfaction = &v
		}
		if sum.Symptoms, err = unmarshalList(symptoms); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// PurgeEndedConversations hard-deletes ended conversations whose last
// activity is before endedBefore, together with their history and
// summaries. Returns the number of conversations removed.
func (s *Store) PurgeEndedConversations(ctx context.Context, endedBefore time.Time) (int, error) {
	cutoff := toMillis(endedBefore)
	var purged int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const ended = `SELECT id FROM conversations WHERE active = 0 AND last_activity < ?`

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM stage_transitions WHERE conversation_id IN (`+ended+`)`, cutoff); err != nil {
			return errors.NewInternal(err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM conversation_summaries WHERE conversation_id IN (`+ended+`)`, cutoff); err != nil {
			return errors.NewInternal(err)
		}
		result, err := tx.ExecContext(ctx,
			`DELETE FROM conversations WHERE active = 0 AND last_activity < ?`, cutoff)
		if err != nil {
			return errors.NewInternal(err)
		}
		purged, err = result.RowsAffected()
		if err != nil {
			return errors.NewInternal(err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(purged), nil
}

func endTypeValue(et *conversation.EndType) sql.NullString {
	if et == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*et), Valid: true}
}
