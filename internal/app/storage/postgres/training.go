package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/domain/training"
	"github.com/labcv/labcv/internal/app/storage"
)

// --- TrainingStore ----------------------------------------------------------

const sessionColumns = `id, admin_id, prompt_version_id, title, status, summary, created_at, completed_at`

type sessionRow struct {
	ID              string       `db:"id"`
	AdminID         string       `db:"admin_id"`
	PromptVersionID string       `db:"prompt_version_id"`
	Title           string       `db:"title"`
	Status          string       `db:"status"`
	Summary         string       `db:"summary"`
	CreatedAt       time.Time    `db:"created_at"`
	CompletedAt     sql.NullTime `db:"completed_at"`
}

func (r sessionRow) toDomain() training.Session {
	sess := training.Session{
		ID:              r.ID,
		AdminID:         r.AdminID,
		PromptVersionID: r.PromptVersionID,
		Title:           r.Title,
		Status:          training.Status(r.Status),
		Summary:         r.Summary,
		CreatedAt:       r.CreatedAt,
	}
	if r.CompletedAt.Valid {
		at := r.CompletedAt.Time
		sess.CompletedAt = &at
	}
	return sess
}

func (s *Store) CreateTrainingSession(ctx context.Context, sess training.Session) (training.Session, error) {
	if sess.ID == "" {
		sess.ID = newID()
	}
	if sess.Status == "" {
		sess.Status = training.StatusActive
	}
	sess.CreatedAt = nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cv_lab_training_sessions (id, admin_id, prompt_version_id, title, status, summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.AdminID, sess.PromptVersionID, sess.Title, sess.Status, sess.Summary, sess.CreatedAt)
	if err != nil {
		return training.Session{}, mapErr(err)
	}
	return sess, nil
}

func (s *Store) GetTrainingSession(ctx context.Context, id string) (training.Session, error) {
	var row sessionRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+sessionColumns+` FROM cv_lab_training_sessions WHERE id = $1`, id); err != nil {
		return training.Session{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListTrainingSessions(ctx context.Context, page storage.Page) ([]training.Session, error) {
	page = page.Normalize()
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+sessionColumns+` FROM cv_lab_training_sessions
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, page.Limit, page.Offset); err != nil {
		return nil, mapErr(err)
	}
	out := make([]training.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Store) CompleteTrainingSession(ctx context.Context, id, summary string, at time.Time) (training.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE cv_lab_training_sessions
		SET status = 'completed', summary = $2, completed_at = $3
		WHERE id = $1 AND status = 'active'
		RETURNING `+sessionColumns, id, summary, at)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetTrainingSession(ctx, id)
		if getErr != nil {
			return training.Session{}, getErr
		}
		return current, storage.ErrStaleTransition
	}
	if err != nil {
		return training.Session{}, err
	}
	return row.toDomain(), nil
}

type trainingMessageRow struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) AddTrainingMessage(ctx context.Context, m training.Message) (training.Message, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cv_lab_training_messages (id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.SessionID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return training.Message{}, mapForeignKey(err)
	}
	return m, nil
}

func (s *Store) GetTrainingMessage(ctx context.Context, id string) (training.Message, error) {
	var row trainingMessageRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT id, session_id, role, content, created_at
		FROM cv_lab_training_messages WHERE id = $1`, id); err != nil {
		return training.Message{}, mapErr(err)
	}
	return training.Message(row), nil
}

func (s *Store) ListTrainingMessages(ctx context.Context, sessionID string) ([]training.Message, error) {
	var rows []trainingMessageRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, session_id, role, content, created_at
		FROM cv_lab_training_messages
		WHERE session_id = $1
		ORDER BY created_at`, sessionID); err != nil {
		return nil, mapErr(err)
	}
	out := make([]training.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, training.Message(row))
	}
	return out, nil
}

func (s *Store) SessionFeedbackTotals(ctx context.Context, sessionID string) (int, int, error) {
	var totals struct {
		Count int `db:"count"`
		Sum   int `db:"rating_sum"`
	}
	if err := s.db.GetContext(ctx, &totals, `
		SELECT COUNT(*) AS count, COALESCE(SUM(rating), 0) AS rating_sum
		FROM cv_lab_feedback
		WHERE source = 'training' AND session_id = $1`, sessionID); err != nil {
		return 0, 0, mapErr(err)
	}
	return totals.Count, totals.Sum, nil
}

// --- StatsStore -------------------------------------------------------------

func (s *Store) Stats(ctx context.Context, now time.Time, threshold float64) (storage.Stats, error) {
	stats := storage.Stats{Payments: make(map[payment.Status]int)}

	counts := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&stats.Users, `SELECT COUNT(*) FROM profiles`, nil},
		{&stats.CVs, `SELECT COUNT(*) FROM cv_lab_cvs`, nil},
		{&stats.CompletedCVs, `SELECT COUNT(*) FROM cv_lab_cvs WHERE status = 'completed'`, nil},
		{&stats.ActiveGrants, `SELECT COUNT(*) FROM cv_download_access
			WHERE revoked_at IS NULL AND (expires_at IS NULL OR expires_at > $1)
			AND (max_downloads = 0 OR downloads_used < max_downloads)`, []any{now}},
		{&stats.Feedback, `SELECT COUNT(*) FROM cv_lab_feedback`, nil},
		{&stats.ActivePatterns, `SELECT COUNT(*) FROM cv_lab_learned_patterns WHERE NOT disabled AND confidence >= $1`, []any{threshold}},
		{&stats.TrainingSessions, `SELECT COUNT(*) FROM cv_lab_training_sessions`, nil},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dst, c.query, c.args...); err != nil {
			return storage.Stats{}, err
		}
	}

	if err := s.db.GetContext(ctx, &stats.AverageRating, `SELECT COALESCE(AVG(rating), 0)::float8 FROM cv_lab_feedback`); err != nil {
		return storage.Stats{}, err
	}
	if err := s.db.GetContext(ctx, &stats.RevenueCents, `SELECT COALESCE(SUM(amount_cents), 0) FROM payments WHERE status = 'COMPLETED'`); err != nil {
		return storage.Stats{}, err
	}

	var byStatus []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &byStatus, `SELECT status, COUNT(*) AS count FROM payments GROUP BY status`); err != nil {
		return storage.Stats{}, err
	}
	for _, row := range byStatus {
		stats.Payments[payment.Status(row.Status)] = row.Count
	}
	return stats, nil
}
