package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/domain/prompt"
	"github.com/labcv/labcv/internal/app/storage"
)

// --- PromptStore ------------------------------------------------------------

const promptColumns = `id, version, content, notes, is_active, created_by, created_at`

type promptRow struct {
	ID        string    `db:"id"`
	Version   int       `db:"version"`
	Content   string    `db:"content"`
	Notes     string    `db:"notes"`
	IsActive  bool      `db:"is_active"`
	CreatedBy string    `db:"created_by"`
	CreatedAt time.Time `db:"created_at"`
}

func (r promptRow) toDomain() prompt.Version {
	return prompt.Version(r)
}

func (s *Store) CreatePromptVersion(ctx context.Context, v prompt.Version) (prompt.Version, error) {
	v.ID = newID()
	v.CreatedAt = nowUTC()
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		// Serialises version numbering between concurrent creators.
		if _, err := tx.ExecContext(ctx, `LOCK TABLE cv_lab_prompt_versions IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &v.Version, `SELECT COALESCE(MAX(version), 0) + 1 FROM cv_lab_prompt_versions`); err != nil {
			return err
		}
		if v.IsActive {
			if _, err := tx.ExecContext(ctx, `UPDATE cv_lab_prompt_versions SET is_active = FALSE WHERE is_active`); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cv_lab_prompt_versions (id, version, content, notes, is_active, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, v.ID, v.Version, v.Content, v.Notes, v.IsActive, v.CreatedBy, v.CreatedAt)
		return err
	})
	if err != nil {
		return prompt.Version{}, mapErr(err)
	}
	return v, nil
}

func (s *Store) ActivatePromptVersion(ctx context.Context, id string) (prompt.Version, error) {
	var row promptRow
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.GetContext(ctx, &row, `SELECT `+promptColumns+` FROM cv_lab_prompt_versions WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE cv_lab_prompt_versions SET is_active = FALSE WHERE is_active AND id <> $1`, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE cv_lab_prompt_versions SET is_active = TRUE WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return prompt.Version{}, mapErr(err)
	}
	row.IsActive = true
	return row.toDomain(), nil
}

func (s *Store) GetActivePromptVersion(ctx context.Context) (prompt.Version, error) {
	var row promptRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+promptColumns+` FROM cv_lab_prompt_versions WHERE is_active`); err != nil {
		return prompt.Version{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetPromptVersion(ctx context.Context, id string) (prompt.Version, error) {
	var row promptRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+promptColumns+` FROM cv_lab_prompt_versions WHERE id = $1`, id); err != nil {
		return prompt.Version{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListPromptVersions(ctx context.Context) ([]prompt.Version, error) {
	var rows []promptRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+promptColumns+` FROM cv_lab_prompt_versions ORDER BY version DESC`); err != nil {
		return nil, mapErr(err)
	}
	out := make([]prompt.Version, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// --- LearningStore ----------------------------------------------------------

const patternColumns = `id, tag, instruction, confidence, positive_count, negative_count, disabled, created_at, updated_at`

type patternRow struct {
	ID            string    `db:"id"`
	Tag           string    `db:"tag"`
	Instruction   string    `db:"instruction"`
	Confidence    float64   `db:"confidence"`
	PositiveCount int       `db:"positive_count"`
	NegativeCount int       `db:"negative_count"`
	Disabled      bool      `db:"disabled"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r patternRow) toDomain() learning.Pattern {
	return learning.Pattern(r)
}

func patternsFromRows(rows []patternRow) []learning.Pattern {
	out := make([]learning.Pattern, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}

const feedbackColumns = `id, source, session_id, message_id, author_id, rating, tags, comment, created_at`

type feedbackRow struct {
	ID        string         `db:"id"`
	Source    string         `db:"source"`
	SessionID sql.NullString `db:"session_id"`
	MessageID string         `db:"message_id"`
	AuthorID  string         `db:"author_id"`
	Rating    int            `db:"rating"`
	Tags      pq.StringArray `db:"tags"`
	Comment   string         `db:"comment"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r feedbackRow) toDomain() learning.Feedback {
	return learning.Feedback{
		ID:        r.ID,
		Source:    learning.Source(r.Source),
		SessionID: r.SessionID.String,
		MessageID: r.MessageID,
		AuthorID:  r.AuthorID,
		Rating:    r.Rating,
		Tags:      []string(r.Tags),
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
	}
}

func (s *Store) ApplyFeedback(ctx context.Context, fb learning.Feedback, u learning.Update) (learning.Feedback, []learning.Pattern, error) {
	if fb.ID == "" {
		fb.ID = newID()
	}
	fb.CreatedAt = nowUTC()
	if fb.Tags == nil {
		fb.Tags = []string{}
	}

	var updated []learning.Pattern
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cv_lab_feedback (id, source, session_id, message_id, author_id, rating, tags, comment, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, fb.ID, fb.Source, nullString(fb.SessionID), fb.MessageID, fb.AuthorID, fb.Rating,
			pq.Array(fb.Tags), fb.Comment, fb.CreatedAt); err != nil {
			return err
		}

		for _, tag := range fb.Tags {
			instruction := u.Instructions[tag]
			if instruction == "" {
				instruction = tag
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cv_lab_learned_patterns (id, tag, instruction, confidence, positive_count, negative_count,
					disabled, created_at, updated_at)
				VALUES ($1, $2, $3, $4, 0, 0, FALSE, $5, $5)
				ON CONFLICT (tag) DO NOTHING
			`, newID(), tag, instruction, u.InitialConfidence, fb.CreatedAt); err != nil {
				return err
			}

			var row patternRow
			if err := tx.GetContext(ctx, &row, `SELECT `+patternColumns+` FROM cv_lab_learned_patterns WHERE tag = $1 FOR UPDATE`, tag); err != nil {
				return err
			}
			p := u.Apply(row.toDomain(), fb.CreatedAt)
			if _, err := tx.ExecContext(ctx, `
				UPDATE cv_lab_learned_patterns
				SET confidence = $2, positive_count = $3, negative_count = $4, updated_at = $5
				WHERE id = $1
			`, p.ID, p.Confidence, p.PositiveCount, p.NegativeCount, p.UpdatedAt); err != nil {
				return err
			}
			updated = append(updated, p)
		}
		return nil
	})
	if err != nil {
		return learning.Feedback{}, nil, mapErr(err)
	}
	return fb, updated, nil
}

func (s *Store) ListFeedback(ctx context.Context, filter storage.FeedbackFilter) ([]learning.Feedback, error) {
	page := filter.Page.Normalize()
	var (
		where []string
		args  []any
	)
	if filter.Source != "" {
		args = append(args, filter.Source)
		where = append(where, "source = $"+itoa(len(args)))
	}
	if filter.SessionID != "" {
		args = append(args, filter.SessionID)
		where = append(where, "session_id = $"+itoa(len(args)))
	}
	if filter.MessageID != "" {
		args = append(args, filter.MessageID)
		where = append(where, "message_id = $"+itoa(len(args)))
	}
	args = append(args, page.Limit, page.Offset)
	query := `SELECT ` + feedbackColumns + ` FROM cv_lab_feedback` + whereClause(where) +
		` ORDER BY created_at DESC LIMIT $` + itoa(len(args)-1) + ` OFFSET $` + itoa(len(args))

	var rows []feedbackRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	out := make([]learning.Feedback, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Store) GetPattern(ctx context.Context, id string) (learning.Pattern, error) {
	var row patternRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+patternColumns+` FROM cv_lab_learned_patterns WHERE id = $1`, id); err != nil {
		return learning.Pattern{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListPatterns(ctx context.Context) ([]learning.Pattern, error) {
	var rows []patternRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+patternColumns+` FROM cv_lab_learned_patterns
		ORDER BY confidence DESC, tag`); err != nil {
		return nil, mapErr(err)
	}
	return patternsFromRows(rows), nil
}

func (s *Store) ListActivePatterns(ctx context.Context, threshold float64, limit int) ([]learning.Pattern, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []patternRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+patternColumns+` FROM cv_lab_learned_patterns
		WHERE NOT disabled AND confidence >= $1
		ORDER BY confidence DESC, tag
		LIMIT $2`, threshold, limit); err != nil {
		return nil, mapErr(err)
	}
	return patternsFromRows(rows), nil
}

func (s *Store) UpdatePattern(ctx context.Context, id string, change storage.PatternChange) (learning.Pattern, error) {
	var (
		instruction sql.NullString
		disabled    sql.NullBool
	)
	if change.Instruction != nil {
		instruction = sql.NullString{String: *change.Instruction, Valid: true}
	}
	if change.Disabled != nil {
		disabled = sql.NullBool{Bool: *change.Disabled, Valid: true}
	}
	var row patternRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE cv_lab_learned_patterns
		SET instruction = COALESCE($2, instruction),
		    disabled = COALESCE($3, disabled),
		    updated_at = $4
		WHERE id = $1
		RETURNING `+patternColumns, id, instruction, disabled, nowUTC())
	if err != nil {
		return learning.Pattern{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ResetPattern(ctx context.Context, id string, confidence float64) (learning.Pattern, error) {
	var row patternRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE cv_lab_learned_patterns
		SET confidence = $2, positive_count = 0, negative_count = 0, updated_at = $3
		WHERE id = $1
		RETURNING `+patternColumns, id, confidence, nowUTC())
	if err != nil {
		return learning.Pattern{}, mapErr(err)
	}
	return row.toDomain(), nil
}
