package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/storage"
)

// --- CVStore ----------------------------------------------------------------

const cvColumns = `id, user_id, title, content, status, template, created_at, updated_at`

type cvRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Title     string    `db:"title"`
	Content   []byte    `db:"content"`
	Status    string    `db:"status"`
	Template  string    `db:"template"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r cvRow) toDomain() (cv.CV, error) {
	out := cv.CV{
		ID:        r.ID,
		UserID:    r.UserID,
		Title:     r.Title,
		Status:    cv.Status(r.Status),
		Template:  cv.Template(r.Template),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if len(r.Content) > 0 {
		if err := json.Unmarshal(r.Content, &out.Content); err != nil {
			return cv.CV{}, err
		}
	}
	return out, nil
}

type versionRow struct {
	ID        string    `db:"id"`
	CVID      string    `db:"cv_id"`
	Number    int       `db:"number"`
	Content   []byte    `db:"content"`
	Reason    string    `db:"reason"`
	CreatedAt time.Time `db:"created_at"`
}

func (r versionRow) toDomain() (cv.Version, error) {
	out := cv.Version{ID: r.ID, CVID: r.CVID, Number: r.Number, Reason: cv.VersionReason(r.Reason), CreatedAt: r.CreatedAt}
	if err := json.Unmarshal(r.Content, &out.Content); err != nil {
		return cv.Version{}, err
	}
	return out, nil
}

func cvsFromRows(rows []cvRow) ([]cv.CV, error) {
	out := make([]cv.CV, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) CreateCV(ctx context.Context, c cv.CV) (cv.CV, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	now := nowUTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	content, err := json.Marshal(c.Content)
	if err != nil {
		return cv.CV{}, err
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cv_lab_cvs (id, user_id, title, content, status, template, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`, c.ID, c.UserID, c.Title, content, c.Status, c.Template, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cv_lab_versions (id, cv_id, number, content, reason, created_at)
			VALUES ($1, $2, 1, $3, $4, $5)
		`, newID(), c.ID, content, cv.ReasonCreate, now)
		return err
	})
	if err != nil {
		return cv.CV{}, mapErr(err)
	}
	return c, nil
}

func (s *Store) UpdateCVMeta(ctx context.Context, c cv.CV) (cv.CV, error) {
	var row cvRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE cv_lab_cvs
		SET title = $2, status = $3, template = $4, updated_at = $5
		WHERE id = $1
		RETURNING `+cvColumns, c.ID, c.Title, c.Status, c.Template, nowUTC())
	if err != nil {
		return cv.CV{}, mapErr(err)
	}
	return row.toDomain()
}

func (s *Store) GetCV(ctx context.Context, id string) (cv.CV, error) {
	var row cvRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+cvColumns+` FROM cv_lab_cvs WHERE id = $1`, id); err != nil {
		return cv.CV{}, mapErr(err)
	}
	return row.toDomain()
}

func (s *Store) ListCVs(ctx context.Context, userID string) ([]cv.CV, error) {
	var rows []cvRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+cvColumns+` FROM cv_lab_cvs
		WHERE user_id = $1
		ORDER BY updated_at DESC`, userID); err != nil {
		return nil, mapErr(err)
	}
	return cvsFromRows(rows)
}

func (s *Store) SearchCVs(ctx context.Context, filter storage.CVFilter) ([]cv.CV, int, error) {
	page := filter.Page.Normalize()
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, "status = $"+itoa(len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, "user_id = $"+itoa(len(args)))
	}
	if filter.Query != "" {
		args = append(args, likePattern(filter.Query))
		n := itoa(len(args))
		where = append(where, "(title ILIKE $"+n+" OR content->'personal'->>'full_name' ILIKE $"+n+" OR content->'personal'->>'email' ILIKE $"+n+")")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM cv_lab_cvs`+whereClause(where), args...); err != nil {
		return nil, 0, mapErr(err)
	}

	args = append(args, page.Limit, page.Offset)
	query := `SELECT ` + cvColumns + ` FROM cv_lab_cvs` + whereClause(where) +
		` ORDER BY updated_at DESC LIMIT $` + itoa(len(args)-1) + ` OFFSET $` + itoa(len(args))

	var rows []cvRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, mapErr(err)
	}
	out, err := cvsFromRows(rows)
	return out, total, err
}

// DeleteCV relies on ON DELETE CASCADE for versions, messages, assets and
// download grants.
func (s *Store) DeleteCV(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM cv_lab_cvs WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) SaveContent(ctx context.Context, cvID string, content cv.Content, reason cv.VersionReason) (cv.CV, cv.Version, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return cv.CV{}, cv.Version{}, err
	}

	var (
		row     cvRow
		version = cv.Version{ID: newID(), CVID: cvID, Content: content, Reason: reason}
	)
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		now := nowUTC()
		// The UPDATE locks the cv row, serialising concurrent version numbering.
		if err := tx.GetContext(ctx, &row, `
			UPDATE cv_lab_cvs SET content = $2, updated_at = $3
			WHERE id = $1
			RETURNING `+cvColumns, cvID, raw, now); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &version.Number, `
			SELECT COALESCE(MAX(number), 0) + 1 FROM cv_lab_versions WHERE cv_id = $1
		`, cvID); err != nil {
			return err
		}
		version.CreatedAt = now
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cv_lab_versions (id, cv_id, number, content, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, version.ID, cvID, version.Number, raw, reason, now)
		return err
	})
	if err != nil {
		return cv.CV{}, cv.Version{}, mapErr(err)
	}
	c, err := row.toDomain()
	return c, version, err
}

func (s *Store) ListVersions(ctx context.Context, cvID string) ([]cv.Version, error) {
	var rows []versionRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, cv_id, number, content, reason, created_at
		FROM cv_lab_versions
		WHERE cv_id = $1
		ORDER BY number`, cvID); err != nil {
		return nil, mapErr(err)
	}
	out := make([]cv.Version, 0, len(rows))
	for _, row := range rows {
		v, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) GetVersion(ctx context.Context, cvID string, number int) (cv.Version, error) {
	var row versionRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT id, cv_id, number, content, reason, created_at
		FROM cv_lab_versions
		WHERE cv_id = $1 AND number = $2`, cvID, number); err != nil {
		return cv.Version{}, mapErr(err)
	}
	return row.toDomain()
}

const messageColumns = `id, cv_id, role, content, created_at`

type messageRow struct {
	ID        string    `db:"id"`
	CVID      string    `db:"cv_id"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

func (r messageRow) toDomain() cv.Message {
	return cv.Message{ID: r.ID, CVID: r.CVID, Role: cv.MessageRole(r.Role), Content: r.Content, CreatedAt: r.CreatedAt}
}

func (s *Store) AddMessage(ctx context.Context, m cv.Message) (cv.Message, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cv_lab_messages (id, cv_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.CVID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return cv.Message{}, mapForeignKey(err)
	}
	return m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (cv.Message, error) {
	var row messageRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM cv_lab_messages WHERE id = $1`, id); err != nil {
		return cv.Message{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListMessages(ctx context.Context, cvID string, limit int) ([]cv.Message, error) {
	var (
		rows []messageRow
		err  error
	)
	if limit > 0 {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+messageColumns+` FROM (
				SELECT `+messageColumns+` FROM cv_lab_messages
				WHERE cv_id = $1
				ORDER BY created_at DESC
				LIMIT $2
			) recent
			ORDER BY created_at`, cvID, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+messageColumns+` FROM cv_lab_messages
			WHERE cv_id = $1
			ORDER BY created_at`, cvID)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]cv.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Store) AddAsset(ctx context.Context, a cv.Asset) (cv.Asset, error) {
	if a.ID == "" {
		a.ID = newID()
	}
	a.CreatedAt = nowUTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cv_lab_assets (id, cv_id, user_id, kind, storage_path, mime_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.CVID, a.UserID, a.Kind, a.StoragePath, a.MimeType, a.SizeBytes, a.CreatedAt)
	if err != nil {
		return cv.Asset{}, mapForeignKey(err)
	}
	return a, nil
}

func (s *Store) ListAssets(ctx context.Context, cvID string) ([]cv.Asset, error) {
	out := []cv.Asset{}
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, cv_id, user_id, kind, storage_path, mime_type, size_bytes, created_at
		FROM cv_lab_assets
		WHERE cv_id = $1
		ORDER BY created_at`, cvID)
	return out, mapErr(err)
}
