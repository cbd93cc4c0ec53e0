package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/labcv/labcv/internal/app/domain/access"
	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/storage"
)

// --- PaymentStore -----------------------------------------------------------

const paymentColumns = `id, user_id, cv_id, provider, order_id, transaction_id, amount_cents, currency,
	phone, status, status_reason, expires_at, completed_at, created_at, updated_at`

type paymentRow struct {
	ID            string       `db:"id"`
	UserID        string       `db:"user_id"`
	CVID          string       `db:"cv_id"`
	Provider      string       `db:"provider"`
	OrderID       string       `db:"order_id"`
	TransactionID string       `db:"transaction_id"`
	AmountCents   int64        `db:"amount_cents"`
	Currency      string       `db:"currency"`
	Phone         string       `db:"phone"`
	Status        string       `db:"status"`
	StatusReason  string       `db:"status_reason"`
	ExpiresAt     time.Time    `db:"expires_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r paymentRow) toDomain() payment.Payment {
	p := payment.Payment{
		ID:            r.ID,
		UserID:        r.UserID,
		CVID:          r.CVID,
		Provider:      payment.Provider(r.Provider),
		OrderID:       r.OrderID,
		TransactionID: r.TransactionID,
		AmountCents:   r.AmountCents,
		Currency:      r.Currency,
		Phone:         r.Phone,
		Status:        payment.Status(r.Status),
		StatusReason:  r.StatusReason,
		ExpiresAt:     r.ExpiresAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.CompletedAt.Valid {
		at := r.CompletedAt.Time
		p.CompletedAt = &at
	}
	return p
}

func paymentsFromRows(rows []paymentRow) []payment.Payment {
	out := make([]payment.Payment, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}

func (s *Store) CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.Status == "" {
		p.Status = payment.StatusPending
	}
	now := nowUTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payments (id, user_id, cv_id, provider, order_id, transaction_id, amount_cents, currency,
				phone, status, status_reason, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		`, p.ID, p.UserID, p.CVID, p.Provider, p.OrderID, p.TransactionID, p.AmountCents, p.Currency,
			p.Phone, p.Status, p.StatusReason, p.ExpiresAt, now); err != nil {
			return err
		}
		return insertLog(ctx, tx, payment.Log{
			PaymentID: p.ID,
			Event:     payment.EventCreated,
			ToStatus:  p.Status,
			Details:   map[string]any{"amount_cents": p.AmountCents, "currency": p.Currency},
			CreatedAt: now,
		})
	})
	if err != nil {
		return payment.Payment{}, mapErr(err)
	}
	return p, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (payment.Payment, error) {
	var row paymentRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id); err != nil {
		return payment.Payment{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (payment.Payment, error) {
	var row paymentRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+paymentColumns+` FROM payments WHERE order_id = $1`, orderID); err != nil {
		return payment.Payment{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) FindOpenPayment(ctx context.Context, userID, cvID string, now time.Time) (payment.Payment, error) {
	var row paymentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+paymentColumns+` FROM payments
		WHERE user_id = $1 AND cv_id = $2 AND status = 'PENDING' AND expires_at > $3
		ORDER BY created_at DESC
		LIMIT 1`, userID, cvID, now)
	if err != nil {
		return payment.Payment{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListPayments(ctx context.Context, filter storage.PaymentFilter) ([]payment.Payment, error) {
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
	if filter.CVID != "" {
		args = append(args, filter.CVID)
		where = append(where, "cv_id = $"+itoa(len(args)))
	}
	args = append(args, page.Limit, page.Offset)
	query := `SELECT ` + paymentColumns + ` FROM payments` + whereClause(where) +
		` ORDER BY created_at DESC LIMIT $` + itoa(len(args)-1) + ` OFFSET $` + itoa(len(args))

	var rows []paymentRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapErr(err)
	}
	return paymentsFromRows(rows), nil
}

func (s *Store) ListPendingPayments(ctx context.Context) ([]payment.Payment, error) {
	var rows []paymentRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+paymentColumns+` FROM payments
		WHERE status = 'PENDING'
		ORDER BY created_at`); err != nil {
		return nil, mapErr(err)
	}
	return paymentsFromRows(rows), nil
}

func (s *Store) ListCompletedWithoutAccess(ctx context.Context, since time.Time) ([]payment.Payment, error) {
	var rows []paymentRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+paymentColumns+` FROM payments p
		WHERE p.status = 'COMPLETED' AND p.completed_at >= $1
		  AND NOT EXISTS (
			SELECT 1 FROM cv_download_access a
			WHERE a.user_id = p.user_id AND a.cv_id = p.cv_id
			  AND (a.payment_id = p.id OR a.granted_at >= p.completed_at))
		ORDER BY p.completed_at`, since); err != nil {
		return nil, mapErr(err)
	}
	return paymentsFromRows(rows), nil
}

func (s *Store) SetTransactionID(ctx context.Context, id, transactionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments SET transaction_id = $2, updated_at = $3 WHERE id = $1
	`, id, transactionID, nowUTC())
	if err != nil {
		return mapErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) TransitionPayment(ctx context.Context, t payment.Transition) (payment.Payment, error) {
	if t.At.IsZero() {
		t.At = nowUTC()
	}
	var completedAt sql.NullTime
	if t.To == payment.StatusCompleted {
		completedAt = sql.NullTime{Time: t.At, Valid: true}
	}

	var row paymentRow
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &row, `
			UPDATE payments
			SET status = $3,
			    status_reason = $4,
			    transaction_id = COALESCE(NULLIF($5, ''), transaction_id),
			    completed_at = COALESCE($6, completed_at),
			    updated_at = $7
			WHERE id = $1 AND status = $2
			RETURNING `+paymentColumns,
			t.PaymentID, t.From, t.To, t.Reason, t.TransactionID, completedAt, t.At)
		if errors.Is(err, sql.ErrNoRows) {
			if getErr := tx.GetContext(ctx, &row, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, t.PaymentID); getErr != nil {
				return getErr
			}
			return storage.ErrStaleTransition
		}
		if err != nil {
			return err
		}
		return insertLog(ctx, tx, t.LogEntry())
	})
	if errors.Is(err, storage.ErrStaleTransition) {
		return row.toDomain(), err
	}
	if err != nil {
		return payment.Payment{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) AppendPaymentLog(ctx context.Context, l payment.Log) (payment.Log, error) {
	if l.ID == "" {
		l.ID = newID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = nowUTC()
	}
	if err := insertLog(ctx, s.db, l); err != nil {
		return payment.Log{}, mapForeignKey(err)
	}
	return l, nil
}

func insertLog(ctx context.Context, exec sqlx.ExecerContext, l payment.Log) error {
	if l.ID == "" {
		l.ID = newID()
	}
	details, err := json.Marshal(l.Details)
	if err != nil {
		return err
	}
	if l.Details == nil {
		details = []byte("{}")
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO payment_logs (id, payment_id, event, from_status, to_status, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, l.ID, l.PaymentID, l.Event, l.FromStatus, l.ToStatus, details, l.CreatedAt)
	return err
}

type paymentLogRow struct {
	ID         string    `db:"id"`
	PaymentID  string    `db:"payment_id"`
	Event      string    `db:"event"`
	FromStatus string    `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	Details    []byte    `db:"details"`
	CreatedAt  time.Time `db:"created_at"`
}

func (s *Store) ListPaymentLogs(ctx context.Context, paymentID string) ([]payment.Log, error) {
	var rows []paymentLogRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, payment_id, event, from_status, to_status, details, created_at
		FROM payment_logs
		WHERE payment_id = $1
		ORDER BY created_at, id`, paymentID); err != nil {
		return nil, mapErr(err)
	}
	out := make([]payment.Log, 0, len(rows))
	for _, row := range rows {
		l := payment.Log{
			ID:         row.ID,
			PaymentID:  row.PaymentID,
			Event:      row.Event,
			FromStatus: payment.Status(row.FromStatus),
			ToStatus:   payment.Status(row.ToStatus),
			CreatedAt:  row.CreatedAt,
		}
		if len(row.Details) > 0 {
			_ = json.Unmarshal(row.Details, &l.Details)
		}
		out = append(out, l)
	}
	return out, nil
}

// --- AccessStore ------------------------------------------------------------

const grantColumns = `id, user_id, cv_id, payment_id, granted_by, granted_at, expires_at,
	downloads_used, max_downloads, revoked_at`

type grantRow struct {
	ID            string         `db:"id"`
	UserID        string         `db:"user_id"`
	CVID          string         `db:"cv_id"`
	PaymentID     sql.NullString `db:"payment_id"`
	GrantedBy     sql.NullString `db:"granted_by"`
	GrantedAt     time.Time      `db:"granted_at"`
	ExpiresAt     sql.NullTime   `db:"expires_at"`
	DownloadsUsed int            `db:"downloads_used"`
	MaxDownloads  int            `db:"max_downloads"`
	RevokedAt     sql.NullTime   `db:"revoked_at"`
}

func (r grantRow) toDomain() access.Grant {
	g := access.Grant{
		ID:            r.ID,
		UserID:        r.UserID,
		CVID:          r.CVID,
		PaymentID:     r.PaymentID.String,
		GrantedBy:     r.GrantedBy.String,
		GrantedAt:     r.GrantedAt,
		DownloadsUsed: r.DownloadsUsed,
		MaxDownloads:  r.MaxDownloads,
	}
	if r.ExpiresAt.Valid {
		at := r.ExpiresAt.Time
		g.ExpiresAt = &at
	}
	if r.RevokedAt.Valid {
		at := r.RevokedAt.Time
		g.RevokedAt = &at
	}
	return g
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (s *Store) UpsertAccess(ctx context.Context, g access.Grant) (access.Grant, error) {
	if g.ID == "" {
		g.ID = newID()
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = nowUTC()
	}
	var row grantRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO cv_download_access (id, user_id, cv_id, payment_id, granted_by, granted_at, expires_at,
			downloads_used, max_downloads, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, NULL)
		ON CONFLICT (user_id, cv_id) DO UPDATE
		SET payment_id = EXCLUDED.payment_id,
		    granted_by = EXCLUDED.granted_by,
		    granted_at = EXCLUDED.granted_at,
		    expires_at = EXCLUDED.expires_at,
		    downloads_used = 0,
		    max_downloads = EXCLUDED.max_downloads,
		    revoked_at = NULL
		RETURNING `+grantColumns,
		g.ID, g.UserID, g.CVID, nullString(g.PaymentID), nullString(g.GrantedBy), g.GrantedAt,
		nullTime(g.ExpiresAt), g.MaxDownloads)
	if err != nil {
		return access.Grant{}, mapForeignKey(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetAccess(ctx context.Context, userID, cvID string) (access.Grant, error) {
	var row grantRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT `+grantColumns+` FROM cv_download_access
		WHERE user_id = $1 AND cv_id = $2`, userID, cvID); err != nil {
		return access.Grant{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetAccessByID(ctx context.Context, id string) (access.Grant, error) {
	var row grantRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+grantColumns+` FROM cv_download_access WHERE id = $1`, id); err != nil {
		return access.Grant{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListAccess(ctx context.Context, cvID string) ([]access.Grant, error) {
	var (
		rows []grantRow
		err  error
	)
	if cvID == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+grantColumns+` FROM cv_download_access ORDER BY granted_at DESC`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+grantColumns+` FROM cv_download_access
			WHERE cv_id = $1
			ORDER BY granted_at DESC`, cvID)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return grantsFromRows(rows), nil
}

func grantsFromRows(rows []grantRow) []access.Grant {
	out := make([]access.Grant, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}

func (s *Store) ConsumeDownload(ctx context.Context, userID, cvID string, now time.Time) (access.Grant, error) {
	var row grantRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE cv_download_access
		SET downloads_used = downloads_used + 1
		WHERE user_id = $1 AND cv_id = $2
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > $3)
		  AND (max_downloads = 0 OR downloads_used < max_downloads)
		RETURNING `+grantColumns, userID, cvID, now)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Grant{}, storage.ErrAccessDenied
	}
	if err != nil {
		return access.Grant{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) RevokeAccess(ctx context.Context, id string, at time.Time) (access.Grant, error) {
	var row grantRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE cv_download_access
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
		RETURNING `+grantColumns, id, at)
	if err != nil {
		return access.Grant{}, mapErr(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListExpiredAccess(ctx context.Context, from, to time.Time) ([]access.Grant, error) {
	var rows []grantRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+grantColumns+` FROM cv_download_access
		WHERE expires_at >= $1 AND expires_at < $2
		ORDER BY expires_at`, from, to); err != nil {
		return nil, mapErr(err)
	}
	return grantsFromRows(rows), nil
}
