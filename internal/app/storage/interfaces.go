package storage

import (
	"context"
	"errors"
	"time"

	"github.com/labcv/labcv/internal/app/domain/access"
	"github.com/labcv/labcv/internal/app/domain/cv"
	"github.com/labcv/labcv/internal/app/domain/learning"
	"github.com/labcv/labcv/internal/app/domain/payment"
	"github.com/labcv/labcv/internal/app/domain/profile"
	"github.com/labcv/labcv/internal/app/domain/prompt"
	"github.com/labcv/labcv/internal/app/domain/training"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a write violates a uniqueness rule.
	ErrConflict = errors.New("storage: conflict")
	// ErrStaleTransition is returned when a compare-and-set loses a race.
	ErrStaleTransition = errors.New("storage: status changed concurrently")
	// ErrAccessDenied is returned when a download cannot be consumed.
	ErrAccessDenied = errors.New("storage: download access denied")
)

// Page bounds list queries. Zero Limit means the store default.
type Page struct {
	Limit  int
	Offset int
}

// Normalize applies the default and maximum page size.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 500 {
		p.Limit = 500
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ProfileFilter narrows admin profile listings.
type ProfileFilter struct {
	Query string
	Role  profile.Role
	Page
}

// ProfileStore persists user profiles.
type ProfileStore interface {
	// UpsertProfile inserts the profile or refreshes its email and name. The
	// stored role is never changed by an upsert.
	UpsertProfile(ctx context.Context, p profile.Profile) (profile.Profile, error)
	GetProfile(ctx context.Context, id string) (profile.Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (profile.Profile, error)
	ListProfiles(ctx context.Context, filter ProfileFilter) ([]profile.Profile, error)
	SetProfileRole(ctx context.Context, id string, role profile.Role) (profile.Profile, error)
}

// CVFilter narrows admin CV searches.
type CVFilter struct {
	Query  string
	Status cv.Status
	UserID string
	Page
}

// CVStore persists CVs with their versions, messages and assets.
type CVStore interface {
	// CreateCV stores the CV and its first version atomically.
	CreateCV(ctx context.Context, c cv.CV) (cv.CV, error)
	// UpdateCVMeta updates title, status and template.
	UpdateCVMeta(ctx context.Context, c cv.CV) (cv.CV, error)
	GetCV(ctx context.Context, id string) (cv.CV, error)
	ListCVs(ctx context.Context, userID string) ([]cv.CV, error)
	SearchCVs(ctx context.Context, filter CVFilter) ([]cv.CV, int, error)
	// DeleteCV removes the CV and every row that references it.
	DeleteCV(ctx context.Context, id string) error

	// SaveContent replaces the content and appends a version numbered
	// last+1 in one transaction.
	SaveContent(ctx context.Context, cvID string, content cv.Content, reason cv.VersionReason) (cv.CV, cv.Version, error)
	ListVersions(ctx context.Context, cvID string) ([]cv.Version, error)
	GetVersion(ctx context.Context, cvID string, number int) (cv.Version, error)

	AddMessage(ctx context.Context, m cv.Message) (cv.Message, error)
	GetMessage(ctx context.Context, id string) (cv.Message, error)
	// ListMessages returns messages in chronological order. A positive limit
	// keeps only the most recent ones.
	ListMessages(ctx context.Context, cvID string, limit int) ([]cv.Message, error)

	AddAsset(ctx context.Context, a cv.Asset) (cv.Asset, error)
	ListAssets(ctx context.Context, cvID string) ([]cv.Asset, error)
}

// PaymentFilter narrows payment listings.
type PaymentFilter struct {
	Status payment.Status
	UserID string
	CVID   string
	Page
}

// PaymentStore persists payments and their audit log.
type PaymentStore interface {
	// CreatePayment stores the payment and its "created" log row.
	CreatePayment(ctx context.Context, p payment.Payment) (payment.Payment, error)
	GetPayment(ctx context.Context, id string) (payment.Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (payment.Payment, error)
	// FindOpenPayment returns the newest PENDING payment of the user for the
	// CV that has not passed its deadline.
	FindOpenPayment(ctx context.Context, userID, cvID string, now time.Time) (payment.Payment, error)
	ListPayments(ctx context.Context, filter PaymentFilter) ([]payment.Payment, error)
	ListPendingPayments(ctx context.Context) ([]payment.Payment, error)
	// ListCompletedWithoutAccess returns payments completed at or after since
	// whose (user, cv) pair has no grant issued for them: neither a grant
	// carrying the payment id nor one granted at or after the completion.
	ListCompletedWithoutAccess(ctx context.Context, since time.Time) ([]payment.Payment, error)
	SetTransactionID(ctx context.Context, id, transactionID string) error
	// TransitionPayment applies t only when the payment is still in t.From,
	// writing the log row in the same transaction. A lost race returns
	// ErrStaleTransition.
	TransitionPayment(ctx context.Context, t payment.Transition) (payment.Payment, error)
	AppendPaymentLog(ctx context.Context, l payment.Log) (payment.Log, error)
	ListPaymentLogs(ctx context.Context, paymentID string) ([]payment.Log, error)
}

// AccessStore persists cv_download_access rows.
type AccessStore interface {
	// UpsertAccess creates or replaces the (user, cv) grant, resetting usage
	// and clearing revocation.
	UpsertAccess(ctx context.Context, g access.Grant) (access.Grant, error)
	GetAccess(ctx context.Context, userID, cvID string) (access.Grant, error)
	GetAccessByID(ctx context.Context, id string) (access.Grant, error)
	ListAccess(ctx context.Context, cvID string) ([]access.Grant, error)
	// ConsumeDownload increments usage when the grant is usable at now, as a
	// single conditional write. Otherwise it returns ErrAccessDenied.
	ConsumeDownload(ctx context.Context, userID, cvID string, now time.Time) (access.Grant, error)
	RevokeAccess(ctx context.Context, id string, at time.Time) (access.Grant, error)
	// ListExpiredAccess returns grants whose expiry falls in [from, to).
	ListExpiredAccess(ctx context.Context, from, to time.Time) ([]access.Grant, error)
}

// PromptStore persists system prompt versions.
type PromptStore interface {
	// CreatePromptVersion assigns version = max+1. When v.IsActive is set the
	// other versions are deactivated in the same transaction.
	CreatePromptVersion(ctx context.Context, v prompt.Version) (prompt.Version, error)
	ActivatePromptVersion(ctx context.Context, id string) (prompt.Version, error)
	GetActivePromptVersion(ctx context.Context) (prompt.Version, error)
	GetPromptVersion(ctx context.Context, id string) (prompt.Version, error)
	ListPromptVersions(ctx context.Context) ([]prompt.Version, error)
}

// PatternChange carries admin edits; nil fields are left untouched.
type PatternChange struct {
	Instruction *string
	Disabled    *bool
}

// FeedbackFilter narrows feedback listings.
type FeedbackFilter struct {
	Source    learning.Source
	SessionID string
	MessageID string
	Page
}

// LearningStore persists feedback and learned patterns.
type LearningStore interface {
	// ApplyFeedback stores the feedback and applies u to the pattern of every
	// tag, creating missing patterns, in one transaction.
	ApplyFeedback(ctx context.Context, fb learning.Feedback, u learning.Update) (learning.Feedback, []learning.Pattern, error)
	ListFeedback(ctx context.Context, filter FeedbackFilter) ([]learning.Feedback, error)

	GetPattern(ctx context.Context, id string) (learning.Pattern, error)
	ListPatterns(ctx context.Context) ([]learning.Pattern, error)
	// ListActivePatterns returns enabled patterns at or above threshold,
	// ordered by confidence descending.
	ListActivePatterns(ctx context.Context, threshold float64, limit int) ([]learning.Pattern, error)
	UpdatePattern(ctx context.Context, id string, change PatternChange) (learning.Pattern, error)
	ResetPattern(ctx context.Context, id string, confidence float64) (learning.Pattern, error)
}

// TrainingStore persists admin training sessions.
type TrainingStore interface {
	CreateTrainingSession(ctx context.Context, s training.Session) (training.Session, error)
	GetTrainingSession(ctx context.Context, id string) (training.Session, error)
	ListTrainingSessions(ctx context.Context, page Page) ([]training.Session, error)
	// CompleteTrainingSession moves an active session to completed. A session
	// that is already completed returns ErrStaleTransition.
	CompleteTrainingSession(ctx context.Context, id, summary string, at time.Time) (training.Session, error)
	AddTrainingMessage(ctx context.Context, m training.Message) (training.Message, error)
	GetTrainingMessage(ctx context.Context, id string) (training.Message, error)
	ListTrainingMessages(ctx context.Context, sessionID string) ([]training.Message, error)
	// SessionFeedbackTotals counts the training ratings of a session and sums
	// their values.
	SessionFeedbackTotals(ctx context.Context, sessionID string) (count, ratingSum int, err error)
}

// Stats is the admin dashboard summary.
type Stats struct {
	Users            int                    `json:"users"`
	CVs              int                    `json:"cvs"`
	CompletedCVs     int                    `json:"completed_cvs"`
	Payments         map[payment.Status]int `json:"payments"`
	RevenueCents     int64                  `json:"revenue_cents"`
	ActiveGrants     int                    `json:"active_grants"`
	Feedback         int                    `json:"feedback"`
	AverageRating    float64                `json:"average_rating"`
	ActivePatterns   int                    `json:"active_patterns"`
	TrainingSessions int                    `json:"training_sessions"`
}

// StatsStore aggregates dashboard figures.
type StatsStore interface {
	Stats(ctx context.Context, now time.Time, activationThreshold float64) (Stats, error)
}

// Store is the full persistence surface.
type Store interface {
	ProfileStore
	CVStore
	PaymentStore
	AccessStore
	PromptStore
	LearningStore
	TrainingStore
	StatsStore
	Ping(ctx context.Context) error
}
