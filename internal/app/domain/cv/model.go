package cv

import "time"

// Status tracks whether the user considers the CV finished.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusCompleted Status = "completed"
)

func (s Status) Valid() bool { return s == StatusDraft || s == StatusCompleted }

// Template selects the PDF layout.
type Template string

const (
	TemplateClassic Template = "classic"
	TemplateModern  Template = "modern"
)

func (t Template) Valid() bool { return t == TemplateClassic || t == TemplateModern }

// CV is a user's curriculum vitae.
type CV struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Content   Content   `json:"content"`
	Status    Status    `json:"status"`
	Template  Template  `json:"template"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// VersionReason records what produced a content snapshot.
type VersionReason string

const (
	ReasonCreate  VersionReason = "create"
	ReasonChat    VersionReason = "chat"
	ReasonManual  VersionReason = "manual"
	ReasonImport  VersionReason = "import"
	ReasonRestore VersionReason = "restore"
)

// Version is an immutable content snapshot. Numbers start at 1 per CV.
type Version struct {
	ID        string        `json:"id"`
	CVID      string        `json:"cv_id"`
	Number    int           `json:"number"`
	Content   Content       `json:"content"`
	Reason    VersionReason `json:"reason"`
	CreatedAt time.Time     `json:"created_at"`
}

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one chat turn attached to a CV.
type Message struct {
	ID        string      `json:"id"`
	CVID      string      `json:"cv_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// AssetKind classifies uploaded or generated files.
type AssetKind string

const (
	AssetPhoto    AssetKind = "photo"
	AssetDocument AssetKind = "document"
	AssetPDF      AssetKind = "pdf"
)

func (k AssetKind) Valid() bool {
	return k == AssetPhoto || k == AssetDocument || k == AssetPDF
}

// Asset points at an object in the storage bucket.
type Asset struct {
	ID          string    `json:"id" db:"id"`
	CVID        string    `json:"cv_id" db:"cv_id"`
	UserID      string    `json:"user_id" db:"user_id"`
	Kind        AssetKind `json:"kind" db:"kind"`
	StoragePath string    `json:"storage_path" db:"storage_path"`
	MimeType    string    `json:"mime_type" db:"mime_type"`
	SizeBytes   int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
