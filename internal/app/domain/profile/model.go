package profile

import "time"

// Role grants access to the admin surface.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether the role is known.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Profile mirrors a Supabase auth user inside the application database.
type Profile struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	FullName  string    `json:"full_name" db:"full_name"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsAdmin reports whether the stored role is admin.
func (p Profile) IsAdmin() bool {
	return p.Role == RoleAdmin
}
