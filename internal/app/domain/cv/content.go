package cv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Content is the structured CV document edited by the assistant and the user.
type Content struct {
	Personal       Personal        `json:"personal"`
	Summary        string          `json:"summary,omitempty"`
	Experience     []Experience    `json:"experience,omitempty"`
	Education      []Education     `json:"education,omitempty"`
	Skills         []string        `json:"skills,omitempty"`
	Languages      []Language      `json:"languages,omitempty"`
	Certifications []Certification `json:"certifications,omitempty"`
	Projects       []Project       `json:"projects,omitempty"`
	PhotoPath      string          `json:"photo_path,omitempty"`
}

type Personal struct {
	FullName string   `json:"full_name,omitempty"`
	Headline string   `json:"headline,omitempty"`
	Email    string   `json:"email,omitempty"`
	Phone    string   `json:"phone,omitempty"`
	Location string   `json:"location,omitempty"`
	Links    []string `json:"links,omitempty"`
}

type Experience struct {
	Company    string   `json:"company"`
	Role       string   `json:"role"`
	Location   string   `json:"location,omitempty"`
	StartDate  string   `json:"start_date,omitempty"`
	EndDate    string   `json:"end_date,omitempty"`
	Current    bool     `json:"current,omitempty"`
	Highlights []string `json:"highlights,omitempty"`
}

type Education struct {
	Institution string `json:"institution"`
	Degree      string `json:"degree,omitempty"`
	Field       string `json:"field,omitempty"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
}

type Language struct {
	Name  string `json:"name"`
	Level string `json:"level,omitempty"`
}

type Certification struct {
	Name   string `json:"name"`
	Issuer string `json:"issuer,omitempty"`
	Date   string `json:"date,omitempty"`
}

type Project struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

const (
	maxTextLen   = 4000
	maxFieldLen  = 300
	maxListItems = 50
)

// Validate enforces size limits so a single CV cannot grow without bound.
func (c Content) Validate() error {
	fields := map[string]string{
		"personal.full_name": c.Personal.FullName,
		"personal.headline":  c.Personal.Headline,
		"personal.email":     c.Personal.Email,
		"personal.phone":     c.Personal.Phone,
		"personal.location":  c.Personal.Location,
	}
	for name, value := range fields {
		if len(value) > maxFieldLen {
			return fmt.Errorf("%s exceeds %d characters", name, maxFieldLen)
		}
	}
	if len(c.Summary) > maxTextLen {
		return fmt.Errorf("summary exceeds %d characters", maxTextLen)
	}
	lists := map[string]int{
		"personal.links": len(c.Personal.Links),
		"experience":     len(c.Experience),
		"education":      len(c.Education),
		"skills":         len(c.Skills),
		"languages":      len(c.Languages),
		"certifications": len(c.Certifications),
		"projects":       len(c.Projects),
	}
	for name, n := range lists {
		if n > maxListItems {
			return fmt.Errorf("%s has more than %d entries", name, maxListItems)
		}
	}
	for i, exp := range c.Experience {
		if strings.TrimSpace(exp.Company) == "" && strings.TrimSpace(exp.Role) == "" {
			return fmt.Errorf("experience[%d] needs a company or a role", i)
		}
		if len(exp.Highlights) > maxListItems {
			return fmt.Errorf("experience[%d].highlights has more than %d entries", i, maxListItems)
		}
	}
	for i, edu := range c.Education {
		if strings.TrimSpace(edu.Institution) == "" {
			return fmt.Errorf("education[%d].institution is required", i)
		}
	}
	return nil
}

// IsEmpty reports whether nothing has been written yet.
func (c Content) IsEmpty() bool {
	return c.Equal(Content{})
}

// Equal compares the canonical JSON encodings, so nil and empty lists match.
func (c Content) Equal(other Content) bool {
	a, errA := c.canonical()
	b, errB := other.canonical()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func (c Content) canonical() ([]byte, error) {
	return json.Marshal(c)
}

// Merge applies a partial update. Non-empty scalars replace the base value and
// lists replace the base list whenever the patch carries them (an explicit
// empty list clears it).
func Merge(base, patch Content) Content {
	out := base

	out.Personal.FullName = pick(base.Personal.FullName, patch.Personal.FullName)
	out.Personal.Headline = pick(base.Personal.Headline, patch.Personal.Headline)
	out.Personal.Email = pick(base.Personal.Email, patch.Personal.Email)
	out.Personal.Phone = pick(base.Personal.Phone, patch.Personal.Phone)
	out.Personal.Location = pick(base.Personal.Location, patch.Personal.Location)
	if patch.Personal.Links != nil {
		out.Personal.Links = patch.Personal.Links
	}

	out.Summary = pick(base.Summary, patch.Summary)
	out.PhotoPath = pick(base.PhotoPath, patch.PhotoPath)

	if patch.Experience != nil {
		out.Experience = patch.Experience
	}
	if patch.Education != nil {
		out.Education = patch.Education
	}
	if patch.Skills != nil {
		out.Skills = patch.Skills
	}
	if patch.Languages != nil {
		out.Languages = patch.Languages
	}
	if patch.Certifications != nil {
		out.Certifications = patch.Certifications
	}
	if patch.Projects != nil {
		out.Projects = patch.Projects
	}
	return out
}

func pick(base, patch string) string {
	if strings.TrimSpace(patch) != "" {
		return strings.TrimSpace(patch)
	}
	return base
}

// Parse decodes CV JSON, tolerating unknown keys produced by the assistant.
func Parse(raw []byte) (Content, error) {
	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return Content{}, fmt.Errorf("decode cv content: %w", err)
	}
	return c, nil
}
