package learning

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Pattern is a tagged instruction whose confidence is reinforced by ratings.
type Pattern struct {
	ID            string    `json:"id"`
	Tag           string    `json:"tag"`
	Instruction   string    `json:"instruction"`
	Confidence    float64   `json:"confidence"`
	PositiveCount int       `json:"positive_count"`
	NegativeCount int       `json:"negative_count"`
	Disabled      bool      `json:"disabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Active reports whether the pattern is injected into prompts.
func (p Pattern) Active(threshold float64) bool {
	return !p.Disabled && p.Confidence >= threshold
}

// Source identifies who rated the reply.
type Source string

const (
	SourceUser     Source = "user"
	SourceTraining Source = "training"
)

// Feedback is a single rating of an assistant reply.
type Feedback struct {
	ID        string    `json:"id"`
	Source    Source    `json:"source"`
	SessionID string    `json:"session_id,omitempty"`
	MessageID string    `json:"message_id"`
	AuthorID  string    `json:"author_id"`
	Rating    int       `json:"rating"`
	Tags      []string  `json:"tags"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the rating range.
func (f Feedback) Validate() error {
	if f.Rating < 1 || f.Rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5")
	}
	if f.Source != SourceUser && f.Source != SourceTraining {
		return fmt.Errorf("unknown feedback source %q", f.Source)
	}
	return nil
}

// Direction of a confidence update.
type Direction int

const (
	Neutral  Direction = 0
	Positive Direction = 1
	Negative Direction = -1
)

func (d Direction) String() string {
	switch d {
	case Positive:
		return "positive"
	case Negative:
		return "negative"
	}
	return "neutral"
}

// Classify maps a 1..5 rating to a direction: 4-5 positive, 1-2 negative.
func Classify(rating int) Direction {
	switch {
	case rating >= 4:
		return Positive
	case rating <= 2:
		return Negative
	}
	return Neutral
}

// Adjust moves confidence by step*weight in the given direction, clamped to
// [0, 1].
func Adjust(confidence float64, dir Direction, step, weight float64) float64 {
	next := confidence + float64(dir)*step*weight
	next = math.Max(0, math.Min(1, next))
	// keep values like 0.7000000000000001 out of the store
	return math.Round(next*1e6) / 1e6
}

// Update describes how a feedback row changes the patterns it names.
type Update struct {
	Direction         Direction
	Step              float64
	Weight            float64
	InitialConfidence float64
	// Instructions holds the instruction used when a tag has no pattern yet.
	Instructions map[string]string
}

// Apply returns the pattern after the update, bumping its counters.
func (u Update) Apply(p Pattern, at time.Time) Pattern {
	p.Confidence = Adjust(p.Confidence, u.Direction, u.Step, u.Weight)
	switch u.Direction {
	case Positive:
		p.PositiveCount++
	case Negative:
		p.NegativeCount++
	}
	p.UpdatedAt = at
	return p
}

// NormalizeTag lowercases a tag and joins words with underscores.
func NormalizeTag(tag string) string {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(tag)))
	return strings.Join(fields, "_")
}

// NormalizeTags normalises, dedupes and sorts tags, dropping blanks.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		norm := NormalizeTag(tag)
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	sort.Strings(out)
	return out
}

// SortByConfidence orders patterns by descending confidence, then tag.
func SortByConfidence(patterns []Pattern) {
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Confidence != patterns[j].Confidence {
			return patterns[i].Confidence > patterns[j].Confidence
		}
		return patterns[i].Tag < patterns[j].Tag
	})
}
