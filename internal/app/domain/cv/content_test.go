package cv

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	base := Content{
		Personal:  Personal{FullName: "Ana Pérez", Email: "ana@example.com", Links: []string{"https://a.dev"}},
		Summary:   "Ingeniera",
		Skills:    []string{"Go"},
		Education: []Education{{Institution: "UTP"}},
	}
	patch := Content{
		Personal:   Personal{Headline: "Backend Engineer", Email: "  "},
		Skills:     []string{"Go", "SQL"},
		Experience: []Experience{{Company: "Lab", Role: "Dev"}},
		Education:  []Education{},
	}

	got := Merge(base, patch)
	assert.Equal(t, "Ana Pérez", got.Personal.FullName)
	assert.Equal(t, "Backend Engineer", got.Personal.Headline)
	assert.Equal(t, "ana@example.com", got.Personal.Email)
	assert.Equal(t, []string{"https://a.dev"}, got.Personal.Links)
	assert.Equal(t, "Ingeniera", got.Summary)
	assert.Equal(t, []string{"Go", "SQL"}, got.Skills)
	assert.Len(t, got.Experience, 1)
	assert.Empty(t, got.Education)
}

func TestEqualTreatsNilAndEmptyAlike(t *testing.T) {
	a := Content{Skills: nil}
	b := Content{Skills: []string{}}
	assert.True(t, a.Equal(b))
	assert.True(t, b.IsEmpty())
	assert.False(t, Content{Summary: "x"}.IsEmpty())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Content{Experience: []Experience{{Role: "Dev"}}}.Validate())
	assert.Error(t, Content{Experience: []Experience{{}}}.Validate())
	assert.Error(t, Content{Education: []Education{{Degree: "BSc"}}}.Validate())
	assert.Error(t, Content{Summary: strings.Repeat("a", maxTextLen+1)}.Validate())
	assert.Error(t, Content{Skills: make([]string, maxListItems+1)}.Validate())
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	c, err := Parse([]byte(`{"personal":{"full_name":"Ana"},"extra":true,"skills":["Go"]}`))
	require.NoError(t, err)
	assert.Equal(t, "Ana", c.Personal.FullName)
	assert.Equal(t, []string{"Go"}, c.Skills)

	_, err = Parse([]byte(`{`))
	assert.Error(t, err)
}
