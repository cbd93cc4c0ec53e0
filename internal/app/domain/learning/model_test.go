package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	want := map[int]Direction{1: Negative, 2: Negative, 3: Neutral, 4: Positive, 5: Positive}
	for rating, dir := range want {
		assert.Equal(t, dir, Classify(rating), "rating %d", rating)
	}
}

func TestAdjustClamps(t *testing.T) {
	assert.Equal(t, 0.6, Adjust(0.5, Positive, 0.1, 1))
	assert.Equal(t, 0.7, Adjust(0.5, Positive, 0.1, 2))
	assert.Equal(t, 0.3, Adjust(0.5, Negative, 0.1, 2))
	assert.Equal(t, 1.0, Adjust(0.95, Positive, 0.1, 1))
	assert.Equal(t, 0.0, Adjust(0.05, Negative, 0.1, 1))
	assert.Equal(t, 0.5, Adjust(0.5, Neutral, 0.1, 2))
}

func TestUpdateApply(t *testing.T) {
	at := time.Now().UTC()
	u := Update{Direction: Negative, Step: 0.1, Weight: 1}
	p := u.Apply(Pattern{Confidence: 0.5}, at)
	assert.Equal(t, 0.4, p.Confidence)
	assert.Equal(t, 1, p.NegativeCount)
	assert.Equal(t, 0, p.PositiveCount)
	assert.Equal(t, at, p.UpdatedAt)
}

func TestPatternActive(t *testing.T) {
	assert.True(t, Pattern{Confidence: 0.6}.Active(0.6))
	assert.False(t, Pattern{Confidence: 0.59}.Active(0.6))
	assert.False(t, Pattern{Confidence: 0.9, Disabled: true}.Active(0.6))
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"  Too Long ", "too_long", "", "formal"})
	assert.Equal(t, []string{"formal", "too_long"}, got)
}

func TestFeedbackValidate(t *testing.T) {
	assert.NoError(t, Feedback{Source: SourceUser, Rating: 5}.Validate())
	assert.Error(t, Feedback{Source: SourceUser, Rating: 0}.Validate())
	assert.Error(t, Feedback{Source: "bot", Rating: 3}.Validate())
}

func TestSortByConfidence(t *testing.T) {
	ps := []Pattern{{Tag: "b", Confidence: 0.7}, {Tag: "a", Confidence: 0.7}, {Tag: "c", Confidence: 0.9}}
	SortByConfidence(ps)
	assert.Equal(t, []string{"c", "a", "b"}, []string{ps[0].Tag, ps[1].Tag, ps[2].Tag})
}
