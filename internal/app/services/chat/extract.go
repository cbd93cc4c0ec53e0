package chat

import (
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/labcv/labcv/internal/app/domain/cv"
)

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(\\{.*?\\})\\s*```")
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// ErrMalformedUpdate is returned when a CV update block cannot be decoded.
var ErrMalformedUpdate = errors.New("chat: malformed cv update")

// Extraction is the result of scanning an assistant reply for a CV update.
type Extraction struct {
	// Visible is the reply with the update block removed.
	Visible string
	Patch   cv.Content
	Found   bool
}

// ExtractUpdate looks for a fenced JSON block, or a reply that is itself a
// JSON object, carrying CV content either at the top level or under
// "cv_update". The block is stripped from the visible text even when it
// cannot be decoded.
func ExtractUpdate(reply string) (Extraction, error) {
	trimmed := strings.TrimSpace(reply)
	if gjson.Valid(trimmed) && gjson.Parse(trimmed).IsObject() {
		doc := gjson.Parse(trimmed)
		visible := firstString(doc, "message", "reply", "respuesta")
		patch, err := decodePatch(doc)
		return Extraction{Visible: visible, Patch: patch, Found: err == nil}, err
	}

	loc := fencedJSON.FindStringSubmatchIndex(reply)
	if loc == nil {
		return Extraction{Visible: trimmed}, nil
	}
	block := reply[loc[2]:loc[3]]
	visible := strings.TrimSpace(reply[:loc[0]] + reply[loc[1]:])
	visible = blankLines.ReplaceAllString(visible, "\n\n")

	if !gjson.Valid(block) {
		return Extraction{Visible: visible}, ErrMalformedUpdate
	}
	patch, err := decodePatch(gjson.Parse(block))
	return Extraction{Visible: visible, Patch: patch, Found: err == nil}, err
}

func decodePatch(doc gjson.Result) (cv.Content, error) {
	raw := doc.Raw
	if update := doc.Get("cv_update"); update.Exists() {
		if !update.IsObject() {
			return cv.Content{}, ErrMalformedUpdate
		}
		raw = update.Raw
	}
	patch, err := cv.Parse([]byte(raw))
	if err != nil {
		return cv.Content{}, errors.Join(ErrMalformedUpdate, err)
	}
	// Only uploads set the photo.
	patch.PhotoPath = ""
	if patch.IsEmpty() {
		return cv.Content{}, ErrMalformedUpdate
	}
	return patch, nil
}

func firstString(doc gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := doc.Get(k); v.Type == gjson.String {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}
