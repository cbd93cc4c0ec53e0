package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcv/labcv/internal/app/domain/cv"
)

func sampleContent() cv.Content {
	return cv.Content{
		Personal: cv.Personal{
			FullName: "Ana Pérez",
			Headline: "Ingeniera de software",
			Email:    "ana@example.com",
			Phone:    "+507 6000-0000",
			Location: "Ciudad de Panamá",
		},
		Summary: "Desarrolladora backend con experiencia en Go.",
		Experience: []cv.Experience{{
			Company:    "Banco Uno",
			Role:       "Backend Developer",
			StartDate:  "2021",
			Current:    true,
			Highlights: []string{"Reduje la latencia de pagos en 40%"},
		}},
		Skills:    []string{"Go", "PostgreSQL"},
		Languages: []cv.Language{{Name: "Inglés", Level: "B2"}},
	}
}

func renderRaw(t *testing.T, content cv.Content, template cv.Template, opts Options) []byte {
	t.Helper()
	compress = false
	t.Cleanup(func() { compress = true })
	out, err := Render(content, template, opts)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	return out
}

func TestRenderFullIncludesContact(t *testing.T) {
	out := renderRaw(t, sampleContent(), cv.TemplateClassic, Options{})
	assert.Contains(t, string(out), "ana@example.com")
	assert.Contains(t, string(out), "EXPERIENCIA")
	assert.Contains(t, string(out), "Actualidad")
	assert.NotContains(t, string(out), WatermarkText)
}

func TestRenderPreviewHidesContact(t *testing.T) {
	out := renderRaw(t, sampleContent(), cv.TemplateModern, Options{Watermark: true})
	assert.Contains(t, string(out), WatermarkText)
	assert.NotContains(t, string(out), "ana@example.com")
	assert.NotContains(t, string(out), "6000-0000")
}

func TestRenderSkipsEmptySections(t *testing.T) {
	out := renderRaw(t, cv.Content{Personal: cv.Personal{FullName: "Luis"}}, cv.TemplateClassic, Options{})
	assert.NotContains(t, string(out), "EXPERIENCIA")
	assert.NotContains(t, string(out), "HABILIDADES")
}

func TestRenderWithPhotoAndBadPhoto(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	_, err := Render(sampleContent(), cv.TemplateModern, Options{Photo: buf.Bytes(), PhotoType: "image/png"})
	require.NoError(t, err)

	_, err = Render(sampleContent(), cv.TemplateModern, Options{Photo: []byte("garbage"), PhotoType: "image/png"})
	require.NoError(t, err)
}

func TestRenderUnknownTemplateFallsBack(t *testing.T) {
	out, err := Render(sampleContent(), cv.Template("x"), Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "2020 - 2022", dateRange("2020", "2022"))
	assert.Equal(t, "2020", dateRange("2020", ""))
	assert.Equal(t, "a, b", joinNonEmpty([]string{" a ", "", "b"}, ", "))
	assert.Equal(t, "JPG", imageType("image/jpeg"))
	assert.Equal(t, "", imageType("image/webp"))
}
