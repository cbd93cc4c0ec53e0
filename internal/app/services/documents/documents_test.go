package documents

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` + body + `</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDetect(t *testing.T) {
	cases := []struct {
		name, mime string
		want       Kind
	}{
		{"cv.PDF", "", KindPDF},
		{"cv.docx", "", KindDOCX},
		{"notes.md", "", KindText},
		{"upload", "application/pdf", KindPDF},
		{"upload", "text/plain; charset=utf-8", KindText},
	}
	for _, tc := range cases {
		got, err := Detect(tc.name, tc.mime)
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
	}

	_, err := Detect("photo.png", "image/png")
	assert.True(t, errors.Is(err, ErrUnsupportedDocument))
}

func TestExtractDocx(t *testing.T) {
	data := buildDocx(t,
		`<w:p><w:r><w:t>Ana Pérez</w:t></w:r></w:p>`+
			`<w:p><w:r><w:t>Desarrolladora</w:t></w:r><w:r><w:tab/><w:t xml:space="preserve"> Go </w:t></w:r></w:p>`)

	text, err := ExtractText("cv.docx", "", data)
	require.NoError(t, err)
	assert.Equal(t, "Ana Pérez\nDesarrolladora Go", text)
}

func TestExtractPlainText(t *testing.T) {
	text, err := ExtractText("cv.txt", "text/plain", []byte("  Hola \r\n\r\n\r\n mundo  "))
	require.NoError(t, err)
	assert.Equal(t, "Hola\n\nmundo", text)

	_, err = ExtractText("cv.txt", "", []byte{0xff, 0xfe})
	assert.True(t, errors.Is(err, ErrUnsupportedDocument))

	_, err = ExtractText("cv.txt", "", []byte("   "))
	assert.True(t, errors.Is(err, ErrEmptyDocument))
}

func TestExtractLimits(t *testing.T) {
	_, err := ExtractText("cv.txt", "", make([]byte, MaxBytes+1))
	assert.True(t, errors.Is(err, ErrTooLarge))

	long := strings.Repeat("ñ", MaxChars+50)
	text, err := ExtractText("cv.txt", "", []byte(long))
	require.NoError(t, err)
	assert.Equal(t, MaxChars, len([]rune(text)))
}

func TestExtractCorruptFiles(t *testing.T) {
	_, err := ExtractText("cv.docx", "", []byte("not a zip"))
	assert.Error(t, err)
	_, err = ExtractText("cv.pdf", "", []byte("not a pdf"))
	assert.Error(t, err)
}
