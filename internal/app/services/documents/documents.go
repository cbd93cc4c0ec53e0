// Package documents extracts plain text from uploaded CV files.
package documents

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

const (
	// MaxBytes is the largest accepted upload.
	MaxBytes = 5 << 20
	// MaxChars bounds the text handed to the assistant.
	MaxChars = 20000
)

var (
	ErrUnsupportedDocument = errors.New("documents: unsupported document type")
	ErrTooLarge            = errors.New("documents: file too large")
	ErrEmptyDocument       = errors.New("documents: no text found")
)

// Kind is a supported document format.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindDOCX Kind = "docx"
	KindText Kind = "text"
)

// Detect picks the format from the file extension, falling back to the MIME
// type.
func Detect(filename, mime string) (Kind, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".pdf":
		return KindPDF, nil
	case ".docx":
		return KindDOCX, nil
	case ".txt", ".md":
		return KindText, nil
	}
	switch strings.ToLower(strings.TrimSpace(strings.Split(mime, ";")[0])) {
	case "application/pdf":
		return KindPDF, nil
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return KindDOCX, nil
	case "text/plain", "text/markdown":
		return KindText, nil
	}
	return "", ErrUnsupportedDocument
}

// ExtractText returns the document text, truncated to MaxChars.
func ExtractText(filename, mime string, data []byte) (string, error) {
	if len(data) > MaxBytes {
		return "", ErrTooLarge
	}
	kind, err := Detect(filename, mime)
	if err != nil {
		return "", err
	}

	var text string
	switch kind {
	case KindPDF:
		text, err = pdfText(data)
	case KindDOCX:
		text, err = docxText(data)
	case KindText:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: text is not utf-8", ErrUnsupportedDocument)
		}
		text = string(data)
	}
	if err != nil {
		return "", err
	}

	text = normalizeSpace(text)
	if text == "" {
		return "", ErrEmptyDocument
	}
	return truncate(text, MaxChars), nil
}

// pdfText recovers from panics raised by the parser on malformed files.
func pdfText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("read pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, MaxChars*4)); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}

// docxText reads word/document.xml and keeps the text runs, one line per
// paragraph.
func docxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("%w: missing word/document.xml", ErrUnsupportedDocument)
	}
	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(io.LimitReader(rc, 16<<20))
	var (
		b      strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
		if b.Len() > MaxChars*4 {
			break
		}
	}
	return b.String(), nil
}

// normalizeSpace trims each line and collapses runs of blank lines.
func normalizeSpace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit])
}
