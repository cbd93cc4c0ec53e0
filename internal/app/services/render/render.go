// Package render turns CV content into a PDF.
package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"github.com/labcv/labcv/internal/app/domain/cv"
)

// WatermarkText is stamped across preview pages.
const WatermarkText = "VISTA PREVIA"

// Options controls a render.
type Options struct {
	// Watermark renders a preview: diagonal stamp, no contact details.
	Watermark bool
	// Photo is an optional PNG or JPEG image.
	Photo     []byte
	PhotoType string
}

// compress is switched off by tests to inspect content streams.
var compress = true

type palette struct {
	accent [3]int
	text   [3]int
	muted  [3]int
}

var palettes = map[cv.Template]palette{
	cv.TemplateClassic: {accent: [3]int{33, 37, 41}, text: [3]int{33, 37, 41}, muted: [3]int{108, 117, 125}},
	cv.TemplateModern:  {accent: [3]int{13, 110, 253}, text: [3]int{33, 37, 41}, muted: [3]int{108, 117, 125}},
}

// document wraps an fpdf instance with the cp1252 translator needed for
// Spanish characters in the core fonts.
type document struct {
	pdf      *fpdf.Fpdf
	tr       func(string) string
	colors   palette
	template cv.Template
}

// Render produces the PDF bytes for content using template.
func Render(content cv.Content, template cv.Template, opts Options) ([]byte, error) {
	if !template.Valid() {
		template = cv.TemplateClassic
	}
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(compress)
	pdf.SetMargins(18, 18, 18)
	pdf.SetAutoPageBreak(true, 18)
	pdf.SetTitle("Curriculum Vitae", true)
	pdf.SetCreator("Lab CV", true)
	pdf.AliasNbPages("")

	d := &document{
		pdf:      pdf,
		tr:       pdf.UnicodeTranslatorFromDescriptor(""),
		colors:   palettes[template],
		template: template,
	}

	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "", 8)
		d.setColor(d.colors.muted)
		pdf.CellFormat(0, 5, d.tr(fmt.Sprintf("Página %d de {nb}", pdf.PageNo())), "", 0, "C", false, 0, "")
	})
	if opts.Watermark {
		pdf.SetHeaderFunc(d.watermark)
	}

	pdf.AddPage()
	d.header(content, opts)
	d.summary(content.Summary)
	d.experience(content.Experience)
	d.education(content.Education)
	d.skills(content.Skills)
	d.languages(content.Languages)
	d.certifications(content.Certifications)
	d.projects(content.Projects)

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *document) setColor(c [3]int) {
	d.pdf.SetTextColor(c[0], c[1], c[2])
}

func (d *document) watermark() {
	pdf := d.pdf
	w, h := pdf.GetPageSize()
	pdf.SetFont("Helvetica", "B", 64)
	pdf.SetTextColor(200, 200, 200)
	pdf.SetAlpha(0.35, "Normal")
	pdf.TransformBegin()
	pdf.TransformRotate(45, w/2, h/2)
	tw := pdf.GetStringWidth(WatermarkText)
	pdf.Text(w/2-tw/2, h/2, WatermarkText)
	pdf.TransformEnd()
	pdf.SetAlpha(1, "Normal")
	pdf.SetXY(pdf.GetX(), 18)
}

func (d *document) header(content cv.Content, opts Options) {
	pdf := d.pdf
	p := content.Personal
	left, _, right, _ := pdf.GetMargins()
	pageW, _ := pdf.GetPageSize()
	textW := pageW - left - right

	if len(opts.Photo) > 0 {
		if imgType := imageType(opts.PhotoType); imgType != "" {
			name := "photo"
			info := pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: imgType}, bytes.NewReader(opts.Photo))
			if info != nil && !pdf.Err() {
				pdf.ImageOptions(name, pageW-right-28, pdf.GetY(), 28, 0, false, fpdf.ImageOptions{ImageType: imgType}, 0, "")
				textW -= 32
			} else {
				// an unreadable photo must not fail the whole CV
				pdf.ClearError()
			}
		}
	}

	name := strings.TrimSpace(p.FullName)
	if name == "" {
		name = "Curriculum Vitae"
	}
	pdf.SetFont("Helvetica", "B", 22)
	d.setColor(d.colors.accent)
	pdf.MultiCell(textW, 10, d.tr(name), "", "L", false)

	if p.Headline != "" {
		pdf.SetFont("Helvetica", "", 13)
		d.setColor(d.colors.muted)
		pdf.MultiCell(textW, 7, d.tr(p.Headline), "", "L", false)
	}

	contact := []string{p.Location}
	if !opts.Watermark {
		contact = append(contact, p.Email, p.Phone)
		contact = append(contact, p.Links...)
	}
	if line := joinNonEmpty(contact, "  |  "); line != "" {
		pdf.SetFont("Helvetica", "", 9)
		d.setColor(d.colors.text)
		pdf.MultiCell(textW, 5, d.tr(line), "", "L", false)
	}
	if opts.Watermark {
		pdf.SetFont("Helvetica", "I", 9)
		d.setColor(d.colors.muted)
		pdf.MultiCell(textW, 5, d.tr("Datos de contacto ocultos en la vista previa"), "", "L", false)
	}
	pdf.Ln(4)
}

func (d *document) section(title string) {
	pdf := d.pdf
	pdf.Ln(2)
	pdf.SetFont("Helvetica", "B", 12)
	d.setColor(d.colors.accent)
	pdf.CellFormat(0, 7, d.tr(strings.ToUpper(title)), "", 1, "L", false, 0, "")
	left, _, right, _ := pdf.GetMargins()
	pageW, _ := pdf.GetPageSize()
	c := d.colors.accent
	pdf.SetDrawColor(c[0], c[1], c[2])
	if d.template == cv.TemplateModern {
		pdf.SetLineWidth(0.8)
		pdf.Line(left, pdf.GetY(), left+30, pdf.GetY())
	} else {
		pdf.SetLineWidth(0.3)
		pdf.Line(left, pdf.GetY(), pageW-right, pdf.GetY())
	}
	pdf.Ln(3)
}

func (d *document) body(text string) {
	d.pdf.SetFont("Helvetica", "", 10)
	d.setColor(d.colors.text)
	d.pdf.MultiCell(0, 5, d.tr(text), "", "L", false)
}

func (d *document) bullet(text string) {
	pdf := d.pdf
	pdf.SetFont("Helvetica", "", 10)
	d.setColor(d.colors.text)
	left, _, _, _ := pdf.GetMargins()
	pdf.SetX(left + 3)
	pdf.CellFormat(4, 5, d.tr("•"), "", 0, "L", false, 0, "")
	pdf.MultiCell(0, 5, d.tr(text), "", "L", false)
}

func (d *document) entryTitle(title, dates string) {
	pdf := d.pdf
	pdf.SetFont("Helvetica", "B", 10.5)
	d.setColor(d.colors.text)
	if dates != "" {
		pdf.SetFont("Helvetica", "", 9)
		dw := pdf.GetStringWidth(d.tr(dates)) + 2
		pdf.SetFont("Helvetica", "B", 10.5)
		left, _, right, _ := pdf.GetMargins()
		pageW, _ := pdf.GetPageSize()
		y := pdf.GetY()
		pdf.MultiCell(pageW-left-right-dw, 5.5, d.tr(title), "", "L", false)
		after := pdf.GetY()
		pdf.SetXY(pageW-right-dw, y)
		pdf.SetFont("Helvetica", "", 9)
		d.setColor(d.colors.muted)
		pdf.CellFormat(dw, 5.5, d.tr(dates), "", 0, "R", false, 0, "")
		pdf.SetXY(left, after)
		return
	}
	pdf.MultiCell(0, 5.5, d.tr(title), "", "L", false)
}

func (d *document) summary(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	d.section("Perfil profesional")
	d.body(text)
}

func (d *document) experience(items []cv.Experience) {
	if len(items) == 0 {
		return
	}
	d.section("Experiencia")
	for _, e := range items {
		end := e.EndDate
		if e.Current {
			end = "Actualidad"
		}
		d.entryTitle(joinNonEmpty([]string{e.Role, e.Company}, " - "), dateRange(e.StartDate, end))
		if e.Location != "" {
			d.pdf.SetFont("Helvetica", "I", 9)
			d.setColor(d.colors.muted)
			d.pdf.MultiCell(0, 4.5, d.tr(e.Location), "", "L", false)
		}
		for _, h := range e.Highlights {
			if strings.TrimSpace(h) != "" {
				d.bullet(h)
			}
		}
		d.pdf.Ln(2)
	}
}

func (d *document) education(items []cv.Education) {
	if len(items) == 0 {
		return
	}
	d.section("Educación")
	for _, e := range items {
		title := joinNonEmpty([]string{joinNonEmpty([]string{e.Degree, e.Field}, " en "), e.Institution}, " - ")
		d.entryTitle(title, dateRange(e.StartDate, e.EndDate))
		d.pdf.Ln(1)
	}
}

func (d *document) skills(items []string) {
	if line := joinNonEmpty(items, ", "); line != "" {
		d.section("Habilidades")
		d.body(line)
	}
}

func (d *document) languages(items []cv.Language) {
	if len(items) == 0 {
		return
	}
	parts := make([]string, 0, len(items))
	for _, l := range items {
		parts = append(parts, joinNonEmpty([]string{l.Name, parenthesize(l.Level)}, " "))
	}
	d.section("Idiomas")
	d.body(joinNonEmpty(parts, ", "))
}

func (d *document) certifications(items []cv.Certification) {
	if len(items) == 0 {
		return
	}
	d.section("Certificaciones")
	for _, c := range items {
		d.bullet(joinNonEmpty([]string{c.Name, c.Issuer, c.Date}, " - "))
	}
}

func (d *document) projects(items []cv.Project) {
	if len(items) == 0 {
		return
	}
	d.section("Proyectos")
	for _, p := range items {
		d.entryTitle(p.Name, "")
		if p.Description != "" {
			d.body(p.Description)
		}
		if p.URL != "" {
			d.pdf.SetFont("Helvetica", "U", 9)
			d.setColor(d.colors.accent)
			d.pdf.MultiCell(0, 4.5, d.tr(p.URL), "", "L", false)
		}
		d.pdf.Ln(1)
	}
}

func dateRange(start, end string) string {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	switch {
	case start != "" && end != "":
		return start + " - " + end
	case start != "":
		return start
	}
	return end
}

func parenthesize(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "(" + strings.TrimSpace(s) + ")"
}

func joinNonEmpty(parts []string, sep string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func imageType(mime string) string {
	switch strings.ToLower(mime) {
	case "image/png", "png":
		return "PNG"
	case "image/jpeg", "image/jpg", "jpg", "jpeg":
		return "JPG"
	}
	return ""
}
