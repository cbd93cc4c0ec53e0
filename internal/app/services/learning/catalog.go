package learning

import "sort"

// Tag is an entry of the built-in feedback catalog shown in the rating UI.
type Tag struct {
	Tag         string `json:"tag"`
	Label       string `json:"label"`
	Instruction string `json:"instruction"`
}

var catalog = []Tag{
	{"clear_questions", "Preguntas claras", "Haz una sola pregunta concreta por mensaje."},
	{"quantified_achievements", "Logros medibles", "Pide cifras y resultados medibles para cada logro."},
	{"action_verbs", "Verbos de acción", "Redacta los logros empezando con verbos de acción."},
	{"concise", "Respuestas breves", "Mantén las respuestas breves, de no más de cinco líneas."},
	{"friendly_tone", "Tono cercano", "Usa un tono cercano y motivador sin perder profesionalismo."},
	{"no_invention", "Sin inventar datos", "Nunca inventes datos; pregunta cuando falte información."},
	{"ats_keywords", "Palabras clave", "Sugiere palabras clave del puesto objetivo para sistemas ATS."},
	{"spelling", "Ortografía", "Revisa la ortografía y la puntuación de cada sección."},
	{"local_context", "Contexto local", "Adapta títulos y formatos al mercado laboral de Panamá."},
	{"structure", "Estructura", "Completa una sección antes de pasar a la siguiente."},
}

// Catalog returns the built-in tags sorted by tag.
func Catalog() []Tag {
	out := append([]Tag(nil), catalog...)
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// instructions maps catalog tags to the instruction of a new pattern.
func instructions() map[string]string {
	out := make(map[string]string, len(catalog))
	for _, t := range catalog {
		out[t.Tag] = t.Instruction
	}
	return out
}
