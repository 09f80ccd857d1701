package tagger

import (
	"context"
	"strings"
	"unicode"

	"github.com/aulasonora/aulasonora/pkg/generator"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	KeyInstrument = "instrumento"
	KeyRhythm     = "ritmo"
	KeyCourse     = "curso"
)

type keyword struct {
	words []string
	value string
}

var instruments = []keyword{
	{[]string{"piano", "teclado"}, "Piano"},
	{[]string{"guitarra", "guitar"}, "Guitarra"},
	{[]string{"flauta", "flute"}, "Flauta"},
	{[]string{"violin"}, "Violín"},
	{[]string{"tambor", "bateria", "percusion", "drum"}, "Percusión"},
	{[]string{"xilofono", "marimba"}, "Xilófono"},
	{[]string{"ukelele", "ukulele"}, "Ukelele"},
	{[]string{"charango", "quena", "zampona", "andin"}, "Andino"},
}

var rhythms = []keyword{
	{[]string{"alegre", "feliz", "divertid", "happy"}, "Alegre"},
	{[]string{"lent", "calma", "tranquil", "relaj", "dormir", "cuna"}, "Lento"},
	{[]string{"marcha", "marchar", "desfile"}, "Marcha"},
	{[]string{"rapid", "energ", "bail", "saltar"}, "Rápido"},
}

var courses = []keyword{
	{[]string{"matematic", "numero", "contar", "sumar", "restar", "figura"}, "Matemática"},
	{[]string{"comunicacion", "letra", "vocal", "leer", "cuento", "palabra"}, "Comunicación"},
	{[]string{"psicomotricidad", "movimiento", "cuerpo", "saltar", "bailar"}, "Psicomotricidad"},
	{[]string{"ciencia", "planta", "animal", "agua", "planeta"}, "Ciencia y Ambiente"},
	{[]string{"personal", "amistad", "emocion", "familia", "compartir"}, "Personal Social"},
	{[]string{"arte", "color", "pintar", "musica"}, "Arte"},
}

// Static classifies prompts with keyword tables.
type Static struct{}

func NewStatic() *Static {
	return &Static{}
}

func (s *Static) Tags(_ context.Context, prompt string, mode generator.Mode) (map[string]string, error) {
	text := fold(prompt)
	tags := map[string]string{
		KeyInstrument: match(text, instruments, "Mixto"),
		KeyRhythm:     match(text, rhythms, "Moderado"),
		KeyCourse:     match(text, courses, "General"),
	}
	if mode == generator.Vocal && tags[KeyInstrument] == "Mixto" {
		tags[KeyInstrument] = "Voz"
	}
	return tags, nil
}

func match(text string, table []keyword, def string) string {
	for _, k := range table {
		for _, w := range k.words {
			if strings.Contains(text, w) {
				return k.value
			}
		}
	}
	return def
}

// fold lowercases s and strips accents.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
