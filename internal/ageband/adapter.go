package ageband

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/hearthtales/hearth-core/internal/content"
)

// Adapter rewrites vocabulary and sentence length for a target age band.
// Both passes are pure and idempotent: running Adapt on its own output
// changes nothing, and identical (text, age) input always yields identical
// output.
type Adapter struct {
	vocab map[string]*bandVocab
}

type bandVocab struct {
	pattern      *regexp.Regexp
	replacements map[string]string
}

// NewAdapter compiles one combined word-boundary pattern per band.
func NewAdapter() *Adapter {
	a := &Adapter{vocab: make(map[string]*bandVocab, len(bands))}
	for _, b := range bands {
		if len(b.Forbidden) == 0 {
			continue
		}
		words := make([]string, 0, len(b.Forbidden))
		for w := range b.Forbidden {
			words = append(words, regexp.QuoteMeta(w))
		}
		a.vocab[b.Name] = &bandVocab{
			pattern:      regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`),
			replacements: b.Forbidden,
		}
	}
	return a
}

// Adapt applies the vocabulary pass and then the sentence-length pass for
// the band covering age. Guidance responses skip the sentence-length pass;
// they are intentionally short and already shaped for the child.
func (a *Adapter) Adapt(text string, age int, typ content.Type) string {
	band := BandFor(age)
	out := a.replaceVocabulary(text, band)
	if typ == content.TypeGuidance {
		return out
	}
	return resegment(out, band.MaxSentenceWords)
}

// replaceVocabulary swaps every forbidden word for its configured synonym,
// whole-word and case-insensitive, preserving leading capitalization.
func (a *Adapter) replaceVocabulary(text string, band Band) string {
	v := a.vocab[band.Name]
	if v == nil {
		return text
	}
	return v.pattern.ReplaceAllStringFunc(text, func(match string) string {
		replacement, ok := v.replacements[strings.ToLower(match)]
		if !ok {
			return match
		}
		if startsUpper(match) {
			return capitalize(replacement)
		}
		return replacement
	})
}

func startsUpper(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsUpper(r)
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// resegment splits text into sentences on terminal punctuation and re-splits
// any sentence exceeding maxWords into fixed-size word groups, each
// re-terminated with a period. Compliant sentences pass through byte-for-byte,
// which makes the pass a no-op on its own output.
func resegment(text string, maxWords int) string {
	var out strings.Builder
	out.Grow(len(text))
	for _, span := range sentenceSpans(text) {
		words := strings.Fields(strings.TrimRight(span.body, ".!?"))
		if len(words) <= maxWords {
			out.WriteString(span.body)
			out.WriteString(span.trailing)
			continue
		}
		for i := 0; i < len(words); i += groupSize {
			end := i + groupSize
			if end > len(words) {
				end = len(words)
			}
			if i > 0 {
				out.WriteString(" ")
			}
			out.WriteString(strings.Join(words[i:end], " "))
			out.WriteString(".")
		}
		out.WriteString(span.trailing)
	}
	return out.String()
}

type span struct {
	body     string // sentence text including its terminal punctuation
	trailing string // whitespace separating it from the next sentence
}

// sentenceSpans cuts text after runs of terminal punctuation, keeping the
// original bytes so untouched sentences can be reassembled verbatim.
func sentenceSpans(text string) []span {
	var spans []span
	start := 0
	i := 0
	for i < len(text) {
		c := text[i]
		if c == '.' || c == '!' || c == '?' {
			for i < len(text) && (text[i] == '.' || text[i] == '!' || text[i] == '?') {
				i++
			}
			bodyEnd := i
			for i < len(text) && (text[i] == ' ' || text[i] == '\n' || text[i] == '\t' || text[i] == '\r') {
				i++
			}
			spans = append(spans, span{body: text[start:bodyEnd], trailing: text[bodyEnd:i]})
			start = i
			continue
		}
		i++
	}
	if start < len(text) {
		spans = append(spans, span{body: text[start:]})
	}
	return spans
}
