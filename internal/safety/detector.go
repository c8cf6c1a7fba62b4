package safety

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// Category groups disallowed expressions by the kind of redirect they need.
type Category string

const (
	CategoryHarsh   Category = "harsh"
	CategoryScary   Category = "scary"
	CategoryUnkind  Category = "unkind"
	CategoryRefusal Category = "refusal"
)

// Finding describes one disallowed expression located in a text.
type Finding struct {
	Matched  string   `json:"matched_term"`
	Cat      Category `json:"category"`
	Redirect string   `json:"suggested_redirect"`
}

type lexiconEntry struct {
	term     string
	category Category
}

// The lexicon is closed: only these exact expressions trigger guidance, and
// only on whole-word/phrase boundaries. "Assassin" must never trip "ass".
var lexicon = []lexiconEntry{
	{"stupid", CategoryHarsh},
	{"dumb", CategoryHarsh},
	{"idiot", CategoryHarsh},
	{"shut up", CategoryHarsh},
	{"i hate you", CategoryHarsh},
	{"hate this", CategoryHarsh},
	{"kill", CategoryScary},
	{"die", CategoryScary},
	{"dead", CategoryScary},
	{"gun", CategoryScary},
	{"blood", CategoryScary},
	{"loser", CategoryUnkind},
	{"ugly", CategoryUnkind},
	{"fat", CategoryUnkind},
	{"nobody likes you", CategoryUnkind},
	{"i won't", CategoryRefusal},
	{"you can't make me", CategoryRefusal},
	{"no way never", CategoryRefusal},
}

// Detector scans text against the closed lexicon. It is immutable after
// construction and safe for concurrent use.
type Detector struct {
	matcher  *ahocorasick.Matcher
	entries  []lexiconEntry
	boundary []*regexp.Regexp
}

// NewDetector compiles the static lexicon. Intended to be built once at
// startup and shared process-wide.
func NewDetector() *Detector {
	terms := make([]string, len(lexicon))
	boundary := make([]*regexp.Regexp, len(lexicon))
	for i, entry := range lexicon {
		terms[i] = entry.term
		boundary[i] = regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(entry.term) + `\b`)
	}
	return &Detector{
		matcher:  ahocorasick.NewStringMatcher(terms),
		entries:  lexicon,
		boundary: boundary,
	}
}

// Scan reports the earliest whole-word lexicon hit in text. The Aho-Corasick
// matcher is a substring prefilter; each candidate is then verified against a
// word-boundary pattern so matches inside longer words never count.
func (d *Detector) Scan(text string) (Finding, bool) {
	if strings.TrimSpace(text) == "" {
		return Finding{}, false
	}
	hits := d.matcher.MatchThreadSafe([]byte(strings.ToLower(text)))
	if len(hits) == 0 {
		return Finding{}, false
	}

	best := -1
	bestPos := len(text) + 1
	for _, idx := range hits {
		loc := d.boundary[idx].FindStringIndex(text)
		if loc == nil {
			continue
		}
		if loc[0] < bestPos {
			bestPos = loc[0]
			best = idx
		}
	}
	if best < 0 {
		return Finding{}, false
	}
	entry := d.entries[best]
	return Finding{
		Matched:  entry.term,
		Cat:      entry.category,
		Redirect: redirectFor(entry),
	}, true
}

var redirects = map[Category][]string{
	CategoryHarsh: {
		"this is really tricky for me",
		"I'm feeling frustrated right now",
		"can we try this a different way",
	},
	CategoryScary: {
		"the dragon went to sleep for a very long time",
		"the hero found a way to be safe",
		"that part feels a little too spooky for me",
	},
	CategoryUnkind: {
		"I like it better when we're kind to each other",
		"everyone is good at different things",
		"I want to say something friendly instead",
	},
	CategoryRefusal: {
		"I need a little more time",
		"could we do it together",
		"I'd like to try something else first",
	},
}

// redirectFor picks a category template deterministically from the matched
// term, so identical input always yields the identical suggestion.
func redirectFor(entry lexiconEntry) string {
	set := redirects[entry.category]
	return set[len(entry.term)%len(set)]
}

// Guidance composes the response that supersedes all downstream output: an
// empathetic acknowledgement plus one alternative phrasing. It is
// intentionally short, never punitive, and exempt from word-count targets.
func (d *Detector) Guidance(f Finding) string {
	ack := acknowledgements[f.Cat]
	return fmt.Sprintf("%s Instead of saying %q, you could try saying %q.", ack, f.Matched, f.Redirect)
}

var acknowledgements = map[Category]string{
	CategoryHarsh:   "It sounds like you're having a big feeling right now, and that's okay.",
	CategoryScary:   "That sounds like a scary thought. You're safe here.",
	CategoryUnkind:  "I can tell something is bothering you.",
	CategoryRefusal: "It's okay to not feel ready yet.",
}
