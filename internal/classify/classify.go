package classify

import (
	"regexp"
	"strings"

	"github.com/hearthtales/hearth-core/internal/content"
)

// Match is a successful classification of a user message.
type Match struct {
	Type  content.Type
	Topic string
}

// patternGroup holds the compiled patterns for one content type. Groups are
// tested in declaration order and the first pattern that matches wins; there
// is no scoring beyond list position. A pattern with a capture group yields
// the topic.
type patternGroup struct {
	typ      content.Type
	patterns []*regexp.Regexp
}

// The table is compiled once at init and never mutated afterwards.
var table = []patternGroup{
	{
		typ: content.TypeStory,
		patterns: compile(
			`tell (?:me |us )?a story(?: about (.+))?`,
			`(?:read|make up|invent) (?:me )?a (?:bedtime )?story(?: about (.+))?`,
			`story time(?: about (.+))?`,
			`once upon a time`,
		),
	},
	{
		typ: content.TypeJoke,
		patterns: compile(
			`tell (?:me |us )?a joke(?: about (.+))?`,
			`(?:make me laugh|something funny)`,
			`do you know any jokes(?: about (.+))?`,
		),
	},
	{
		typ: content.TypeSong,
		patterns: compile(
			`sing (?:me |us )?a song(?: about (.+))?`,
			`(?:make up|write) a song(?: about (.+))?`,
		),
	},
	{
		typ: content.TypeFact,
		patterns: compile(
			`tell (?:me |us )?a (?:fun |cool )?fact(?: about (.+))?`,
			`(?:what|why|how|where|when) (?:is|are|do|does|did|can|was|were) (.+)`,
			`i want to learn about (.+)`,
			`teach me about (.+)`,
		),
	},
	{
		typ: content.TypeConversation,
		patterns: compile(
			`\b(?:hi|hello|hey)\b`,
			`how are you`,
			`good (?:morning|afternoon|evening|night)`,
		),
	},
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

// Classify matches a raw user message against the static pattern table.
// The second return is false on a classification miss, which defers the
// decision to the generation provider. Pure function, no side effects.
func Classify(message string) (Match, bool) {
	text := strings.TrimSpace(message)
	if text == "" {
		return Match{}, false
	}
	for _, group := range table {
		for _, pattern := range group.patterns {
			sub := pattern.FindStringSubmatch(text)
			if sub == nil {
				continue
			}
			m := Match{Type: group.typ}
			if len(sub) > 1 {
				m.Topic = cleanTopic(sub[1])
			}
			return m, true
		}
	}
	return Match{}, false
}

func cleanTopic(topic string) string {
	topic = strings.TrimSpace(topic)
	topic = strings.TrimRight(topic, ".!?")
	return strings.ToLower(topic)
}
