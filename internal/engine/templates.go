package engine

import (
	"strings"

	"github.com/hearthtales/hearth-core/internal/content"
)

// The fast path answers common joke and fact topics from a canned corpus
// without engaging the generation provider. Entries are checked in order
// and the first topic keyword contained in the request wins.
type template struct {
	keyword string
	text    string
}

var jokeTemplates = []template{
	{"dinosaur", "What do you call a sleeping dinosaur? A dino-snore!"},
	{"cat", "Why did the cat sit on the computer? To keep an eye on the mouse!"},
	{"dog", "What kind of dog does a magician have? A labra-cadabra-dor!"},
	{"space", "Why did the cow go to space? To visit the Milky Way!"},
	{"banana", "Why did the banana go to the doctor? Because it wasn't peeling well!"},
}

var factTemplates = []template{
	{"octopus", "An octopus has three hearts and nine brains! One big brain, plus a tiny one in each of its eight arms."},
	{"honey", "Honey never spoils. Jars of honey found in very old tombs were still good to eat!"},
	{"giraffe", "A giraffe's neck is very long, but it has the same number of neck bones as you do. Just seven!"},
	{"lightning", "Lightning is five times hotter than the surface of the sun. That is why thunder booms so loudly!"},
	{"sloth", "Sloths move so slowly that tiny green plants can grow on their fur. It helps them hide in the trees!"},
}

// templateFor returns the canned response for the topic when one exists.
func templateFor(typ content.Type, topic string) (string, bool) {
	var corpus []template
	switch typ {
	case content.TypeJoke:
		corpus = jokeTemplates
	case content.TypeFact:
		corpus = factTemplates
	default:
		return "", false
	}
	needle := strings.ToLower(strings.TrimSpace(topic))
	if needle == "" {
		return "", false
	}
	for _, t := range corpus {
		if strings.Contains(needle, t.keyword) {
			return t.text, true
		}
	}
	return "", false
}
