package ageband

// Band is a bucketed age range with its vocabulary and sentence limits.
type Band struct {
	Name             string
	MinAge           int
	MaxAge           int
	MaxSentenceWords int
	// Forbidden maps each disallowed word to its explicit replacement.
	// The mapping is 1:1 and closed; replacements never appear in any
	// band's forbidden set, which is what keeps the vocabulary pass
	// idempotent.
	Forbidden map[string]string
}

// groupSize is the fixed word-group length used when re-splitting an
// over-long sentence. It must not exceed any band's MaxSentenceWords.
const groupSize = 6

var bands = []Band{
	{
		Name:             "preschool",
		MinAge:           3,
		MaxAge:           5,
		MaxSentenceWords: 8,
		Forbidden: map[string]string{
			"magnificent": "wonderful",
			"enormous":    "really big",
			"terrified":   "very scared",
			"ancient":     "very old",
			"delicious":   "yummy",
			"exhausted":   "very tired",
			"furious":     "very angry",
			"discovered":  "found",
			"immediately": "right away",
			"impossible":  "too hard",
		},
	},
	{
		Name:             "early",
		MinAge:           6,
		MaxAge:           8,
		MaxSentenceWords: 12,
		Forbidden: map[string]string{
			"extraordinary": "amazing",
			"melancholy":    "a little sad",
			"perilous":      "risky",
			"inquisitive":   "curious",
			"luminous":      "glowing",
			"reluctantly":   "slowly",
			"astonished":    "surprised",
		},
	},
	{
		Name:             "middle",
		MinAge:           9,
		MaxAge:           12,
		MaxSentenceWords: 16,
		Forbidden: map[string]string{
			"ubiquitous":    "everywhere",
			"clandestine":   "secret",
			"ephemeral":     "short-lived",
			"obsequious":    "eager to please",
			"perspicacious": "sharp-eyed",
		},
	},
}

// BandFor returns the band covering age, clamping out-of-range ages to the
// nearest band.
func BandFor(age int) Band {
	if age < bands[0].MinAge {
		return bands[0]
	}
	for _, b := range bands {
		if age >= b.MinAge && age <= b.MaxAge {
			return b
		}
	}
	return bands[len(bands)-1]
}
