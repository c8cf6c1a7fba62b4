package content

// Type tags the response shape for a turn.
type Type string

const (
	TypeStory        Type = "story"
	TypeFact         Type = "fact"
	TypeJoke         Type = "joke"
	TypeSong         Type = "song"
	TypeConversation Type = "conversation"
	TypeGuidance     Type = "guidance"
)

// Valid reports whether t is one of the known content types.
func (t Type) Valid() bool {
	switch t {
	case TypeStory, TypeFact, TypeJoke, TypeSong, TypeConversation, TypeGuidance:
		return true
	}
	return false
}

// Request is a single ephemeral user turn, created per request with the
// caller-resolved age band, language and voice personality.
type Request struct {
	SessionID string
	UserID    string
	Message   string
	Age       int
	Language  string
	Voice     string
	TraceID   string
}

// Response is what the engine hands back for a turn. Audio may be nil when
// synthesis degraded to text-only; AudioUnavailable is then set explicitly.
type Response struct {
	SessionID        string
	Type             Type
	Text             string
	Audio            []byte
	SampleRate       int
	Channels         int
	AudioUnavailable bool
	SafetyScrubbed   bool
	Truncated        bool
	StoryID          string
	Iterations       int
	WordCount        int
	LatencyClass     string
}
