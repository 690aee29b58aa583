package content

import "strings"

// Kind distinguishes the two families of content. Each kind has its own
// queue, cache and backing table.
type Kind int

const (
	KindUnknown Kind = iota
	KindWord
	KindSentence
)

// Kinds lists every concrete kind, in dispatch order.
var Kinds = []Kind{KindWord, KindSentence}

func (k Kind) String() string {
	switch k {
	case KindWord:
		return "word"
	case KindSentence:
		return "sentence"
	default:
		return "unknown"
	}
}

// Valid reports whether k is a concrete kind.
func (k Kind) Valid() bool { return k == KindWord || k == KindSentence }

// ParseKind maps "word" / "sentence" (any case) to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "word":
		return KindWord, true
	case "sentence":
		return KindSentence, true
	}
	return KindUnknown, false
}
