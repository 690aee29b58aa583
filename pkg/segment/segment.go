// Package segment splits text into sentences and words. Japanese text is
// analyzed with kagome; everything else is split on whitespace.
package segment

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
)

// Token represents a single analyzed unit of text.
type Token struct {
	Surface       string   // The text as it appears (e.g. "行っ")
	BaseForm      string   // The dictionary form (e.g. "行く")
	Reading       string   // katakana, e.g. "イッ"
	PartsOfSpeech []string // kagome IPA feature list
	PrimaryPOS    string
}

// Analyzer wraps a kagome tokenizer loaded with the IPA dictionary.
type Analyzer struct {
	t *tokenizer.Tokenizer
}

// NewAnalyzer loads the IPA dictionary. It is expensive; build one and share it.
func NewAnalyzer() (*Analyzer, error) {
	t, err := tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	if err != nil {
		return nil, err
	}
	return &Analyzer{t: t}, nil
}

// Analyze breaks text into tokens with readings and base forms.
func (a *Analyzer) Analyze(text string) []Token {
	var result []Token
	for _, token := range a.t.Tokenize(text) {
		if token.Class == tokenizer.DUMMY {
			continue
		}
		if strings.TrimSpace(token.Surface) == "" {
			continue
		}

		// IPA features: 0 POS, 1-3 sub-POS, 4-5 conjugation, 6 base form, 7 reading.
		features := token.Features()
		base := token.Surface
		if len(features) > 6 && features[6] != "*" {
			base = features[6]
		}
		reading := ""
		if len(features) > 7 && features[7] != "*" {
			reading = features[7]
		}
		primaryPOS := ""
		if len(features) > 0 {
			primaryPOS = features[0]
		}

		result = append(result, Token{
			Surface:       token.Surface,
			BaseForm:      base,
			Reading:       reading,
			PartsOfSpeech: features,
			PrimaryPOS:    primaryPOS,
		})
	}
	return result
}

var asciiToken = regexp.MustCompile(`^[a-zA-Z0-9\s[:punct:]]+$`)

// Words returns the content words of a Japanese text in first-seen order,
// using base forms and dropping symbols, particles, auxiliaries and numbers.
func (a *Analyzer) Words(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range a.Analyze(text) {
		if !ContentToken(t) {
			continue
		}
		w := t.Surface
		if t.BaseForm != "" && t.BaseForm != "*" {
			w = t.BaseForm
		}
		if seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// ContentToken reports whether t carries lexical meaning worth voicing on its own.
func ContentToken(t Token) bool {
	switch t.PrimaryPOS {
	case "記号", "補助記号", "助詞", "助動詞":
		return false
	}
	if len(t.PartsOfSpeech) > 1 && t.PartsOfSpeech[1] == "数" {
		return false
	}
	return !asciiToken.MatchString(t.Surface)
}

// Words splits text into words. CJK text goes through the analyzer when one
// is supplied; otherwise words are whitespace-separated fields.
func Words(a *Analyzer, text string) []string {
	if a != nil && ContainsCJK(text) {
		return a.Words(text)
	}
	return strings.Fields(text)
}

// Sentences splits text on ASCII and Japanese sentence delimiters and on
// newlines. Blank fragments are dropped.
func Sentences(text string) []string {
	var sentences []string
	var current strings.Builder
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		current.WriteRune(r)
		switch r {
		case '。', '！', '？':
			flush()
		case '.', '!', '?':
			// "3.14" and "e.g." stay intact: only split when followed by space or end.
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return sentences
}

// ContainsCJK reports whether s has any Han, Hiragana or Katakana rune.
func ContainsCJK(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana) {
			return true
		}
	}
	return false
}

var (
	// (?s) allows dot to match newlines
	// (?i) makes it case-insensitive
	reRT = regexp.MustCompile(`(?si)<rt\b[^>]*>.*?</rt>`)
	reRP = regexp.MustCompile(`(?si)<rp\b[^>]*>.*?</rp>`)
)

// SanitizeRuby removes ruby text (<rt>...</rt>) and ruby parentheses (<rp>...</rp>)
// from HTML content, so furigana is not extracted as duplicate text.
func SanitizeRuby(content []byte) []byte {
	cleaned := reRT.ReplaceAll(content, []byte{})
	cleaned = reRP.ReplaceAll(cleaned, []byte{})
	return cleaned
}
