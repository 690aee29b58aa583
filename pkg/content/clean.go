package content

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var variantReplacer = strings.NewReplacer(
	"‘", "'", "’", "'", "‚", "'", "‛", "'", "′", "'", "`", "'",
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`, "″", `"`,
	"«", `"`, "»", `"`,
	"‐", "-", "‑", "-", "‒", "-", "–", "-", "—", "-", "―", "-", "−", "-",
	"…", "...",
	"\u200b", "", "\ufeff", "",
)

// normalizeVariants applies NFKC and folds quote, dash and ellipsis variants
// onto their ASCII forms.
func normalizeVariants(s string) string {
	return variantReplacer.Replace(norm.NFKC.String(s))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}

// CleanWord canonicalizes a word. Content mixing letters and digits keeps
// only alphanumerics and spaces; anything else loses its non-alphanumeric
// edges and every inner rune other than apostrophes and hyphens.
func CleanWord(raw string) string {
	s := strings.TrimSpace(normalizeVariants(raw))

	hasLetter, hasDigit := false, false
	for _, r := range s {
		hasLetter = hasLetter || unicode.IsLetter(r)
		hasDigit = hasDigit || unicode.IsDigit(r)
	}

	var b strings.Builder
	if hasLetter && hasDigit {
		for _, r := range s {
			if isAlnum(r) || unicode.IsSpace(r) {
				b.WriteRune(r)
			}
		}
		return collapseSpace(b.String())
	}

	s = strings.TrimFunc(s, func(r rune) bool { return !isAlnum(r) })
	for _, r := range s {
		if isAlnum(r) || unicode.IsSpace(r) || r == '\'' || r == '-' {
			b.WriteRune(r)
		}
	}
	return collapseSpace(b.String())
}

// CleanSentence canonicalizes a sentence: unicode and punctuation variants
// are folded and whitespace collapsed. A sentence without any letter cleans
// to "".
func CleanSentence(raw string) string {
	s := collapseSpace(normalizeVariants(raw))
	for _, r := range s {
		if unicode.IsLetter(r) {
			return s
		}
	}
	return ""
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}\p{M}_]+`)

// Fingerprint hashes cleaned content with every non-word rune removed.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(nonWord.ReplaceAllString(content, "")))
	return hex.EncodeToString(sum[:])
}

func hasSpace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}

func containsCJK(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana) {
			return true
		}
	}
	return false
}
