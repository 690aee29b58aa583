package dictionary

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/db"
	"github.com/japaniel/voxqueue/pkg/ingest"
	"github.com/japaniel/voxqueue/pkg/logger"
)

// Importer fills the translation of persisted words from a JMdict index.
type Importer struct {
	words  db.Model
	writer *ingest.BatchWriter
	log    *logger.Logger
	// Maps to speed up lookups.
	// Key: string (Kanji or Kana), Value: List of matching JMdictEntry
	mu    sync.RWMutex
	index map[string][]JMdictEntry
}

// NewImporter creates an importer and builds an in-memory index of the provided dictionary.
// Translations are read from words and written through writer.
func NewImporter(words db.Model, writer *ingest.BatchWriter, entries []JMdictEntry, log *logger.Logger) *Importer {
	idx := make(map[string][]JMdictEntry)
	for _, e := range entries {
		// Index by Kanji
		for _, k := range e.Kanji {
			idx[k.Text] = append(idx[k.Text], e)
		}
		// Index by Kana
		for _, k := range e.Kana {
			idx[k.Text] = append(idx[k.Text], e)
		}
	}
	return &Importer{
		words:  words,
		writer: writer,
		log:    logger.OrNop(log).With("component", "dictionary"),
		index:  idx,
	}
}

// ProcessUpdates looks up every persisted word without a translation and
// writes the glosses it finds in one batch update. It returns the number of
// words updated.
func (im *Importer) ProcessUpdates(ctx context.Context) (int, error) {
	recs, err := im.words.FindAll(ctx, db.Query{MissingTranslation: true})
	if err != nil {
		return 0, errors.Wrap(err, "find untranslated words")
	}

	var updates []any
	for _, rec := range recs {
		matches := im.findMatches(rec.Content, "", "")
		if len(matches) == 0 {
			continue
		}
		// Update rewrites every mutable field; carry the rest over.
		rec.Translation = FormatTranslation(matches)
		updates = append(updates, rec)
	}
	if len(updates) == 0 {
		return 0, nil
	}

	res := im.writer.UpdateBatch(ctx, updates, content.KindWord)
	if res.Failed > 0 {
		im.log.Warn("some translations were not saved", "failed", res.Failed)
	}
	im.log.Info("translations imported", "candidates", len(recs), "updated", res.Success)
	return res.Success, nil
}

// Lookup finds matching entries for a given word, lemma, and pronunciation.
func (im *Importer) Lookup(word, lemma, pronunciation string) []JMdictEntry {
	return im.findMatches(word, lemma, pronunciation)
}

// Translate returns the formatted glosses for word, or "" if it is unknown.
func (im *Importer) Translate(word string) string {
	matches := im.findMatches(word, "", "")
	if len(matches) == 0 {
		return ""
	}
	return FormatTranslation(matches)
}

func (im *Importer) findMatches(word, lemma, pronunciation string) []JMdictEntry {
	// Strategy:
	// 1. Try exact match on 'word' (Surface)
	// 2. Try match on 'lemma' (BaseForm)
	// 3. Filter results by pronunciation if available

	candidates := make(map[string]JMdictEntry) // use map to dedupe by Entry ID

	search := func(term string) {
		if term == "" {
			return
		}
		im.mu.RLock()
		entries, ok := im.index[term]
		im.mu.RUnlock()
		if ok {
			for _, e := range entries {
				candidates[e.Id] = e
			}
		}
	}

	search(word)
	search(lemma)

	var results []JMdictEntry
	for _, entry := range candidates {
		if isMatch(entry, word, lemma, pronunciation) {
			results = append(results, entry)
		}
	}

	// Sort results deterministically to ensure consistent behavior.
	sort.Slice(results, func(i, j int) bool {
		return results[i].Id < results[j].Id
	})

	return results
}

func isMatch(entry JMdictEntry, word, lemma, pronunciation string) bool {
	// A match is good if the entry contains the Kanji (word/lemma) AND the Kana (pronunciation).
	// Without a pronunciation, a text match is enough.
	hasText := false
	for _, k := range entry.Kanji {
		if k.Text == word || (lemma != "" && k.Text == lemma) {
			hasText = true
			break
		}
	}
	// Also check Kana elements for text match (words usually written in Kana)
	for _, k := range entry.Kana {
		if k.Text == word || (lemma != "" && k.Text == lemma) {
			hasText = true
			break
		}
	}
	if !hasText {
		return false
	}

	if pronunciation == "" {
		return true
	}

	normalizedPron := ToHiragana(pronunciation)
	for _, k := range entry.Kana {
		if ToHiragana(k.Text) == normalizedPron {
			return true
		}
	}
	return false
}

// ToHiragana converts Katakana to Hiragana.
func ToHiragana(s string) string {
	runes := []rune(s)
	for i, r := range runes {
		if r >= 0x30A1 && r <= 0x30F6 {
			runes[i] = r - 0x60
		}
	}
	return string(runes)
}

// FormatTranslation flattens the glosses of entries, in order and without
// repeats, into "gloss; gloss".
func FormatTranslation(entries []JMdictEntry) string {
	seen := map[string]bool{}
	var glosses []string
	for _, e := range entries {
		for _, s := range e.Sense {
			for _, g := range s.Gloss {
				if g.Lang != "" && g.Lang != "eng" {
					continue
				}
				if g.Text == "" || seen[g.Text] {
					continue
				}
				seen[g.Text] = true
				glosses = append(glosses, g.Text)
			}
		}
	}
	return strings.Join(glosses, "; ")
}
