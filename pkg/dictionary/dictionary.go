// Package dictionary loads jmdict-simplified files and uses them to translate
// persisted words.
package dictionary

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// JMdictEntry matches the structure of jmdict-simplified entries.
type JMdictEntry struct {
	Id    string          `json:"id"`
	Kanji []JMdictElement `json:"kanji"`
	Kana  []JMdictElement `json:"kana"`
	Sense []JMdictSense   `json:"sense"`
}

type JMdictElement struct {
	Text   string   `json:"text"`
	Common bool     `json:"common"`
	Tags   []string `json:"tags"`
}

type JMdictSense struct {
	PartOfSpeech []string      `json:"partOfSpeech"`
	Gloss        []JMdictGloss `json:"gloss"`
}

type JMdictGloss struct {
	Text string `json:"text"`
	Lang string `json:"lang"` // defaults to 'eng' if missing
}

// LoadJMdictSimplified reads a JSON file (object wrapper or bare array of
// entries) and returns them.
func LoadJMdictSimplified(path string) ([]JMdictEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dictionary")
	}
	defer f.Close()

	var getEntries struct {
		Words []JMdictEntry `json:"words"`
	}
	// Try parsing as full object wrapper first { "words": [...] }
	dec := json.NewDecoder(f)
	if err := dec.Decode(&getEntries); err == nil && len(getEntries.Words) > 0 {
		return getEntries.Words, nil
	}

	// Reset and try as array [...]
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	var entries []JMdictEntry
	dec = json.NewDecoder(f)
	if err := dec.Decode(&entries); err != nil {
		return nil, errors.Wrap(err, "parse dictionary as object or array")
	}
	return entries, nil
}
