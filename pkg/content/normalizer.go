// Package content canonicalizes raw words and sentences into queue items and
// store records.
package content

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/japaniel/voxqueue/pkg/logger"
)

// Segmenter extracts content words from text without whitespace (Japanese).
type Segmenter interface {
	Words(text string) []string
}

// Normalizer turns raw input into validated items and records. Its methods
// never panic and never return errors: invalid input yields nil.
type Normalizer struct {
	log *logger.Logger
	seq atomic.Uint64

	// Segmenter, when set, lets CJK content without whitespace be inferred
	// as a sentence when it holds more than one content word.
	Segmenter Segmenter
	// Now is the clock used for default timestamps.
	Now func() time.Time
}

// NewNormalizer creates a Normalizer. log may be nil.
func NewNormalizer(log *logger.Logger) *Normalizer {
	return &Normalizer{
		log: logger.OrNop(log).With("component", "normalizer"),
		Now: time.Now,
	}
}

// Clean canonicalizes raw for kind. With KindUnknown the content is cleaned
// as a word and inferred to be a sentence iff the cleaned word has
// whitespace. It returns "" when nothing valid remains.
func (n *Normalizer) Clean(raw string, kind Kind) (string, Kind) {
	switch kind {
	case KindWord:
		return CleanWord(raw), KindWord
	case KindSentence:
		return CleanSentence(raw), KindSentence
	}

	word := CleanWord(raw)
	if word == "" {
		return "", KindUnknown
	}
	if hasSpace(word) || n.segmentsAsSentence(word) {
		s := CleanSentence(raw)
		if s == "" {
			return "", KindUnknown
		}
		return s, KindSentence
	}
	return word, KindWord
}

func (n *Normalizer) segmentsAsSentence(word string) bool {
	if n.Segmenter == nil || !containsCJK(word) {
		return false
	}
	return len(n.Segmenter.Words(word)) > 1
}

// Ensure converts input into a validated Item, or returns nil.
//
// Accepted inputs are string, Item, *Item, Record, *Record and
// map[string]any. A kind of KindUnknown means "infer". An already validated
// Item is returned unchanged unless kind is given, in which case the kind is
// overridden and the content re-cleaned.
func (n *Normalizer) Ensure(input any, kind Kind) (out *Item) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("normalize item panicked", "input", input, "panic", r)
			out = nil
		}
	}()

	switch v := input.(type) {
	case string:
		return n.newItem(v, kind, Item{})
	case *Item:
		if v == nil {
			return nil
		}
		return n.fromItem(*v, kind)
	case Item:
		return n.fromItem(v, kind)
	case *Record:
		if v == nil {
			return nil
		}
		return n.fromRecord(*v, kind)
	case Record:
		return n.fromRecord(v, kind)
	case map[string]any:
		return n.fromItemMap(v, kind)
	default:
		n.log.Debug("unsupported item input", "type", typeName(input))
		return nil
	}
}

func (n *Normalizer) fromItem(it Item, kind Kind) *Item {
	if it.validated() && !kind.Valid() {
		out := it
		return &out
	}
	if !kind.Valid() {
		kind = it.Kind
	}
	return n.newItem(it.Content, kind, it)
}

func (n *Normalizer) fromRecord(r Record, kind Kind) *Item {
	if !kind.Valid() {
		kind = r.Kind
	}
	return n.newItem(r.Content, kind, Item{})
}

func (n *Normalizer) fromItemMap(m map[string]any, kind Kind) *Item {
	valid, dropped, err := ItemSchema.Validate(m, n.Now())
	if len(dropped) > 0 {
		n.log.Debug("dropped unknown item fields", "fields", dropped)
	}
	if err != nil {
		n.log.Debug("item failed schema validation", "error", err)
		return nil
	}
	if !kind.Valid() {
		kind = valid["kind"].(Kind)
	}
	base := Item{
		AddedAt:  valid["added_at"].(time.Time),
		LiteMode: valid["lite_mode"].(bool),
	}
	return n.newItem(valid["content"].(string), kind, base)
}

// newItem cleans raw and fills identity fields; AddedAt and LiteMode carry
// over from base.
func (n *Normalizer) newItem(raw string, kind Kind, base Item) *Item {
	cleaned, kind := n.Clean(raw, kind)
	if cleaned == "" {
		return nil
	}
	out := base
	out.Content = cleaned
	out.Kind = kind
	out.Fingerprint = Fingerprint(cleaned)
	if out.Sequence == 0 {
		out.Sequence = n.seq.Add(1)
	}
	if out.AddedAt.IsZero() {
		out.AddedAt = n.Now()
	}
	return &out
}

// EnsureRecord converts input into a Record ready to persist, or returns nil.
// Missing non-identity fields are default-filled; content and fingerprint are
// always recomputed.
func (n *Normalizer) EnsureRecord(input any, kind Kind) (out *Record) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("normalize record panicked", "input", input, "panic", r)
			out = nil
		}
	}()

	switch v := input.(type) {
	case *Record:
		if v == nil {
			return nil
		}
		return n.fromRecordValue(*v, kind)
	case Record:
		return n.fromRecordValue(v, kind)
	case map[string]any:
		return n.fromRecordMap(v, kind)
	case string, Item, *Item:
		it := n.Ensure(v, kind)
		if it == nil {
			return nil
		}
		return n.fromRecordValue(Record{Content: it.Content, Kind: it.Kind}, it.Kind)
	default:
		n.log.Debug("unsupported record input", "type", typeName(input))
		return nil
	}
}

func (n *Normalizer) fromRecordValue(r Record, kind Kind) *Record {
	if !kind.Valid() {
		kind = r.Kind
	}
	cleaned, kind := n.Clean(r.Content, kind)
	if cleaned == "" {
		return nil
	}
	now := n.Now()
	out := r.Clone()
	out.Content = cleaned
	out.Kind = kind
	out.Fingerprint = Fingerprint(cleaned)
	if out.LastModified.IsZero() {
		out.LastModified = now
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	return &out
}

func (n *Normalizer) fromRecordMap(m map[string]any, kind Kind) *Record {
	valid, dropped, err := RecordSchema.Validate(m, n.Now())
	if len(dropped) > 0 {
		n.log.Debug("dropped unknown record fields", "fields", dropped)
	}
	if err != nil {
		n.log.Debug("record failed schema validation", "error", err)
		return nil
	}
	r := Record{
		Content:      valid["content"].(string),
		Kind:         valid["kind"].(Kind),
		Translation:  valid["translation"].(string),
		ImageFiles:   valid["image_files"].([]string),
		VoiceFiles:   valid["voice_files"].([]string),
		LastModified: valid["last_modified"].(time.Time),
		CreatedAt:    valid["created_at"].(time.Time),
	}
	if id, ok := valid["id"].(int64); ok {
		r.ID = id
	}
	return n.fromRecordValue(r, kind)
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
