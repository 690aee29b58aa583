package content

import "time"

// Item is a unit of pending generation work. It lives only in the queue and
// is never persisted directly.
type Item struct {
	Content     string
	Kind        Kind
	Fingerprint string
	Sequence    uint64
	AddedAt     time.Time
	LiteMode    bool
}

// validated reports whether the item already carries the fields the
// normalizer would have produced.
func (it Item) validated() bool {
	return it.Content != "" && it.Kind.Valid() && it.Fingerprint != ""
}

// Record is the durable form of a word or sentence.
type Record struct {
	ID           int64
	Content      string
	Fingerprint  string
	Kind         Kind
	Translation  string
	ImageFiles   []string
	VoiceFiles   []string
	LastModified time.Time
	CreatedAt    time.Time
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	out := r
	out.ImageFiles = append([]string{}, r.ImageFiles...)
	out.VoiceFiles = append([]string{}, r.VoiceFiles...)
	return out
}

// HasVoiceFile reports whether name is already attached to r.
func (r Record) HasVoiceFile(name string) bool {
	for _, f := range r.VoiceFiles {
		if f == name {
			return true
		}
	}
	return false
}
