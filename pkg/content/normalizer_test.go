package content

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNormalizer() *Normalizer {
	n := NewNormalizer(nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	n.Now = func() time.Time { return fixed }
	return n
}

func TestCleanWord(t *testing.T) {
	cases := []struct{ in, want string }{
		{"  Hello!  ", "Hello"},
		{"“quoted”", "quoted"},
		{"don’t", "don't"},
		{"well—known", "well-known"},
		{"mp3-player!", "mp3player"},
		{"ｆｕｌｌｗｉｄｔｈ", "fullwidth"},
		{"...", ""},
		{"犬", "犬"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CleanWord(c.in), "CleanWord(%q)", c.in)
	}
}

func TestCleanSentence(t *testing.T) {
	assert.Equal(t, `He said "hi" - twice...`, CleanSentence("  He   said “hi” – twice…  "))
	assert.Equal(t, "これはペンです。", CleanSentence(" これはペンです。\t"))
	assert.Equal(t, "", CleanSentence("12 34 !!"), "a sentence needs at least one letter")
}

func TestEnsureInfersKind(t *testing.T) {
	n := newTestNormalizer()

	w := n.Ensure("apple", KindUnknown)
	require.NotNil(t, w)
	assert.Equal(t, KindWord, w.Kind)

	s := n.Ensure("Hello, world!", KindUnknown)
	require.NotNil(t, s)
	assert.Equal(t, KindSentence, s.Kind)
	assert.Equal(t, "Hello, world!", s.Content)

	assert.Nil(t, n.Ensure("   ", KindUnknown))
	assert.Nil(t, n.Ensure("?!", KindUnknown))
	assert.Nil(t, n.Ensure(42, KindUnknown))
	assert.Nil(t, n.Ensure((*Item)(nil), KindUnknown))
}

func TestEnsureIsIdempotent(t *testing.T) {
	n := newTestNormalizer()
	inputs := []string{
		"apple", "  Hello, world! ", "mp3 player 2", "don’t", "well—known",
		"“Quotes” and — dashes…", "これはペンです。", "a1 !", "x",
	}
	for _, in := range inputs {
		first := n.Ensure(in, KindUnknown)
		require.NotNil(t, first, in)
		second := n.Ensure(first.Content, KindUnknown)
		require.NotNil(t, second, in)
		assert.Equal(t, first.Content, second.Content, in)
		assert.Equal(t, first.Kind, second.Kind, in)
		assert.Equal(t, first.Fingerprint, second.Fingerprint, in)
	}
}

func TestFingerprint(t *testing.T) {
	n := newTestNormalizer()
	a := n.Ensure("  apple ", KindUnknown)
	b := n.Ensure("apple!", KindUnknown)
	c := n.Ensure("apples", KindUnknown)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, c)

	assert.Equal(t, a.Content, b.Content)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
	assert.Len(t, a.Fingerprint, 64)
}

func TestEnsureValidatedItem(t *testing.T) {
	n := newTestNormalizer()
	it := n.Ensure("hello there", KindUnknown)
	require.NotNil(t, it)

	same := n.Ensure(*it, KindUnknown)
	require.NotNil(t, same)
	assert.Equal(t, *it, *same)

	// Overriding the kind re-cleans the content as a word.
	w := n.Ensure(it, KindWord)
	require.NotNil(t, w)
	assert.Equal(t, KindWord, w.Kind)
	assert.Equal(t, "hello there", w.Content)
	assert.Equal(t, it.Sequence, w.Sequence)
}

func TestEnsureFromMap(t *testing.T) {
	n := newTestNormalizer()
	it := n.Ensure(map[string]any{
		"content":   "  zebra ",
		"lite_mode": true,
		"bogus":     "dropped",
	}, KindUnknown)
	require.NotNil(t, it)
	assert.Equal(t, "zebra", it.Content)
	assert.Equal(t, KindWord, it.Kind)
	assert.True(t, it.LiteMode)
	assert.Equal(t, n.Now(), it.AddedAt)

	assert.Nil(t, n.Ensure(map[string]any{"lite_mode": true}, KindUnknown), "content is required")
	assert.Nil(t, n.Ensure(map[string]any{"content": 12}, KindUnknown), "content must be a string")

	s := n.Ensure(map[string]any{"content": "run", "kind": "sentence"}, KindUnknown)
	require.NotNil(t, s)
	assert.Equal(t, KindSentence, s.Kind)
}

func TestEnsureRecordDefaults(t *testing.T) {
	n := newTestNormalizer()
	r := n.EnsureRecord(map[string]any{
		"content":     "Good morning.",
		"translation": "おはよう",
		"extra":       1,
	}, KindUnknown)
	require.NotNil(t, r)
	assert.Equal(t, KindSentence, r.Kind)
	assert.Equal(t, "おはよう", r.Translation)
	assert.Equal(t, []string{}, r.ImageFiles)
	assert.Equal(t, []string{}, r.VoiceFiles)
	assert.Equal(t, n.Now(), r.CreatedAt)
	assert.Equal(t, n.Now(), r.LastModified)
	assert.Equal(t, Fingerprint("Good morning."), r.Fingerprint)

	fromString := n.EnsureRecord("cat", KindUnknown)
	require.NotNil(t, fromString)
	assert.Equal(t, KindWord, fromString.Kind)

	assert.Nil(t, n.EnsureRecord(Record{Content: "!!"}, KindWord))
}

func TestSchemaValidate(t *testing.T) {
	now := time.Unix(100, 0)
	out, dropped, err := RecordSchema.Validate(map[string]any{
		"content":     "x",
		"voice_files": []any{"a.wav"},
		"id":          float64(7),
		"zzz":         true,
		"aaa":         true,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa", "zzz"}, dropped)
	assert.Equal(t, int64(7), out["id"])
	assert.Equal(t, []string{"a.wav"}, out["voice_files"])
	assert.Equal(t, now, out["created_at"])
	_, hasFingerprint := out["fingerprint"]
	assert.False(t, hasFingerprint, "identity fields are not default-filled")

	_, _, err = RecordSchema.Validate(map[string]any{"content": "x", "voice_files": []any{1}}, now)
	assert.Error(t, err)
}

type fixedSegmenter map[string][]string

func (f fixedSegmenter) Words(text string) []string { return f[text] }

func TestSegmenterInfersSentence(t *testing.T) {
	n := newTestNormalizer()
	n.Segmenter = fixedSegmenter{
		"これはペンです": {"これ", "ペン"},
		"犬":       {"犬"},
	}

	s := n.Ensure("これはペンです。", KindUnknown)
	require.NotNil(t, s)
	assert.Equal(t, KindSentence, s.Kind)
	assert.Equal(t, "これはペンです。", s.Content)

	w := n.Ensure("犬", KindUnknown)
	require.NotNil(t, w)
	assert.Equal(t, KindWord, w.Kind)
}
