// Package db persists words and sentences. Each kind has a Model with the same
// create/update/destroy/find/count/transaction surface; a Registry resolves
// the Model for a kind once at startup.
package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/japaniel/voxqueue/pkg/content"
)

const (
	wordsTable     = "words"
	sentencesTable = "sentences"
)

// TableFor returns the table holding records of kind.
func TableFor(kind content.Kind) (string, error) {
	switch kind {
	case content.KindWord:
		return wordsTable, nil
	case content.KindSentence:
		return sentencesTable, nil
	}
	return "", errors.Wrapf(ErrUnknownKind, "kind %d", kind)
}

// Where selects records by any combination of id, content and fingerprint.
// Zero fields are ignored; an all-zero Where matches every record and is
// rejected by Update and Destroy.
type Where struct {
	ID          int64
	Content     string
	Fingerprint string
}

// IsZero reports whether w selects nothing in particular.
func (w Where) IsZero() bool {
	return w.ID == 0 && w.Content == "" && w.Fingerprint == ""
}

func (w Where) String() string {
	var parts []string
	if w.ID != 0 {
		parts = append(parts, fmt.Sprintf("id=%d", w.ID))
	}
	if w.Content != "" {
		parts = append(parts, fmt.Sprintf("content=%q", w.Content))
	}
	if w.Fingerprint != "" {
		parts = append(parts, fmt.Sprintf("fingerprint=%s", w.Fingerprint))
	}
	return strings.Join(parts, " ")
}

// Query narrows FindAll / FindOne. Limit <= 0 means unlimited.
type Query struct {
	Where Where
	Limit int
	// MissingTranslation restricts results to records with an empty translation.
	MissingTranslation bool
}

// Tx is an open store transaction.
type Tx interface {
	Commit() error
	Rollback() error
}

// Model is the store access surface for a single kind. A nil Tx runs the
// call on its own; a Tx from Transaction scopes it to that transaction.
type Model interface {
	Kind() content.Kind
	// Create inserts rec and returns it with the store-assigned ID.
	Create(ctx context.Context, tx Tx, rec content.Record) (content.Record, error)
	// Update writes the mutable fields of rec (translation, image and voice
	// files, last_modified) to every record matching where.
	Update(ctx context.Context, tx Tx, rec content.Record, where Where) (int64, error)
	Destroy(ctx context.Context, tx Tx, where Where) (int64, error)
	FindAll(ctx context.Context, q Query) ([]content.Record, error)
	// FindOne returns nil, nil when nothing matches.
	FindOne(ctx context.Context, q Query) (*content.Record, error)
	Count(ctx context.Context) (int64, error)
	Transaction(ctx context.Context) (Tx, error)
}

// ErrUnknownKind is returned for a kind with no registered Model.
var ErrUnknownKind = &StoreError{"unknown content kind"}

// ErrEmptyWhere is returned by Update and Destroy for an all-zero Where.
var ErrEmptyWhere = &StoreError{"refusing unbounded write: empty where"}

// ErrForeignTx is returned when a Tx created by another backend is passed in.
var ErrForeignTx = &StoreError{"transaction belongs to a different store"}

type StoreError struct{ msg string }

func (e *StoreError) Error() string { return e.msg }
