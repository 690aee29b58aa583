// Package dbtest provides an in-memory db.Model with failure injection and
// transaction accounting, for tests of code layered over the store.
package dbtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/japaniel/voxqueue/pkg/content"
	"github.com/japaniel/voxqueue/pkg/db"
)

// Operation names passed to FailOn.
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDestroy = "destroy"
)

// ErrInjected is returned for every write rejected by FailOn.
var ErrInjected = errors.New("injected failure")

// ErrConflict is returned by Commit when the model changed underneath an open
// transaction.
var ErrConflict = errors.New("concurrent modification")

// Model is an in-memory db.Model. Content and fingerprint are unique, as in
// the real tables. The zero value is not usable; call New.
type Model struct {
	// FailOn, when set, is consulted before every write. Returning true
	// rejects the write with ErrInjected.
	FailOn func(op string, rec content.Record) bool

	kind content.Kind

	mu      sync.Mutex
	state   *state
	version int

	transactions   int
	commits        int
	rollbacks      int
	committedSizes []int
	finds          int
}

type state struct {
	nextID int64
	rows   map[int64]content.Record
}

func (s *state) clone() *state {
	out := &state{nextID: s.nextID, rows: make(map[int64]content.Record, len(s.rows))}
	for id, r := range s.rows {
		out.rows[id] = r.Clone()
	}
	return out
}

// New returns an empty Model of kind.
func New(kind content.Kind) *Model {
	return &Model{kind: kind, state: &state{nextID: 1, rows: map[int64]content.Record{}}}
}

// NewRegistry returns a registry of empty Models, one per kind, along with
// the models themselves.
func NewRegistry() (*db.Registry, map[content.Kind]*Model) {
	models := map[content.Kind]*Model{}
	var list []db.Model
	for _, k := range content.Kinds {
		m := New(k)
		models[k] = m
		list = append(list, m)
	}
	reg, err := db.NewRegistry(list...)
	if err != nil {
		panic(err)
	}
	return reg, models
}

type tx struct {
	m       *Model
	base    int
	working *state
	ops     int
	done    bool
}

func (t *tx) Commit() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	if t.m.version != t.base {
		t.m.rollbacks++
		return ErrConflict
	}
	t.m.state = t.working
	t.m.version++
	t.m.commits++
	t.m.committedSizes = append(t.m.committedSizes, t.ops)
	return nil
}

func (t *tx) Rollback() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.m.rollbacks++
	return nil
}

func (m *Model) Kind() content.Kind { return m.kind }

func (m *Model) Transaction(ctx context.Context) (db.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions++
	return &tx{m: m, base: m.version, working: m.state.clone()}, nil
}

// target returns the state a write applies to and a function to call after a
// successful write. Must be called with m.mu held.
func (m *Model) target(t db.Tx) (*state, func(), error) {
	if t == nil {
		return m.state, func() { m.version++ }, nil
	}
	mt, ok := t.(*tx)
	if !ok || mt.m != m {
		return nil, nil, db.ErrForeignTx
	}
	if mt.done {
		return nil, nil, errors.New("transaction already finished")
	}
	return mt.working, func() { mt.ops++ }, nil
}

func (m *Model) Create(ctx context.Context, t db.Tx, rec content.Record) (content.Record, error) {
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	if m.FailOn != nil && m.FailOn(OpCreate, rec) {
		return rec, ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, applied, err := m.target(t)
	if err != nil {
		return rec, err
	}
	if rec.Content == "" || rec.Fingerprint == "" {
		return rec, errors.Errorf("insert %s: content and fingerprint are required", m.kind)
	}
	for _, r := range s.rows {
		if r.Content == rec.Content || r.Fingerprint == rec.Fingerprint {
			return rec, errors.Errorf("insert %s %q: UNIQUE constraint failed", m.kind, rec.Content)
		}
	}
	rec = rec.Clone()
	rec.ID = s.nextID
	rec.Kind = m.kind
	s.nextID++
	s.rows[rec.ID] = rec
	applied()
	return rec.Clone(), nil
}

func (m *Model) Update(ctx context.Context, t db.Tx, rec content.Record, where db.Where) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if where.IsZero() {
		return 0, db.ErrEmptyWhere
	}
	if m.FailOn != nil && m.FailOn(OpUpdate, rec) {
		return 0, ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, applied, err := m.target(t)
	if err != nil {
		return 0, err
	}
	lastModified := rec.LastModified
	if lastModified.IsZero() {
		lastModified = time.Now()
	}
	var n int64
	for id, r := range s.rows {
		if !matches(r, where) {
			continue
		}
		r.Translation = rec.Translation
		r.ImageFiles = append([]string{}, rec.ImageFiles...)
		r.VoiceFiles = append([]string{}, rec.VoiceFiles...)
		r.LastModified = lastModified
		s.rows[id] = r
		n++
	}
	if n > 0 {
		applied()
	}
	return n, nil
}

func (m *Model) Destroy(ctx context.Context, t db.Tx, where db.Where) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if where.IsZero() {
		return 0, db.ErrEmptyWhere
	}
	if m.FailOn != nil && m.FailOn(OpDestroy, content.Record{ID: where.ID, Content: where.Content, Fingerprint: where.Fingerprint}) {
		return 0, ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, applied, err := m.target(t)
	if err != nil {
		return 0, err
	}
	var n int64
	for id, r := range s.rows {
		if matches(r, where) {
			delete(s.rows, id)
			n++
		}
	}
	if n > 0 {
		applied()
	}
	return n, nil
}

func (m *Model) FindAll(ctx context.Context, q db.Query) ([]content.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	var out []content.Record
	for _, r := range m.state.rows {
		if !matches(r, q.Where) {
			continue
		}
		if q.MissingTranslation && r.Translation != "" {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Model) FindOne(ctx context.Context, q db.Query) (*content.Record, error) {
	q.Limit = 1
	recs, err := m.FindAll(ctx, q)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (m *Model) Count(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.state.rows)), nil
}

func matches(r content.Record, w db.Where) bool {
	if w.ID != 0 && r.ID != w.ID {
		return false
	}
	if w.Content != "" && r.Content != w.Content {
		return false
	}
	if w.Fingerprint != "" && r.Fingerprint != w.Fingerprint {
		return false
	}
	return true
}

// Seed inserts records directly, outside any transaction, and returns them
// with IDs assigned.
func (m *Model) Seed(recs ...content.Record) []content.Record {
	out := make([]content.Record, 0, len(recs))
	for _, r := range recs {
		if r.Kind == content.KindUnknown {
			r.Kind = m.kind
		}
		if r.Fingerprint == "" {
			r.Fingerprint = content.Fingerprint(r.Content)
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
			r.LastModified = r.CreatedAt
		}
		saved, err := m.Create(context.Background(), nil, r)
		if err != nil {
			panic(err)
		}
		out = append(out, saved)
	}
	return out
}

// Stats is a snapshot of the transaction accounting.
type Stats struct {
	Transactions int
	Commits      int
	Rollbacks    int
	// CommittedSizes holds the number of applied writes of every committed
	// transaction, in commit order.
	CommittedSizes []int
	// Finds counts FindAll / FindOne calls.
	Finds int
}

// Stats returns the accounting collected so far.
func (m *Model) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Transactions:   m.transactions,
		Commits:        m.commits,
		Rollbacks:      m.rollbacks,
		CommittedSizes: append([]int(nil), m.committedSizes...),
		Finds:          m.finds,
	}
}

// Contents returns every stored content string, sorted.
func (m *Model) Contents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.state.rows))
	for _, r := range m.state.rows {
		out = append(out, r.Content)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a record with exactly this content is stored.
func (m *Model) Has(c string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.state.rows {
		if r.Content == c {
			return true
		}
	}
	return false
}
