package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/japaniel/voxqueue/pkg/content"
)

// DBExecutor is an interface that allows methods to accept either *sql.DB or *sql.Tx
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const recordColumns = `id, content, fingerprint, kind, translation, image_files, voice_files, last_modified, created_at`

// SQLModel is a Model over database/sql (sqlite via mattn/go-sqlite3).
type SQLModel struct {
	conn  *sql.DB
	kind  content.Kind
	table string
}

// NewSQLModel returns the Model of kind backed by conn. The schema must
// already exist (see InitDB).
func NewSQLModel(conn *sql.DB, kind content.Kind) (*SQLModel, error) {
	table, err := TableFor(kind)
	if err != nil {
		return nil, err
	}
	return &SQLModel{conn: conn, kind: kind, table: table}, nil
}

type sqlTx struct{ tx *sql.Tx }

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

func (m *SQLModel) Kind() content.Kind { return m.kind }

// Transaction begins a database transaction.
func (m *SQLModel) Transaction(ctx context.Context) (Tx, error) {
	tx, err := m.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	return &sqlTx{tx: tx}, nil
}

func (m *SQLModel) executor(tx Tx) (DBExecutor, error) {
	if tx == nil {
		return m.conn, nil
	}
	st, ok := tx.(*sqlTx)
	if !ok {
		return nil, ErrForeignTx
	}
	return st.tx, nil
}

func (m *SQLModel) Create(ctx context.Context, tx Tx, rec content.Record) (content.Record, error) {
	ex, err := m.executor(tx)
	if err != nil {
		return rec, err
	}
	images, voices, err := encodeFiles(rec)
	if err != nil {
		return rec, err
	}

	query := fmt.Sprintf(`INSERT INTO %s (content, fingerprint, kind, translation, image_files, voice_files, last_modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`, m.table)
	err = ex.QueryRowContext(ctx, query,
		rec.Content, rec.Fingerprint, m.kind.String(), rec.Translation,
		images, voices, rec.LastModified.UTC(), rec.CreatedAt.UTC(),
	).Scan(&rec.ID)
	if err != nil {
		return rec, errors.Wrapf(err, "insert %s %q", m.kind, rec.Content)
	}
	rec.Kind = m.kind
	return rec, nil
}

func (m *SQLModel) Update(ctx context.Context, tx Tx, rec content.Record, where Where) (int64, error) {
	ex, err := m.executor(tx)
	if err != nil {
		return 0, err
	}
	clause, args, err := whereClause(where, true)
	if err != nil {
		return 0, err
	}
	images, voices, err := encodeFiles(rec)
	if err != nil {
		return 0, err
	}
	lastModified := rec.LastModified
	if lastModified.IsZero() {
		lastModified = time.Now()
	}

	query := fmt.Sprintf(`UPDATE %s SET translation = ?, image_files = ?, voice_files = ?, last_modified = ?%s`, m.table, clause)
	res, err := ex.ExecContext(ctx, query,
		append([]interface{}{rec.Translation, images, voices, lastModified.UTC()}, args...)...)
	if err != nil {
		return 0, errors.Wrapf(err, "update %s %s", m.kind, where)
	}
	return res.RowsAffected()
}

func (m *SQLModel) Destroy(ctx context.Context, tx Tx, where Where) (int64, error) {
	ex, err := m.executor(tx)
	if err != nil {
		return 0, err
	}
	clause, args, err := whereClause(where, true)
	if err != nil {
		return 0, err
	}
	res, err := ex.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s%s`, m.table, clause), args...)
	if err != nil {
		return 0, errors.Wrapf(err, "delete %s %s", m.kind, where)
	}
	return res.RowsAffected()
}

func (m *SQLModel) FindAll(ctx context.Context, q Query) ([]content.Record, error) {
	clause, args, err := whereClause(q.Where, false)
	if err != nil {
		return nil, err
	}
	if q.MissingTranslation {
		if clause == "" {
			clause = " WHERE translation = ''"
		} else {
			clause += " AND translation = ''"
		}
	}
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY id`, recordColumns, m.table, clause)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := m.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "select %s", m.kind)
	}
	defer rows.Close()

	var out []content.Record
	for rows.Next() {
		rec, err := m.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "select %s", m.kind)
	}
	return out, nil
}

func (m *SQLModel) FindOne(ctx context.Context, q Query) (*content.Record, error) {
	q.Limit = 1
	recs, err := m.FindAll(ctx, q)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (m *SQLModel) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := m.conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, m.table)).Scan(&n); err != nil {
		return 0, errors.Wrapf(err, "count %s", m.kind)
	}
	return n, nil
}

func (m *SQLModel) scan(rows *sql.Rows) (content.Record, error) {
	var rec content.Record
	var kind, images, voices string
	if err := rows.Scan(&rec.ID, &rec.Content, &rec.Fingerprint, &kind, &rec.Translation,
		&images, &voices, &rec.LastModified, &rec.CreatedAt); err != nil {
		return rec, errors.Wrapf(err, "scan %s", m.kind)
	}
	rec.Kind = m.kind
	if err := json.Unmarshal([]byte(images), &rec.ImageFiles); err != nil {
		return rec, errors.Wrapf(err, "decode image_files of %s %d", m.kind, rec.ID)
	}
	if err := json.Unmarshal([]byte(voices), &rec.VoiceFiles); err != nil {
		return rec, errors.Wrapf(err, "decode voice_files of %s %d", m.kind, rec.ID)
	}
	return rec, nil
}

func whereClause(w Where, required bool) (string, []interface{}, error) {
	if w.IsZero() {
		if required {
			return "", nil, ErrEmptyWhere
		}
		return "", nil, nil
	}
	var conds []string
	var args []interface{}
	if w.ID != 0 {
		conds = append(conds, "id = ?")
		args = append(args, w.ID)
	}
	if w.Content != "" {
		conds = append(conds, "content = ?")
		args = append(args, w.Content)
	}
	if w.Fingerprint != "" {
		conds = append(conds, "fingerprint = ?")
		args = append(args, w.Fingerprint)
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func encodeFiles(rec content.Record) (string, string, error) {
	images, err := json.Marshal(nonNil(rec.ImageFiles))
	if err != nil {
		return "", "", errors.Wrap(err, "encode image_files")
	}
	voices, err := json.Marshal(nonNil(rec.VoiceFiles))
	if err != nil {
		return "", "", errors.Wrap(err, "encode voice_files")
	}
	return string(images), string(voices), nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
