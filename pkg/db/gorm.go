package db

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/japaniel/voxqueue/pkg/content"
)

// contentRow is the GORM mapping of a record row. The table is chosen per
// call so one struct serves both kinds.
type contentRow struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Content      string    `gorm:"not null"`
	Fingerprint  string    `gorm:"not null"`
	Kind         string    `gorm:"not null"`
	Translation  string    `gorm:"not null;default:''"`
	ImageFiles   []string  `gorm:"serializer:json;not null"`
	VoiceFiles   []string  `gorm:"serializer:json;not null"`
	LastModified time.Time `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func rowFromRecord(rec content.Record, kind content.Kind) contentRow {
	return contentRow{
		ID:           rec.ID,
		Content:      rec.Content,
		Fingerprint:  rec.Fingerprint,
		Kind:         kind.String(),
		Translation:  rec.Translation,
		ImageFiles:   nonNil(rec.ImageFiles),
		VoiceFiles:   nonNil(rec.VoiceFiles),
		LastModified: rec.LastModified,
		CreatedAt:    rec.CreatedAt,
	}
}

func (r contentRow) record(kind content.Kind) content.Record {
	return content.Record{
		ID:           r.ID,
		Content:      r.Content,
		Fingerprint:  r.Fingerprint,
		Kind:         kind,
		Translation:  r.Translation,
		ImageFiles:   nonNil(r.ImageFiles),
		VoiceFiles:   nonNil(r.VoiceFiles),
		LastModified: r.LastModified,
		CreatedAt:    r.CreatedAt,
	}
}

// GormModel is a Model over GORM, used for postgres and as an alternative
// sqlite backend.
type GormModel struct {
	db    *gorm.DB
	kind  content.Kind
	table string
}

// NewGormModel returns the Model of kind backed by db.
func NewGormModel(db *gorm.DB, kind content.Kind) (*GormModel, error) {
	table, err := TableFor(kind)
	if err != nil {
		return nil, err
	}
	return &GormModel{db: db, kind: kind, table: table}, nil
}

// AutoMigrate creates or updates the words and sentences tables. Indexes are
// created by hand: GORM derives index names from the struct, which would
// collide between the two tables.
func AutoMigrate(db *gorm.DB) error {
	for _, table := range []string{wordsTable, sentencesTable} {
		if err := db.Table(table).AutoMigrate(&contentRow{}); err != nil {
			return errors.Wrapf(err, "migrate %s", table)
		}
		for _, stmt := range []string{
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_content ON %[1]s (content)`, table),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%[1]s_fingerprint ON %[1]s (fingerprint)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_last_modified ON %[1]s (last_modified)`, table),
		} {
			if err := db.Exec(stmt).Error; err != nil {
				return errors.Wrapf(err, "index %s", table)
			}
		}
	}
	return nil
}

type gormTx struct{ db *gorm.DB }

func (t *gormTx) Commit() error   { return t.db.Commit().Error }
func (t *gormTx) Rollback() error { return t.db.Rollback().Error }

func (m *GormModel) Kind() content.Kind { return m.kind }

func (m *GormModel) Transaction(ctx context.Context) (Tx, error) {
	tx := m.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, errors.Wrap(tx.Error, "begin tx")
	}
	return &gormTx{db: tx}, nil
}

// scope returns the handle a call runs on, bound to ctx and the kind's table.
func (m *GormModel) scope(ctx context.Context, tx Tx) (*gorm.DB, error) {
	transaction := m.db
	if tx != nil {
		gt, ok := tx.(*gormTx)
		if !ok {
			return nil, ErrForeignTx
		}
		transaction = gt.db
	}
	return transaction.WithContext(ctx).Table(m.table), nil
}

func applyWhere(q *gorm.DB, w Where) *gorm.DB {
	if w.ID != 0 {
		q = q.Where("id = ?", w.ID)
	}
	if w.Content != "" {
		q = q.Where("content = ?", w.Content)
	}
	if w.Fingerprint != "" {
		q = q.Where("fingerprint = ?", w.Fingerprint)
	}
	return q
}

func (m *GormModel) Create(ctx context.Context, tx Tx, rec content.Record) (content.Record, error) {
	q, err := m.scope(ctx, tx)
	if err != nil {
		return rec, err
	}
	row := rowFromRecord(rec, m.kind)
	row.ID = 0
	if err := q.Create(&row).Error; err != nil {
		return rec, errors.Wrapf(err, "insert %s %q", m.kind, rec.Content)
	}
	return row.record(m.kind), nil
}

func (m *GormModel) Update(ctx context.Context, tx Tx, rec content.Record, where Where) (int64, error) {
	if where.IsZero() {
		return 0, ErrEmptyWhere
	}
	q, err := m.scope(ctx, tx)
	if err != nil {
		return 0, err
	}
	row := rowFromRecord(rec, m.kind)
	// A non-zero primary key on the value would add its own id condition.
	row.ID = 0
	if row.LastModified.IsZero() {
		row.LastModified = time.Now()
	}
	// Select forces zero values (empty translation, empty lists) to be written.
	res := applyWhere(q, where).
		Select("translation", "image_files", "voice_files", "last_modified").
		Updates(&row)
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, "update %s %s", m.kind, where)
	}
	return res.RowsAffected, nil
}

func (m *GormModel) Destroy(ctx context.Context, tx Tx, where Where) (int64, error) {
	if where.IsZero() {
		return 0, ErrEmptyWhere
	}
	q, err := m.scope(ctx, tx)
	if err != nil {
		return 0, err
	}
	res := applyWhere(q, where).Delete(&contentRow{})
	if res.Error != nil {
		return 0, errors.Wrapf(res.Error, "delete %s %s", m.kind, where)
	}
	return res.RowsAffected, nil
}

func (m *GormModel) FindAll(ctx context.Context, q Query) ([]content.Record, error) {
	base, err := m.scope(ctx, nil)
	if err != nil {
		return nil, err
	}
	stmt := applyWhere(base, q.Where).Order("id ASC")
	if q.MissingTranslation {
		stmt = stmt.Where("translation = ?", "")
	}
	if q.Limit > 0 {
		stmt = stmt.Limit(q.Limit)
	}
	var rows []contentRow
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "select %s", m.kind)
	}
	out := make([]content.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record(m.kind))
	}
	return out, nil
}

func (m *GormModel) FindOne(ctx context.Context, q Query) (*content.Record, error) {
	q.Limit = 1
	recs, err := m.FindAll(ctx, q)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (m *GormModel) Count(ctx context.Context) (int64, error) {
	q, err := m.scope(ctx, nil)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, errors.Wrapf(err, "count %s", m.kind)
	}
	return n, nil
}
