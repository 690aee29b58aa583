package db

import (
	"context"
	"database/sql"
	"io"
	"log"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/japaniel/voxqueue/pkg/content"
)

// Registry maps each kind to its Model. It is built once and read-only after.
type Registry struct {
	models map[content.Kind]Model
}

// NewRegistry registers models by their Kind. Every concrete kind must be
// covered exactly once.
func NewRegistry(models ...Model) (*Registry, error) {
	r := &Registry{models: make(map[content.Kind]Model, len(models))}
	for _, m := range models {
		if _, dup := r.models[m.Kind()]; dup {
			return nil, errors.Errorf("duplicate model for kind %s", m.Kind())
		}
		r.models[m.Kind()] = m
	}
	for _, k := range content.Kinds {
		if _, ok := r.models[k]; !ok {
			return nil, errors.Errorf("no model registered for kind %s", k)
		}
	}
	return r, nil
}

// Model returns the Model of kind.
func (r *Registry) Model(kind content.Kind) (Model, error) {
	m, ok := r.models[kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownKind, "kind %s", kind)
	}
	return m, nil
}

// Kinds returns the registered kinds in ascending order.
func (r *Registry) Kinds() []content.Kind {
	out := make([]content.Kind, 0, len(r.models))
	for k := range r.models {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NewSQLRegistry migrates conn and returns SQL models for every kind.
func NewSQLRegistry(ctx context.Context, conn *sql.DB) (*Registry, error) {
	if err := InitDB(ctx, conn); err != nil {
		return nil, errors.Wrap(err, "migrate")
	}
	var models []Model
	for _, k := range content.Kinds {
		m, err := NewSQLModel(conn, k)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return NewRegistry(models...)
}

// NewGormRegistry migrates db and returns GORM models for every kind.
func NewGormRegistry(db *gorm.DB) (*Registry, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	var models []Model
	for _, k := range content.Kinds {
		m, err := NewGormModel(db, k)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return NewRegistry(models...)
}

// Driver names accepted by Open.
const (
	DriverSQLite     = "sqlite"
	DriverPostgres   = "postgres"
	DriverGormSQLite = "gorm-sqlite"
)

// Open connects to the store named by driver and dsn, migrates it, and
// returns its Registry along with the handle to close on shutdown.
func Open(ctx context.Context, driver, dsn string) (*Registry, io.Closer, error) {
	switch driver {
	case DriverSQLite:
		conn, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, nil, errors.Wrap(err, "open sqlite")
		}
		// sqlite allows a single writer; one connection keeps transactions
		// from failing with SQLITE_BUSY.
		conn.SetMaxOpenConns(1)
		reg, err := NewSQLRegistry(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return reg, conn, nil

	case DriverPostgres, DriverGormSQLite:
		dialector := postgres.Open(dsn)
		if driver == DriverGormSQLite {
			dialector = sqlite.Open(dsn)
		}
		gdb, err := gorm.Open(dialector, &gorm.Config{
			Logger: gormLogger.New(
				log.New(os.Stdout, "\r\n", log.LstdFlags),
				gormLogger.Config{
					SlowThreshold:             time.Second,
					LogLevel:                  gormLogger.Warn,
					IgnoreRecordNotFoundError: true,
				},
			),
		})
		if err != nil {
			return nil, nil, errors.Wrapf(err, "open %s", driver)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, nil, errors.Wrap(err, "unwrap gorm connection")
		}
		if driver == DriverGormSQLite {
			sqlDB.SetMaxOpenConns(1)
		}
		reg, err := NewGormRegistry(gdb)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		return reg, sqlDB, nil
	}
	return nil, nil, errors.Errorf("unknown db driver %q", driver)
}
