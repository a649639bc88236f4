// Package migrate implements a minimal, ordered schema-migration runner
// for the local sqlite metadata database. Adapted from the migration
// runner shape in storj.io/storj's internal/migrate package: a table of
// applied version numbers, a list of Steps, each either raw SQL or a Go
// function, run inside a transaction.
package migrate

import (
	"database/sql"
	"fmt"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the class for migration failures.
var Error = errs.Class("migrate")

// DB is the narrow interface Migration needs from *sql.DB, so tests can
// substitute a fake.
type DB interface {
	Begin() (*sql.Tx, error)
}

// Action is either SQL or Func.
type Action interface {
	run(log *zap.Logger, db DB, tx *sql.Tx, step *Step) error
}

// SQL is a sequence of statements run in order inside the step's
// transaction.
type SQL []string

func (sql SQL) run(log *zap.Logger, db DB, tx *sql.Tx, step *Step) error {
	for _, query := range sql {
		_, err := tx.Exec(query)
		if err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Func is an arbitrary migration step.
type Func func(log *zap.Logger, db DB, tx *sql.Tx) error

func (fn Func) run(log *zap.Logger, db DB, tx *sql.Tx, step *Step) error {
	return fn(log, db, tx)
}

// Step is a single migration, identified by a monotonically increasing
// Version. Steps must be supplied in increasing Version order.
type Step struct {
	Description string
	Version     int
	Action      Action
}

// Migration is an ordered list of Steps applied against a single
// bookkeeping Table.
type Migration struct {
	Table string
	Steps []*Step
}

// Run applies every Step whose Version is greater than the highest
// version already recorded in Table, in order, each inside its own
// transaction. It is safe to call Run repeatedly (e.g. on every process
// start) — already-applied steps are skipped.
func (m *Migration) Run(log *zap.Logger, db *sql.DB) error {
	if err := m.ensureTable(db); err != nil {
		return err
	}

	current, err := m.currentVersion(db)
	if err != nil {
		return err
	}

	for _, step := range m.Steps {
		if step.Version <= current {
			continue
		}

		stepLog := log.With(zap.Int("version", step.Version), zap.String("description", step.Description))
		stepLog.Info("applying migration step")

		tx, err := db.Begin()
		if err != nil {
			return Error.Wrap(err)
		}

		if err := step.Action.run(log, db, tx, step); err != nil {
			_ = tx.Rollback()
			return Error.New("step %d (%s): %w", step.Version, step.Description, err)
		}

		if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (version) VALUES (?)`, m.Table), step.Version); err != nil {
			_ = tx.Rollback()
			return Error.Wrap(err)
		}

		if err := tx.Commit(); err != nil {
			return Error.Wrap(err)
		}
	}

	return nil
}

func (m *Migration) ensureTable(db *sql.DB) error {
	_, err := db.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version INTEGER NOT NULL, applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP)`, m.Table))
	if err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (m *Migration) currentVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRow(fmt.Sprintf(`SELECT MAX(version) FROM %s`, m.Table)).Scan(&version)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
