package ledger

import (
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/logger"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type migration struct {
	version string // numeric prefix of the file name
	name    string
	sql     string
}

// Migrate brings db up to the embedded schema. Each pending migration runs
// in its own transaction together with its schema_migrations row, so a
// failed migration leaves no partial record. Running it again is a no-op.
func Migrate(db *sql.DB, log *zap.SugaredLogger) error {
	log = logger.OrNop(log)

	pending, err := loadMigrations()
	if err != nil {
		return err
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	count := 0
	for _, m := range pending {
		if applied[m.version] {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
		count++
		log.Infow("Applied ledger migration", "migration", m.name)
	}
	log.Debugw("Ledger schema up to date", logger.FieldCount, len(pending), "applied", count)
	return nil
}

func loadMigrations() ([]migration, error) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return nil, errors.Wrap(err, "list migrations")
	}
	sort.Strings(names)

	out := make([]migration, 0, len(names))
	for _, name := range names {
		body, err := migrationFS.ReadFile(name)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", name)
		}
		base := path.Base(name)
		version, _, ok := strings.Cut(base, "_")
		if !ok {
			return nil, errors.AssertionFailedf("migration %s has no version prefix", base)
		}
		out = append(out, migration{version: version, name: base, sql: string(body)})
	}
	return out, nil
}

// appliedVersions returns the recorded versions. A database that has never
// been migrated has no schema_migrations table yet and yields an empty set.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_migrations'`).Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "inspect schema")
	}
	applied := make(map[string]bool)
	if exists == 0 {
		return applied, nil
	}

	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[v] = true
	}
	return applied, errors.Wrap(rows.Err(), "read schema_migrations")
}

func apply(db *sql.DB, m migration) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin %s", m.name)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec(m.sql); err != nil {
		return errors.Wrapf(err, "execute %s", m.name)
	}
	if _, err = tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		return errors.Wrapf(err, "record %s", m.name)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.name)
}
