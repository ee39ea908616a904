package ledger

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/jobconnect/errors"
	"github.com/teranos/jobconnect/logger"
)

// MemoryPath opens a private in-memory ledger.
const MemoryPath = ":memory:"

// Open opens the SQLite ledger at path, applies pending migrations and
// returns it ready for use.
func Open(path string, log *zap.SugaredLogger) (*Ledger, error) {
	log = logger.OrNop(log)
	log.Debugw("Opening ledger", "path", path)

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ledger database")
	}
	if path == MemoryPath {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	// WAL allows reads (Stats, Recent) while dispatch goroutines record
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "failed to apply %q", p)
		}
	}

	l, err := New(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Infow("Ledger opened", "path", path)
	return l, nil
}
