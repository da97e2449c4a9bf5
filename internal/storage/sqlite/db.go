package sqlite

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/felixgeelhaar/polyglot/internal/storage/migrations"
)

// ErrMigrationChanged is returned when an applied migration file no longer matches its recorded checksum.
var ErrMigrationChanged = errors.New("applied migration was modified")

// DB wraps a sqlx.DB connection to a SQLite database with migration support.
type DB struct {
	*sqlx.DB
}

// Open creates a new SQLite connection with WAL mode and foreign keys enabled.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Single writer: every transaction is serialized on this connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &DB{DB: db}, nil
}

// migration is one numbered SQL file
type migration struct {
	version  int
	name     string
	body     string
	checksum string
}

type appliedMigration struct {
	Version   int    `db:"version"`
	Name      string `db:"name"`
	Checksum  string `db:"checksum"`
	AppliedAt int64  `db:"applied_at"`
}

// Migrate applies the embedded migrations that are not recorded yet.
func (db *DB) Migrate() error {
	return db.migrate(migrations.FS, time.Now)
}

// migrate applies the migrations in fsys in version order. Each one runs in its own
// transaction together with its schema_migrations row. Applied migrations are checked
// against their recorded checksum and never re-run.
func (db *DB) migrate(fsys fs.FS, now func() time.Time) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT    NOT NULL,
		checksum   TEXT    NOT NULL,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	pending, err := loadMigrations(fsys)
	if err != nil {
		return err
	}

	var rows []appliedMigration
	if err := db.Select(&rows, "SELECT version, name, checksum, applied_at FROM schema_migrations"); err != nil {
		return fmt.Errorf("list applied migrations: %w", err)
	}
	applied := make(map[int]appliedMigration, len(rows))
	for _, r := range rows {
		applied[r.Version] = r
	}

	n := 0
	for _, m := range pending {
		if prev, ok := applied[m.version]; ok {
			if prev.Checksum != m.checksum {
				return fmt.Errorf("%w: %s (applied %s)", ErrMigrationChanged, m.name, fromNanos(prev.AppliedAt).Format(time.RFC3339))
			}
			continue
		}
		if err := db.apply(m, now()); err != nil {
			return err
		}
		n++
		slog.Info("applied migration", "name", m.name, "version", m.version, "checksum", m.checksum)
	}

	if n > 0 {
		slog.Info("migrations complete", "applied", n)
	}
	return nil
}

func (db *DB) apply(m migration, at time.Time) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", m.name, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.body); err != nil {
		return fmt.Errorf("apply migration %s: %w", m.name, err)
	}
	if _, err := tx.NamedExec(`INSERT INTO schema_migrations (version, name, checksum, applied_at)
		VALUES (:version, :name, :checksum, :applied_at)`, appliedMigration{
		Version: m.version, Name: m.name, Checksum: m.checksum, AppliedAt: toNanos(at),
	}); err != nil {
		return fmt.Errorf("record migration %s: %w", m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", m.name, err)
	}
	return nil
}

// loadMigrations reads the .sql files of fsys sorted by version. Two files with one version are an error.
func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var out []migration
	seen := make(map[int]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		version, err := parseVersion(e.Name())
		if err != nil {
			slog.Warn("skipping non-migration file", "name", e.Name(), "error", err)
			continue
		}
		if other, ok := seen[version]; ok {
			return nil, fmt.Errorf("migrations %s and %s share version %d", other, e.Name(), version)
		}
		seen[version] = e.Name()

		data, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, migration{
			version:  version,
			name:     e.Name(),
			body:     string(data),
			checksum: fmt.Sprintf("%016x", xxhash.Sum64(data)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Version returns the highest applied migration version.
func (db *DB) Version() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// parseVersion extracts the version number from a migration filename like "001_initial.sql".
func parseVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("invalid migration filename: %s", name)
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, fmt.Errorf("parse version from %s: invalid prefix %q", name, prefix)
	}
	return version, nil
}
