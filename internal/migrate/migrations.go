package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

type migration struct {
	revision int
	name     string
	upSQL    string
}

// Filenames are NNN_description.sql; the numeric prefix is the revision.
func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "sql")
	if err != nil {
		return nil, err
	}
	var migrations []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("sql/" + f.Name())
		if err != nil {
			return nil, err
		}
		prefix, _, ok := strings.Cut(f.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration filename %s has no revision prefix", f.Name())
		}
		rev, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration filename %s: %w", f.Name(), err)
		}
		migrations = append(migrations, migration{
			revision: rev,
			name:     f.Name(),
			upSQL:    string(data),
		})
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].revision < migrations[j].revision })
	return migrations, nil
}

// Migrate applies embedded migrations past the recorded revision, all in
// one transaction.
func Migrate(db *sql.DB) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_revisions(revision INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_revisions: %w", err)
	}

	var current int
	err = tx.QueryRow(`SELECT revision FROM schema_revisions LIMIT 1`).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.Exec(`INSERT INTO schema_revisions(revision) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_revisions: %w", err)
		}
		current = 0
	} else if err != nil {
		return fmt.Errorf("read schema_revisions: %w", err)
	}

	for _, m := range migrations {
		if m.revision <= current {
			continue
		}
		if _, err := tx.Exec(m.upSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_revisions SET revision=?`, m.revision); err != nil {
			return fmt.Errorf("record revision %d: %w", m.revision, err)
		}
		current = m.revision
	}
	return tx.Commit()
}
