// Package sqlitemigrate applies embedded SQL migrations to a SQLite database.
//
// Each *.sql file under the migration root is applied at most once, in
// lexical order, inside its own transaction. Files may carry
// "-- +migrate Up" / "-- +migrate Down" markers; only the Up section runs.
package sqlitemigrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	migrationTable = "schema_migrations"
	upMarker       = "-- +migrate Up"
	downMarker     = "-- +migrate Down"
)

// Migration is one SQL file found under the migration root.
type Migration struct {
	// Name is the key recorded in the migration table (root-relative path).
	Name string
	// Up holds the statements to execute.
	Up string
}

// List reads the migrations under root in the order they would be applied.
func List(migrationFS fs.FS, root string) ([]Migration, error) {
	if migrationFS == nil {
		return nil, fmt.Errorf("migration fs is required")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}

	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		filePath := path.Join(root, name)
		content, err := fs.ReadFile(migrationFS, filePath)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		key := name
		if root != "." {
			key = filePath
		}
		migrations = append(migrations, Migration{Name: key, Up: ExtractUpMigration(string(content))})
	}
	return migrations, nil
}

// Apply runs every pending migration under root and returns the names of the
// ones applied by this call.
func Apply(ctx context.Context, sqlDB *sql.DB, migrationFS fs.FS, root string) ([]string, error) {
	if sqlDB == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	migrations, err := List(migrationFS, root)
	if err != nil {
		return nil, err
	}

	createSQL := `CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`
	if _, err := sqlDB.ExecContext(ctx, createSQL); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}

	var applied []string
	for _, migration := range migrations {
		done, err := isApplied(ctx, sqlDB, migration.Name)
		if err != nil {
			return applied, fmt.Errorf("check migration %s: %w", migration.Name, err)
		}
		if done || strings.TrimSpace(migration.Up) == "" {
			continue
		}
		if err := applyOne(ctx, sqlDB, migration); err != nil {
			return applied, err
		}
		applied = append(applied, migration.Name)
	}
	return applied, nil
}

func applyOne(ctx context.Context, sqlDB *sql.DB, migration Migration) error {
	tx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", migration.Name, err)
	}
	if _, err := tx.ExecContext(ctx, migration.Up); err != nil && !IsAlreadyExistsError(err) {
		_ = tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", migration.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
		migration.Name,
		time.Now().UTC().UnixMilli(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", migration.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", migration.Name, err)
	}
	return nil
}

// ExtractUpMigration returns the SQL in the Up section, or the whole content
// when no markers are present.
func ExtractUpMigration(content string) string {
	upIdx := strings.Index(content, upMarker)
	if upIdx == -1 {
		return content
	}
	body := content[upIdx+len(upMarker):]
	if downIdx := strings.Index(body, downMarker); downIdx != -1 {
		body = body[:downIdx]
	}
	return body
}

// IsAlreadyExistsError reports whether err indicates idempotent DDL success.
func IsAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}

func isApplied(ctx context.Context, sqlDB *sql.DB, name string) (bool, error) {
	var found int
	err := sqlDB.QueryRowContext(ctx, "SELECT 1 FROM "+migrationTable+" WHERE name = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
