package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one versioned schema change for the recording core's
// database: the segments/motion_events/streams/users tables and whatever
// future migrations extend them.
type Migration struct {
	Version   int
	Name      string
	SQL       string
	Checksum  string // sha256 hex of SQL, recorded once applied
	AppliedAt time.Time
}

// checksum returns the sha256 hex digest of a migration's SQL text, used to
// detect a migration file edited in place after it was already applied to a
// running database — a drift that would otherwise leave the on-disk schema
// silently diverged from what schema_migrations claims is current.
func checksum(sqlText string) string {
	h := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(h[:])
}

// Migrator handles database migrations
type Migrator struct {
	db     *DB
	logger *slog.Logger
}

// NewMigrator creates a new migrator
func NewMigrator(db *DB) *Migrator {
	return &Migrator{
		db:     db,
		logger: slog.Default().With("component", "migrator"),
	}
}

// Run runs all pending migrations
func (m *Migrator) Run(ctx context.Context) error {
	m.logger.Info("Running database migrations")

	// Ensure migrations table exists
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	// Get applied migrations
	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	// Get available migrations
	available, err := m.getAvailableMigrations()
	if err != nil {
		return err
	}

	// Run pending migrations, verifying the checksum of any already-applied
	// one hasn't drifted from what's recorded.
	for _, migration := range available {
		if rec, ok := applied[migration.Version]; ok {
			if rec.Checksum != "" && rec.Checksum != checksum(migration.SQL) {
				return fmt.Errorf("migration %d (%s) has changed since it was applied: checksum mismatch", migration.Version, migration.Name)
			}
			continue
		}

		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}

		m.logger.Info("Applied migration", "version", migration.Version, "name", migration.Name)
	}

	m.logger.Info("Database migrations completed")
	return nil
}

// GetStatus returns the migration status
func (m *Migrator) GetStatus(ctx context.Context) ([]Migration, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	available, err := m.getAvailableMigrations()
	if err != nil {
		return nil, err
	}

	var result []Migration
	for _, migration := range available {
		if rec, ok := applied[migration.Version]; ok {
			migration.AppliedAt = rec.AppliedAt
			migration.Checksum = rec.Checksum
		}
		result = append(result, migration)
	}

	return result, nil
}

// ensureMigrationsTable creates the migrations tracking table if it doesn't exist
func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at INTEGER NOT NULL DEFAULT (unixepoch())
		) STRICT
	`)
	return err
}

// appliedMigration is one row read back from schema_migrations.
type appliedMigration struct {
	AppliedAt time.Time
	Checksum  string
}

// getAppliedMigrations returns a map of applied migration versions to their
// recorded applied time and checksum.
func (m *Migrator) getAppliedMigrations(ctx context.Context) (map[int]appliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int]appliedMigration)
	for rows.Next() {
		var version int
		var appliedAt int64
		var sum string
		if err := rows.Scan(&version, &appliedAt, &sum); err != nil {
			return nil, err
		}
		result[version] = appliedMigration{AppliedAt: time.Unix(appliedAt, 0), Checksum: sum}
	}

	return result, rows.Err()
}

// getAvailableMigrations reads all available migration files
func (m *Migrator) getAvailableMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		// Parse version from filename (e.g., "001_initial_schema.sql")
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}

		version, err := strconv.Atoi(parts[0])
		if err != nil {
			m.logger.Warn("Invalid migration filename", "file", entry.Name())
			continue
		}

		name := strings.TrimSuffix(parts[1], ".sql")

		content, err := fs.ReadFile(migrationsFS, filepath.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    name,
			SQL:     string(content),
		})
	}

	// Sort by version
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// runMigration runs a single migration within a transaction
func (m *Migrator) runMigration(ctx context.Context, migration Migration) error {
	return m.db.Transaction(ctx, func(tx *sql.Tx) error {
		// Execute migration SQL
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			return err
		}

		// Record migration
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO schema_migrations (version, name, checksum) VALUES (?, ?, ?)",
			migration.Version, migration.Name, checksum(migration.SQL),
		)
		return err
	})
}
