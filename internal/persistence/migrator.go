package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Advisory lock key so concurrent instances do not race on startup
// migrations. Arbitrary but stable.
const migrationLockKey = 0x76657374 // "vest"

// migration is one versioned SQL file pair on disk.
type migration struct {
	version  string
	upFile   string
	downFile string
}

// Migrator applies the SQL files under migrations/ in version order.
// File naming follows the golang-migrate convention:
// {version}_{name}.up.sql / .down.sql
type Migrator struct {
	db  *sql.DB
	dir string
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return &Migrator{db: db, dir: migrationsDir}
}

// Up applies every migration not yet recorded in schema_migrations, in
// version order, each inside its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	return m.withLock(ctx, func() error {
		applied, err := m.appliedVersions(ctx)
		if err != nil {
			return fmt.Errorf("load applied versions: %w", err)
		}
		all, err := m.discover()
		if err != nil {
			return fmt.Errorf("discover migrations: %w", err)
		}

		for _, mig := range all {
			if applied[mig.version] {
				continue
			}
			if err := m.applyUp(ctx, mig); err != nil {
				return err
			}
			log.Printf("INFO: applied migration %s", mig.upFile)
		}
		return nil
	})
}

// Down rolls back the most recently applied migration, if any.
func (m *Migrator) Down(ctx context.Context) error {
	return m.withLock(ctx, func() error {
		var version, upFile string
		err := m.db.QueryRowContext(ctx,
			`SELECT version, filename FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version, &upFile)
		if err == sql.ErrNoRows {
			log.Println("INFO: no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load latest migration: %w", err)
		}

		downFile := strings.Replace(upFile, ".up.sql", ".down.sql", 1)
		sqlText, err := os.ReadFile(filepath.Join(m.dir, downFile))
		if err != nil {
			return fmt.Errorf("read %s: %w", downFile, err)
		}

		err = m.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
				return fmt.Errorf("exec %s: %w", downFile, err)
			}
			_, err := tx.ExecContext(ctx,
				`DELETE FROM public.schema_migrations WHERE version = $1`, version)
			return err
		})
		if err != nil {
			return err
		}
		log.Printf("INFO: rolled back migration %s", downFile)
		return nil
	})
}

func (m *Migrator) applyUp(ctx context.Context, mig migration) error {
	sqlText, err := os.ReadFile(filepath.Join(m.dir, mig.upFile))
	if err != nil {
		return fmt.Errorf("read %s: %w", mig.upFile, err)
	}
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, string(sqlText)); err != nil {
			return fmt.Errorf("exec %s: %w", mig.upFile, err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			mig.version, mig.upFile)
		return err
	})
}

// withLock ensures the bookkeeping table exists and holds the advisory
// lock for the duration of fn.
func (m *Migrator) withLock(ctx context.Context, fn func() error) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, migrationLockKey)

	return fn()
}

func (m *Migrator) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// discover lists the .up.sql files in the migrations directory sorted by
// version prefix ("000001_vesting_ledger.up.sql" sorts under "000001").
func (m *Migrator) discover() ([]migration, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}

	var migs []migration
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, _, found := strings.Cut(name, "_")
		if !found {
			version = strings.TrimSuffix(name, ".up.sql")
		}
		migs = append(migs, migration{
			version:  version,
			upFile:   name,
			downFile: strings.Replace(name, ".up.sql", ".down.sql", 1),
		})
	}

	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}
