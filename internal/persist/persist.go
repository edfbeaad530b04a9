// Package persist keeps admin-applied service definitions in SQLite so they
// survive a restart. Rows are keyed by listen port; the value is the same
// JSON document the admin API accepts.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fabian4/dynaproxy/internal/config"
)

const busyTimeout = 5 * time.Second

// Store is a SQLite-backed table of service definitions.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once

	saveStmt   *sql.Stmt
	deleteStmt *sql.Stmt
	listStmt   *sql.Stmt
}

// PathFromURL accepts "sqlite://<path>", "sqlite:<path>" or a bare path.
func PathFromURL(dbURL string) (string, error) {
	p := strings.TrimSpace(dbURL)
	switch {
	case strings.HasPrefix(p, "sqlite://"):
		p = strings.TrimPrefix(p, "sqlite://")
	case strings.HasPrefix(p, "sqlite:"):
		p = strings.TrimPrefix(p, "sqlite:")
	case strings.Contains(p, "://"):
		return "", fmt.Errorf("database url %q: only sqlite is supported", dbURL)
	}
	if p == "" {
		return "", fmt.Errorf("database url %q: empty path", dbURL)
	}
	return p, nil
}

// Open opens (creating if needed) the database named by dbURL.
func Open(dbURL string) (*Store, error) {
	path, err := PathFromURL(dbURL)
	if err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS services (
		listen_port INTEGER PRIMARY KEY,
		definition  TEXT NOT NULL,
		updated_at  INTEGER NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	var err error
	if s.saveStmt, err = s.db.Prepare(`
		INSERT INTO services (listen_port, definition, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (listen_port) DO UPDATE SET
			definition = excluded.definition,
			updated_at = excluded.updated_at`); err != nil {
		return fmt.Errorf("prepare save: %w", err)
	}
	if s.deleteStmt, err = s.db.Prepare(`DELETE FROM services WHERE listen_port = ?`); err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	if s.listStmt, err = s.db.Prepare(`SELECT listen_port, definition FROM services ORDER BY listen_port`); err != nil {
		return fmt.Errorf("prepare list: %w", err)
	}
	return nil
}

// Save upserts the definition for its listen port.
func (s *Store) Save(ctx context.Context, def config.ServiceDef) error {
	b, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode service on port %d: %w", def.ListenPort, err)
	}
	if _, err := s.saveStmt.ExecContext(ctx, def.ListenPort, string(b), time.Now().Unix()); err != nil {
		return fmt.Errorf("save service on port %d: %w", def.ListenPort, err)
	}
	return nil
}

// Delete drops the definition on port. Deleting an absent row is not an error.
func (s *Store) Delete(ctx context.Context, port int) error {
	if _, err := s.deleteStmt.ExecContext(ctx, port); err != nil {
		return fmt.Errorf("delete service on port %d: %w", port, err)
	}
	return nil
}

// Load returns every stored definition ordered by port.
func (s *Store) Load(ctx context.Context) ([]config.ServiceDef, error) {
	rows, err := s.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("load services: %w", err)
	}
	defer rows.Close()

	var out []config.ServiceDef
	for rows.Next() {
		var (
			port int
			raw  string
		)
		if err := rows.Scan(&port, &raw); err != nil {
			return nil, fmt.Errorf("load services: %w", err)
		}
		var def config.ServiceDef
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			return nil, fmt.Errorf("decode service on port %d: %w", port, err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// Close releases the statements and the database handle.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, st := range []*sql.Stmt{s.saveStmt, s.deleteStmt, s.listStmt} {
			if st != nil {
				_ = st.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}
