// Package sqlite stores conversation messages in a SQLite database using the
// pure Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"ragchat/internal/conversation"
	"ragchat/internal/conversation/sqlite/migrations"
	"ragchat/internal/domain"
)

var _ conversation.Storage = (*Storage)(nil)

// Storage is a conversation log backed by a single messages table.
type Storage struct {
	db   *sql.DB
	path string
}

// NewStorage opens (creating if needed) the database at path and applies
// pending migrations.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", domain.ErrConfiguration)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// WAL keeps readers off the writer's back.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Storage{db: db, path: path}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Storage) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Storage) Path() string { return s.path }

func (s *Storage) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := s.apply(version, string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
	}
	return nil
}

// apply runs one migration and records its version in a single transaction.
func (s *Storage) apply(version int, script string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(script); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) Append(ctx context.Context, key string, m domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_key, turn_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, key, m.TurnID, string(m.Role), m.Content, m.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (s *Storage) List(ctx context.Context, key string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, turn_id, role, content, created_at FROM (
			SELECT seq, id, turn_id, role, content, created_at
			FROM messages
			WHERE conversation_key = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Storage) DeleteTurn(ctx context.Context, key, turnID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_key = ? AND turn_id = ?`, key, turnID)
	if err != nil {
		return fmt.Errorf("deleting turn: %w", err)
	}
	return nil
}

func (s *Storage) Reset(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_key = ?`, key); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	return tx.Commit()
}

func (s *Storage) Orphans(ctx context.Context) ([]domain.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.conversation_key, m.id, m.turn_id, m.role, m.content, m.created_at
		FROM messages m
		WHERE m.role = 'user' AND NOT EXISTS (
			SELECT 1 FROM messages a
			WHERE a.conversation_key = m.conversation_key
			  AND a.turn_id = m.turn_id
			  AND a.role = 'assistant'
		)
		ORDER BY m.seq
	`)
	if err != nil {
		return nil, fmt.Errorf("finding orphans: %w", err)
	}
	defer rows.Close()

	var out []domain.Turn
	for rows.Next() {
		var key string
		m, err := scanMessage(rows, &key)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Turn{
			ID:              m.TurnID,
			ConversationKey: key,
			User:            m,
			State:           domain.TurnPendingUser,
			StartedAt:       m.Timestamp,
		})
	}
	return out, rows.Err()
}

// scanMessage reads id, turn_id, role, content, created_at, preceded by
// any extra destinations.
func scanMessage(rows *sql.Rows, extra ...any) (domain.Message, error) {
	var (
		m    domain.Message
		role string
		ts   int64
	)
	dest := append(extra, &m.ID, &m.TurnID, &role, &m.Content, &ts)
	if err := rows.Scan(dest...); err != nil {
		return domain.Message{}, fmt.Errorf("scanning message: %w", err)
	}
	r, err := domain.ParseRole(role)
	if err != nil {
		return domain.Message{}, err
	}
	m.Role = r
	m.Timestamp = time.Unix(0, ts).UTC()
	return m, nil
}
