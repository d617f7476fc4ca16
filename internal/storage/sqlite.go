package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding chats, their messages, and the
// small key/value state the panel restores on start.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "vprof.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the connection for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// --- Chats ---

// CreateChat inserts a chat and makes it the active one in a single transaction.
func (s *Store) CreateChat(c Chat) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning create transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO chats (id, title, created_at, updated_at, context, attach_context)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, millis(c.CreatedAt), millis(c.UpdatedAt), c.Context, c.AttachContext,
	); err != nil {
		return fmt.Errorf("inserting chat: %w", err)
	}
	if err := setState(tx, KeyActiveID, c.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateChat rewrites the mutable columns of a chat.
func (s *Store) UpdateChat(c Chat) error {
	res, err := s.db.Exec(`UPDATE chats SET title = ?, updated_at = ?, context = ?, attach_context = ? WHERE id = ?`,
		c.Title, millis(c.UpdatedAt), c.Context, c.AttachContext, c.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteChat removes a chat with its messages and stores the new active ID
// ("" clears it) in the same transaction.
func (s *Store) DeleteChat(id, nextActiveID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("deleting messages: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting chat: %w", err)
	}
	if err := expectOne(res); err != nil {
		return err
	}

	if nextActiveID == "" {
		if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, KeyActiveID); err != nil {
			return fmt.Errorf("clearing active chat: %w", err)
		}
	} else if err := setState(tx, KeyActiveID, nextActiveID); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendMessage stores a message at position seq and bumps the chat's updated_at.
func (s *Store) AppendMessage(chatID string, m Message, updatedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning message transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO messages (chat_id, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		chatID, m.Seq, m.Role, m.Content, millis(m.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	res, err := tx.Exec(`UPDATE chats SET updated_at = ? WHERE id = ?`, millis(updatedAt), chatID)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

// ListChats returns every chat with its messages, most recently updated first.
func (s *Store) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(`
		SELECT id, title, created_at, updated_at, context, attach_context
		FROM chats ORDER BY updated_at DESC, created_at DESC`)
	if err != nil {
		return nil, err
	}

	var chats []Chat
	index := make(map[string]int)
	for rows.Next() {
		var c Chat
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Title, &created, &updated, &c.Context, &c.AttachContext); err != nil {
			rows.Close()
			return nil, err
		}
		c.CreatedAt = fromMillis(created)
		c.UpdatedAt = fromMillis(updated)
		index[c.ID] = len(chats)
		chats = append(chats, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgRows, err := s.db.Query(`SELECT chat_id, seq, role, content, created_at FROM messages ORDER BY chat_id, seq`)
	if err != nil {
		return nil, err
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var chatID string
		var m Message
		var created int64
		if err := msgRows.Scan(&chatID, &m.Seq, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(created)
		if i, ok := index[chatID]; ok {
			chats[i].Messages = append(chats[i].Messages, m)
		}
	}
	return chats, msgRows.Err()
}

// --- State ---

// GetState returns the value for key, or ErrNotFound.
func (s *Store) GetState(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetState upserts a key/value pair.
func (s *Store) SetState(key, value string) error {
	return setState(s.db, key, value)
}

// DeleteState removes a key. Deleting a missing key is not an error.
func (s *Store) DeleteState(key string) error {
	_, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key)
	return err
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func setState(e execer, key, value string) error {
	_, err := e.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, millis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
