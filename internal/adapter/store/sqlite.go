package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"opsbridge/internal/domain"
)

// Conversation is one persisted dialogue: an ID, an owner, and the turns
// accumulated across requests.
type Conversation struct {
	ID        string        `json:"id"`
	User      string        `json:"user,omitempty"`
	Turns     []domain.Turn `json:"turns"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// SQLiteStore persists conversations in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open conversation db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate conversation db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			user       TEXT NOT NULL DEFAULT '',
			turns      TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create starts a new conversation with a ULID identifier.
func (s *SQLiteStore) Create(ctx context.Context, user string) (*Conversation, error) {
	now := time.Now().UTC()
	c := &Conversation{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		User:      user,
		Turns:     []domain.Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user, turns, created_at, updated_at) VALUES (?, ?, '[]', ?, ?)`,
		c.ID, c.User, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

// Get returns one conversation by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user, turns, created_at, updated_at FROM conversations WHERE id = ?`, id)

	var c Conversation
	var turnsJSON, createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.User, &turnsJSON, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewDomainError("Store.Get", domain.ErrConversationNotFound, id)
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	if err := json.Unmarshal([]byte(turnsJSON), &c.Turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

// AppendTurns adds turns to an existing conversation.
func (s *SQLiteStore) AppendTurns(ctx context.Context, id string, turns []domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var turnsJSON string
	row := tx.QueryRowContext(ctx, `SELECT turns FROM conversations WHERE id = ?`, id)
	if err := row.Scan(&turnsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NewDomainError("Store.AppendTurns", domain.ErrConversationNotFound, id)
		}
		return fmt.Errorf("scan turns: %w", err)
	}

	var existing []domain.Turn
	if err := json.Unmarshal([]byte(turnsJSON), &existing); err != nil {
		return fmt.Errorf("decode turns: %w", err)
	}
	existing = append(existing, turns...)

	updated, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("encode turns: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conversations SET turns = ?, updated_at = ? WHERE id = ?`,
		string(updated), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return tx.Commit()
}

// ReapStale deletes conversations untouched for longer than maxAge and
// returns how many were removed.
func (s *SQLiteStore) ReapStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap conversations: %w", err)
	}
	return res.RowsAffected()
}
