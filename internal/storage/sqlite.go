package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
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

// Store wraps a SQLite database holding the message ledger.
type Store struct {
	db        *sql.DB
	dimension int
	now       func() time.Time
}

// Option customises a Store.
type Option func(*Store)

// WithDimension makes SetEmbedding reject vectors of any other length.
func WithDimension(d int) Option {
	return func(s *Store) { s.dimension = d }
}

// WithClock replaces time.Now for store-assigned timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string, opts ...Option) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "aigis.db")
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

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
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

// Dimension returns the configured embedding dimension, or 0 if unchecked.
func (s *Store) Dimension() int { return s.dimension }

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

// --- Messages ---

const messageColumns = `id, external_id, channel_id, guild_id, author_id, author_name, content, role, created_at, embedding`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var guildID sql.NullString
	var role string
	var createdAt int64
	var blob []byte
	if err := row.Scan(&m.ID, &m.ExternalID, &m.ChannelID, &guildID, &m.AuthorID, &m.AuthorName, &m.Content, &role, &createdAt, &blob); err != nil {
		return Message{}, err
	}
	m.GuildID = guildID.String
	m.Role = Role(role)
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	if blob != nil {
		vec, err := decodeFloat32s(blob)
		if err != nil {
			return Message{}, fmt.Errorf("decoding embedding for message %d: %w", m.ID, err)
		}
		m.Embedding = vec
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var results []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// InsertMessage durably writes a message. When a row with the same external
// id already exists nothing is written and the existing row is returned with
// inserted == false. Uniqueness is enforced by the table constraint, so
// concurrent inserts of one external id still yield a single row.
func (s *Store) InsertMessage(ctx context.Context, in MessageInput) (Message, bool, error) {
	if err := in.validate(); err != nil {
		return Message{}, false, err
	}
	if in.Role == "" {
		in.Role = RoleUser
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	createdAt = createdAt.UTC()

	var guildID sql.NullString
	if in.GuildID != "" {
		guildID = sql.NullString{String: in.GuildID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (external_id, channel_id, guild_id, author_id, author_name, content, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING`,
		in.ExternalID, in.ChannelID, guildID, in.AuthorID, in.AuthorName, in.Content, string(in.Role), createdAt.UnixNano(),
	)
	if err != nil {
		return Message{}, false, &WriteError{Op: "insert message", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Message{}, false, &WriteError{Op: "insert message", Err: err}
	}

	if n == 0 {
		existing, err := s.GetByExternalID(ctx, in.ExternalID)
		if err != nil {
			return Message{}, false, fmt.Errorf("loading existing message %s: %w", in.ExternalID, err)
		}
		return existing, false, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, false, &WriteError{Op: "insert message", Err: err}
	}
	return Message{
		ID:         id,
		ExternalID: in.ExternalID,
		ChannelID:  in.ChannelID,
		GuildID:    in.GuildID,
		AuthorID:   in.AuthorID,
		AuthorName: in.AuthorName,
		Content:    in.Content,
		Role:       in.Role,
		CreatedAt:  time.Unix(0, createdAt.UnixNano()).UTC(),
	}, true, nil
}

// GetByExternalID returns the message with the given external id.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// GetMessage returns the message with the given store id.
func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// RecentMessages returns up to limit most recent messages of a channel in
// ascending (created_at, id) order.
func (s *Store) RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	// Return in chronological order for context building.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SetEmbedding attaches an embedding to a stored message.
func (s *Store) SetEmbedding(ctx context.Context, id int64, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if s.dimension > 0 && len(vec) != s.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dimension)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET embedding = ?, embedded_at = ? WHERE id = ?`,
		encodeFloat32s(vec), s.now().UTC().UnixNano(), id)
	if err != nil {
		return &WriteError{Op: "set embedding", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &WriteError{Op: "set embedding", Err: err}
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MissingEmbeddings returns up to limit messages whose embedding is still NULL,
// oldest first. Blank messages are never embedded and are left out.
func (s *Store) MissingEmbeddings(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE embedding IS NULL AND trim(content) != ''
		ORDER BY id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages without embeddings: %w", err)
	}
	return scanMessages(rows)
}

// EmbeddingRow is the slim projection scanned during brute-force ranking.
type EmbeddingRow struct {
	ID        int64
	CreatedAt time.Time
	Embedding []float32
}

// ScanEmbeddings calls fn for every message with a non-NULL embedding,
// optionally restricted to one channel. row.Embedding is reused between calls;
// fn must copy it to retain it and must not call back into the Store.
func (s *Store) ScanEmbeddings(ctx context.Context, channelID string, fn func(row EmbeddingRow) error) error {
	query := `SELECT id, created_at, embedding FROM messages WHERE embedding IS NOT NULL`
	var args []any
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	for rows.Next() {
		var id, createdAt int64
		var blob []byte
		if err := rows.Scan(&id, &createdAt, &blob); err != nil {
			return fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return fmt.Errorf("decoding embedding for %d: %w", id, err)
		}
		if err := fn(EmbeddingRow{ID: id, CreatedAt: time.Unix(0, createdAt).UTC(), Embedding: buf}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating rows: %w", err)
	}
	return nil
}

// EmbeddedMessages returns every message with an embedding, optionally
// restricted to one channel. Used to warm in-memory indexes.
func (s *Store) EmbeddedMessages(ctx context.Context, channelID string) ([]Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE embedding IS NOT NULL`
	var args []any
	if channelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying embedded messages: %w", err)
	}
	return scanMessages(rows)
}

// MessagesByID returns the messages with the given store ids, in no
// particular order. Unknown ids are skipped.
func (s *Store) MessagesByID(ctx context.Context, ids []int64) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying by ids: %w", err)
	}
	return scanMessages(rows)
}

// PriorMessageByAuthor returns the latest message by authorID in channelID
// that precedes ref in the channel's total order.
func (s *Store) PriorMessageByAuthor(ctx context.Context, channelID, authorID string, ref Message) (Message, error) {
	refAt := ref.CreatedAt.UnixNano()
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel_id = ? AND author_id = ?
		  AND (created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, channelID, authorID, refAt, refAt, ref.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

// MessagesBetween returns up to limit messages of channelID strictly between
// after and before in the channel's total order, ascending.
func (s *Store) MessagesBetween(ctx context.Context, channelID string, after, before Message, limit int) ([]Message, error) {
	afterAt, beforeAt := after.CreatedAt.UnixNano(), before.CreatedAt.UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE channel_id = ?
		  AND (created_at > ? OR (created_at = ? AND id > ?))
		  AND (created_at < ? OR (created_at = ? AND id < ?))
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		channelID, afterAt, afterAt, after.ID, beforeAt, beforeAt, before.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages between: %w", err)
	}
	return scanMessages(rows)
}

// Counts summarises the ledger.
type Counts struct {
	Messages int `json:"messages"`
	Embedded int `json:"embedded"`
}

// CountMessages returns the total and embedded message counts.
func (s *Store) CountMessages(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(embedding) FROM messages`).Scan(&c.Messages, &c.Embedded)
	return c, err
}
