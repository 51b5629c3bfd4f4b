package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // postgres:// migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq" // postgres driver for database/sql

	"github.com/fitmatch/realtime/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres stores messages and notifications in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle. The schema must already exist;
// see Migrate.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// DB returns the underlying handle so other Postgres-backed stores can share
// the pool.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

// OpenPostgres applies pending migrations and opens a connection pool for
// the given postgres:// URL.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}
	return NewPostgres(db), nil
}

// Migrate applies the embedded schema migrations. It is a no-op when the
// schema is current.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// SaveMessage inserts a message. Re-sending a message with the same id is a
// no-op.
func (p *Postgres) SaveMessage(ctx context.Context, msg protocol.Message) error {
	const query = `
		INSERT INTO messages (id, room_id, sender_id, sender_role, text, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := p.db.ExecContext(ctx, query,
		msg.ID,
		msg.RoomID,
		msg.SenderID,
		string(msg.SenderRole),
		msg.Text,
		msg.SentAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// History returns up to limit of the most recent messages in a room, oldest
// first.
func (p *Postgres) History(ctx context.Context, roomID string, limit int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = DefaultRoomCapacity
	}
	const query = `
		SELECT id, room_id, sender_id, sender_role, text, sent_at
		FROM messages
		WHERE room_id = $1
		ORDER BY sent_at DESC, id DESC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query history: %w", err)
	}
	defer rows.Close()

	msgs := []protocol.Message{}
	for rows.Next() {
		var (
			m    protocol.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &role, &m.Text, &m.SentAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.SenderRole = protocol.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate history: %w", err)
	}

	// Rows arrive newest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveNotification inserts a notification.
func (p *Postgres) SaveNotification(ctx context.Context, n protocol.Notification) error {
	const query = `
		INSERT INTO notifications (id, user_id, category, payload, created_at, read)
		VALUES ($1, $2, $3, $4, $5, $6)`

	// JSONB takes the payload as text; an empty payload is stored as NULL.
	var payload interface{}
	if len(n.Payload) > 0 {
		payload = string(n.Payload)
	}

	_, err := p.db.ExecContext(ctx, query, n.ID, n.UserID, n.Category, payload, n.CreatedAt, n.Read)
	if err != nil {
		return fmt.Errorf("store: insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns up to limit of a user's notifications, newest
// first.
func (p *Postgres) ListNotifications(ctx context.Context, userID string, limit int) ([]protocol.Notification, error) {
	if limit <= 0 {
		limit = DefaultInboxCapacity
	}
	const query = `
		SELECT id, user_id, category, payload, created_at, read
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query notifications: %w", err)
	}
	defer rows.Close()

	items := []protocol.Notification{}
	for rows.Next() {
		var (
			n       protocol.Notification
			payload []byte
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.Category, &payload, &n.CreatedAt, &n.Read); err != nil {
			return nil, fmt.Errorf("store: scan notification: %w", err)
		}
		if len(payload) > 0 {
			n.Payload = payload
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate notifications: %w", err)
	}
	return items, nil
}

// AckNotification marks a user's notification read. It returns ErrNotFound
// when the notification does not belong to the user.
func (p *Postgres) AckNotification(ctx context.Context, userID, notificationID string) error {
	const query = `UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`

	res, err := p.db.ExecContext(ctx, query, notificationID, userID)
	if err != nil {
		return fmt.Errorf("store: ack notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: ack notification: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
