// Package postgres is a Repository backed by PostgreSQL, for groups whose
// data lives in a shared database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/lilydjwg/xmpptalk/internal/dbx"
	"github.com/lilydjwg/xmpptalk/internal/storage"
	"github.com/lilydjwg/xmpptalk/internal/storage/postgres/migrations"
)

const uniqueViolation = "23505"

type DB struct {
	db       *sql.DB
	capacity int
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Open connects to dsn and migrates the schema
func Open(ctx context.Context, dsn string, capacity int) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return New(db, capacity), nil
}

// RunMigrations applies the embedded goose migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

// New wraps an already migrated database
func New(db *sql.DB, capacity int) *DB {
	return &DB{db: db, capacity: capacity}
}

func (d *DB) Close() error {
	return d.db.Close()
}

const userColumns = `address, nick, flags, joined_at, last_seen, mute_until, stop_until, allow_dm, blocked_json, nick_changes, nick_changed_at, msg_count, msg_chars`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*storage.User, error) {
	var (
		u        storage.User
		nick     sql.NullString
		lastSeen sql.NullTime
		blocked  string
	)
	err := row.Scan(&u.Address, &nick, &u.Flags, &u.JoinedAt, &lastSeen, &u.MuteUntil, &u.StopUntil,
		&u.AllowDM, &blocked, &u.NickChanges, &u.NickChangedAt, &u.MsgCount, &u.MsgChars)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	u.Nick = nick.String
	if lastSeen.Valid {
		u.LastSeen = lastSeen.Time
	}
	if err := json.Unmarshal([]byte(blocked), &u.BlockedSenders); err != nil {
		return nil, fmt.Errorf("bad blocked list for %s: %w", u.Address, err)
	}
	return &u, nil
}

func blockedJSON(u *storage.User) (string, error) {
	blocked := u.BlockedSenders
	if blocked == nil {
		blocked = []string{}
	}
	data, err := json.Marshal(blocked)
	return string(data), err
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", storage.ErrDuplicate, pgErr.ConstraintName)
	}
	return fmt.Errorf("db error: %w", err)
}

func (d *DB) FindUser(ctx context.Context, addr string) (*storage.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE address = $1`
	return scanUser(d.db.QueryRowContext(ctx, query, addr))
}

func (d *DB) FindUserByNick(ctx context.Context, nick string) (*storage.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE nick = $1`
	return scanUser(d.db.QueryRowContext(ctx, query, nick))
}

func (d *DB) CreateUser(ctx context.Context, u *storage.User) error {
	blocked, err := blockedJSON(u)
	if err != nil {
		return err
	}
	query :=
		`INSERT INTO users (` + userColumns + `)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = d.db.ExecContext(ctx, query,
		u.Address, dbx.NullString(u.Nick), int(u.Flags), u.JoinedAt, dbx.NullTime(u.LastSeen),
		u.MuteUntil, u.StopUntil, u.AllowDM, blocked,
		u.NickChanges, u.NickChangedAt, u.MsgCount, u.MsgChars)
	return mapErr(err)
}

func (d *DB) UpdateUser(ctx context.Context, addr string, upd storage.UserUpdate) (*storage.User, error) {
	var prev *storage.User
	err := dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		query := `SELECT ` + userColumns + ` FROM users WHERE address = $1 FOR UPDATE`
		u, err := scanUser(tx.QueryRowContext(ctx, query, addr))
		if err != nil {
			return err
		}
		prev = u.Clone()
		upd.Apply(u)

		blocked, err := blockedJSON(u)
		if err != nil {
			return err
		}
		update :=
			`UPDATE users SET nick = $2, flags = $3, last_seen = $4, mute_until = $5,
			 stop_until = $6, allow_dm = $7, blocked_json = $8, nick_changes = $9,
			 nick_changed_at = $10, msg_count = $11, msg_chars = $12
			 WHERE address = $1`
		_, err = tx.ExecContext(ctx, update,
			addr, dbx.NullString(u.Nick), int(u.Flags), dbx.NullTime(u.LastSeen), u.MuteUntil,
			u.StopUntil, u.AllowDM, blocked, u.NickChanges,
			u.NickChangedAt, u.MsgCount, u.MsgChars)
		return mapErr(err)
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (d *DB) DeleteUser(ctx context.Context, addr string) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM users WHERE address = $1`, addr)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (d *DB) ListUsers(ctx context.Context) ([]*storage.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY msg_count, msg_chars, nick NULLS FIRST`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var users []*storage.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (d *DB) AppendLog(ctx context.Context, e storage.LogEntry) error {
	return dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var id int64
		insert := `INSERT INTO logs (time, address, text, kind) VALUES ($1, $2, $3, $4) RETURNING id`
		if err := tx.QueryRowContext(ctx, insert, e.Time, e.Address, e.Text, string(e.Kind)).Scan(&id); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if d.capacity <= 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM logs WHERE id <= $1`, id-int64(d.capacity)); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
}

func (d *DB) RecentLogs(ctx context.Context, limit int, since time.Time) ([]storage.LogEntry, error) {
	query := `SELECT id, time, address, text, kind FROM logs WHERE time > $1 ORDER BY id DESC LIMIT $2`
	if since.IsZero() {
		since = time.Unix(0, 0)
	}
	rows, err := d.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var entries []storage.LogEntry
	for rows.Next() {
		var e storage.LogEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.Time, &e.Address, &e.Text, &kind); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		e.Kind = storage.LogKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (d *DB) GroupSettings(ctx context.Context) (storage.GroupSettings, error) {
	var g storage.GroupSettings
	err := d.db.QueryRowContext(ctx, `SELECT welcome, status FROM group_settings WHERE id = 1`).
		Scan(&g.Welcome, &g.Status)
	if err != nil {
		return g, fmt.Errorf("db error: %w", err)
	}
	return g, nil
}

func (d *DB) UpdateGroupSettings(ctx context.Context, upd storage.GroupUpdate) (storage.GroupSettings, error) {
	var g storage.GroupSettings
	err := dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		err := tx.QueryRowContext(ctx, `SELECT welcome, status FROM group_settings WHERE id = 1 FOR UPDATE`).
			Scan(&g.Welcome, &g.Status)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		upd.Apply(&g)
		_, err = tx.ExecContext(ctx, `UPDATE group_settings SET welcome = $1, status = $2 WHERE id = 1`,
			g.Welcome, g.Status)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		return nil
	})
	return g, err
}
