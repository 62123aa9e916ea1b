package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/lilydjwg/xmpptalk/internal/dbx"
	"github.com/lilydjwg/xmpptalk/internal/storage"
)

type DB struct {
	db       *sql.DB
	capacity int
}

// New opens (or creates) xmpptalk.db in dataDir. The message log keeps at
// most capacity entries.
func New(dataDir string, capacity int) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return Open(filepath.Join(dataDir, "xmpptalk.db"), capacity)
}

// Open opens the database at path
func Open(path string, capacity int) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db, capacity: capacity}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			address TEXT PRIMARY KEY,
			nick TEXT UNIQUE,
			flags INTEGER NOT NULL,
			joined_at INTEGER NOT NULL,
			last_seen INTEGER NOT NULL DEFAULT 0,
			mute_until INTEGER NOT NULL,
			stop_until INTEGER NOT NULL,
			allow_dm INTEGER NOT NULL DEFAULT 1,
			blocked_json TEXT NOT NULL DEFAULT '[]',
			nick_changes INTEGER NOT NULL DEFAULT 0,
			nick_changed_at INTEGER NOT NULL,
			msg_count INTEGER NOT NULL DEFAULT 0,
			msg_chars INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			time INTEGER NOT NULL,
			address TEXT NOT NULL,
			text TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'msg'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_time ON logs(time)`,

		`CREATE TABLE IF NOT EXISTS group_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			welcome TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT ''
		)`,
		`INSERT OR IGNORE INTO group_settings (id) VALUES (1)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

const userColumns = `address, nick, flags, joined_at, last_seen, mute_until, stop_until,
	allow_dm, blocked_json, nick_changes, nick_changed_at, msg_count, msg_chars`

// times are stored as unix milliseconds; nanoseconds would overflow
// for mutes that run past 2262
func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*storage.User, error) {
	var (
		u                                    storage.User
		nick                                 sql.NullString
		joined, seen, mute, stop, nickChange int64
		blocked                              string
	)
	err := row.Scan(&u.Address, &nick, &u.Flags, &joined, &seen, &mute, &stop,
		&u.AllowDM, &blocked, &u.NickChanges, &nickChange, &u.MsgCount, &u.MsgChars)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	u.Nick = nick.String
	u.JoinedAt = fromUnix(joined)
	u.LastSeen = fromUnix(seen)
	u.MuteUntil = fromUnix(mute)
	u.StopUntil = fromUnix(stop)
	u.NickChangedAt = fromUnix(nickChange)
	if err := json.Unmarshal([]byte(blocked), &u.BlockedSenders); err != nil {
		return nil, fmt.Errorf("bad blocked list for %s: %w", u.Address, err)
	}
	return &u, nil
}

func userArgs(u *storage.User) ([]any, error) {
	blocked := u.BlockedSenders
	if blocked == nil {
		blocked = []string{}
	}
	data, err := json.Marshal(blocked)
	if err != nil {
		return nil, err
	}
	return []any{
		u.Address, dbx.NullString(u.Nick), int(u.Flags), toUnix(u.JoinedAt), toUnix(u.LastSeen),
		toUnix(u.MuteUntil), toUnix(u.StopUntil), u.AllowDM, string(data),
		u.NickChanges, toUnix(u.NickChangedAt), u.MsgCount, u.MsgChars,
	}, nil
}

// mapErr turns unique constraint violations into storage.ErrDuplicate
func mapErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %v", storage.ErrDuplicate, err)
	}
	return err
}

func (d *DB) FindUser(ctx context.Context, addr string) (*storage.User, error) {
	return scanUser(d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE address = ?`, addr))
}

func (d *DB) FindUserByNick(ctx context.Context, nick string) (*storage.User, error) {
	return scanUser(d.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE nick = ?`, nick))
}

func (d *DB) CreateUser(ctx context.Context, u *storage.User) error {
	args, err := userArgs(u)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	return mapErr(err)
}

func (d *DB) UpdateUser(ctx context.Context, addr string, upd storage.UserUpdate) (*storage.User, error) {
	var prev *storage.User
	err := dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		u, err := scanUser(tx.QueryRowContext(ctx,
			`SELECT `+userColumns+` FROM users WHERE address = ?`, addr))
		if err != nil {
			return err
		}
		prev = u.Clone()
		upd.Apply(u)

		args, err := userArgs(u)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE users SET nick = ?, flags = ?, joined_at = ?, last_seen = ?,
				mute_until = ?, stop_until = ?, allow_dm = ?, blocked_json = ?,
				nick_changes = ?, nick_changed_at = ?, msg_count = ?, msg_chars = ?
			WHERE address = ?
		`, append(args[1:], addr)...)
		return mapErr(err)
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (d *DB) DeleteUser(ctx context.Context, addr string) error {
	res, err := d.db.ExecContext(ctx, "DELETE FROM users WHERE address = ?", addr)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (d *DB) ListUsers(ctx context.Context) ([]*storage.User, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY msg_count, msg_chars, nick
	`)
	if err != nil {
		return nil, err
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
		res, err := tx.ExecContext(ctx, `
			INSERT INTO logs (time, address, text, kind) VALUES (?, ?, ?, ?)
		`, toUnix(e.Time), e.Address, e.Text, string(e.Kind))
		if err != nil {
			return err
		}
		if d.capacity <= 0 {
			return nil
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM logs WHERE id <= ?", id-int64(d.capacity))
		return err
	})
}

func (d *DB) RecentLogs(ctx context.Context, limit int, since time.Time) ([]storage.LogEntry, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, time, address, text, kind FROM logs
		WHERE time > ?
		ORDER BY id DESC
		LIMIT ?
	`, toUnix(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []storage.LogEntry
	for rows.Next() {
		var e storage.LogEntry
		var ts int64
		var kind string
		if err := rows.Scan(&e.ID, &ts, &e.Address, &e.Text, &kind); err != nil {
			return nil, err
		}
		e.Time = fromUnix(ts)
		e.Kind = storage.LogKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (d *DB) GroupSettings(ctx context.Context) (storage.GroupSettings, error) {
	var g storage.GroupSettings
	err := d.db.QueryRowContext(ctx,
		`SELECT welcome, status FROM group_settings WHERE id = 1`).Scan(&g.Welcome, &g.Status)
	return g, err
}

func (d *DB) UpdateGroupSettings(ctx context.Context, upd storage.GroupUpdate) (storage.GroupSettings, error) {
	var g storage.GroupSettings
	err := dbx.WithTx(ctx, d.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		err := tx.QueryRowContext(ctx,
			`SELECT welcome, status FROM group_settings WHERE id = 1`).Scan(&g.Welcome, &g.Status)
		if err != nil {
			return err
		}
		upd.Apply(&g)
		_, err = tx.ExecContext(ctx,
			`UPDATE group_settings SET welcome = ?, status = ? WHERE id = 1`, g.Welcome, g.Status)
		return err
	})
	return g, err
}
