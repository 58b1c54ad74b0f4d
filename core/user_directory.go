package core

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
}

func (o *SQLiteDBOption) query() string {
	if o == nil {
		return ""
	}
	q := url.Values{}
	if o.Mode != "" {
		q.Set("mode", o.Mode)
	}
	if o.Cache != "" {
		q.Set("cache", o.Cache)
	}
	if o.JournalMode != "" {
		q.Set("_journal_mode", o.JournalMode)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// UserDirectory is the SQLite database in which users are registered by the
// account service. The chat server only reads from it to seed its identity store.
type UserDirectory struct {
	*sql.DB
	migrationDir string
}

func OpenUserDirectory(file, migrationDir string, opts *SQLiteDBOption) (*UserDirectory, error) {
	db, err := sql.Open("sqlite3", "file:"+file+opts.query())
	if err != nil {
		return nil, fmt.Errorf("open user directory: %w", err)
	}
	return &UserDirectory{DB: db, migrationDir: migrationDir}, nil
}

func (d *UserDirectory) Migrate() error {
	goose.SetBaseFS(os.DirFS(d.migrationDir))
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	if err := goose.Up(d.DB, "."); err != nil {
		return fmt.Errorf("migrate user directory: %w", err)
	}
	return nil
}

// LoadInto copies every registered user into store and returns how many were added.
func (d *UserDirectory) LoadInto(ctx context.Context, store UserStore) (int, error) {
	rows, err := d.QueryContext(ctx,
		"SELECT id, username, email, avatar, created_at FROM users ORDER BY created_at, rowid")
	if err != nil {
		return 0, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var (
			user          User
			email, avatar sql.NullString
			createdAt     time.Time
		)
		if err := rows.Scan(&user.ID, &user.Username, &email, &avatar, &createdAt); err != nil {
			return n, fmt.Errorf("scanning user: %w", err)
		}
		user.Email = email.String
		user.Avatar = avatar.String
		user.CreatedAt = createdAt
		if _, err := store.Add(ctx, user); err != nil {
			return n, fmt.Errorf("adding user %s: %w", user.ID, err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("iterating users: %w", err)
	}
	return n, nil
}
