package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "grabbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store at cfg.Path, running migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. One connection also
	// makes read-modify-write transactions serialize naturally.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const userCols = `id, username, daily_count, tube_count, last_reset_date,
	premium, premium_until, balance, total_downloads`

func scanUser(row *sql.Row) (User, error) {
	var (
		u        User
		username sql.NullString
		until    sql.NullString
		premium  int
	)
	err := row.Scan(&u.ID, &username, &u.DailyCount, &u.TubeCount, &u.LastResetDate,
		&premium, &until, &u.Balance, &u.TotalDownloads)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.Username = username.String
	u.Premium = premium != 0
	if until.Valid && until.String != "" {
		if t, perr := time.Parse(time.RFC3339Nano, until.String); perr == nil {
			u.PremiumUntil = t
		}
	}
	return u, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *sqliteStore) EnsureUser(ctx context.Context, id int64, username string) (User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, username) VALUES(?,?)
		 ON CONFLICT(id) DO UPDATE SET username = excluded.username
		 WHERE excluded.username != ''`,
		id, username,
	)
	if err != nil {
		return User{}, err
	}
	return s.GetUser(ctx, id)
}

func (s *sqliteStore) UpdateUser(ctx context.Context, id int64, fn func(u *User) error) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		return User{}, err
	}

	if err := fn(&u); err != nil {
		return User{}, err
	}

	var until any
	if !u.PremiumUntil.IsZero() {
		until = u.PremiumUntil.Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE users SET username=?, daily_count=?, tube_count=?, last_reset_date=?,
		 premium=?, premium_until=?, balance=?, total_downloads=? WHERE id=?`,
		nullStr(u.Username), u.DailyCount, u.TubeCount, u.LastResetDate,
		boolInt(u.Premium), until, u.Balance, u.TotalDownloads, u.ID,
	)
	if err != nil {
		return User{}, err
	}
	if err := tx.Commit(); err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *sqliteStore) AppendReward(ctx context.Context, e RewardEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = balance + ? WHERE id = ?`, e.Amount, e.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO rewards(user_id, amount, kind, at) VALUES(?,?,?,?)`,
		e.UserID, e.Amount, string(e.Kind), e.At.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SumRewards(ctx context.Context, userID int64) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM rewards WHERE user_id = ?`, userID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

func (s *sqliteStore) StaleUsers(ctx context.Context, today string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users WHERE last_reset_date != ?`, today)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
