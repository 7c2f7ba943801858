// Package journal persists keeper repay attempts in Postgres.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var ErrNotFound = errors.New("attempt not found")

// Attempt is one signed auto-repay batch. Health values are buffered
// percentages; PostHealth stays nil until the keeper re-reads the account.
type Attempt struct {
	Signature    string `json:"signature"`
	Owner        string `json:"owner"`
	Vault        string `json:"vault"`
	Caller       string `json:"caller"`
	Status       Status `json:"status"`
	Error        string `json:"error,omitempty"`
	PreHealth    uint8  `json:"pre_health"`
	PostHealth   *uint8 `json:"post_health,omitempty"`
	RepayAmount  uint64 `json:"repay_amount"`
	CollateralIn uint64 `json:"collateral_in"`
	StartBalance uint64 `json:"start_balance"`
	Slot         uint64 `json:"slot"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

type Filter struct {
	Owner  string
	Status Status
	Limit  int
	Offset int
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type Store struct {
	db  *DB
	now func() time.Time
}

type DB struct {
	raw *sql.DB
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// Escaped quote inside a literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(ctx context.Context, dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS repay_attempts (
			signature TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			vault TEXT NOT NULL,
			caller TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			pre_health SMALLINT NOT NULL,
			post_health SMALLINT,
			repay_amount TEXT NOT NULL,
			collateral_in TEXT NOT NULL,
			start_balance TEXT NOT NULL,
			slot BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_repay_attempts_owner ON repay_attempts(owner, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_repay_attempts_status ON repay_attempts(status);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// Record inserts a new attempt. Re-recording a signature is a no-op.
func (s *Store) Record(ctx context.Context, attempt Attempt) error {
	if attempt.Signature == "" {
		return errors.New("record attempt: empty signature")
	}
	if attempt.Status == "" {
		attempt.Status = StatusSubmitted
	}
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repay_attempts (
			signature, owner, vault, caller, status, error,
			pre_health, post_health, repay_amount, collateral_in, start_balance,
			slot, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signature) DO NOTHING
	`,
		attempt.Signature,
		attempt.Owner,
		attempt.Vault,
		attempt.Caller,
		string(attempt.Status),
		attempt.Error,
		int16(attempt.PreHealth),
		nullableHealth(attempt.PostHealth),
		strconv.FormatUint(attempt.RepayAmount, 10),
		strconv.FormatUint(attempt.CollateralIn, 10),
		strconv.FormatUint(attempt.StartBalance, 10),
		int64(attempt.Slot),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", attempt.Signature, err)
	}
	return nil
}

// Resolve moves an attempt to its final status.
func (s *Store) Resolve(ctx context.Context, signature string, status Status, slot uint64, postHealth *uint8, errText string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE repay_attempts
		SET status = ?, slot = ?, post_health = COALESCE(?, post_health), error = ?, updated_at = ?
		WHERE signature = ?
	`,
		string(status),
		int64(slot),
		nullableHealth(postHealth),
		errText,
		s.now().UnixMilli(),
		signature,
	)
	if err != nil {
		return fmt.Errorf("resolve attempt %s: %w", signature, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, signature)
	}
	return nil
}

const attemptColumns = `
	signature, owner, vault, caller, status, error,
	pre_health, post_health, repay_amount, collateral_in, start_balance,
	slot, created_at, updated_at`

func (s *Store) Get(ctx context.Context, signature string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM repay_attempts WHERE signature = ?`, signature)
	attempt, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, signature)
	}
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

func (s *Store) List(ctx context.Context, filter Filter) ([]Attempt, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 4)

	if filter.Owner != "" {
		clauses = append(clauses, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM repay_attempts
		WHERE %s
		ORDER BY created_at DESC, signature ASC
		LIMIT ? OFFSET ?
	`, attemptColumns, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]Attempt, 0, limit)
	for rows.Next() {
		item, err := scanAttempt(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}
	return items, limit, offset, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*Attempt, error) {
	var (
		item         Attempt
		status       string
		preHealth    int16
		postHealth   sql.NullInt16
		repayAmount  string
		collateralIn string
		startBalance string
		slot         int64
	)
	if err := row.Scan(
		&item.Signature,
		&item.Owner,
		&item.Vault,
		&item.Caller,
		&status,
		&item.Error,
		&preHealth,
		&postHealth,
		&repayAmount,
		&collateralIn,
		&startBalance,
		&slot,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.Status = Status(status)
	item.PreHealth = uint8(preHealth)
	if postHealth.Valid {
		v := uint8(postHealth.Int16)
		item.PostHealth = &v
	}
	item.Slot = uint64(slot)

	var err error
	if item.RepayAmount, err = strconv.ParseUint(repayAmount, 10, 64); err != nil {
		return nil, fmt.Errorf("attempt %s repay_amount: %w", item.Signature, err)
	}
	if item.CollateralIn, err = strconv.ParseUint(collateralIn, 10, 64); err != nil {
		return nil, fmt.Errorf("attempt %s collateral_in: %w", item.Signature, err)
	}
	if item.StartBalance, err = strconv.ParseUint(startBalance, 10, 64); err != nil {
		return nil, fmt.Errorf("attempt %s start_balance: %w", item.Signature, err)
	}
	return &item, nil
}

func nullableHealth(v *uint8) any {
	if v == nil {
		return nil
	}
	return int16(*v)
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
