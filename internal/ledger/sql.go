package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialects understood by SQLLedger.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

const recordColumns = `id, user_id, bucket, s3_key, original_name, content_type, size, public_url, created_at`

// SQLLedger implements Ledger over database/sql for SQLite and PostgreSQL.
// Queries are written with ? placeholders and rebound per dialect.
type SQLLedger struct {
	db      *sql.DB
	dialect string

	// now stamps CreatedAt; overridable in tests.
	now func() time.Time
}

// New returns a ledger on db. The schema must already be migrated.
func New(db *sql.DB, dialect string) (*SQLLedger, error) {
	switch dialect {
	case DialectSQLite, DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported ledger dialect %q", dialect)
	}
	return &SQLLedger{db: db, dialect: dialect, now: time.Now}, nil
}

func (l *SQLLedger) rebind(query string) string {
	if l.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Insert stores rec, setting rec.ID and rec.CreatedAt.
func (l *SQLLedger) Insert(ctx context.Context, rec *Record) (int64, error) {
	createdAt := l.now().UTC()
	query := l.rebind(`
		INSERT INTO files (user_id, bucket, s3_key, original_name, content_type, size, public_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	var id int64
	err := l.db.QueryRowContext(ctx, query,
		rec.UserID, rec.Bucket, rec.Key, rec.OriginalName, rec.ContentType, rec.Size, rec.PublicURL, createdAt,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateKey, rec.Key)
		}
		return 0, fmt.Errorf("insert file record: %w", err)
	}

	rec.ID = id
	rec.CreatedAt = createdAt
	return id, nil
}

// ListByUser returns userID's records, newest first.
func (l *SQLLedger) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	query := l.rebind(`SELECT ` + recordColumns + ` FROM files WHERE user_id = ? ORDER BY created_at DESC, id DESC`)
	rows, err := l.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	return scanRecords(rows)
}

// FindByUserAndKey returns the record for key owned by userID.
func (l *SQLLedger) FindByUserAndKey(ctx context.Context, userID, key string) (Record, error) {
	query := l.rebind(`SELECT ` + recordColumns + ` FROM files WHERE user_id = ? AND s3_key = ?`)
	rec, err := scanRecord(l.db.QueryRowContext(ctx, query, userID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("find file record: %w", err)
	}
	return rec, nil
}

// DeleteByID removes the record with id.
func (l *SQLLedger) DeleteByID(ctx context.Context, id int64) error {
	res, err := l.db.ExecContext(ctx, l.rebind(`DELETE FROM files WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// All returns every record ordered by id.
func (l *SQLLedger) All(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM files ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list all file records: %w", err)
	}
	return scanRecords(rows)
}

func (l *SQLLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var rec Record
	err := s.Scan(&rec.ID, &rec.UserID, &rec.Bucket, &rec.Key, &rec.OriginalName,
		&rec.ContentType, &rec.Size, &rec.PublicURL, &rec.CreatedAt)
	return rec, err
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return true
		}
		return code&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE")
	}
	return false
}
