// Package ledger records uploaded files in a relational table so listings and
// deletes can be answered without enumerating the object store.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("file record not found")
	// ErrDuplicateKey is returned when a record for the same object key exists.
	ErrDuplicateKey = errors.New("file record already exists for key")
)

// Record is one row of the files table.
type Record struct {
	ID           int64
	UserID       string
	Bucket       string
	Key          string
	OriginalName string
	ContentType  sql.NullString
	Size         sql.NullInt64
	PublicURL    string
	CreatedAt    time.Time
}

// Ledger stores file records. Every method is a single statement.
type Ledger interface {
	Insert(ctx context.Context, rec *Record) (int64, error)
	ListByUser(ctx context.Context, userID string) ([]Record, error)
	FindByUserAndKey(ctx context.Context, userID, key string) (Record, error)
	DeleteByID(ctx context.Context, id int64) error
	All(ctx context.Context) ([]Record, error)
	Ping(ctx context.Context) error
}
