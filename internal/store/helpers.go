package store

import (
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func nowUTC() time.Time { return time.Now().UTC() }

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), mirroring the teacher's pgconn.PgError inspection
// pattern used throughout internal/store/events.go.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if ok := asPgError(err, &pgErr); ok {
		return pgErr.Code == "23505"
	}
	return false
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if pe, ok := err.(*pgconn.PgError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// jsonbOrEmpty returns "{}"/"[]" when raw is empty so JSONB columns never
// receive a zero-length value, which Postgres rejects.
func jsonbOrEmpty(raw []byte, emptyForm string) []byte {
	if len(raw) == 0 {
		return []byte(emptyForm)
	}
	return raw
}
