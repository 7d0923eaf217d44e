package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrVersionConflict is returned when an update carries a stale version.
	ErrVersionConflict = errors.New("version conflict")
	ErrLastAdmin       = errors.New("at least one active admin must remain")
	ErrInvalidParent   = errors.New("invalid parent for task kind")
)

const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
	sqlStateCheckViolation      = "23514"
)

func pgCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func IsUniqueViolation(err error) bool {
	code, _ := pgCode(err)
	return code == sqlStateUniqueViolation
}

func IsForeignKeyViolation(err error) bool {
	code, _ := pgCode(err)
	return code == sqlStateForeignKeyViolation
}

func IsCheckViolation(err error) bool {
	code, _ := pgCode(err)
	return code == sqlStateCheckViolation
}

// ConstraintName reports the violated constraint, if err came from Postgres.
func ConstraintName(err error) string {
	_, name := pgCode(err)
	return name
}
