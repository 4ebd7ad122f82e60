package errors

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// "Key (id)=(u-1) already exists."
	reKeyField = regexp.MustCompile(`Key \(([^)]+)\)=`)
	// "... is still referenced from table ..."
	reReferencedFrom = regexp.MustCompile(`is still referenced from table "?([^"]+)"?`)
	// "... is not present in table ..."
	reNotPresent = regexp.MustCompile(`is not present in table "?([^"]+)"?`)
)

// constraintFields names the column behind each constraint in the profiles and
// admin_sessions schema. Postgres leaves ColumnName empty for key and check violations.
var constraintFields = map[string]string{
	"profiles_pkey":        "id",
	"profiles_role_check":  "role",
	"profiles_email_check": "email",
	"admin_sessions_pkey":  "id",
}

var tableDomains = map[string]string{
	"profiles":       "Profile",
	"admin_sessions": "Admin Session",
}

// MapDBError maps database errors to AppError instances:
//   - context deadline and cancellation → Timeout / Canceled
//   - pgx.ErrNoRows → NotFound
//   - unique violations → Conflict
//   - foreign key violations → ForeignKey
//   - check and NOT NULL violations → Validation
//
// Other Postgres errors become Internal. Anything else is returned unchanged.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AppError{Code: ErrCodeTimeout, Message: "Request timed out. Please try again.", Cause: err}
	case errors.Is(err, context.Canceled):
		return &AppError{Code: ErrCodeCanceled, Message: "Request was canceled.", Cause: err}
	case errors.Is(err, pgx.ErrNoRows):
		return &AppError{Code: ErrCodeNotFound, Message: "Resource not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return &AppError{
			Code:    ErrCodeConflict,
			Message: "This value already exists. Please choose a different one.",
			Field:   fieldFor(pgErr),
			Cause:   pgErr,
		}
	case pgerrcode.ForeignKeyViolation:
		return &AppError{Code: ErrCodeForeignKey, Message: foreignKeyMessage(pgErr), Cause: pgErr}
	case pgerrcode.CheckViolation:
		return validationFor(pgErr, "This field has an invalid value.", "Invalid data. Please check your input.")
	case pgerrcode.NotNullViolation:
		return validationFor(pgErr, "This field is required.", "Required field is missing. Please check your input.")
	default:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "A database error occurred. Please try again.",
			Cause:   pgErr,
		}
	}
}

func validationFor(pgErr *pgconn.PgError, fieldMsg, genericMsg string) error {
	field := fieldFor(pgErr)
	msg := genericMsg
	if field != "" {
		msg = fieldMsg
	}
	return &AppError{Code: ErrCodeValidation, Message: msg, Field: field, Cause: pgErr}
}

// fieldFor resolves the offending column from error metadata, then the known
// constraint names, then a single-column "Key (col)=" detail.
func fieldFor(pgErr *pgconn.PgError) string {
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	if f, ok := constraintFields[pgErr.ConstraintName]; ok {
		return f
	}
	if m := reKeyField.FindStringSubmatch(pgErr.Detail); len(m) == 2 && !strings.Contains(m[1], ",") {
		return m[1]
	}
	return ""
}

func foreignKeyMessage(pgErr *pgconn.PgError) string {
	if m := reReferencedFrom.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return "Cannot delete because this item is in use by " + mapTableToDomain(m[1]) + "."
	}
	if m := reNotPresent.FindStringSubmatch(pgErr.Detail); len(m) == 2 {
		return "Cannot complete operation because the referenced " + mapTableToDomain(m[1]) + " does not exist."
	}
	if pgErr.TableName != "" {
		return "Cannot complete operation because this item is in use by " + mapTableToDomain(pgErr.TableName) + "."
	}
	return "Cannot complete operation because this item is in use."
}

// mapTableToDomain turns a table name into a display name, e.g. admin_sessions → Admin Session.
func mapTableToDomain(table string) string {
	table = strings.ToLower(strings.TrimSpace(table))
	if name, ok := tableDomains[table]; ok {
		return name
	}
	words := strings.Fields(strings.ReplaceAll(table, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
