package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	oerrors "github.com/porthorian/recipebox/pkg/errors"
)

// classify annotates database failures for the retry policy. Connectivity
// problems and server-side conditions that clear on their own are transient;
// everything else, constraint violations included, is permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var typed *oerrors.Error
	if errors.As(err, &typed) {
		return err
	}

	if isTransient(err) {
		return oerrors.Transient(err)
	}
	return oerrors.Permanent(err)
}

func isTransient(err error) bool {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		return pgerrcode.IsConnectionException(code) ||
			pgerrcode.IsInsufficientResources(code) ||
			pgerrcode.IsOperatorIntervention(code) ||
			code == pgerrcode.SerializationFailure ||
			code == pgerrcode.DeadlockDetected
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
