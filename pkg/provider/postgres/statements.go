package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/porthorian/recipebox/pkg/session"
)

const (
	putUserQuery = `
INSERT INTO recipebox.users (
  id, email, password_hash, attributes, date_added
) VALUES ($1, $2, $3, $4, $5)
`

	getUserByEmailQuery = `
SELECT
  id::text, email, password_hash, attributes, date_added
FROM recipebox.users
WHERE lower(email) = lower($1)
`

	putSessionQuery = `
INSERT INTO recipebox.sessions (
  id, user_id, access_token, refresh_token, issued_at, expires_at
) VALUES ($1, $2, $3, $4, $5, $6)
`

	selectSessionColumns = `
SELECT
  s.id::text, s.access_token, s.refresh_token, s.issued_at, s.expires_at,
  u.id::text, u.email, u.attributes, u.date_added
FROM recipebox.sessions s
JOIN recipebox.users u ON u.id = s.user_id
WHERE s.id = $1
`

	getSessionQuery = selectSessionColumns

	getSessionForUpdateQuery = selectSessionColumns + `FOR UPDATE OF s
`

	rotateSessionQuery = `
UPDATE recipebox.sessions
SET
  access_token = $2,
  refresh_token = $3,
  issued_at = $4,
  expires_at = $5
WHERE id = $1
`

	deleteSessionQuery = `DELETE FROM recipebox.sessions WHERE id = $1`
)

type preparedStatements struct {
	putUser             *sql.Stmt
	getUserByEmail      *sql.Stmt
	putSession          *sql.Stmt
	getSession          *sql.Stmt
	getSessionForUpdate *sql.Stmt
	rotateSession       *sql.Stmt
	deleteSession       *sql.Stmt
}

func (ps *preparedStatements) all() []*sql.Stmt {
	return []*sql.Stmt{
		ps.putUser,
		ps.getUserByEmail,
		ps.putSession,
		ps.getSession,
		ps.getSessionForUpdate,
		ps.rotateSession,
		ps.deleteSession,
	}
}

type prepareStatementSpec struct {
	label  string
	query  string
	assign func(*preparedStatements, *sql.Stmt)
}

var prepareStatementSpecs = []prepareStatementSpec{
	{
		label:  "put user",
		query:  putUserQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) { ps.putUser = stmt },
	},
	{
		label:  "get user by email",
		query:  getUserByEmailQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) { ps.getUserByEmail = stmt },
	},
	{
		label:  "put session",
		query:  putSessionQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) { ps.putSession = stmt },
	},
	{
		label:  "get session",
		query:  getSessionQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) { ps.getSession = stmt },
	},
	{
		label:  "get session for update",
		query:  getSessionForUpdateQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) { ps.getSessionForUpdate = stmt },
	},
	{
		label:  "rotate session",
		query:  rotateSessionQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) { ps.rotateSession = stmt },
	},
	{
		label:  "delete session",
		query:  deleteSessionQuery,
		assign: func(ps *preparedStatements, stmt *sql.Stmt) { ps.deleteSession = stmt },
	},
}

func (p *Provider) prepareStatements() (err error) {
	prepared := make([]*sql.Stmt, 0, len(prepareStatementSpecs))
	defer func() {
		if err != nil {
			_ = closeStatements(prepared...)
			p.stmts = preparedStatements{}
		}
	}()

	for _, spec := range prepareStatementSpecs {
		stmt, prepErr := p.db.Prepare(spec.query)
		if prepErr != nil {
			err = fmt.Errorf("postgres provider: prepare %s statement: %w", spec.label, classify(prepErr))
			return err
		}
		prepared = append(prepared, stmt)
		spec.assign(&p.stmts, stmt)
	}
	return nil
}

func (p *Provider) requirePreparedStatements() error {
	if p == nil || p.db == nil {
		return ErrNilDB
	}
	for _, stmt := range p.stmts.all() {
		if stmt == nil {
			return ErrProviderNotInitialized
		}
	}
	return nil
}

func closeStatements(stmts ...*sql.Stmt) error {
	var errs []error
	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}
		if err := stmt.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newID() string {
	return uuid.NewString()
}

func encodeAttributes(attributes session.Attributes) ([]byte, error) {
	if attributes == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(attributes)
}

func decodeAttributes(raw []byte) (session.Attributes, error) {
	if len(raw) == 0 {
		return session.Attributes{}, nil
	}

	attributes := session.Attributes{}
	if err := json.Unmarshal(raw, &attributes); err != nil {
		return nil, err
	}
	return attributes, nil
}
