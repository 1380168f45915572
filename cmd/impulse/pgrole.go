package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// pgxRoleAlterer is the real roleAlterer, issuing ALTER ROLE against the
// managed backend cluster's admin connection.
type pgxRoleAlterer struct {
	conn *pgx.Conn
}

func newPgxRoleAlterer(conn *pgx.Conn) *pgxRoleAlterer {
	return &pgxRoleAlterer{conn: conn}
}

func (a *pgxRoleAlterer) SetLogin(ctx context.Context, pgName string, allow bool) error {
	clause := "NOLOGIN"
	if allow {
		clause = "LOGIN"
	}
	ident := pgx.Identifier{pgName}.Sanitize()
	_, err := a.conn.Exec(ctx, fmt.Sprintf("ALTER ROLE %s %s", ident, clause))
	return err
}
