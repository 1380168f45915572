package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	pg_query "github.com/pganalyze/pg_query_go/v5"

	"github.com/SubstructureOne/impulse/internal/wire"
)

// ErrStartupMissingParameter is returned when a StartupMessage lacks a
// database or user parameter; the session must close, since the client
// cannot authenticate without them.
var ErrStartupMissingParameter = errors.New("pipeline: startup message missing database or user parameter")

// AppendUserName implements the append-username convention:
// namespace per-user resources in a shared backend by suffixing a
// database name with "__<user>", unless the name already equals the user.
type AppendUserName struct {
	log *slog.Logger
}

// NewAppendUserName constructs the transformer.
func NewAppendUserName() *AppendUserName {
	return &AppendUserName{log: slog.Default().With("component", "pipeline.appendusername")}
}

func namespacedName(dbname, user string) string {
	if dbname == user {
		return dbname
	}
	return dbname + "__" + user
}

// Transform rewrites StartupMessage database parameters (which apply
// pre-authentication, since Startup itself carries the user parameter) and,
// once authenticated, CREATE/DROP/ALTER DATABASE statements.
func (a *AppendUserName) Transform(ctx context.Context, p *Packet, auth AuthView) (bool, error) {
	switch p.Kind {
	case wire.KindStartup:
		return a.transformStartup(p)
	case wire.KindQuery:
		if !auth.Authenticated() {
			return false, nil
		}
		user, ok := auth.Username()
		if !ok {
			return false, nil
		}
		return a.transformQuery(p, user)
	default:
		return false, nil
	}
}

func (a *AppendUserName) transformStartup(p *Packet) (bool, error) {
	if p.Startup == nil {
		return false, nil
	}
	dbname, ok := p.Startup.GetParameter("database")
	if !ok {
		return false, fmt.Errorf("%w: database", ErrStartupMissingParameter)
	}
	user, ok := p.Startup.GetParameter("user")
	if !ok {
		return false, fmt.Errorf("%w: user", ErrStartupMissingParameter)
	}
	newName := namespacedName(dbname, user)
	if newName == dbname {
		return false, nil
	}
	p.Startup.SetParameter("database", newName)
	return true, nil
}

// databaseStmt is the subset of pg_query_go's AST node shapes that carry a
// bare dbname string the append-username convention applies to.
type databaseStmt struct {
	getDbname func() string
	setDbname func(string)
}

func databaseStmtsIn(node *pg_query.Node) *databaseStmt {
	switch stmt := node.Node.(type) {
	case *pg_query.Node_CreatedbStmt:
		n := stmt.CreatedbStmt
		return &databaseStmt{
			getDbname: func() string { return n.Dbname },
			setDbname: func(v string) { n.Dbname = v },
		}
	case *pg_query.Node_DropdbStmt:
		n := stmt.DropdbStmt
		return &databaseStmt{
			getDbname: func() string { return n.Dbname },
			setDbname: func(v string) { n.Dbname = v },
		}
	case *pg_query.Node_AlterDatabaseStmt:
		n := stmt.AlterDatabaseStmt
		return &databaseStmt{
			getDbname: func() string { return n.Dbname },
			setDbname: func(v string) { n.Dbname = v },
		}
	case *pg_query.Node_AlterDatabaseSetStmt:
		n := stmt.AlterDatabaseSetStmt
		return &databaseStmt{
			getDbname: func() string { return n.Dbname },
			setDbname: func(v string) { n.Dbname = v },
		}
	default:
		return nil
	}
}

func (a *AppendUserName) transformQuery(p *Packet, user string) (bool, error) {
	tree, err := pg_query.Parse(p.SQL)
	if err != nil {
		// Parse failure forwards the original unchanged: the backend is the
		// authority on syntax errors.
		a.log.Warn("query parse failed, forwarding unchanged", "error", err)
		return false, nil
	}

	rewrote := false
	for _, rawStmt := range tree.Stmts {
		stmt := databaseStmtsIn(rawStmt.Stmt)
		if stmt == nil {
			continue
		}
		dbname := stmt.getDbname()
		newName := namespacedName(dbname, user)
		if newName != dbname {
			stmt.setDbname(newName)
			rewrote = true
		}
	}
	if !rewrote {
		return false, nil
	}

	deparsed, err := pg_query.Deparse(tree)
	if err != nil {
		a.log.Warn("query deparse failed, forwarding unchanged", "error", err)
		return false, nil
	}
	p.SQL = deparsed
	return true, nil
}
