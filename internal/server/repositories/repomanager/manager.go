// Package repomanager wires concrete repositories to database handles and
// runs schema migrations.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/sealdrop/sealdrop/internal/dbx"
	"github.com/sealdrop/sealdrop/internal/server/repositories/sendtokens"
	"github.com/sealdrop/sealdrop/internal/server/repositories/viewtokens"
)

// RepositoryManager hands out repositories bound to either a *sql.DB or a
// transaction, and applies migrations at startup.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	SendTokens(db dbx.DBTX) sendtokens.Repository
	ViewTokens(db dbx.DBTX) viewtokens.Repository
}
