package repomanager

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sealdrop/sealdrop/internal/dbx"
	"github.com/sealdrop/sealdrop/internal/server/migrations"
	"github.com/sealdrop/sealdrop/internal/server/repositories/sendtokens"
	"github.com/sealdrop/sealdrop/internal/server/repositories/viewtokens"
)

type PostgresRepositoryManager struct {
}

func NewPostgresRepositoryManager() *PostgresRepositoryManager {
	return &PostgresRepositoryManager{}
}

func (m *PostgresRepositoryManager) SendTokens(db dbx.DBTX) sendtokens.Repository {
	return sendtokens.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) ViewTokens(db dbx.DBTX) viewtokens.Repository {
	return viewtokens.NewPostgresRepository(db)
}

func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
