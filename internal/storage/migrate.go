package storage

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/pressly/goose/v3"

	logx "pricewatch/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// migrate applies the embedded migrations for dialect. The provider is not
// closed: it would close db, which the store keeps using.
func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect, dir string, log logx.Logger) error {
	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		log.Info("migration applied",
			logx.Int64("version", r.Source.Version),
			logx.Duration("took", r.Duration),
		)
	}
	return nil
}
