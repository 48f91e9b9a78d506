// Package migrations embeds SQL migration files into the binary, so
// Hashwatch can bring its schema up to date without the SQL files present
// on the filesystem.
package migrations

import (
	"embed"

	"github.com/hashwatch/hashwatch-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files are at root of embedded FS
}
