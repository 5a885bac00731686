//go:build !debug

// Package migrations holds the schema migrations of the database-backed
// components (the application log table).
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed *.sql
var sqlFS embed.FS

// FS returns the embedded migration files (production: baked into binary).
func FS() fs.FS {
	return sqlFS
}
