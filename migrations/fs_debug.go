//go:build debug

// Package migrations holds the schema migrations of the database-backed
// components (the application log table).
package migrations

import (
	"io/fs"
	"os"
)

// FS returns a live filesystem rooted at migrations/ (debug: reads from disk).
func FS() fs.FS {
	return os.DirFS("migrations")
}
