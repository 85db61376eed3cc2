// Package dbmigrations exposes embedded SQL migrations for beam binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into beam binaries.
//
//go:embed *.sql
var Files embed.FS
