// Package dbmigrations exposes embedded SQL migrations for voltlink binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into voltlink binaries.
//
//go:embed *.sql
var Files embed.FS
