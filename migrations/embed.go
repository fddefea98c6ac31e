// Package migrations holds the schema for the local sync store.
package migrations

import "embed"

// FS contains the versioned migration files, applied by tools/migrator.
//
//go:embed *.sql
var FS embed.FS
