// Package migrations embeds the SQL migrations for the postgres session storage.
package migrations

import "embed"

// FS holds the goose migration files.
//
//go:embed *.sql
var FS embed.FS
