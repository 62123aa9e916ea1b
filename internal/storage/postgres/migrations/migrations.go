// Package migrations embeds the goose migrations of the postgres repository.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
