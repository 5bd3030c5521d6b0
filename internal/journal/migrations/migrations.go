// Package migrations embeds the journal schema migrations applied by goose.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
