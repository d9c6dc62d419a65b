// Package migrations embeds the goose SQL migration files applied to the
// local store on startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
