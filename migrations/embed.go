// Package migrations embeds the SQL schema for the identity index.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
