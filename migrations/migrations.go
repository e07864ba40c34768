// Package migrations embeds the metadata schema.
package migrations

import "embed"

// FS holds the *.up.sql files applied in lexical order.
//
//go:embed *.up.sql
var FS embed.FS
