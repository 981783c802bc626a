// Package migrations embeds the goose SQL migrations so the migrate binary
// runs without the source tree.
package migrations

import "embed"

// FS holds every migration file.
//
//go:embed *.sql
var FS embed.FS
