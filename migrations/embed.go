package migrations

import "embed"

// EmbeddedFS carries the goose SQL migrations compiled into the binaries.
//
//go:embed *.sql
var EmbeddedFS embed.FS
