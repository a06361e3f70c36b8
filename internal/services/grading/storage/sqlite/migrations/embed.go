// Package migrations contains embedded SQL migrations for the pass journal.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
