// pkg/store/migrations/embed.go

package migrations

import "embed"

// FS contains the SQLite schema migrations, one file per schema version.
//
//go:embed *.sql
var FS embed.FS
