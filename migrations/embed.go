// Package migrations carries the SQL schema of the postgres credential store.
package migrations

import "embed"

// Files holds every migration, applied in name order.
//
//go:embed *.sql
var Files embed.FS
