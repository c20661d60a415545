// Package migrations embeds the SQL schema so the binary and tests apply the
// same files without a path on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
