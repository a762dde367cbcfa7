// Package migrations carries the schema files so binaries and tests apply the
// same DDL without depending on the working directory.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
