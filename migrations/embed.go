package migrations

import "embed"

// Files exposes embedded SQL migrations. Each driver reads its own subdirectory
// (postgres/, sqlite/) in lexicographical order.
//
//go:embed postgres/*.sql sqlite/*.sql
var Files embed.FS
