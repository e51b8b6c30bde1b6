// Package migrations embeds the SQL schema of the mq2t database.
//
// Files follow database.LoadMigrations naming and sit at the root of FS.
package migrations

import "embed"

// FS holds every *.sql migration compiled into the binary.
//
//go:embed *.sql
var FS embed.FS
