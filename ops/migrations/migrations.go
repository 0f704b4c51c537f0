// Package migrations embeds the SQL schema applied by internal/migrate.
package migrations

import "embed"

// SQL holds the ordered *.up.sql / *.down.sql files under sql/.
//
//go:embed sql/*.sql
var SQL embed.FS
