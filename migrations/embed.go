// Package migrations embeds the SQL migrations of the event bus schema.
package migrations

import "embed"

//go:embed postgres/*.sql
var Postgres embed.FS

const PostgresDir = "postgres"
