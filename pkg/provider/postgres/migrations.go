package postgres

import "embed"

// Migrations holds the schema this provider expects, for golang-migrate's
// iofs source rooted at MigrationsDir.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"
