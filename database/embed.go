package database

import "embed"

// EmbeddedMigrations holds migrations/*.sql. Use fs.Sub(..., "migrations").
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
