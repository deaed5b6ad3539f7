// Package migrations embeds the master database schema for goose.
package migrations

import "embed"

// Master holds the goose migrations for the master registry database.
// Tenant store schemas live in pkg/provision and are applied per store.
//
//go:embed master/*.sql
var Master embed.FS
