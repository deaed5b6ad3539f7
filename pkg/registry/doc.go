/*
Package registry implements the master catalog of stores, their hostname
bindings, and their (encrypted) tenant database records.

The registry is the single source of truth for tenant identity. Every
other component resolves stores through it: the resolver maps hostnames
to stores, the connection manager fetches decrypted connection material,
and the provisioner flips lifecycle status as tenant databases come and
go. All writes go to the master PostgreSQL database through sqlx.

# Architecture

	┌─────────────────── MASTER REGISTRY ───────────────────┐
	│                                                        │
	│  ┌──────────────────────────────────────────┐          │
	│  │              Registry                    │          │
	│  │  - Backed by: master PostgreSQL (sqlx)   │          │
	│  │  - Credentials: AES-256-GCM via vault    │          │
	│  └──────────────────┬───────────────────────┘          │
	│                     │                                  │
	│  ┌──────────────────▼───────────────────────┐          │
	│  │              Table Layout                │          │
	│  │  ┌────────────────────────────────┐      │          │
	│  │  │ stores          (slug unique)  │      │          │
	│  │  │ store_databases (1 per store)  │      │          │
	│  │  │ store_hostnames (hostname uniq)│      │          │
	│  │  └────────────────────────────────┘      │          │
	│  └──────────────────────────────────────────┘          │
	│                                                        │
	└────────────────────────────────────────────────────────┘

# Store Lifecycle

Stores move through a fixed set of states:

	pending_database → provisioning → active
	        ▲               │
	        └───────────────┘  (repair failure)

	active ⇄ suspended, active → inactive

is_active is derived: it is true only while status is active, and every
status write keeps the two consistent in the same statement.

# Credential Handling

Connection strings are encrypted before they touch the database and are
only decrypted inside GetPrimaryDatabase. Non-sensitive connection
details (host, port, database name) are extracted at attach time so
operators can inspect records without decrypting anything.

# Usage

	reg := registry.New(masterDB, v)

	store, err := reg.CreateStore(ctx, ownerID, "acme", "Acme Shop")
	err = reg.AttachDatabase(ctx, store.ID, types.DatabaseTypePostgreSQL, dsn)
	primary, err := reg.GetPrimaryDatabase(ctx, store.ID)
*/
package registry
