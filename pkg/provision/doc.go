/*
Package provision detects and repairs broken tenant databases.

The probe checks for a small canonical set of tenant tables (stores,
products, categories, users). A reachable database missing any of them
is "empty"; an unanswering one is "unreachable".

Repair is a fixed sequence: mark the store pending_database, invalidate
its cached client, replay every embedded migration script in filename
order, seed the minimal rows (default store, system translations,
default theme, email templates, the owner user mirrored from master),
and mark the store active. Any failure stops the sequence, leaves the
store in pending_database, and reports the step that broke. Migrations
and seeds are written to be idempotent, so a repair can be retried from
the top at any time.
*/
package provision
