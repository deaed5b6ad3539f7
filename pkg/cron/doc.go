/*
Package cron schedules periodic jobs.

Entries carry a standard 5-field cron expression and a timezone. While
an entry is active and unpaused, next_run_at always holds the soonest
future instant matching the expression in that timezone. On every tick
the scheduler enqueues one job per due entry, advances next_run_at, and
appends an execution log row. Repeated enqueue failures pause the entry.

Exactly one scheduler ticks cluster-wide: instances compete for a
PostgreSQL advisory lock held on a dedicated connection. Losing the
connection loses leadership; the election fails closed, so a scheduler
in doubt does not tick.

System entries (token refresh, uptime billing, history trimming) are
installed idempotently by name at startup via EnsureEntry.
*/
package cron
