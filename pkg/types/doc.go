/*
Package types defines the core data structures shared across Cartloom's
tenant runtime: master registry entities (stores, tenant databases,
hostnames, integration tokens), the durable job queue records, and cron
entries.

Records here are plain data. Operations and invariants live on the
component that owns each record: the registry owns store lifecycle, the
token registry owns token status derivation, and the job engine owns the
job state machine. Keeping types free of behavior lets every component
share them without import cycles.

State enumerations are string-typed constants so they round-trip through
Postgres and JSON unchanged.
*/
package types
