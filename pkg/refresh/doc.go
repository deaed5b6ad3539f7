/*
Package refresh keeps integration tokens alive.

A system cron entry enqueues a refresh_tokens job every 30 minutes. The
handler selects every token expiring within the buffer, oldest expiry
first, and pushes each through the provider registered for its
integration type. Success updates the registry; a revoked outcome marks
the token sticky-revoked; any other error is recorded and the batch
moves on. The batch runs under a hard deadline, so a slow third party
only delays its own tokens until the next tick.

Provider calls are wrapped in a per-integration circuit breaker and a
short exponential retry.
*/
package refresh
