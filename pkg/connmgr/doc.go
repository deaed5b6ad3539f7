/*
Package connmgr builds, caches, and invalidates per-tenant database
clients.

The manager keeps one client per store in a process-wide cache. A cold
lookup runs the build sequence: fetch the primary database record from
the registry (credentials already decrypted by the vault), dial the
engine-appropriate client, and health-probe it with a short deadline
before anyone sees it.

# Coalescing

Concurrent requests for the same cold store share a single build via
singleflight: exactly one credential unwrap and one probe happen no
matter how many callers arrive at once, and all of them receive the same
client instance. Build failures are never cached; the next request
retries. A caller cancelling its context abandons only its own wait;
the shared build keeps running for the callers still behind it.

# Invalidation

Entries are evicted on explicit invalidation, on health-probe failure,
and when their TTL lapses. Registry updates for a store must call
Invalidate so the next request picks up new credentials.
*/
package connmgr
