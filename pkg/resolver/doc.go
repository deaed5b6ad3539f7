/*
Package resolver maps inbound requests to stores.

Identity sources are tried in a fixed priority order; the first one that
yields a known store wins:

 1. explicit header "store-id"
 2. query parameter or cookie "store_id"
 3. hostname (Redis cache, then registry lookup)
 4. path slug
 5. configured default store

Resolution only ever reads the master registry. Hostname mappings are
cached in Redis with a bounded TTL; a binding change is propagated by
InvalidateHostname, and stale cache entries self-heal when the cached
store id no longer exists.
*/
package resolver
