/*
Package tokens tracks the expiry of third-party integration tokens
(payment providers, shipping carriers, marketplaces) across all stores.

Only expiry metadata lives here. The tokens themselves stay in each
tenant database; this registry exists so a single scheduler can find
every token due for refresh without opening a connection per tenant.

Tokens are keyed by (store_id, integration_type, config_key). Status is
derived from expiry relative to a refresh buffer:

	active   expiry beyond now+buffer
	expiring expiry within the buffer
	expired  expiry at or before now

refresh_failed and revoked are sticky: they are only cleared by
re-registering the token through Upsert.
*/
package tokens
