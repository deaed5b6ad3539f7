// Package httpapi exposes the runtime over HTTP.
//
// The server mounts three surfaces on one chi router:
//
//   - /healthz and /metrics for liveness probes and Prometheus scraping
//   - /v1/resolve for hostname and slug based store resolution
//   - /v1/stores, /v1/jobs, /v1/tokens and /v1/cron for administration
//
// Handlers translate between JSON bodies and the component APIs and map
// error kinds from errdefs onto HTTP status codes. Repair failures carry
// the failed step name in the error response so operators can see where
// provisioning stopped.
package httpapi
