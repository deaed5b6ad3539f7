/*
Package jobs implements the durable background job queue.

Jobs live in the master database and move through a fixed state machine:

	            ┌──────────────────────────────┐
	            ▼                              │ retry (backoff)
	pending ─▶ running ─▶ completed            │
	   │          │  └──▶ failed ◀─────────────┘ (attempts exhausted)
	   │          ▼
	   │      cancelling ─▶ cancelled
	   └─────────────────▶ cancelled  (cancel while pending)

# Leasing

Workers lease due jobs with SELECT ... FOR UPDATE SKIP LOCKED, ordered
by priority desc, scheduled_at asc, created_at asc. A lease carries a
visibility timeout; if the worker dies without finishing, the reaper
returns the job to pending with an incremented retry count, giving the
queue at-least-once semantics.

# Retries

A failed attempt reschedules the job after min(cap, base * 2^(n-1))
where n is the retry number. max_retries bounds total attempts; the
final attempt's failure is terminal.

# Cancellation

Cancelling a pending job is immediate. Cancelling a running job flips
it to cancelling; the worker's watchdog polls for the signal, cancels
the handler's context, and acknowledges with a transition to cancelled
at the next safe point. A handler that completes or fails before
observing the signal keeps that outcome.

# Dedupe

An enqueue carrying a dedupe key returns the already live job under
that key instead of creating a second one. Terminal jobs release their
key.

Every state transition appends a job_history row; a system cron job
trims history beyond the retention window.
*/
package jobs
