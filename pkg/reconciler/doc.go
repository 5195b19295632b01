/*
Package reconciler drives bookings through their lifecycle and keeps
agent capacity bookkeeping consistent with it.

A single goroutine runs one cycle per tick (default 60s). Ticks never
overlap: the loop runs each cycle inline, and a tick that fires while a
cycle is still running is skipped. Each cycle, in order:

 1. Health pass — probe every agent, record online/offline + last_seen.
 2. Pre-wake — Wake-on-LAN for approved bookings starting within the
    lead window.
 3. Start — for approved bookings whose start has arrived and whose
    agent is online, start the container, then commit status=active and
    the capacity debit in one transaction. The commit re-checks the
    booking is still approved, so a concurrent cancel wins and the
    stray container is reaped by the drift pass.
 4. Stop — for active bookings past end time, stop the container (a 404
    counts as done), then commit status=completed and the capacity
    credit in one transaction. Credits clamp at the agent's totals.
 5. Drift pass (every N ticks) — list containers per online agent;
    force-complete active bookings whose container vanished, stop
    managed containers nothing references.

Any failure leaves the booking where it was; the next tick is the
retry. The start, stop and drift phases fan out one goroutine per agent
while bookings bound to one agent stay serial; pre-wake runs serially.
*/
package reconciler
