/*
Package types defines the core entities of the stint booking plane: users,
agents (worker hosts), and bookings, together with their status enums and
the booking state machine.

Status fields are stored as strings; the Parse* functions are the single
translation point from stored text back into typed values and reject
anything outside the closed sets. CanTransition encodes the allowed
lifecycle edges:

	pending ──► approved ──► active ──► completed
	   │            │
	   │            └──► cancelled
	   ├──► rejected
	   └──► cancelled

rejected, cancelled and completed are terminal.
*/
package types
