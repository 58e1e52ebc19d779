// Package dispatch turns transport deliveries into capability invocations and
// outcome log entries.
//
// One delivery is handled at a time, each inside its own store session:
//
//	decode -> resolve -> invoke (savepoint) -> interpret -> append entries -> commit
//
// Every step produces a tagged Outcome rather than an error, and the logging
// step matches on its Kind:
//
//   - KindDecodeError: WARNING "could not decode message: <err>" or "method is not defined"
//   - KindNotFound: WARNING "reader <node> does not implement method handle_<method>"
//   - KindFault: CRITICAL "capability fault - <err>" (errors and recovered panics)
//   - KindMissingStatus: CRITICAL "<METHOD> - capability returned no status - <tag>"
//   - KindOK, KindDomainError: "<status>" entry "<METHOD> - <tag>"; an ERR result
//     adds a second entry at its level: "<METHOD> - <message> - <tag>"
//
// A capability's own writes are kept even when it faults. The savepoint around
// the invocation only exists so a store that aborts the transaction on error
// (PostgreSQL) can be brought back to a state where the fault can be logged.
//
// The only error Dispatch and Run return is one wrapping ErrStoreUnavailable:
// once entries cannot be written the process has nothing useful left to do.
// Acknowledgement is automatic at the transport, so nothing is redelivered.
package dispatch
