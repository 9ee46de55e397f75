// Package poller runs the poll cycle: for every tracked item, fetch the
// upstream chapter count, compare it with the stored count and turn strict
// increases into notifications.
//
// # Ordering
//
// For an increase the history is consulted first, then policy decides
// between dispatch, batching and suppression, then the record is written,
// and only then the new count. A cycle interrupted between the alert and
// the count write re-detects the change next time, and the history's
// (item, count) record prevents a second alert.
//
// # Failures
//
// Items are processed sequentially and independently. Fetch errors, store
// errors and panics are contained to the item, logged with its id and the
// failing stage, and counted in Status. A failure to list the watchlist
// aborts only the current cycle.
//
// # Concurrency
//
// One mutex serialises the timer loop, PollNow and FlushDue; callers that
// lose the race get ErrCycleInProgress instead of waiting.
package poller
