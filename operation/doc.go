// Package operation implements a cooperative, time-budgeted scheduler for
// long-running asynchronous work.
//
// The host owns the loop: it calls [Scheduler.Update] once per frame or tick.
// Each update polls live operations in registration order until the
// configured time slice is spent. Work that blocks (network transfers, file
// I/O) runs on goroutines owned by the operation; Poll only observes it.
//
// Callers receive a [Handle] for every started operation. Handles expose
// status, progress, the terminal error, cancellation, and completion
// notification through a channel, a blocking Wait, or OnComplete callbacks.
package operation
