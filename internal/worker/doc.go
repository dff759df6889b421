// Package worker is the Worker Loop (§4.5/§5): it repeatedly reserves the
// next eligible instruction from the Instruction Queue, dispatches it via
// the Dispatcher, and settles the result, sleeping between empty polls.
//
// Grounded on the legacy worker's reserve/process loop this package
// replaces and on the daemon's context-cancellation-driven ticker loop for
// how a long-running poll loop should shut down cleanly.
package worker
