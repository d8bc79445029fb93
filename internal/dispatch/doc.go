// Package dispatch queues run requests and executes them one at a time.
//
// Triggers arrive from the CLI, the HTTP API and the push hook. Each accepted
// trigger receives a run id immediately and waits in a bounded FIFO queue.
// The dispatch loop reloads the descriptor for every run so edits take
// effect without a restart, then hands the pipeline to the scheduler.
//
// Runs are serial: the host pool is shared and a second concurrent run would
// only compete with the first for the same hosts.
//
// Error handling:
//   - Queue full → Submit fails with ErrQueueFull
//   - Descriptor load failure → the ticket completes with the load error
//   - Dispatcher stopped → pending tickets complete with the context error
package dispatch
