// Package dispatch runs the worker loop that drains the task queue.
//
// The Dispatcher starts a fixed number of workers. Each worker pops the
// highest priority waiting task, resolves an Executor by the payload kind,
// leases a device when the kind needs one, and reports the outcome back to
// the queue.
//
// Executors:
//   - display: sends one command (show_emoji, show_image, turn_on, turn_off,
//     flip, sync_time) to the leased device after an optional delay
//   - timer: waits for a delay or the next cron fire time, then runs a nested
//     display action
//   - generic: acknowledges the task and does nothing else
//
// Error handling:
//   - Executor error or panic → queue.Fail (retried up to max_retries)
//   - No usable device → queue.Fail
//   - Success → queue.Complete with the executor result
//
// Worker errors never stop the loop; only context cancellation does.
package dispatch
