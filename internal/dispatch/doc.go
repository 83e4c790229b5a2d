// Package dispatch fans matched commit events out to subscription
// commands.
//
// Each subscription gets its own lane: a bounded FIFO channel drained
// by a dedicated goroutine. Commands for the same subscription
// therefore never overlap and run in arrival order, while different
// subscriptions proceed concurrently under a global concurrency cap.
//
// Key behaviors:
//   - One commit event may match several subscriptions; each match is
//     queued independently and failures stay isolated per lane
//   - Lane queues are bounded; when a lane is full the oldest queued
//     event is dropped in favor of the newest
//   - Finished executions are recorded to history and, on failure,
//     handed to the blame notifier
//   - Progress is published to the event hub for the API stream and
//     the watch UI
//
// Shutdown:
//   - Stop closes all lanes and waits for queued work to drain
//   - After the configured drain grace, in-flight commands are
//     aborted via context cancellation
//   - Aborted executions are still recorded but never notified
package dispatch
