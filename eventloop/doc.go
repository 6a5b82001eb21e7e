// Package eventloop provides a single-goroutine task scheduler, used to run
// request windows, batch coordinators and connections without locks.
//
// # Execution Model
//
// A [Loop] runs on the goroutine that calls [Loop.Run], which is locked to
// its OS thread until the loop terminates. Each tick runs expired timers,
// then up to a budget of queued tasks, in FIFO order. When idle, the loop
// sleeps until woken by [Loop.Submit], [Loop.ScheduleTimer], or shutdown.
//
// # Thread Safety
//
//   - [Loop.Submit] and [Loop.ScheduleTimer] are safe to call from any goroutine
//   - [Loop.Shutdown] may be called from the loop itself, in which case it does
//     not block, and termination completes after the current task returns
//   - Tasks that panic are recovered, and logged
//
// # Shutdown
//
// Graceful shutdown ([Loop.Shutdown], or cancellation of the context passed
// to Run) keeps accepting tasks until the queue is drained, so that
// completion callbacks already in flight still run. [Loop.Close] discards
// queued work instead.
package eventloop
