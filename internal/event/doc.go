// Package event provides a small synchronous pub-sub bus for run progress.
//
// The scheduler publishes an event whenever a batch starts, a slot changes
// state or a branch is reconciled. Front ends subscribe to render progress
// without the scheduler knowing about them.
//
// # Main Types
//
//   - [Event]: interface implemented by every event
//   - [Bus]: thread-safe dispatcher; handlers run on the publishing goroutine
//   - [Handler]: func(Event)
//
// Handlers may be called concurrently when several slots publish at once, so
// they must do their own locking. A panicking handler is recovered and logged
// and does not affect other handlers.
package event
