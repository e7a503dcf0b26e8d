// Package async runs background work off the request path.
//
// SafeGo starts a single task with a timeout and panic recovery. WorkerPool
// bounds concurrency for a stream of tasks and drains them on shutdown.
// Task errors and panics are logged with the logger carried by the
// context; they never reach the caller.
package async
